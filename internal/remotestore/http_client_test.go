package remotestore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/cashsync/internal/cashsync"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/archives/alice" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dates":["2024-05-01"]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), WithHTTPRetries(1, time.Millisecond, time.Millisecond))
	dates, err := client.ListArchiveDates(context.Background(), "alice")
	require.NoError(t, err, "retry recovers from a transient 503")
	assert.Equal(t, []string{"2024-05-01"}, dates)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientSendsAuthAndCorrelation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "cs_"), "correlation id %q", r.Header.Get("X-Correlation-Id"))
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/worksheets/alice", r.URL.Path)
		var worksheet cashsync.Worksheet
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&worksheet))
		assert.Equal(t, "alice", worksheet.OwnerID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	require.NoError(t, client.UpsertWorksheet(context.Background(), cashsync.NewWorksheet("alice")))
}

func TestHTTPClientMissingRecordsAreNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"missing"}`))
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewHTTPClient(server.URL, "tok", server.Client())
	worksheet, err := client.GetWorksheet(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, worksheet)

	snapshot, err := client.GetArchive(ctx, "alice", "2024-05-01")
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	userID, err := client.LookupUserByCode(ctx, "NOPE")
	require.NoError(t, err)
	assert.Empty(t, userID)

	assert.ErrorIs(t, client.DeleteGrant(ctx, "g1"), cashsync.ErrNotFound)
}

func TestHTTPClientMapsConflictCodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/grants":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"invite_pending","message":"pending"}`))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"validation_failed","message":"bad row"}`))
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewHTTPClient(server.URL, "tok", server.Client())
	_, err := client.CreateGrant(ctx, cashsync.Grant{ReceiverID: "bob", Role: cashsync.RoleViewer})
	require.ErrorIs(t, err, cashsync.ErrInvitePending)
	assert.False(t, cashsync.IsTransient(err), "conflicts must not be retried")

	err = client.WriteArchive(ctx, cashsync.ArchiveSnapshot{OwnerID: "alice", Date: "2024-05-01"})
	require.ErrorIs(t, err, cashsync.ErrValidation)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
}

func TestHTTPClientHonorsRetryAfter(t *testing.T) {
	var calls int32
	var firstAt, secondAt atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			firstAt.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondAt.Store(time.Now().UnixNano())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"grants":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client(), WithHTTPRetries(1, time.Millisecond, 5*time.Second))
	grants, err := client.ListGrants(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, grants)
	assert.Empty(t, grants)
	waited := time.Duration(secondAt.Load() - firstAt.Load())
	assert.GreaterOrEqual(t, waited, 900*time.Millisecond, "Retry-After is honoured")
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client(), WithHTTPRetries(2, time.Millisecond, time.Millisecond))
	_, err := client.ListRoutes(context.Background(), "alice")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, cashsync.IsTransient(err), "gateway errors stay transient for the engine")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClientDeleteRoutesEncodesIDs(t *testing.T) {
	var query atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query()["id"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	require.NoError(t, client.DeleteRoutes(context.Background(), "alice", []string{"r1", "r 2"}))
	ids, _ := query.Load().([]string)
	assert.Equal(t, []string{"r1", "r 2"}, ids)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Positive(t, parseRetryAfter(future), "an HTTP date yields a positive delay")
}
