package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/localstore"
	"github.com/agentworkforce/cashsync/internal/remotestore"
)

const testSecret = "test-secret"

func TestHealthNeedsNoToken(t *testing.T) {
	server := NewServer(remotestore.NewMemory())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServerWithConfig(remotestore.NewMemory(), ServerConfig{JWTSecret: testSecret})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}

	expired := mustToken(t, testSecret, "alice", false, -time.Minute)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: expired})
	if resp.Code != http.StatusUnauthorized || !strings.Contains(resp.Body.String(), "token expired") {
		t.Fatalf("expected expired token rejection, got %d (%s)", resp.Code, resp.Body.String())
	}

	wrongSecret := mustToken(t, "other-secret", "alice", false, time.Hour)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: wrongSecret})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Audience:  jwt.ClaimStrings{"billing"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: wrongAudience})
	if resp.Code != http.StatusUnauthorized || !strings.Contains(resp.Body.String(), "aud") {
		t.Fatalf("expected aud rejection, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestWorksheetAccessRules(t *testing.T) {
	backend := remotestore.NewMemory()
	server := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	bob := mustToken(t, testSecret, "bob", false, time.Hour)
	admin := mustToken(t, testSecret, "root", true, time.Hour)

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: alice})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first write, got %d", missing.Code)
	}

	worksheet := cashsync.NewWorksheet("alice")
	worksheet.MasterLimit = decimal.RequireFromString("500")
	put := doRequest(t, server, request{method: http.MethodPut, path: "/v1/worksheets/alice", token: alice, body: worksheet})
	if put.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on owner write, got %d (%s)", put.Code, put.Body.String())
	}

	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: bob})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", denied.Code)
	}

	adminRead := doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: admin})
	if adminRead.Code != http.StatusOK {
		t.Fatalf("expected admin read, got %d", adminRead.Code)
	}
	adminWrite := doRequest(t, server, request{method: http.MethodPut, path: "/v1/worksheets/alice", token: admin, body: worksheet})
	if adminWrite.Code != http.StatusForbidden {
		t.Fatalf("expected admin write to be refused, got %d", adminWrite.Code)
	}

	grantAccepted(t, backend, "alice", "bob", cashsync.RoleViewer)
	viewerRead := doRequest(t, server, request{method: http.MethodGet, path: "/v1/worksheets/alice", token: bob})
	if viewerRead.Code != http.StatusOK {
		t.Fatalf("expected viewer read, got %d", viewerRead.Code)
	}
	var got cashsync.Worksheet
	if err := json.NewDecoder(viewerRead.Body).Decode(&got); err != nil {
		t.Fatalf("decode worksheet: %v", err)
	}
	if !got.MasterLimit.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("unexpected master limit %s", got.MasterLimit)
	}
	viewerWrite := doRequest(t, server, request{method: http.MethodPut, path: "/v1/worksheets/alice", token: bob, body: worksheet})
	if viewerWrite.Code != http.StatusForbidden {
		t.Fatalf("expected viewer write to be refused, got %d", viewerWrite.Code)
	}

	mismatch := doRequest(t, server, request{method: http.MethodPut, path: "/v1/worksheets/alice", token: alice, body: cashsync.NewWorksheet("carol")})
	if mismatch.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on owner mismatch, got %d", mismatch.Code)
	}
}

func TestInvalidWorksheetIsUnprocessable(t *testing.T) {
	server := NewServerWithConfig(remotestore.NewMemory(), ServerConfig{JWTSecret: testSecret})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	resp := doRawRequest(t, server, http.MethodPut, "/v1/worksheets/alice", alice, []byte(`{"ownerId":"alice","rows":[{"shopCode":"S1"}]}`))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a row without id, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRawRequest(t, server, http.MethodPut, "/v1/worksheets/alice", alice, []byte(`{not json`))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", resp.Code)
	}
}

func TestArchivesAndRoutesAreOwnerWritable(t *testing.T) {
	backend := remotestore.NewMemory()
	server := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	bob := mustToken(t, testSecret, "bob", false, time.Hour)
	grantAccepted(t, backend, "alice", "bob", cashsync.RoleEditor)

	snapshot := cashsync.ArchiveSnapshot{OwnerID: "alice", Date: "2024-05-01", Rows: []cashsync.Row{}}
	editorWrite := doRequest(t, server, request{method: http.MethodPut, path: "/v1/archives/alice/2024-05-01", token: bob, body: snapshot})
	if editorWrite.Code != http.StatusForbidden {
		t.Fatalf("expected editor archive write to be refused, got %d", editorWrite.Code)
	}
	ownerWrite := doRequest(t, server, request{method: http.MethodPut, path: "/v1/archives/alice/2024-05-01", token: alice, body: snapshot})
	if ownerWrite.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", ownerWrite.Code, ownerWrite.Body.String())
	}
	dateMismatch := doRequest(t, server, request{method: http.MethodPut, path: "/v1/archives/alice/2024-05-02", token: alice, body: snapshot})
	if dateMismatch.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on date mismatch, got %d", dateMismatch.Code)
	}

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/archives/alice", token: bob})
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), "2024-05-01") {
		t.Fatalf("expected collaborator to list archive dates, got %d (%s)", list.Code, list.Body.String())
	}

	routes := map[string]any{"routes": []cashsync.RouteRecord{{ID: cashsync.TemporaryIDPrefix + "1", ShopCode: "S1"}}}
	routeWrite := doRequest(t, server, request{method: http.MethodPut, path: "/v1/routes/alice", token: bob, body: routes})
	if routeWrite.Code != http.StatusForbidden {
		t.Fatalf("expected editor route write to be refused, got %d", routeWrite.Code)
	}
	routeWrite = doRequest(t, server, request{method: http.MethodPut, path: "/v1/routes/alice", token: alice, body: routes})
	if routeWrite.Code != http.StatusOK {
		t.Fatalf("expected 200 on route upsert, got %d (%s)", routeWrite.Code, routeWrite.Body.String())
	}
	var stored struct {
		Routes []cashsync.RouteRecord `json:"routes"`
	}
	if err := json.NewDecoder(routeWrite.Body).Decode(&stored); err != nil {
		t.Fatalf("decode routes: %v", err)
	}
	if len(stored.Routes) != 1 || cashsync.IsTemporaryID(stored.Routes[0].ID) {
		t.Fatalf("expected a confirmed route id, got %+v", stored.Routes)
	}

	noIDs := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/routes/alice", token: alice})
	if noIDs.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ids, got %d", noIDs.Code)
	}
	deleted := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/routes/alice?id=" + stored.Routes[0].ID, token: alice})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on route delete, got %d", deleted.Code)
	}
}

func TestGrantEndpointsEnforceParties(t *testing.T) {
	backend := remotestore.NewMemory()
	server := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	bob := mustToken(t, testSecret, "bob", false, time.Hour)
	carol := mustToken(t, testSecret, "carol", false, time.Hour)

	register := doRequest(t, server, request{method: http.MethodPut, path: "/v1/users/bob/code", token: alice, body: map[string]string{"code": "BOB"}})
	if register.Code != http.StatusForbidden {
		t.Fatalf("expected 403 registering another user's code, got %d", register.Code)
	}
	register = doRequest(t, server, request{method: http.MethodPut, path: "/v1/users/bob/code", token: bob, body: map[string]string{"code": "BOB"}})
	if register.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", register.Code, register.Body.String())
	}
	lookup := doRequest(t, server, request{method: http.MethodGet, path: "/v1/users/by-code/BOB", token: alice})
	if lookup.Code != http.StatusOK || !strings.Contains(lookup.Body.String(), `"bob"`) {
		t.Fatalf("expected lookup to resolve bob, got %d (%s)", lookup.Code, lookup.Body.String())
	}
	unknown := doRequest(t, server, request{method: http.MethodGet, path: "/v1/users/by-code/NOPE", token: alice})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", unknown.Code)
	}

	// the sender is always the caller, whatever the body says
	created := doRequest(t, server, request{method: http.MethodPost, path: "/v1/grants", token: alice, body: cashsync.Grant{
		SenderID: "mallory", ReceiverID: "bob", Role: cashsync.RoleEditor,
	}})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.Code, created.Body.String())
	}
	var grant cashsync.Grant
	if err := json.NewDecoder(created.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.SenderID != "alice" || grant.Status != cashsync.GrantPending {
		t.Fatalf("unexpected grant %+v", grant)
	}

	again := doRequest(t, server, request{method: http.MethodPost, path: "/v1/grants", token: alice, body: cashsync.Grant{ReceiverID: "bob", Role: cashsync.RoleEditor}})
	if again.Code != http.StatusConflict || !strings.Contains(again.Body.String(), remotestore.CodeInvitePending) {
		t.Fatalf("expected invite_pending conflict, got %d (%s)", again.Code, again.Body.String())
	}

	senderAccepts := doRequest(t, server, request{method: http.MethodPatch, path: "/v1/grants/" + grant.ID, token: alice, body: map[string]string{"status": "accepted"}})
	if senderAccepts.Code != http.StatusConflict {
		t.Fatalf("expected sender acceptance to be refused, got %d", senderAccepts.Code)
	}
	stranger := doRequest(t, server, request{method: http.MethodPatch, path: "/v1/grants/" + grant.ID, token: carol, body: map[string]string{"status": "accepted"}})
	if stranger.Code != http.StatusNotFound {
		t.Fatalf("expected stranger to not see the grant, got %d", stranger.Code)
	}
	accepted := doRequest(t, server, request{method: http.MethodPatch, path: "/v1/grants/" + grant.ID, token: bob, body: map[string]string{"status": "accepted", "role": "viewer"}})
	if accepted.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", accepted.Code, accepted.Body.String())
	}
	if err := json.NewDecoder(accepted.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.Status != cashsync.GrantAccepted || grant.Role != cashsync.RoleViewer {
		t.Fatalf("expected accepted viewer grant, got %+v", grant)
	}

	otherList := doRequest(t, server, request{method: http.MethodGet, path: "/v1/grants?user=alice", token: carol})
	if otherList.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing another user's grants, got %d", otherList.Code)
	}

	revoked := doRequest(t, server, request{method: http.MethodPatch, path: "/v1/grants/" + grant.ID, token: alice, body: map[string]string{"status": "revoked"}})
	if revoked.Code != http.StatusOK {
		t.Fatalf("expected sender revoke, got %d (%s)", revoked.Code, revoked.Body.String())
	}
	deleted := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/grants/" + grant.ID, token: bob})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}
}

func TestBroadcastChannelRules(t *testing.T) {
	backend := remotestore.NewMemory()
	server := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	bob := mustToken(t, testSecret, "bob", false, time.Hour)

	notify := doRequest(t, server, request{method: http.MethodPost, path: "/v1/broadcast", token: alice, body: map[string]string{
		"channel": cashsync.UserChannel("bob"), "event": cashsync.EventGrantChanged,
	}})
	if notify.Code != http.StatusNoContent {
		t.Fatalf("expected user notification to be accepted, got %d (%s)", notify.Code, notify.Body.String())
	}

	poke := doRequest(t, server, request{method: http.MethodPost, path: "/v1/broadcast", token: bob, body: map[string]string{
		"channel": cashsync.WorksheetChannel("alice"), "event": cashsync.EventSyncRequest,
	}})
	if poke.Code != http.StatusForbidden {
		t.Fatalf("expected stranger sync request to be refused, got %d", poke.Code)
	}

	unknown := doRequest(t, server, request{method: http.MethodPost, path: "/v1/broadcast", token: bob, body: map[string]string{
		"channel": "misc", "event": "x",
	}})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", unknown.Code)
	}
}

func TestRateLimitingByUser(t *testing.T) {
	server := NewServerWithConfig(remotestore.NewMemory(), ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	bob := mustToken(t, testSecret, "bob", false, time.Hour)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/archives/alice", token: alice})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, server, request{method: http.MethodGet, path: "/v1/archives/alice", token: alice})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	other := doRequest(t, server, request{method: http.MethodGet, path: "/v1/archives/bob", token: bob})
	if other.Code != http.StatusOK {
		t.Fatalf("expected a separate budget per user, got %d", other.Code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServerWithConfig(remotestore.NewMemory(), ServerConfig{JWTSecret: testSecret, MaxBodyBytes: 16})
	alice := mustToken(t, testSecret, "alice", false, time.Hour)
	resp := doRequest(t, server, request{method: http.MethodPut, path: "/v1/worksheets/alice", token: alice, body: cashsync.NewWorksheet("alice")})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestClientRoundTripAndFeed(t *testing.T) {
	backend := remotestore.NewMemory()
	relay := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	ctx := context.Background()
	alice := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, "alice", false, time.Hour), ts.Client())
	bob := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, "bob", false, time.Hour), ts.Client())

	got, err := alice.GetWorksheet(ctx, "alice")
	if err != nil || got != nil {
		t.Fatalf("expected nil worksheet before first write, got %+v, %v", got, err)
	}

	if _, err := bob.SubscribeWorksheetChanges(ctx, "alice", func(cashsync.Worksheet) {}); !errors.Is(err, cashsync.ErrPermission) {
		t.Fatalf("expected permission error subscribing to a stranger's feed, got %v", err)
	}

	var mu sync.Mutex
	var seen []cashsync.Worksheet
	unsubscribe, err := alice.SubscribeWorksheetChanges(ctx, "alice", func(w cashsync.Worksheet) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, w)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	worksheet := cashsync.NewWorksheet("alice")
	worksheet.CurrentBalance = decimal.RequireFromString("12.50")
	if err := alice.UpsertWorksheet(ctx, worksheet); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	if !seen[0].CurrentBalance.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("unexpected feed payload %+v", seen[0])
	}
	mu.Unlock()

	if err := bob.UpsertWorksheet(ctx, worksheet); !errors.Is(err, cashsync.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if _, err := bob.SubscribeBroadcast(ctx, cashsync.UserChannel("alice"), func(string, json.RawMessage) {}); !errors.Is(err, cashsync.ErrPermission) {
		t.Fatalf("expected permission error listening on another user's channel, got %v", err)
	}
}

func TestClientBroadcastReachesListener(t *testing.T) {
	backend := remotestore.NewMemory()
	relay := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	ctx := context.Background()
	alice := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, "alice", false, time.Hour), ts.Client())
	bob := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, "bob", false, time.Hour), ts.Client())

	events := make(chan string, 1)
	unsubscribe, err := bob.SubscribeBroadcast(ctx, cashsync.UserChannel("bob"), func(event string, _ json.RawMessage) {
		events <- event
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := alice.Broadcast(ctx, cashsync.UserChannel("bob"), cashsync.EventGrantChanged, nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case event := <-events:
		if event != cashsync.EventGrantChanged {
			t.Fatalf("unexpected event %q", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast never arrived")
	}
}

func TestEnginesCollaborateThroughRelay(t *testing.T) {
	backend := remotestore.NewMemory()
	relay := NewServerWithConfig(backend, ServerConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	ctx := context.Background()

	newEngine := func(userID string) *cashsync.Engine {
		client := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, userID, false, time.Hour), ts.Client())
		engine, err := cashsync.New(cashsync.Options{
			Local:       localstore.NewMemoryStore(),
			Remote:      client,
			Broadcaster: client,
			Timeout:     2 * time.Second,
		})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		if err := engine.Initialize(ctx, cashsync.Session{UserID: userID}); err != nil {
			t.Fatalf("initialize %s: %v", userID, err)
		}
		t.Cleanup(func() { _ = engine.Close() })
		return engine
	}
	alice := newEngine("alice")
	bob := newEngine("bob")

	bobClient := remotestore.NewHTTPClient(ts.URL, mustToken(t, testSecret, "bob", false, time.Hour), ts.Client())
	if err := bobClient.RegisterCode(ctx, "BOB", "bob"); err != nil {
		t.Fatalf("register code: %v", err)
	}
	grant, err := alice.SendInvite(ctx, "BOB", cashsync.RoleEditor)
	if err != nil {
		t.Fatalf("send invite: %v", err)
	}
	if _, err := alice.SendInvite(ctx, "BOB", cashsync.RoleEditor); !errors.Is(err, cashsync.ErrInvitePending) {
		t.Fatalf("expected pending invite error, got %v", err)
	}
	if _, err := bob.RefreshGrants(ctx); err != nil {
		t.Fatalf("refresh grants: %v", err)
	}
	if _, err := bob.RespondToInvite(ctx, grant.ID, true, ""); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	if err := bob.SwitchActiveSession(ctx, "alice"); err != nil {
		t.Fatalf("switch session: %v", err)
	}

	if _, err := bob.AddRow(cashsync.Row{ShopCode: "S1", ShopName: "Shop", TransferAmount: decimal.RequireFromString("100")}); err != nil {
		t.Fatalf("add row: %v", err)
	}
	bob.Flush()
	waitFor(t, func() bool {
		return len(alice.State().Worksheet.Rows) == 1
	})
	if alice.State().Worksheet.Rows[0].ShopCode != "S1" {
		t.Fatalf("unexpected row %+v", alice.State().Worksheet.Rows[0])
	}
}

type request struct {
	method string
	path   string
	token  string
	body   any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	return doRawRequest(t, server, r.method, r.path, r.token, payload)
}

func doRawRequest(t *testing.T, server http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustToken(t *testing.T, secret, userID string, admin bool, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	if ttl < 0 {
		// issue in the past so the token is already expired
		now = now.Add(2 * ttl)
		ttl = -ttl
	}
	token, err := IssueToken(secret, userID, admin, ttl, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func grantAccepted(t *testing.T, backend *remotestore.Memory, sender, receiver string, role cashsync.Role) {
	t.Helper()
	ctx := context.Background()
	grant, err := backend.CreateGrant(ctx, cashsync.Grant{SenderID: sender, ReceiverID: receiver, Role: role})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	if _, err := backend.UpdateGrantStatus(ctx, grant.ID, cashsync.GrantAccepted, role); err != nil {
		t.Fatalf("accept grant: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
