package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/cashsync/internal/cashsync"
)

func TestMemoryWorksheetFeed(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	missing, err := m.GetWorksheet(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, missing)

	received := make(chan cashsync.Worksheet, 4)
	unsubscribe, err := m.SubscribeWorksheetChanges(ctx, "alice", func(w cashsync.Worksheet) {
		received <- w
	})
	require.NoError(t, err)

	require.NoError(t, m.UpsertWorksheet(ctx, cashsync.Worksheet{OwnerID: "alice", Rows: []cashsync.Row{{ID: "r1"}}, LastUpdatedBy: "bob"}))
	select {
	case w := <-received:
		assert.Equal(t, "bob", w.LastUpdatedBy)
		assert.Len(t, w.Rows, 1)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	unsubscribe()
	require.NoError(t, m.UpsertWorksheet(ctx, cashsync.Worksheet{OwnerID: "alice", Rows: []cashsync.Row{}}))
	select {
	case <-received:
		t.Fatal("notification after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	stored, err := m.GetWorksheet(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Empty(t, stored.Rows)
}

func TestMemoryRejectsInvalidRecords(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	err := m.UpsertWorksheet(ctx, cashsync.Worksheet{Rows: []cashsync.Row{}})
	assert.ErrorIs(t, err, cashsync.ErrValidation)

	err = m.WriteArchive(ctx, cashsync.ArchiveSnapshot{OwnerID: "alice", Date: "yesterday", Rows: []cashsync.Row{}})
	assert.ErrorIs(t, err, cashsync.ErrValidation)

	_, err = m.UpsertRoutes(ctx, "alice", []cashsync.RouteRecord{{ID: "x", ShopCode: "S1", Latitude: 120}})
	assert.ErrorIs(t, err, cashsync.ErrValidation)
}

func TestMemoryInjectedFailures(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailNext(OpListGrants, boom)
	_, err := m.ListGrants(ctx, "alice")
	assert.ErrorIs(t, err, boom)
	_, err = m.ListGrants(ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Calls(OpListGrants))

	m.SetUnavailable(boom)
	_, err = m.ListArchiveDates(ctx, "alice")
	assert.ErrorIs(t, err, boom)
	m.SetUnavailable(nil)
	_, err = m.ListArchiveDates(ctx, "alice")
	assert.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.GetArchive(canceled, "alice", "2024-05-01")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRoutesReplaceTemporaryIDs(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	stored, err := m.UpsertRoutes(ctx, "alice", []cashsync.RouteRecord{{ID: "tmp_1", ShopCode: "S1", SortOrder: 2}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	id := stored[0].ID
	assert.False(t, cashsync.IsTemporaryID(id))
	assert.Equal(t, "alice", stored[0].OwnerID)

	again, err := m.UpsertRoutes(ctx, "alice", []cashsync.RouteRecord{{ID: "tmp_2", ShopCode: "S1", ShopName: "renamed", SortOrder: 2}})
	require.NoError(t, err)
	assert.Equal(t, id, again[0].ID, "an existing shop keeps its stored id")

	_, err = m.UpsertRoutes(ctx, "alice", []cashsync.RouteRecord{{ID: "tmp_3", ShopCode: "S0", SortOrder: 1}})
	require.NoError(t, err)
	listed, err := m.ListRoutes(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "S0", listed[0].ShopCode)
	assert.Equal(t, "renamed", listed[1].ShopName)

	require.NoError(t, m.DeleteRoutes(ctx, "alice", []string{id}))
	listed, err = m.ListRoutes(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestMemoryGrantLifecycle(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	m.RegisterUser(" BOB ", "bob")

	user, err := m.LookupUserByCode(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	grant, err := m.CreateGrant(ctx, cashsync.Grant{SenderID: "alice", ReceiverID: "bob", Role: cashsync.RoleEditor})
	require.NoError(t, err)
	assert.Equal(t, cashsync.GrantPending, grant.Status)
	assert.NotEmpty(t, grant.ID)

	_, err = m.CreateGrant(ctx, cashsync.Grant{SenderID: "alice", ReceiverID: "bob", Role: cashsync.RoleViewer})
	assert.ErrorIs(t, err, cashsync.ErrInvitePending)

	_, err = m.UpdateGrantStatus(ctx, grant.ID, cashsync.GrantRevoked, "")
	assert.ErrorIs(t, err, cashsync.ErrInvalidGrantOp)

	accepted, err := m.UpdateGrantStatus(ctx, grant.ID, cashsync.GrantAccepted, cashsync.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, cashsync.RoleViewer, accepted.Role)

	for _, userID := range []string{"alice", "bob"} {
		grants, err := m.ListGrants(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, grants, 1, userID)
	}
	grants, err := m.ListGrants(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, err = m.UpdateGrantStatus(ctx, "missing", cashsync.GrantAccepted, "")
	assert.ErrorIs(t, err, cashsync.ErrNotFound)
}

func TestCheckGrantTransition(t *testing.T) {
	allowed := [][2]cashsync.GrantStatus{
		{cashsync.GrantPending, cashsync.GrantAccepted},
		{cashsync.GrantPending, cashsync.GrantRejected},
		{cashsync.GrantAccepted, cashsync.GrantRevoked},
	}
	for _, pair := range allowed {
		assert.NoError(t, CheckGrantTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
	denied := [][2]cashsync.GrantStatus{
		{cashsync.GrantRejected, cashsync.GrantAccepted},
		{cashsync.GrantRevoked, cashsync.GrantAccepted},
		{cashsync.GrantAccepted, cashsync.GrantPending},
		{cashsync.GrantPending, cashsync.GrantRevoked},
	}
	for _, pair := range denied {
		assert.ErrorIs(t, CheckGrantTransition(pair[0], pair[1]), cashsync.ErrInvalidGrantOp)
	}
}

func TestMemoryBroadcast(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	events := make(chan string, 1)
	unsubscribe, err := m.SubscribeBroadcast(ctx, cashsync.WorksheetChannel("alice"), func(event string, _ json.RawMessage) {
		events <- event
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, m.Broadcast(ctx, cashsync.WorksheetChannel("bob"), cashsync.EventSyncRequest, nil))
	require.NoError(t, m.Broadcast(ctx, cashsync.WorksheetChannel("alice"), cashsync.EventSyncRequest, nil))
	select {
	case event := <-events:
		assert.Equal(t, cashsync.EventSyncRequest, event)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}
