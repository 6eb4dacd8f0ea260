package cashsync

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/cashsync/internal/localstore"
)

// offlineRemote satisfies RemoteStore for engines that never go online.
type offlineRemote struct{ RemoteStore }

func newOfflineEngine(t *testing.T, user string) *Engine {
	t.Helper()
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	e, err := New(Options{
		Local:   localstore.NewMemoryStore(),
		Remote:  offlineRemote{},
		Offline: true,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background(), Session{UserID: user}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestApplyRemoteWorksheetIgnoresStaleGeneration(t *testing.T) {
	e := newOfflineEngine(t, "alice")
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	incoming := Worksheet{
		OwnerID:   "alice",
		Rows:      []Row{{ID: "r1", ShopCode: "S1", TransferAmount: decimal.NewFromInt(5)}},
		UpdatedAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	e.applyRemoteWorksheet(gen-1, incoming)
	assert.Empty(t, e.State().Worksheet.Rows)

	incoming.OwnerID = "bob"
	e.applyRemoteWorksheet(gen, incoming)
	assert.Empty(t, e.State().Worksheet.Rows, "notifications for another owner are ignored")

	incoming.OwnerID = "alice"
	e.applyRemoteWorksheet(gen, incoming)
	rows := e.State().Worksheet.Rows
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Net.Equal(decimal.NewFromInt(-5)), "net is recomputed on receipt")
}

func TestApplyRemoteWorksheetSkipsOlderAndEchoes(t *testing.T) {
	e := newOfflineEngine(t, "alice")
	_, err := e.AddRow(Row{ShopCode: "S1"})
	require.NoError(t, err)
	current := e.State().Worksheet
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	older := current.Clone()
	older.Rows = nil
	older.UpdatedAt = current.UpdatedAt.Add(-time.Minute)
	e.applyRemoteWorksheet(gen, older)
	assert.Len(t, e.State().Worksheet.Rows, 1)

	echo := current.Clone()
	echo.Rows = nil
	e.applyRemoteWorksheet(gen, echo)
	assert.Len(t, e.State().Worksheet.Rows, 1, "our own write coming back is not reapplied")

	other := current.Clone()
	other.Rows = nil
	other.LastUpdatedBy = "bob"
	e.applyRemoteWorksheet(gen, other)
	assert.Empty(t, e.State().Worksheet.Rows)
}

func TestReconcileWorksheets(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	local := Worksheet{
		OwnerID:     "alice",
		MasterLimit: decimal.NewFromInt(100),
		UpdatedAt:   t1,
		Rows:        []Row{{ID: "a", ShopCode: "S1", CollectedAmount: decimal.NewFromInt(40), UpdatedAt: t2}},
	}
	remote := Worksheet{
		OwnerID:     "alice",
		MasterLimit: decimal.NewFromInt(200),
		UpdatedAt:   t2,
		Rows: []Row{
			{ID: "a", ShopCode: "S1", CollectedAmount: decimal.NewFromInt(10), UpdatedAt: t1},
			{ID: "b", ShopCode: "S2", UpdatedAt: t1},
		},
	}

	merged := ReconcileWorksheets(local, &remote)
	assert.True(t, merged.MasterLimit.Equal(decimal.NewFromInt(200)), "scalars come from the newer copy")
	require.Len(t, merged.Rows, 2)
	assert.True(t, merged.Rows[0].CollectedAmount.Equal(decimal.NewFromInt(40)), "rows merge by their own timestamps")

	assert.Equal(t, local.Rows, ReconcileWorksheets(local, nil).Rows)
}

func TestReconcileWorksheetsHonoursRemovedRows(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)
	local := Worksheet{
		OwnerID:     "alice",
		UpdatedAt:   t2,
		Rows:        []Row{{ID: "b", ShopCode: "S2", UpdatedAt: t1}},
		RemovedRows: []RowTombstone{{ID: "a", RemovedAt: t2}, {ID: "c", RemovedAt: t1}},
	}
	remote := Worksheet{
		OwnerID:   "alice",
		UpdatedAt: t1,
		Rows: []Row{
			{ID: "a", ShopCode: "S1", UpdatedAt: t1},
			{ID: "b", ShopCode: "S2", UpdatedAt: t1},
			{ID: "c", ShopCode: "S3", UpdatedAt: t3},
		},
	}

	for _, merged := range []Worksheet{ReconcileWorksheets(local, &remote), ReconcileWorksheets(remote, &local)} {
		ids := []string{}
		for _, row := range merged.Rows {
			ids = append(ids, row.ID)
		}
		assert.ElementsMatch(t, []string{"b", "c"}, ids, "a row edited after its removal comes back")
		assert.Equal(t, []RowTombstone{{ID: "a", RemovedAt: t2}}, merged.RemovedRows)
	}
}

func TestRemoveRowRecordsTombstone(t *testing.T) {
	e := newOfflineEngine(t, "alice")
	row, err := e.AddRow(Row{ShopCode: "S1", ShopName: "Corner"})
	require.NoError(t, err)
	require.NoError(t, e.RemoveRow(row.ID))

	removed := e.State().Worksheet.RemovedRows
	require.Len(t, removed, 1)
	assert.Equal(t, row.ID, removed[0].ID)
	assert.False(t, removed[0].RemovedAt.IsZero())
}

func TestOwnerWorksheetRejectsSwitchedSession(t *testing.T) {
	e := newOfflineEngine(t, "alice")
	_, err := e.AddRow(Row{ShopCode: "S1"})
	require.NoError(t, err)

	worksheet, err := e.ownerWorksheet(Session{UserID: "alice"}, "archive")
	require.NoError(t, err)
	assert.Len(t, worksheet.Rows, 1)

	e.mu.Lock()
	e.activeOwner = "bob"
	e.mu.Unlock()
	_, err = e.ownerWorksheet(Session{UserID: "alice"}, "archive")
	assert.ErrorIs(t, err, ErrPermission)
}

func TestPruneTombstonesDropsExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	kept := pruneTombstones([]RowTombstone{
		{ID: "old", RemovedAt: now.Add(-TombstoneRetention - time.Hour)},
		{ID: "new", RemovedAt: now.Add(-time.Hour)},
	}, now)
	assert.Equal(t, []RowTombstone{{ID: "new", RemovedAt: now.Add(-time.Hour)}}, kept)
}

func TestLivePusherKeepsLatestPerOwner(t *testing.T) {
	release := make(chan struct{})
	var pushed []Worksheet
	p := newLivePusher(func(w Worksheet) {
		if len(pushed) == 0 {
			<-release
		}
		pushed = append(pushed, w)
	})

	p.schedule(Worksheet{OwnerID: "alice", LastUpdatedBy: "1"})
	// the first push is blocked; these two collapse into one
	p.schedule(Worksheet{OwnerID: "alice", LastUpdatedBy: "2"})
	p.schedule(Worksheet{OwnerID: "alice", LastUpdatedBy: "3"})
	close(release)
	p.wait()

	require.NotEmpty(t, pushed)
	assert.Equal(t, "3", pushed[len(pushed)-1].LastUpdatedBy)
	assert.LessOrEqual(t, len(pushed), 2)
}
