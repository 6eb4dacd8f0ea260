package cashsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// livePusher serializes worksheet pushes. Only the newest pending copy per
// owner is kept, so a push that was superseded before it started is skipped.
type livePusher struct {
	push func(Worksheet)

	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]Worksheet
	order   []string
	running bool
}

func newLivePusher(push func(Worksheet)) *livePusher {
	p := &livePusher{push: push, pending: map[string]Worksheet{}}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *livePusher) schedule(worksheet Worksheet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, queued := p.pending[worksheet.OwnerID]; !queued {
		p.order = append(p.order, worksheet.OwnerID)
	}
	p.pending[worksheet.OwnerID] = worksheet
	if !p.running {
		p.running = true
		go p.loop()
	}
}

func (p *livePusher) loop() {
	for {
		p.mu.Lock()
		if len(p.order) == 0 {
			p.running = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		owner := p.order[0]
		p.order = p.order[1:]
		worksheet := p.pending[owner]
		delete(p.pending, owner)
		p.mu.Unlock()

		p.push(worksheet)
	}
}

func (p *livePusher) wait() {
	p.mu.Lock()
	for p.running {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

func (e *Engine) pushWorksheet(worksheet Worksheet) {
	log := e.logger.WithFields(logrus.Fields{"owner": worksheet.OwnerID})
	err := e.call(e.ctx, "push worksheet timed out", func(ctx context.Context) error {
		return e.remote.UpsertWorksheet(ctx, worksheet)
	})
	if err != nil {
		log.WithError(err).Warn("worksheet push failed")
		e.setLastError(err)
		return
	}
	log.Debug("worksheet pushed")
}

// mutate applies fn to a copy of the active worksheet, persists it locally
// and schedules a push when online.
func (e *Engine) mutate(fn func(w *Worksheet) error) error {
	e.mu.Lock()
	if !e.initialized || e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if !e.access.CanWrite() {
		err := &PermissionError{UserID: e.session.UserID, OwnerID: e.activeOwner, Action: "edit worksheet"}
		e.mu.Unlock()
		return err
	}
	next := e.worksheet.Clone()
	if err := fn(&next); err != nil {
		e.mu.Unlock()
		return err
	}
	next.recompute()
	next.OwnerID = e.activeOwner
	next.UpdatedAt = e.now().UTC()
	next.LastUpdatedBy = e.session.UserID
	if err := e.persistActiveLocked(next); err != nil {
		e.mu.Unlock()
		return err
	}
	e.worksheet = next
	online := e.online
	e.mu.Unlock()

	if online {
		e.pusher.schedule(next.Clone())
	}
	e.emit()
	return nil
}

func (e *Engine) persistActiveLocked(worksheet Worksheet) error {
	key := worksheetKey
	if worksheet.OwnerID != e.session.UserID {
		key = sharedKeyPrefix + worksheet.OwnerID
	}
	if err := e.ns.SetJSON(key, worksheet); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	return nil
}

// AddRow appends row to the active worksheet. An empty ID is generated.
func (e *Engine) AddRow(row Row) (Row, error) {
	if strings.TrimSpace(row.ID) == "" {
		row.ID = e.newID()
	}
	row.ShopCode = strings.TrimSpace(row.ShopCode)
	row.UpdatedAt = e.now().UTC()
	row.Net = row.ComputeNet()
	err := e.mutate(func(w *Worksheet) error {
		if w.rowIndex(row.ID) >= 0 {
			return &ValidationError{Subject: "row " + row.ID, Reason: "duplicate row id"}
		}
		w.Rows = append(w.Rows, row)
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// MutateRow is the only entry point for editing a row; it recomputes net and
// totals.
func (e *Engine) MutateRow(rowID string, patch RowPatch) (Row, error) {
	var updated Row
	err := e.mutate(func(w *Worksheet) error {
		idx := w.rowIndex(rowID)
		if idx < 0 {
			return fmt.Errorf("%w: row %s", ErrNotFound, rowID)
		}
		updated = patch.apply(w.Rows[idx])
		updated.UpdatedAt = e.now().UTC()
		w.Rows[idx] = updated
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	return updated, nil
}

func (e *Engine) RemoveRow(rowID string) error {
	return e.mutate(func(w *Worksheet) error {
		idx := w.rowIndex(rowID)
		if idx < 0 {
			return fmt.Errorf("%w: row %s", ErrNotFound, rowID)
		}
		w.Rows = append(w.Rows[:idx], w.Rows[idx+1:]...)
		now := e.now().UTC()
		w.RemovedRows = append(pruneTombstones(w.RemovedRows, now), RowTombstone{ID: rowID, RemovedAt: now})
		return nil
	})
}

func pruneTombstones(tombstones []RowTombstone, now time.Time) []RowTombstone {
	cutoff := now.Add(-TombstoneRetention)
	out := tombstones[:0:0]
	for _, tomb := range tombstones {
		if tomb.RemovedAt.After(cutoff) {
			out = append(out, tomb)
		}
	}
	return out
}

func (e *Engine) SetMasterLimit(amount decimal.Decimal) error {
	return e.mutate(func(w *Worksheet) error {
		w.MasterLimit = amount
		return nil
	})
}

func (e *Engine) SetExtraLimit(amount decimal.Decimal) error {
	return e.mutate(func(w *Worksheet) error {
		w.ExtraLimit = amount
		return nil
	})
}

func (e *Engine) SetCurrentBalance(amount decimal.Decimal) error {
	return e.mutate(func(w *Worksheet) error {
		w.CurrentBalance = amount
		return nil
	})
}

// subscribeFeed opens the change feed for owner unless the session moved on
// while the subscription was being established.
func (e *Engine) subscribeFeed(owner string, gen uint64) {
	unsub, err := e.remote.SubscribeWorksheetChanges(e.ctx, owner, func(worksheet Worksheet) {
		e.applyRemoteWorksheet(gen, worksheet)
	})
	if err != nil {
		e.logger.WithError(err).WithField("owner", owner).Warn("change feed subscription failed")
		return
	}
	e.mu.Lock()
	if gen != e.generation || !e.online || e.closed || e.feedUnsub != nil {
		e.mu.Unlock()
		unsub()
		return
	}
	e.feedUnsub = unsub
	e.mu.Unlock()
}

func (e *Engine) applyRemoteWorksheet(gen uint64, incoming Worksheet) {
	e.mu.Lock()
	if gen != e.generation || incoming.OwnerID != e.activeOwner {
		e.mu.Unlock()
		return
	}
	current := e.worksheet
	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		e.mu.Unlock()
		return
	}
	if incoming.UpdatedAt.Equal(current.UpdatedAt) && incoming.LastUpdatedBy == e.session.UserID {
		e.mu.Unlock()
		return
	}
	incoming = incoming.Clone()
	incoming.recompute()
	e.worksheet = incoming
	err := e.persistActiveLocked(incoming)
	e.mu.Unlock()

	if err != nil {
		e.logger.WithError(err).Warn("persist remote worksheet failed")
	}
	e.emit()
}

// reconcileActive fetches the remote copy of the active worksheet and merges
// it with the local one. Writers push the merged result back when it differs.
func (e *Engine) reconcileActive(ctx context.Context, gen uint64) {
	e.mu.Lock()
	owner := e.activeOwner
	e.mu.Unlock()

	remote, err := callValue(ctx, e, "fetch worksheet timed out", func(ctx context.Context) (*Worksheet, error) {
		return e.remote.GetWorksheet(ctx, owner)
	})
	if err != nil {
		e.logger.WithError(err).WithField("owner", owner).Warn("worksheet reconcile failed")
		e.setLastError(err)
		return
	}

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	var merged Worksheet
	if e.access.CanWrite() {
		merged = ReconcileWorksheets(e.worksheet, remote)
	} else if remote != nil {
		merged = remote.Clone()
	} else {
		merged = NewWorksheet(owner)
	}
	merged.OwnerID = owner
	merged.recompute()
	e.worksheet = merged
	persistErr := e.persistActiveLocked(merged)
	push := e.access.CanWrite() && e.online && (remote == nil || !sameWorksheet(merged, *remote))
	e.mu.Unlock()

	if persistErr != nil {
		e.logger.WithError(persistErr).Warn("persist reconciled worksheet failed")
	}
	if push {
		e.pusher.schedule(merged.Clone())
	}
	e.emit()
}

// ReconcileWorksheets merges a local and remote copy of the same worksheet.
// Rows match by id with the newer row winning, and a row removed on either
// side stays removed unless it was edited after the removal. Limits and
// balance come from whichever copy was updated last.
func ReconcileWorksheets(local Worksheet, remote *Worksheet) Worksheet {
	if remote == nil {
		return local.Clone()
	}
	newer, older := local, *remote
	if remote.UpdatedAt.After(local.UpdatedAt) {
		newer, older = *remote, local
	}
	removed := map[string]time.Time{}
	for _, tomb := range append(append([]RowTombstone(nil), newer.RemovedRows...), older.RemovedRows...) {
		if at, ok := removed[tomb.ID]; !ok || tomb.RemovedAt.After(at) {
			removed[tomb.ID] = tomb.RemovedAt
		}
	}
	out := newer.Clone()
	out.Rows = MergeRows(liveRows(newer.Rows, removed), liveRows(older.Rows, removed))

	kept := map[string]bool{}
	for _, row := range out.Rows {
		kept[row.ID] = true
	}
	out.RemovedRows = nil
	for id, at := range removed {
		if !kept[id] {
			out.RemovedRows = append(out.RemovedRows, RowTombstone{ID: id, RemovedAt: at})
		}
	}
	sort.Slice(out.RemovedRows, func(i, j int) bool { return out.RemovedRows[i].ID < out.RemovedRows[j].ID })
	return out
}

// liveRows drops rows whose removal is at least as recent as their last edit.
func liveRows(rows []Row, removed map[string]time.Time) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if at, ok := removed[row.ID]; ok && !row.UpdatedAt.After(at) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func sameWorksheet(a, b Worksheet) bool {
	a.recompute()
	b.recompute()
	return fingerprint(a) == fingerprint(b)
}

// pushOwnWorksheet answers a collaborator's sync request with the locally
// stored copy of the user's own worksheet.
func (e *Engine) pushOwnWorksheet() {
	e.mu.Lock()
	if !e.initialized || !e.online || e.closed {
		e.mu.Unlock()
		return
	}
	var worksheet Worksheet
	if e.activeOwner == e.session.UserID {
		worksheet = e.worksheet.Clone()
	} else {
		worksheet = NewWorksheet(e.session.UserID)
		if _, err := e.ns.GetJSON(worksheetKey, &worksheet); err != nil {
			e.mu.Unlock()
			e.logger.WithError(err).Warn("load own worksheet for sync request failed")
			return
		}
		worksheet.OwnerID = e.session.UserID
	}
	e.mu.Unlock()
	e.pusher.schedule(worksheet)
}

// RequestSync asks the owner of the active worksheet to push now. For the
// user's own worksheet it pushes directly.
func (e *Engine) RequestSync(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized || e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	online := e.online
	owner := e.activeOwner
	self := e.session.UserID
	e.mu.Unlock()
	if !online {
		return ErrOffline
	}
	if owner == self {
		e.pushOwnWorksheet()
		return nil
	}
	if e.broadcaster == nil {
		return fmt.Errorf("%w: no broadcaster configured", ErrInvalidInput)
	}
	return e.call(ctx, "sync request timed out", func(ctx context.Context) error {
		return e.broadcaster.Broadcast(ctx, WorksheetChannel(owner), EventSyncRequest, nil)
	})
}
