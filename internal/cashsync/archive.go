package cashsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ArchiveResult struct {
	Snapshot ArchiveSnapshot `json:"snapshot"`
	// Queued is set when the remote write was deferred to the sync queue.
	Queued bool `json:"queued"`
}

// archiveWritePayload is the queued form of an archive write. Overwrite keeps
// the caller's choice so a replay never replaces an archive written elsewhere
// while this device was offline.
type archiveWritePayload struct {
	ArchiveSnapshot
	Overwrite bool `json:"overwrite,omitempty"`
}

type archiveDeletePayload struct {
	Date string `json:"date"`
}

func archiveQueueKey(date string) string {
	return "archive:" + date
}

func (e *Engine) registerQueueHandlers(queue *SyncQueue) {
	queue.Handle(QueueArchiveWrite, e.handleArchiveWrite)
	queue.Handle(QueueArchiveDelete, e.handleArchiveDelete)
	queue.Handle(QueueRouteUpsert, e.handleRouteUpsert)
	queue.Handle(QueueRouteDelete, e.handleRouteDelete)
}

// ownerSession returns the session when the active worksheet is the user's
// own; archive and route operations are owner-only.
func (e *Engine) ownerSession(action string) (Session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.closed {
		return Session{}, false, ErrNotInitialized
	}
	if e.activeOwner != e.session.UserID {
		return Session{}, false, &PermissionError{UserID: e.session.UserID, OwnerID: e.activeOwner, Action: action}
	}
	return e.session, e.online, nil
}

// ownerWorksheet clones the active worksheet, failing if the user switched to
// another owner's worksheet since session was taken.
func (e *Engine) ownerWorksheet(session Session, action string) (Worksheet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Worksheet{}, ErrNotInitialized
	}
	if e.activeOwner != session.UserID {
		return Worksheet{}, &PermissionError{UserID: session.UserID, OwnerID: e.activeOwner, Action: action}
	}
	return e.worksheet.Clone(), nil
}

// ArchiveToday snapshots the active worksheet under date. The snapshot is
// written locally first; the remote write is retried and, if it still fails
// or the engine is offline, queued.
func (e *Engine) ArchiveToday(ctx context.Context, date string, overwrite bool) (ArchiveResult, error) {
	session, online, err := e.ownerSession("archive")
	if err != nil {
		return ArchiveResult{}, err
	}
	if !validDate(date) {
		return ArchiveResult{}, &ValidationError{Subject: "archive date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", date)}
	}
	_, ns, queue, _, err := e.snapshotSession()
	if err != nil {
		return ArchiveResult{}, err
	}

	// unchecked means the remote copy could not be looked up, so the write
	// goes through the queue where the handler repeats the check.
	unchecked := false
	if !overwrite {
		exists, err := ns.GetJSON(archiveKeyPrefix+date, &ArchiveSnapshot{})
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("%w: %v", ErrLocalPersist, err)
		}
		if !exists && online {
			remote, err := callValue(ctx, e, "archive lookup timed out", func(ctx context.Context) (*ArchiveSnapshot, error) {
				return e.remote.GetArchive(ctx, session.UserID, date)
			})
			if err != nil {
				e.logger.WithError(err).WithField("date", date).Debug("remote archive lookup failed")
				unchecked = true
			}
			exists = remote != nil
		}
		if exists {
			return ArchiveResult{}, ErrArchiveExists
		}
	}

	worksheet, err := e.ownerWorksheet(session, "archive")
	if err != nil {
		return ArchiveResult{}, err
	}
	snapshot := buildSnapshot(worksheet, session.UserID, date)
	snapshot.CreatedAt = e.now().UTC()
	if err := ValidateSnapshot(snapshot); err != nil {
		return ArchiveResult{}, err
	}
	if err := ns.SetJSON(archiveKeyPrefix+date, snapshot); err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	if err := ns.SetJSON(carryForwardKey, carryForwardFrom(snapshot)); err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}

	result := ArchiveResult{Snapshot: snapshot}
	log := e.logger.WithFields(logrus.Fields{"owner": session.UserID, "date": date})
	key := archiveQueueKey(date)
	if online && !unchecked && !queue.HasPending(key) {
		err := e.call(ctx, "archive write timed out", func(ctx context.Context) error {
			return e.remote.WriteArchive(ctx, snapshot)
		})
		if err == nil {
			log.Info("archive written")
			return result, nil
		}
		if !IsTransient(err) {
			return result, err
		}
		log.WithError(err).Warn("archive write failed, queueing")
	}
	payload, err := json.Marshal(archiveWritePayload{ArchiveSnapshot: snapshot, Overwrite: overwrite})
	if err != nil {
		return result, err
	}
	if _, err := queue.Enqueue(QueueItem{Type: QueueArchiveWrite, OwnerID: session.UserID, Key: key, Payload: payload}); err != nil {
		return result, err
	}
	result.Queued = true
	return result, nil
}

func buildSnapshot(worksheet Worksheet, ownerID, date string) ArchiveSnapshot {
	rows := make([]Row, 0, len(worksheet.Rows))
	for _, row := range worksheet.Rows {
		if row.IsEmpty() {
			continue
		}
		row.Net = row.ComputeNet()
		rows = append(rows, row)
	}
	final := worksheet.Clone()
	final.Rows = rows
	return ArchiveSnapshot{
		OwnerID:    ownerID,
		Date:       date,
		Rows:       rows,
		Totals:     ComputeTotals(final),
		ArchivedBy: ownerID,
	}
}

func carryForwardFrom(snapshot ArchiveSnapshot) []CarryForward {
	carry := []CarryForward{}
	for _, row := range snapshot.Rows {
		if row.Net.IsZero() {
			continue
		}
		carry = append(carry, CarryForward{
			ShopCode: row.ShopCode,
			ShopName: row.ShopName,
			Net:      row.Net,
			Date:     snapshot.Date,
		})
	}
	return carry
}

// DeleteArchive removes the local snapshot for date and deletes or queues the
// remote copy.
func (e *Engine) DeleteArchive(ctx context.Context, date string) (bool, error) {
	session, online, err := e.ownerSession("delete archive")
	if err != nil {
		return false, err
	}
	if !validDate(date) {
		return false, &ValidationError{Subject: "archive date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", date)}
	}
	_, ns, queue, _, err := e.snapshotSession()
	if err != nil {
		return false, err
	}
	if err := ns.Remove(archiveKeyPrefix + date); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}

	key := archiveQueueKey(date)
	if online && !queue.HasPending(key) {
		err := e.call(ctx, "archive delete timed out", func(ctx context.Context) error {
			return e.remote.DeleteArchive(ctx, session.UserID, date)
		})
		if err == nil || errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if !IsTransient(err) {
			return false, err
		}
		e.logger.WithError(err).WithField("date", date).Warn("archive delete failed, queueing")
	}
	payload, err := json.Marshal(archiveDeletePayload{Date: date})
	if err != nil {
		return false, err
	}
	if _, err := queue.Enqueue(QueueItem{Type: QueueArchiveDelete, OwnerID: session.UserID, Key: key, Payload: payload}); err != nil {
		return false, err
	}
	return true, nil
}

// ListArchiveDates unions local and remote archives, newest first. Remote
// failures degrade to the local listing.
func (e *Engine) ListArchiveDates(ctx context.Context) ([]ArchiveDate, error) {
	session, ns, _, online, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	names, err := ns.ListKeys(archiveKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	local := map[string]bool{}
	for _, name := range names {
		date := strings.TrimPrefix(name, archiveKeyPrefix)
		if validDate(date) {
			local[date] = true
		}
	}
	remote := map[string]bool{}
	if online {
		dates, err := callValue(ctx, e, "archive listing timed out", func(ctx context.Context) ([]string, error) {
			return e.remote.ListArchiveDates(ctx, session.UserID)
		})
		if err != nil {
			e.logger.WithError(err).Debug("remote archive listing failed, using local dates")
		}
		for _, date := range dates {
			remote[date] = true
		}
	}

	out := make([]ArchiveDate, 0, len(local)+len(remote))
	for date := range local {
		provenance := ProvenanceLocal
		if remote[date] {
			provenance = ProvenanceSynced
		}
		out = append(out, ArchiveDate{Date: date, Provenance: provenance})
	}
	for date := range remote {
		if !local[date] {
			out = append(out, ArchiveDate{Date: date, Provenance: ProvenanceCloud})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// GetArchive reads the local snapshot, falling back to the remote store and
// caching what it finds. A missing archive is (nil, nil).
func (e *Engine) GetArchive(ctx context.Context, date string) (*ArchiveSnapshot, error) {
	session, ns, _, online, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	var snapshot ArchiveSnapshot
	ok, err := ns.GetJSON(archiveKeyPrefix+date, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	if ok {
		return &snapshot, nil
	}
	if !online {
		return nil, nil
	}
	remote, err := callValue(ctx, e, "archive fetch timed out", func(ctx context.Context) (*ArchiveSnapshot, error) {
		return e.remote.GetArchive(ctx, session.UserID, date)
	})
	if err != nil || remote == nil {
		return nil, err
	}
	if err := ns.SetJSON(archiveKeyPrefix+date, remote); err != nil {
		e.logger.WithError(err).WithField("date", date).Warn("cache remote archive failed")
	}
	return remote, nil
}

// CarryForward returns the balances left over from the last archive.
func (e *Engine) CarryForward() ([]CarryForward, error) {
	_, ns, _, _, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	carry := []CarryForward{}
	if _, err := ns.GetJSON(carryForwardKey, &carry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	return carry, nil
}

// StartNextDay clears the day's amounts, keeps the shop list and applies the
// carry-forward balances from the last archive.
func (e *Engine) StartNextDay() error {
	if _, _, err := e.ownerSession("start next day"); err != nil {
		return err
	}
	carry, err := e.CarryForward()
	if err != nil {
		return err
	}
	now := e.now().UTC()
	err = e.mutate(func(w *Worksheet) error {
		for i := range w.Rows {
			row := &w.Rows[i]
			row.TransferAmount = decimal.Zero
			row.ExtraAdjustment = decimal.Zero
			row.CollectedAmount = decimal.Zero
			row.HasOverdueCarry = false
			row.HasOverpaymentCarry = false
			row.UpdatedAt = now
		}
		for _, entry := range carry {
			idx := carryTarget(w.Rows, entry)
			if idx < 0 {
				w.Rows = append(w.Rows, Row{ID: e.newID(), ShopCode: entry.ShopCode, ShopName: entry.ShopName, UpdatedAt: now})
				idx = len(w.Rows) - 1
			}
			row := &w.Rows[idx]
			row.ExtraAdjustment = row.ExtraAdjustment.Sub(entry.Net)
			row.HasOverdueCarry = entry.Net.IsNegative()
			row.HasOverpaymentCarry = entry.Net.IsPositive()
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, ns, _, _, err := e.snapshotSession()
	if err != nil {
		return err
	}
	if err := ns.Remove(carryForwardKey); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}
	return nil
}

func carryTarget(rows []Row, entry CarryForward) int {
	for i, row := range rows {
		if entry.ShopCode != "" && row.ShopCode == entry.ShopCode {
			return i
		}
	}
	for i, row := range rows {
		if entry.ShopCode == "" && entry.ShopName != "" && row.ShopName == entry.ShopName {
			return i
		}
	}
	return -1
}

// handleArchiveWrite replays a queued archive. Unless the archive was taken
// with overwrite, an archive already in the cloud for the date is kept and the
// conflict is reported through the last error.
func (e *Engine) handleArchiveWrite(ctx context.Context, item QueueItem) error {
	var payload archiveWritePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return &ValidationError{Subject: "queue item " + item.ID, Reason: err.Error()}
	}
	snapshot := payload.ArchiveSnapshot
	if !payload.Overwrite {
		var existing *ArchiveSnapshot
		err := e.attempt(ctx, "archive lookup timed out", func(ctx context.Context) error {
			var err error
			existing, err = e.remote.GetArchive(ctx, snapshot.OwnerID, snapshot.Date)
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil && !sameArchive(*existing, snapshot) {
			conflict := fmt.Errorf("%w: %s was archived on another device; archive again with overwrite to replace it", ErrArchiveExists, snapshot.Date)
			e.logger.WithFields(logrus.Fields{"owner": snapshot.OwnerID, "date": snapshot.Date}).Warn("queued archive kept out of the cloud")
			e.setLastError(conflict)
			return conflict
		}
	}
	return e.attempt(ctx, "archive write timed out", func(ctx context.Context) error {
		return e.remote.WriteArchive(ctx, snapshot)
	})
}

// sameArchive reports whether remote is this snapshot, written by an earlier
// attempt whose response was lost.
func sameArchive(remote, snapshot ArchiveSnapshot) bool {
	return remote.ArchivedBy == snapshot.ArchivedBy && remote.CreatedAt.Equal(snapshot.CreatedAt)
}

func (e *Engine) handleArchiveDelete(ctx context.Context, item QueueItem) error {
	var payload archiveDeletePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return &ValidationError{Subject: "queue item " + item.ID, Reason: err.Error()}
	}
	err := e.attempt(ctx, "archive delete timed out", func(ctx context.Context) error {
		return e.remote.DeleteArchive(ctx, item.OwnerID, payload.Date)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
