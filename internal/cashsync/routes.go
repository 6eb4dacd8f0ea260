package cashsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

type routeDeletePayload struct {
	ID       string `json:"id"`
	ShopCode string `json:"shopCode"`
}

func routeQueueKey(shopCode string) string {
	return "route:" + shopCode
}

// Routes returns the locally stored itinerary.
func (e *Engine) Routes() ([]RouteRecord, error) {
	_, ns, _, _, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	return loadRoutes(ns.GetJSON)
}

func loadRoutes(get func(string, any) (bool, error)) ([]RouteRecord, error) {
	routes := []RouteRecord{}
	if _, err := get(routesKey, &routes); err != nil {
		return nil, fmt.Errorf("%w: load routes: %v", ErrLocalPersist, err)
	}
	return routes, nil
}

// UpsertRoute stores record locally and pushes it, queueing the push when it
// cannot be applied now. New records get a temporary id until the remote
// store assigns one.
func (e *Engine) UpsertRoute(ctx context.Context, record RouteRecord) (RouteRecord, error) {
	session, online, err := e.ownerSession("edit routes")
	if err != nil {
		return RouteRecord{}, err
	}
	_, ns, queue, _, err := e.snapshotSession()
	if err != nil {
		return RouteRecord{}, err
	}
	record.ShopCode = strings.TrimSpace(record.ShopCode)
	if record.ShopCode == "" {
		return RouteRecord{}, &ValidationError{Subject: "route", Reason: "shop code is required"}
	}

	e.mu.Lock()
	routes, err := loadRoutes(ns.GetJSON)
	if err != nil {
		e.mu.Unlock()
		return RouteRecord{}, err
	}
	now := e.now().UTC()
	for _, existing := range routes {
		if existing.MergeKey() == record.MergeKey() {
			if record.ID == "" {
				record.ID = existing.ID
			}
			if record.CreatedAt.IsZero() {
				record.CreatedAt = existing.CreatedAt
			}
		}
	}
	if record.ID == "" {
		record.ID = TemporaryIDPrefix + e.newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.OwnerID = session.UserID
	if err := ValidateRoute(record); err != nil {
		e.mu.Unlock()
		return RouteRecord{}, err
	}
	merged := MergeRoutes(routes, []RouteRecord{record})
	err = ns.SetJSON(routesKey, merged)
	e.mu.Unlock()
	if err != nil {
		return RouteRecord{}, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}

	key := routeQueueKey(record.ShopCode)
	if online && !queue.HasPending(key) {
		stored, err := callValue(ctx, e, "route upsert timed out", func(ctx context.Context) ([]RouteRecord, error) {
			return e.remote.UpsertRoutes(ctx, session.UserID, []RouteRecord{record})
		})
		if err == nil {
			e.adoptRemoteRoutes(stored)
			if confirmed := findRoute(stored, record.MergeKey()); confirmed != nil {
				return *confirmed, nil
			}
			return record, nil
		}
		if !IsTransient(err) {
			return record, err
		}
		e.logger.WithError(err).WithField("shop", record.ShopCode).Warn("route upsert failed, queueing")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return record, err
	}
	if _, err := queue.Enqueue(QueueItem{Type: QueueRouteUpsert, OwnerID: session.UserID, Key: key, Payload: payload}); err != nil {
		return record, err
	}
	return record, nil
}

// RemoveRoute drops the record for shopCode locally and remotely.
func (e *Engine) RemoveRoute(ctx context.Context, shopCode string) error {
	session, online, err := e.ownerSession("edit routes")
	if err != nil {
		return err
	}
	_, ns, queue, _, err := e.snapshotSession()
	if err != nil {
		return err
	}
	shopCode = strings.TrimSpace(shopCode)

	e.mu.Lock()
	routes, err := loadRoutes(ns.GetJSON)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	var removed *RouteRecord
	kept := make([]RouteRecord, 0, len(routes))
	for i := range routes {
		if routes[i].ShopCode == shopCode {
			removed = &routes[i]
			continue
		}
		kept = append(kept, routes[i])
	}
	if removed == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: route %s", ErrNotFound, shopCode)
	}
	err = ns.SetJSON(routesKey, MergeRoutes(kept))
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}

	payload := routeDeletePayload{ID: removed.ID, ShopCode: removed.ShopCode}
	key := routeQueueKey(shopCode)
	if online && !queue.HasPending(key) {
		err := e.call(ctx, "route delete timed out", func(ctx context.Context) error {
			return e.deleteRemoteRoute(ctx, session.UserID, payload)
		})
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		e.logger.WithError(err).WithField("shop", shopCode).Warn("route delete failed, queueing")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = queue.Enqueue(QueueItem{Type: QueueRouteDelete, OwnerID: session.UserID, Key: key, Payload: data})
	return err
}

// SyncRoutes merges the local and remote itineraries, stores the result and
// pushes local winners the remote store has not seen.
func (e *Engine) SyncRoutes(ctx context.Context) ([]RouteRecord, error) {
	session, online, err := e.ownerSession("sync routes")
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, ErrOffline
	}
	_, ns, queue, _, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	remote, err := callValue(ctx, e, "route listing timed out", func(ctx context.Context) ([]RouteRecord, error) {
		return e.remote.ListRoutes(ctx, session.UserID)
	})
	if err != nil {
		return nil, err
	}
	// local changes still in the queue take precedence over the listing
	settled := make([]RouteRecord, 0, len(remote))
	for _, record := range remote {
		if !queue.HasPending(routeQueueKey(record.ShopCode)) {
			settled = append(settled, record)
		}
	}
	remote = settled

	e.mu.Lock()
	local, err := loadRoutes(ns.GetJSON)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	merged := MergeRoutes(local, remote)
	err = ns.SetJSON(routesKey, merged)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalPersist, err)
	}

	remoteByKey := map[string]RouteRecord{}
	for _, record := range remote {
		remoteByKey[record.MergeKey()] = record
	}
	var outgoing []RouteRecord
	for _, record := range merged {
		seen, ok := remoteByKey[record.MergeKey()]
		if ok && seen.mergeFingerprint() == record.mergeFingerprint() {
			continue
		}
		if queue.HasPending(routeQueueKey(record.ShopCode)) {
			continue
		}
		outgoing = append(outgoing, record)
	}
	if len(outgoing) == 0 {
		return merged, nil
	}
	stored, err := callValue(ctx, e, "route upsert timed out", func(ctx context.Context) ([]RouteRecord, error) {
		return e.remote.UpsertRoutes(ctx, session.UserID, outgoing)
	})
	if err != nil {
		e.logger.WithError(err).WithField("count", len(outgoing)).Warn("pushing merged routes failed")
		return merged, nil
	}
	return e.adoptRemoteRoutes(stored), nil
}

// adoptRemoteRoutes merges records confirmed by the remote store into the
// local list so temporary ids are replaced. Records removed locally in the
// meantime are not brought back.
func (e *Engine) adoptRemoteRoutes(stored []RouteRecord) []RouteRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ns == nil {
		return nil
	}
	local, err := loadRoutes(e.ns.GetJSON)
	if err != nil {
		e.logger.WithError(err).Warn("load routes failed")
		return nil
	}
	known := map[string]bool{}
	for _, record := range local {
		known[record.MergeKey()] = true
	}
	confirmed := make([]RouteRecord, 0, len(stored))
	for _, record := range stored {
		if known[record.MergeKey()] {
			confirmed = append(confirmed, record)
		}
	}
	merged := MergeRoutes(local, confirmed)
	if err := e.ns.SetJSON(routesKey, merged); err != nil {
		e.logger.WithError(err).Warn("store confirmed routes failed")
	}
	return merged
}

func findRoute(records []RouteRecord, key string) *RouteRecord {
	for i := range records {
		if records[i].MergeKey() == key {
			return &records[i]
		}
	}
	return nil
}

// deleteRemoteRoute resolves temporary ids through the remote listing since
// the remote store only knows the ids it assigned.
func (e *Engine) deleteRemoteRoute(ctx context.Context, ownerID string, payload routeDeletePayload) error {
	ids := []string{payload.ID}
	if IsTemporaryID(payload.ID) {
		remote, err := e.remote.ListRoutes(ctx, ownerID)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, record := range remote {
			if record.ShopCode == payload.ShopCode {
				ids = append(ids, record.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
	}
	return e.remote.DeleteRoutes(ctx, ownerID, ids)
}

func (e *Engine) handleRouteUpsert(ctx context.Context, item QueueItem) error {
	var record RouteRecord
	if err := json.Unmarshal(item.Payload, &record); err != nil {
		return &ValidationError{Subject: "queue item " + item.ID, Reason: err.Error()}
	}
	var stored []RouteRecord
	err := e.attempt(ctx, "route upsert timed out", func(ctx context.Context) error {
		var err error
		stored, err = e.remote.UpsertRoutes(ctx, item.OwnerID, []RouteRecord{record})
		return err
	})
	if err != nil {
		return err
	}
	e.adoptRemoteRoutes(stored)
	e.logger.WithFields(logrus.Fields{"shop": record.ShopCode, "item": item.ID}).Debug("queued route applied")
	return nil
}

func (e *Engine) handleRouteDelete(ctx context.Context, item QueueItem) error {
	var payload routeDeletePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return &ValidationError{Subject: "queue item " + item.ID, Reason: err.Error()}
	}
	return e.attempt(ctx, "route delete timed out", func(ctx context.Context) error {
		return e.deleteRemoteRoute(ctx, item.OwnerID, payload)
	})
}
