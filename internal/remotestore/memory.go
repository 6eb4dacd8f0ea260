// Package remotestore holds the remote stores the sync engine talks to: an
// in-process store, a Postgres store and an HTTP client for the relay.
package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/realtime"
)

const (
	OpGetWorksheet      = "GetWorksheet"
	OpUpsertWorksheet   = "UpsertWorksheet"
	OpSubscribe         = "SubscribeWorksheetChanges"
	OpListArchiveDates  = "ListArchiveDates"
	OpGetArchive        = "GetArchive"
	OpWriteArchive      = "WriteArchive"
	OpDeleteArchive     = "DeleteArchive"
	OpListRoutes        = "ListRoutes"
	OpUpsertRoutes      = "UpsertRoutes"
	OpDeleteRoutes      = "DeleteRoutes"
	OpLookupUserByCode  = "LookupUserByCode"
	OpCreateGrant       = "CreateGrant"
	OpUpdateGrantStatus = "UpdateGrantStatus"
	OpDeleteGrant       = "DeleteGrant"
	OpListGrants        = "ListGrants"
	OpBroadcast         = "Broadcast"
)

const worksheetEvent = "worksheet"

func feedChannel(ownerID string) string {
	return "feed:" + ownerID
}

func broadcastChannel(channel string) string {
	return "broadcast:" + channel
}

// Memory is an in-process remote store. It backs the relay when no database
// is configured and lets tests inject failures per operation.
type Memory struct {
	hub *realtime.Hub
	now func() time.Time

	mu          sync.Mutex
	worksheets  map[string]cashsync.Worksheet
	archives    map[string]map[string]cashsync.ArchiveSnapshot
	routes      map[string]map[string]cashsync.RouteRecord
	users       map[string]string
	grants      map[string]cashsync.Grant
	failures    map[string][]error
	unavailable error
	calls       map[string]int
}

func NewMemory() *Memory {
	return NewMemoryWithHub(realtime.NewHub())
}

func NewMemoryWithHub(hub *realtime.Hub) *Memory {
	return &Memory{
		hub:        hub,
		now:        time.Now,
		worksheets: map[string]cashsync.Worksheet{},
		archives:   map[string]map[string]cashsync.ArchiveSnapshot{},
		routes:     map[string]map[string]cashsync.RouteRecord{},
		users:      map[string]string{},
		grants:     map[string]cashsync.Grant{},
		failures:   map[string][]error{},
		calls:      map[string]int{},
	}
}

func (m *Memory) Hub() *realtime.Hub {
	return m.hub
}

// RegisterUser maps a share code to a user id.
func (m *Memory) RegisterUser(code, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.TrimSpace(code)] = userID
}

func (m *Memory) RegisterCode(ctx context.Context, code, userID string) error {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: code and user id are required", cashsync.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.RegisterUser(code, userID)
	return nil
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetUnavailable fails every call with err until it is called with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) Close() error {
	m.hub.Shutdown()
	return nil
}

// enter records the call and returns an injected failure, if any. Callers
// hold m.mu.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.unavailable != nil {
		return m.unavailable
	}
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) GetWorksheet(ctx context.Context, ownerID string) (*cashsync.Worksheet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpGetWorksheet); err != nil {
		return nil, err
	}
	worksheet, ok := m.worksheets[ownerID]
	if !ok {
		return nil, nil
	}
	out := worksheet.Clone()
	return &out, nil
}

func (m *Memory) UpsertWorksheet(ctx context.Context, worksheet cashsync.Worksheet) error {
	if err := cashsync.ValidateWorksheet(worksheet); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.enter(ctx, OpUpsertWorksheet); err != nil {
		m.mu.Unlock()
		return err
	}
	stored := worksheet.Clone()
	m.worksheets[worksheet.OwnerID] = stored
	m.mu.Unlock()

	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	m.hub.Publish(feedChannel(worksheet.OwnerID), worksheetEvent, payload)
	return nil
}

func (m *Memory) SubscribeWorksheetChanges(ctx context.Context, ownerID string, onChange func(cashsync.Worksheet)) (func(), error) {
	m.mu.Lock()
	err := m.enter(ctx, OpSubscribe)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.hub.Listen(ctx, feedChannel(ownerID), func(msg realtime.Message) {
		var worksheet cashsync.Worksheet
		if err := json.Unmarshal(msg.Payload, &worksheet); err != nil {
			return
		}
		onChange(worksheet)
	})
}

func (m *Memory) ListArchiveDates(ctx context.Context, ownerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpListArchiveDates); err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(m.archives[ownerID]))
	for date := range m.archives[ownerID] {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

func (m *Memory) GetArchive(ctx context.Context, ownerID, date string) (*cashsync.ArchiveSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpGetArchive); err != nil {
		return nil, err
	}
	snapshot, ok := m.archives[ownerID][date]
	if !ok {
		return nil, nil
	}
	snapshot.Rows = append([]cashsync.Row(nil), snapshot.Rows...)
	return &snapshot, nil
}

func (m *Memory) WriteArchive(ctx context.Context, snapshot cashsync.ArchiveSnapshot) error {
	if err := cashsync.ValidateSnapshot(snapshot); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpWriteArchive); err != nil {
		return err
	}
	if m.archives[snapshot.OwnerID] == nil {
		m.archives[snapshot.OwnerID] = map[string]cashsync.ArchiveSnapshot{}
	}
	snapshot.Rows = append([]cashsync.Row(nil), snapshot.Rows...)
	m.archives[snapshot.OwnerID][snapshot.Date] = snapshot
	return nil
}

func (m *Memory) DeleteArchive(ctx context.Context, ownerID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteArchive); err != nil {
		return err
	}
	delete(m.archives[ownerID], date)
	return nil
}

func (m *Memory) ListRoutes(ctx context.Context, ownerID string) ([]cashsync.RouteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpListRoutes); err != nil {
		return nil, err
	}
	out := make([]cashsync.RouteRecord, 0, len(m.routes[ownerID]))
	for _, record := range m.routes[ownerID] {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ShopCode < out[j].ShopCode
	})
	return out, nil
}

// UpsertRoutes stores records keyed by shop code. Temporary ids are replaced
// with stored ones.
func (m *Memory) UpsertRoutes(ctx context.Context, ownerID string, records []cashsync.RouteRecord) ([]cashsync.RouteRecord, error) {
	for _, record := range records {
		if err := cashsync.ValidateRoute(record); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpsertRoutes); err != nil {
		return nil, err
	}
	if m.routes[ownerID] == nil {
		m.routes[ownerID] = map[string]cashsync.RouteRecord{}
	}
	owned := m.routes[ownerID]
	stored := make([]cashsync.RouteRecord, 0, len(records))
	for _, record := range records {
		record.OwnerID = ownerID
		for id, existing := range owned {
			if existing.ShopCode == record.ShopCode {
				delete(owned, id)
				if record.ID == "" || cashsync.IsTemporaryID(record.ID) {
					record.ID = existing.ID
				}
			}
		}
		if record.ID == "" || cashsync.IsTemporaryID(record.ID) {
			record.ID = uuid.NewString()
		}
		owned[record.ID] = record
		stored = append(stored, record)
	}
	return stored, nil
}

func (m *Memory) DeleteRoutes(ctx context.Context, ownerID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteRoutes); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.routes[ownerID], id)
	}
	return nil
}

func (m *Memory) LookupUserByCode(ctx context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpLookupUserByCode); err != nil {
		return "", err
	}
	return m.users[strings.TrimSpace(code)], nil
}

func (m *Memory) CreateGrant(ctx context.Context, grant cashsync.Grant) (cashsync.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpCreateGrant); err != nil {
		return cashsync.Grant{}, err
	}
	if !grant.Role.Valid() || grant.SenderID == "" || grant.ReceiverID == "" {
		return cashsync.Grant{}, &cashsync.ValidationError{Subject: "grant", Reason: "sender, receiver and role are required"}
	}
	for _, existing := range m.grants {
		if existing.SenderID == grant.SenderID && existing.ReceiverID == grant.ReceiverID && existing.Status == cashsync.GrantPending {
			return cashsync.Grant{}, cashsync.ErrInvitePending
		}
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	now := m.now().UTC()
	grant.Status = cashsync.GrantPending
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	m.grants[grant.ID] = grant
	return grant, nil
}

func (m *Memory) UpdateGrantStatus(ctx context.Context, grantID string, status cashsync.GrantStatus, role cashsync.Role) (cashsync.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpdateGrantStatus); err != nil {
		return cashsync.Grant{}, err
	}
	grant, ok := m.grants[grantID]
	if !ok {
		return cashsync.Grant{}, fmt.Errorf("%w: grant %s", cashsync.ErrNotFound, grantID)
	}
	if err := CheckGrantTransition(grant.Status, status); err != nil {
		return cashsync.Grant{}, err
	}
	grant.Status = status
	if role.Valid() {
		grant.Role = role
	}
	grant.UpdatedAt = m.now().UTC()
	m.grants[grantID] = grant
	return grant, nil
}

func (m *Memory) DeleteGrant(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteGrant); err != nil {
		return err
	}
	delete(m.grants, grantID)
	return nil
}

func (m *Memory) ListGrants(ctx context.Context, userID string) ([]cashsync.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpListGrants); err != nil {
		return nil, err
	}
	out := []cashsync.Grant{}
	for _, grant := range m.grants {
		if grant.Involves(userID) {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Broadcast(ctx context.Context, channel, event string, payload json.RawMessage) error {
	m.mu.Lock()
	err := m.enter(ctx, OpBroadcast)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.hub.Publish(broadcastChannel(channel), event, payload)
	return nil
}

func (m *Memory) SubscribeBroadcast(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (func(), error) {
	return m.hub.Listen(ctx, broadcastChannel(channel), func(msg realtime.Message) {
		handler(msg.Event, msg.Payload)
	})
}

// CheckGrantTransition enforces pending → accepted|rejected and
// accepted → revoked.
func CheckGrantTransition(from, to cashsync.GrantStatus) error {
	switch {
	case from == cashsync.GrantPending && (to == cashsync.GrantAccepted || to == cashsync.GrantRejected):
		return nil
	case from == cashsync.GrantAccepted && to == cashsync.GrantRevoked:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", cashsync.ErrInvalidGrantOp, from, to)
	}
}

// CodeRegistry is implemented by stores that let users publish a share code.
type CodeRegistry interface {
	RegisterCode(ctx context.Context, code, userID string) error
}

var (
	_ cashsync.RemoteStore = (*Memory)(nil)
	_ cashsync.Broadcaster = (*Memory)(nil)
	_ CodeRegistry         = (*Memory)(nil)
)
