package cashsync

import (
	"context"
	"encoding/json"
)

// RemoteStore is the hosted backend as seen by the sync engine. Lookups of
// missing records return a nil value and a nil error.
type RemoteStore interface {
	GetWorksheet(ctx context.Context, ownerID string) (*Worksheet, error)
	UpsertWorksheet(ctx context.Context, worksheet Worksheet) error
	// SubscribeWorksheetChanges delivers every stored version of ownerID's
	// worksheet until the returned func is called.
	SubscribeWorksheetChanges(ctx context.Context, ownerID string, onChange func(Worksheet)) (func(), error)

	ListArchiveDates(ctx context.Context, ownerID string) ([]string, error)
	GetArchive(ctx context.Context, ownerID, date string) (*ArchiveSnapshot, error)
	WriteArchive(ctx context.Context, snapshot ArchiveSnapshot) error
	DeleteArchive(ctx context.Context, ownerID, date string) error

	ListRoutes(ctx context.Context, ownerID string) ([]RouteRecord, error)
	UpsertRoutes(ctx context.Context, ownerID string, records []RouteRecord) ([]RouteRecord, error)
	DeleteRoutes(ctx context.Context, ownerID string, ids []string) error

	// LookupUserByCode resolves a share code to a user id ("" when unknown).
	LookupUserByCode(ctx context.Context, code string) (string, error)
	CreateGrant(ctx context.Context, grant Grant) (Grant, error)
	UpdateGrantStatus(ctx context.Context, grantID string, status GrantStatus, role Role) (Grant, error)
	DeleteGrant(ctx context.Context, grantID string) error
	ListGrants(ctx context.Context, userID string) ([]Grant, error)
}

// Broadcaster carries lightweight signals between devices, such as a
// collaborator asking the owner to push immediately.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload json.RawMessage) error
	SubscribeBroadcast(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (func(), error)
}

const (
	EventSyncRequest  = "sync-request"
	EventGrantChanged = "grant-changed"
)

func WorksheetChannel(ownerID string) string {
	return "worksheet:" + ownerID
}

func UserChannel(userID string) string {
	return "user:" + userID
}
