package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/realtime"
)

const (
	postgresDefaultPrefix     = "cashsync"
	postgresOperationTimeout  = 5 * time.Second
	postgresFeedChannel       = "cashsync_feed"
	postgresBroadcastChannel  = "cashsync_broadcast"
	postgresMinReconnect      = 100 * time.Millisecond
	postgresMaxReconnect      = 10 * time.Second
	postgresListenerPingEvery = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores worksheets, archives, routes and grants in Postgres. Change
// notifications travel over LISTEN/NOTIFY so every relay instance sharing the
// database sees them.
type Postgres struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc
	hub         *realtime.Hub
	logger      logrus.FieldLogger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	listener *pq.Listener
	stop     chan struct{}
	done     chan struct{}
}

type PostgresOption func(*Postgres)

// WithTablePrefix namespaces the tables, mostly for tests sharing a database.
func WithTablePrefix(prefix string) PostgresOption {
	return func(p *Postgres) {
		if strings.TrimSpace(prefix) != "" {
			p.tablePrefix = strings.TrimSpace(prefix)
		}
	}
}

func WithLogger(logger logrus.FieldLogger) PostgresOption {
	return func(p *Postgres) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPostgres(dsn string, opts ...PostgresOption) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", cashsync.ErrInvalidInput)
	}
	p := &Postgres{
		dsn:         dsn,
		tablePrefix: postgresDefaultPrefix,
		openDB:      sql.Open,
		hub:         realtime.NewHub(),
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Postgres) table(name string) string {
	return postgresQuoteIdentifier(p.tablePrefix + "_" + name)
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, p.table("worksheets")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT NOT NULL,
				archive_date TEXT NOT NULL,
				document TEXT NOT NULL,
				PRIMARY KEY (owner_id, archive_date)
			)`, p.table("archives")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				shop_code TEXT NOT NULL,
				sort_order INTEGER NOT NULL DEFAULT 0,
				document TEXT NOT NULL,
				UNIQUE (owner_id, shop_code)
			)`, p.table("routes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				code TEXT PRIMARY KEY,
				user_id TEXT NOT NULL
			)`, p.table("users")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				sender_id TEXT NOT NULL,
				receiver_id TEXT NOT NULL,
				role TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, p.table("grants")),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				p.initErr = mapPostgresError(err)
				return
			}
		}

		listener := pq.NewListener(p.dsn, postgresMinReconnect, postgresMaxReconnect, func(event pq.ListenerEventType, err error) {
			if err != nil {
				p.logger.WithError(err).WithField("event", event).Warn("postgres listener event")
			}
		})
		for _, channel := range []string{postgresFeedChannel, postgresBroadcastChannel} {
			if err := listener.Listen(channel); err != nil {
				_ = listener.Close()
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
		p.listener = listener
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.dispatch()
	})
	return p.initErr
}

// dispatch fans NOTIFY messages out to the in-process hub.
func (p *Postgres) dispatch() {
	defer close(p.done)
	ticker := time.NewTicker(postgresListenerPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.WithError(err).Debug("postgres listener ping failed")
				}
			}()
		case notification, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; missed notifications are not replayed
			if notification == nil {
				continue
			}
			p.handleNotification(notification)
		}
	}
}

type postgresBroadcast struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p *Postgres) handleNotification(notification *pq.Notification) {
	switch notification.Channel {
	case postgresFeedChannel:
		owner := notification.Extra
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		worksheet, err := p.GetWorksheet(ctx, owner)
		if err != nil || worksheet == nil {
			p.logger.WithError(err).WithField("owner", owner).Warn("load worksheet for change feed failed")
			return
		}
		payload, err := json.Marshal(worksheet)
		if err != nil {
			return
		}
		p.hub.Publish(feedChannel(owner), worksheetEvent, payload)
	case postgresBroadcastChannel:
		var message postgresBroadcast
		if err := json.Unmarshal([]byte(notification.Extra), &message); err != nil {
			p.logger.WithError(err).Warn("malformed broadcast notification")
			return
		}
		p.hub.Publish(broadcastChannel(message.Channel), message.Event, message.Payload)
	}
}

func (p *Postgres) Close() error {
	if p.db == nil {
		p.hub.Shutdown()
		return nil
	}
	close(p.stop)
	<-p.done
	p.hub.Shutdown()
	lerr := p.listener.Close()
	if err := p.db.Close(); err != nil {
		return err
	}
	return lerr
}

func (p *Postgres) GetWorksheet(ctx context.Context, ownerID string) (*cashsync.Worksheet, error) {
	var worksheet cashsync.Worksheet
	found, err := p.getDocument(ctx, fmt.Sprintf("SELECT document FROM %s WHERE owner_id = $1", p.table("worksheets")), &worksheet, ownerID)
	if err != nil || !found {
		return nil, err
	}
	return &worksheet, nil
}

func (p *Postgres) UpsertWorksheet(ctx context.Context, worksheet cashsync.Worksheet) error {
	if err := cashsync.ValidateWorksheet(worksheet); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	document, err := json.Marshal(worksheet)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback()
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, p.table("worksheets"))
	if _, err := tx.ExecContext(ctx, query, worksheet.OwnerID, string(document)); err != nil {
		return mapPostgresError(err)
	}
	// delivered on commit
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresFeedChannel, worksheet.OwnerID); err != nil {
		return mapPostgresError(err)
	}
	return mapPostgresError(tx.Commit())
}

func (p *Postgres) SubscribeWorksheetChanges(ctx context.Context, ownerID string, onChange func(cashsync.Worksheet)) (func(), error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.hub.Listen(ctx, feedChannel(ownerID), func(msg realtime.Message) {
		var worksheet cashsync.Worksheet
		if err := json.Unmarshal(msg.Payload, &worksheet); err != nil {
			return
		}
		onChange(worksheet)
	})
}

func (p *Postgres) ListArchiveDates(ctx context.Context, ownerID string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf("SELECT archive_date FROM %s WHERE owner_id = $1 ORDER BY archive_date", p.table("archives")), ownerID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	dates := []string{}
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, err
		}
		dates = append(dates, date)
	}
	return dates, mapPostgresError(rows.Err())
}

func (p *Postgres) GetArchive(ctx context.Context, ownerID, date string) (*cashsync.ArchiveSnapshot, error) {
	var snapshot cashsync.ArchiveSnapshot
	query := fmt.Sprintf("SELECT document FROM %s WHERE owner_id = $1 AND archive_date = $2", p.table("archives"))
	found, err := p.getDocument(ctx, query, &snapshot, ownerID, date)
	if err != nil || !found {
		return nil, err
	}
	return &snapshot, nil
}

func (p *Postgres) WriteArchive(ctx context.Context, snapshot cashsync.ArchiveSnapshot) error {
	if err := cashsync.ValidateSnapshot(snapshot); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	document, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, archive_date, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, archive_date)
		DO UPDATE SET document = EXCLUDED.document`, p.table("archives"))
	_, err = p.db.ExecContext(ctx, query, snapshot.OwnerID, snapshot.Date, string(document))
	return mapPostgresError(err)
}

func (p *Postgres) DeleteArchive(ctx context.Context, ownerID, date string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE owner_id = $1 AND archive_date = $2", p.table("archives"))
	_, err := p.db.ExecContext(ctx, query, ownerID, date)
	return mapPostgresError(err)
}

func (p *Postgres) ListRoutes(ctx context.Context, ownerID string) ([]cashsync.RouteRecord, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT document FROM %s WHERE owner_id = $1 ORDER BY sort_order, shop_code", p.table("routes"))
	rows, err := p.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	records := []cashsync.RouteRecord{}
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var record cashsync.RouteRecord
		if err := json.Unmarshal([]byte(document), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, mapPostgresError(rows.Err())
}

// UpsertRoutes stores records keyed by (owner, shop code). A temporary id is
// replaced with the stored id for that shop, or a new one.
func (p *Postgres) UpsertRoutes(ctx context.Context, ownerID string, records []cashsync.RouteRecord) ([]cashsync.RouteRecord, error) {
	for _, record := range records {
		if err := cashsync.ValidateRoute(record); err != nil {
			return nil, err
		}
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback()

	lookup := fmt.Sprintf("SELECT id FROM %s WHERE owner_id = $1 AND shop_code = $2 FOR UPDATE", p.table("routes"))
	remove := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.table("routes"))
	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, shop_code, sort_order, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET owner_id = EXCLUDED.owner_id, shop_code = EXCLUDED.shop_code,
			sort_order = EXCLUDED.sort_order, document = EXCLUDED.document`, p.table("routes"))

	stored := make([]cashsync.RouteRecord, 0, len(records))
	for _, record := range records {
		record.OwnerID = ownerID
		var existing string
		err := tx.QueryRowContext(ctx, lookup, ownerID, record.ShopCode).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, mapPostgresError(err)
		case record.ID == "" || cashsync.IsTemporaryID(record.ID):
			record.ID = existing
		case record.ID != existing:
			if _, err := tx.ExecContext(ctx, remove, existing); err != nil {
				return nil, mapPostgresError(err)
			}
		}
		if record.ID == "" || cashsync.IsTemporaryID(record.ID) {
			record.ID = uuid.NewString()
		}
		document, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, upsert, record.ID, ownerID, record.ShopCode, record.SortOrder, string(document)); err != nil {
			return nil, mapPostgresError(err)
		}
		stored = append(stored, record)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPostgresError(err)
	}
	return stored, nil
}

func (p *Postgres) DeleteRoutes(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE owner_id = $1 AND id = ANY($2)", p.table("routes"))
	_, err := p.db.ExecContext(ctx, query, ownerID, pq.Array(ids))
	return mapPostgresError(err)
}

// RegisterCode maps a share code to a user id.
func (p *Postgres) RegisterCode(ctx context.Context, code, userID string) error {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: code and user id are required", cashsync.ErrInvalidInput)
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (code, user_id) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET user_id = EXCLUDED.user_id`, p.table("users"))
	_, err := p.db.ExecContext(ctx, query, code, userID)
	return mapPostgresError(err)
}

func (p *Postgres) LookupUserByCode(ctx context.Context, code string) (string, error) {
	if err := p.ensureReady(); err != nil {
		return "", err
	}
	var userID string
	err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT user_id FROM %s WHERE code = $1", p.table("users")), strings.TrimSpace(code)).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return userID, mapPostgresError(err)
}

const grantColumns = "id, sender_id, receiver_id, role, status, created_at, updated_at"

func scanGrant(row interface{ Scan(...any) error }) (cashsync.Grant, error) {
	var grant cashsync.Grant
	var role, status string
	if err := row.Scan(&grant.ID, &grant.SenderID, &grant.ReceiverID, &role, &status, &grant.CreatedAt, &grant.UpdatedAt); err != nil {
		return cashsync.Grant{}, err
	}
	grant.Role = cashsync.Role(role)
	grant.Status = cashsync.GrantStatus(status)
	grant.CreatedAt = grant.CreatedAt.UTC()
	grant.UpdatedAt = grant.UpdatedAt.UTC()
	return grant, nil
}

func (p *Postgres) CreateGrant(ctx context.Context, grant cashsync.Grant) (cashsync.Grant, error) {
	if !grant.Role.Valid() || grant.SenderID == "" || grant.ReceiverID == "" {
		return cashsync.Grant{}, &cashsync.ValidationError{Subject: "grant", Reason: "sender, receiver and role are required"}
	}
	if err := p.ensureReady(); err != nil {
		return cashsync.Grant{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	defer tx.Rollback()

	var pending int
	check := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE sender_id = $1 AND receiver_id = $2 AND status = $3", p.table("grants"))
	if err := tx.QueryRowContext(ctx, check, grant.SenderID, grant.ReceiverID, string(cashsync.GrantPending)).Scan(&pending); err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	if pending > 0 {
		return cashsync.Grant{}, cashsync.ErrInvitePending
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	grant.Status = cashsync.GrantPending
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7)", p.table("grants"), grantColumns)
	if _, err := tx.ExecContext(ctx, insert, grant.ID, grant.SenderID, grant.ReceiverID, string(grant.Role), string(grant.Status), grant.CreatedAt, grant.UpdatedAt); err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	return grant, nil
}

func (p *Postgres) UpdateGrantStatus(ctx context.Context, grantID string, status cashsync.GrantStatus, role cashsync.Role) (cashsync.Grant, error) {
	if err := p.ensureReady(); err != nil {
		return cashsync.Grant{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", grantColumns, p.table("grants"))
	grant, err := scanGrant(tx.QueryRowContext(ctx, query, grantID))
	if errors.Is(err, sql.ErrNoRows) {
		return cashsync.Grant{}, fmt.Errorf("%w: grant %s", cashsync.ErrNotFound, grantID)
	}
	if err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	if err := CheckGrantTransition(grant.Status, status); err != nil {
		return cashsync.Grant{}, err
	}
	grant.Status = status
	if role.Valid() {
		grant.Role = role
	}
	grant.UpdatedAt = time.Now().UTC()
	update := fmt.Sprintf("UPDATE %s SET status = $2, role = $3, updated_at = $4 WHERE id = $1", p.table("grants"))
	if _, err := tx.ExecContext(ctx, update, grant.ID, string(grant.Status), string(grant.Role), grant.UpdatedAt); err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return cashsync.Grant{}, mapPostgresError(err)
	}
	return grant, nil
}

func (p *Postgres) DeleteGrant(ctx context.Context, grantID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.table("grants")), grantID)
	return mapPostgresError(err)
}

func (p *Postgres) ListGrants(ctx context.Context, userID string) ([]cashsync.Grant, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE sender_id = $1 OR receiver_id = $1 ORDER BY created_at, id", grantColumns, p.table("grants"))
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	grants := []cashsync.Grant{}
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, mapPostgresError(rows.Err())
}

func (p *Postgres) Broadcast(ctx context.Context, channel, event string, payload json.RawMessage) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	message, err := json.Marshal(postgresBroadcast{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresBroadcastChannel, string(message))
	return mapPostgresError(err)
}

func (p *Postgres) SubscribeBroadcast(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (func(), error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.hub.Listen(ctx, broadcastChannel(channel), func(msg realtime.Message) {
		handler(msg.Event, msg.Payload)
	})
}

func (p *Postgres) getDocument(ctx context.Context, query string, dst any, args ...any) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	var document string
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPostgresError(err)
	}
	if err := json.Unmarshal([]byte(document), dst); err != nil {
		return false, err
	}
	return true, nil
}

// mapPostgresError turns data and integrity violations into validation
// errors and privilege failures into permission errors. Everything else
// stays transient.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23":
		return fmt.Errorf("%w: %s", cashsync.ErrValidation, pqErr.Message)
	case pqErr.Code == "42501":
		return fmt.Errorf("%w: %s", cashsync.ErrPermission, pqErr.Message)
	default:
		return err
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

var (
	_ cashsync.RemoteStore = (*Postgres)(nil)
	_ cashsync.Broadcaster = (*Postgres)(nil)
	_ CodeRegistry         = (*Postgres)(nil)
)
