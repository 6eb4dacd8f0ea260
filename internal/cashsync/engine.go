package cashsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/cashsync/internal/localstore"
	"github.com/agentworkforce/cashsync/internal/retry"
)

const (
	DefaultTimeout = 20 * time.Second

	worksheetKey     = "worksheet"
	grantsKey        = "grants"
	sharedKeyPrefix  = "shared_worksheet_"
	archiveKeyPrefix = "archive_"
	carryForwardKey  = "carry_forward"
	routesKey        = "routes"
)

type Options struct {
	Local       localstore.Store
	Remote      RemoteStore
	Broadcaster Broadcaster
	Logger      logrus.FieldLogger
	// Retry applies to every remote call. ShouldRetry is always IsTransient.
	Retry         retry.Options
	Timeout       time.Duration
	QueueCapacity int
	// Offline starts the engine without network access.
	Offline bool
	Now     func() time.Time
	NewID   func() string
}

// Access is what the signed-in user may do with the active worksheet.
type Access string

const (
	AccessOwner  Access = "owner"
	AccessEditor Access = "editor"
	AccessViewer Access = "viewer"
	AccessAdmin  Access = "admin"
)

func (a Access) CanWrite() bool {
	return a == AccessOwner || a == AccessEditor
}

// State is an immutable snapshot handed to observers.
type State struct {
	UserID        string    `json:"userId"`
	ActiveOwnerID string    `json:"activeOwnerId"`
	Access        Access    `json:"access"`
	Worksheet     Worksheet `json:"worksheet"`
	Totals        Totals    `json:"totals"`
	Online        bool      `json:"online"`
	Loading       bool      `json:"loading"`
	PendingQueue  int       `json:"pendingQueue"`
	LastError     string    `json:"lastError,omitempty"`
	Grants        []Grant   `json:"grants"`
}

// Engine is the offline-first worksheet engine for one device.
type Engine struct {
	local       localstore.Store
	remote      RemoteStore
	broadcaster Broadcaster
	logger      logrus.FieldLogger
	retryOpts   retry.Options
	timeout     time.Duration
	capacity    int
	now         func() time.Time
	newID       func() string

	ctx    context.Context
	cancel context.CancelFunc
	pusher *livePusher

	mu          sync.Mutex
	initialized bool
	closed      bool
	session     Session
	ns          *localstore.Namespace
	queue       *SyncQueue
	online      bool
	loading     bool
	pending     int
	lastErr     string
	worksheet   Worksheet
	activeOwner string
	access      Access
	grants      []Grant
	generation  uint64
	feedUnsub   func()
	bcastUnsubs []func()

	observerMu   sync.Mutex
	observers    map[int]func(State)
	nextObserver int
}

func New(opts Options) (*Engine, error) {
	if opts.Local == nil || opts.Remote == nil {
		return nil, fmt.Errorf("%w: local and remote stores are required", ErrInvalidInput)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Retry.Retries == 0 && opts.Retry.Backoff == nil && opts.Retry.Delay == 0 {
		opts.Retry.Retries = 3
		opts.Retry.Backoff = retry.ExponentialBackoff(500*time.Millisecond, 8*time.Second)
	}
	opts.Retry.ShouldRetry = IsTransient

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		local:       opts.Local,
		remote:      opts.Remote,
		broadcaster: opts.Broadcaster,
		logger:      loggerOrDiscard(opts.Logger).WithField("component", "engine"),
		retryOpts:   opts.Retry,
		timeout:     opts.Timeout,
		capacity:    opts.QueueCapacity,
		now:         opts.Now,
		newID:       opts.NewID,
		ctx:         ctx,
		cancel:      cancel,
		online:      !opts.Offline,
		observers:   map[int]func(State){},
	}
	e.pusher = newLivePusher(e.pushWorksheet)
	return e, nil
}

func loggerOrDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}

// Initialize hydrates the engine for session from local storage and, when
// online, reconciles with the remote store. Remote failures are logged; only
// local failures are returned.
func (e *Engine) Initialize(ctx context.Context, session Session) error {
	session.UserID = strings.TrimSpace(session.UserID)
	if session.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	ns, err := localstore.NewNamespace(e.local, session.UserID)
	if err != nil {
		return err
	}
	queue, err := NewSyncQueue(ns, QueueOptions{
		Capacity: e.capacity,
		Retry:    e.retryOpts,
		Logger:   e.logger,
		Now:      e.now,
		OnChange: e.setPending,
		Context:  e.ctx,
	})
	if err != nil {
		return err
	}
	e.registerQueueHandlers(queue)

	worksheet := NewWorksheet(session.UserID)
	if _, err := ns.GetJSON(worksheetKey, &worksheet); err != nil {
		return fmt.Errorf("%w: load worksheet: %v", ErrLocalPersist, err)
	}
	worksheet.OwnerID = session.UserID
	worksheet.recompute()
	var grants []Grant
	if _, err := ns.GetJSON(grantsKey, &grants); err != nil {
		return fmt.Errorf("%w: load grants: %v", ErrLocalPersist, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	oldUnsubs := e.detachLocked()
	e.initialized = true
	e.session = session
	e.ns = ns
	e.queue = queue
	e.worksheet = worksheet
	e.activeOwner = session.UserID
	e.access = AccessOwner
	e.grants = grants
	e.generation++
	e.loading = true
	e.lastErr = ""
	e.mu.Unlock()
	runAll(oldUnsubs)

	e.setPending(queue.Len())
	e.connect(ctx)

	e.mu.Lock()
	e.loading = false
	e.mu.Unlock()
	e.emit()
	return nil
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	worksheet := e.worksheet.Clone()
	return State{
		UserID:        e.session.UserID,
		ActiveOwnerID: e.activeOwner,
		Access:        e.access,
		Worksheet:     worksheet,
		Totals:        ComputeTotals(worksheet),
		Online:        e.online,
		Loading:       e.loading,
		PendingQueue:  e.pending,
		LastError:     e.lastErr,
		Grants:        append([]Grant(nil), e.grants...),
	}
}

// Subscribe registers observer for every state change and returns a func
// that removes it.
func (e *Engine) Subscribe(observer func(State)) func() {
	e.observerMu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = observer
	e.observerMu.Unlock()
	return func() {
		e.observerMu.Lock()
		delete(e.observers, id)
		e.observerMu.Unlock()
	}
}

func (e *Engine) emit() {
	state := e.State()
	e.observerMu.Lock()
	observers := make([]func(State), 0, len(e.observers))
	for _, observer := range e.observers {
		observers = append(observers, observer)
	}
	e.observerMu.Unlock()
	for _, observer := range observers {
		observer(state)
	}
}

func (e *Engine) setPending(depth int) {
	e.mu.Lock()
	changed := e.pending != depth
	e.pending = depth
	e.mu.Unlock()
	if changed {
		e.emit()
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	if err == nil {
		e.lastErr = ""
	} else {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
	e.emit()
}

// SetOnline records a connectivity change. Going online reconnects the change
// feed, reconciles the active worksheet and drains the queue before returning.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	var unsubs []func()
	if !online {
		unsubs = e.detachLocked()
	}
	e.mu.Unlock()
	runAll(unsubs)
	if was == online {
		return
	}
	e.logger.WithField("online", online).Info("connectivity changed")
	e.emit()
	if online {
		e.connect(ctx)
	}
}

// Drain replays the sync queue against the remote store.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return DrainResult{}, ErrNotInitialized
	}
	queue := e.queue
	online := e.online
	e.mu.Unlock()
	if !online {
		return DrainResult{}, ErrOffline
	}
	result, err := queue.Drain(ctx)
	e.logger.WithFields(logrus.Fields{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"dropped":   result.Dropped,
		"skipped":   result.Skipped,
	}).Debug("sync queue drained")
	if err != nil {
		e.setLastError(err)
		return result, err
	}
	if result.Failed > 0 {
		e.setLastError(fmt.Errorf("%d queued operations failed", result.Failed))
	}
	e.setPending(queue.Len())
	return result, nil
}

// QueueItems lists the pending queued operations in order.
func (e *Engine) QueueItems() ([]QueueItem, error) {
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()
	if queue == nil {
		return nil, ErrNotInitialized
	}
	return queue.Items()
}

// Flush waits until every scheduled worksheet push has finished.
func (e *Engine) Flush() {
	e.pusher.wait()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.detachLocked()
	e.mu.Unlock()
	runAll(unsubs)
	e.pusher.wait()
	e.cancel()
	return nil
}

// connect subscribes to broadcasts and the active change feed, reconciles the
// active worksheet and drains the queue.
func (e *Engine) connect(ctx context.Context) {
	e.mu.Lock()
	if !e.initialized || !e.online || e.closed {
		e.mu.Unlock()
		return
	}
	self := e.session.UserID
	owner := e.activeOwner
	gen := e.generation
	e.mu.Unlock()

	e.subscribeBroadcasts(self)
	e.reconcileActive(ctx, gen)
	e.subscribeFeed(owner, gen)
	if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
		e.logger.WithError(err).Warn("drain after reconnect failed")
	}
	if _, err := e.RefreshGrants(ctx); err != nil && !errors.Is(err, ErrOffline) {
		e.logger.WithError(err).Warn("grant refresh after reconnect failed")
	}
}

// detachLocked clears every live subscription and returns the funcs that tear
// them down. They must be run after releasing e.mu.
func (e *Engine) detachLocked() []func() {
	unsubs := e.bcastUnsubs
	e.bcastUnsubs = nil
	if e.feedUnsub != nil {
		unsubs = append(unsubs, e.feedUnsub)
		e.feedUnsub = nil
	}
	return unsubs
}

func runAll(funcs []func()) {
	for _, fn := range funcs {
		if fn != nil {
			fn()
		}
	}
}

func (e *Engine) subscribeBroadcasts(self string) {
	if e.broadcaster == nil {
		return
	}
	e.mu.Lock()
	subscribed := len(e.bcastUnsubs) > 0
	e.mu.Unlock()
	if subscribed {
		return
	}
	var unsubs []func()
	worksheetUnsub, err := e.broadcaster.SubscribeBroadcast(e.ctx, WorksheetChannel(self), func(event string, _ json.RawMessage) {
		if event == EventSyncRequest {
			e.pushOwnWorksheet()
		}
	})
	if err != nil {
		e.logger.WithError(err).Warn("subscribe to sync requests failed")
	} else {
		unsubs = append(unsubs, worksheetUnsub)
	}
	userUnsub, err := e.broadcaster.SubscribeBroadcast(e.ctx, UserChannel(self), func(event string, _ json.RawMessage) {
		if event != EventGrantChanged {
			return
		}
		go func() {
			if _, err := e.RefreshGrants(e.ctx); err != nil {
				e.logger.WithError(err).Debug("grant refresh after notification failed")
			}
		}()
	})
	if err != nil {
		e.logger.WithError(err).Warn("subscribe to grant notifications failed")
	} else {
		unsubs = append(unsubs, userUnsub)
	}

	e.mu.Lock()
	if !e.online || e.closed || len(e.bcastUnsubs) > 0 {
		e.mu.Unlock()
		runAll(unsubs)
		return
	}
	e.bcastUnsubs = unsubs
	e.mu.Unlock()
}

// call runs fn with the engine timeout and retries transient failures.
func (e *Engine) call(ctx context.Context, message string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		_, err := retry.WithTimeout(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		}, e.timeout, message)
		return err
	}, e.retryOpts)
}

func callValue[T any](ctx context.Context, e *Engine, message string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, func(ctx context.Context) (T, error) {
		return retry.WithTimeout(ctx, fn, e.timeout, message)
	}, e.retryOpts)
}

// attempt is a single timed remote call; the sync queue supplies retries.
func (e *Engine) attempt(ctx context.Context, message string, fn func(ctx context.Context) error) error {
	_, err := retry.WithTimeout(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, e.timeout, message)
	return err
}

func (e *Engine) snapshotSession() (Session, *localstore.Namespace, *SyncQueue, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.closed {
		return Session{}, nil, nil, false, ErrNotInitialized
	}
	return e.session, e.ns, e.queue, e.online, nil
}
