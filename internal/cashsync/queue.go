package cashsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/cashsync/internal/localstore"
	"github.com/agentworkforce/cashsync/internal/retry"
)

const (
	queueStoreKey        = "sync_queue"
	DefaultQueueCapacity = 1024
)

// QueueHandler applies one queued operation to the remote store.
type QueueHandler func(ctx context.Context, item QueueItem) error

type DrainResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Skipped   int `json:"skipped"`
}

type queueState struct {
	Items []QueueItem `json:"items"`
}

type QueueOptions struct {
	Capacity int
	Retry    retry.Options
	Logger   logrus.FieldLogger
	Now      func() time.Time
	// OnChange is called with the new depth after every durable change.
	OnChange func(depth int)
	// Context bounds shared drain runs. Cancelling one caller of Drain never
	// stops a run other callers are waiting on.
	Context context.Context
}

// SyncQueue is the durable FIFO of remote operations that could not be
// applied when they were issued.
type SyncQueue struct {
	ns       *localstore.Namespace
	capacity int
	retry    retry.Options
	logger   logrus.FieldLogger
	now      func() time.Time
	onChange func(int)
	base     context.Context

	mu       sync.Mutex
	handlers map[QueueItemType]QueueHandler
	group    singleflight.Group
}

func NewSyncQueue(ns *localstore.Namespace, opts QueueOptions) (*SyncQueue, error) {
	if ns == nil {
		return nil, ErrInvalidInput
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultQueueCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncQueue{
		ns:       ns,
		capacity: opts.Capacity,
		retry:    opts.Retry,
		logger:   loggerOrDiscard(opts.Logger).WithField("component", "sync_queue"),
		now:      opts.Now,
		onChange: opts.OnChange,
		base:     opts.Context,
		handlers: map[QueueItemType]QueueHandler{},
	}, nil
}

func (q *SyncQueue) Handle(itemType QueueItemType, handler QueueHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[itemType] = handler
}

// Enqueue validates item and appends it to the durable list. ID and
// EnqueuedAt are filled in when empty.
func (q *SyncQueue) Enqueue(item QueueItem) (QueueItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		item.ID = ulid.Make().String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}
	if err := ValidateQueueItem(item); err != nil {
		return QueueItem{}, err
	}

	q.mu.Lock()
	state, err := q.loadLocked()
	if err != nil {
		q.mu.Unlock()
		return QueueItem{}, err
	}
	if len(state.Items) >= q.capacity {
		q.mu.Unlock()
		return QueueItem{}, ErrQueueFull
	}
	state.Items = append(state.Items, item)
	err = q.saveLocked(state)
	depth := len(state.Items)
	q.mu.Unlock()
	if err != nil {
		return QueueItem{}, err
	}

	q.logger.WithFields(logrus.Fields{"item": item.ID, "type": item.Type, "key": item.Key}).Debug("queued remote operation")
	q.notify(depth)
	return item, nil
}

func (q *SyncQueue) Items() ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	return state.Items, nil
}

func (q *SyncQueue) Len() int {
	items, err := q.Items()
	if err != nil {
		return 0
	}
	return len(items)
}

// HasPending reports whether any queued item targets key.
func (q *SyncQueue) HasPending(key string) bool {
	items, err := q.Items()
	if err != nil {
		return false
	}
	for _, item := range items {
		if item.Key == key {
			return true
		}
	}
	return false
}

// Drain replays the queue in order. Concurrent callers share one run, which
// is bound to the queue's context rather than to whichever caller started it.
// Each caller stops waiting when its own ctx is done.
func (q *SyncQueue) Drain(ctx context.Context) (DrainResult, error) {
	base := q.base
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	ch := q.group.DoChan("drain", func() (any, error) {
		return q.drain(base)
	})
	select {
	case <-ctx.Done():
		return DrainResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(DrainResult)
		return result, res.Err
	}
}

func (q *SyncQueue) drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	items, err := q.Items()
	if err != nil {
		return result, err
	}
	failedKeys := map[string]bool{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		log := q.logger.WithFields(logrus.Fields{"item": item.ID, "type": item.Type, "key": item.Key})
		if failedKeys[item.Key] {
			result.Skipped++
			continue
		}

		q.mu.Lock()
		handler := q.handlers[item.Type]
		q.mu.Unlock()

		var opErr error
		if handler == nil {
			opErr = &ValidationError{Subject: "queue item " + item.ID, Reason: fmt.Sprintf("no handler for %q", item.Type)}
		} else {
			opts := q.retry
			if opts.ShouldRetry == nil {
				opts.ShouldRetry = IsTransient
			}
			opErr = retry.Do(ctx, func(ctx context.Context) error {
				return handler(ctx, item)
			}, opts)
		}

		switch kind := Classify(opErr); {
		case opErr == nil:
			if err := q.remove(item.ID); err != nil {
				return result, err
			}
			result.Succeeded++
		case kind == KindCanceled || (errors.Is(opErr, context.DeadlineExceeded) && ctx.Err() != nil):
			return result, ctx.Err()
		case kind == KindNotFound && (item.Type == QueueArchiveDelete || item.Type == QueueRouteDelete):
			if err := q.remove(item.ID); err != nil {
				return result, err
			}
			result.Succeeded++
		case kind == KindNotFound || kind == KindValidation || kind == KindPermission:
			log.WithError(opErr).WithField("kind", kind.String()).Warn("dropping queued operation")
			if err := q.remove(item.ID); err != nil {
				return result, err
			}
			result.Dropped++
		default:
			log.WithError(opErr).Info("queued operation failed, keeping for next drain")
			if err := q.markFailed(item.ID, opErr); err != nil {
				return result, err
			}
			failedKeys[item.Key] = true
			result.Failed++
		}
	}
	return result, nil
}

func (q *SyncQueue) remove(id string) error {
	q.mu.Lock()
	state, err := q.loadLocked()
	if err != nil {
		q.mu.Unlock()
		return err
	}
	kept := state.Items[:0]
	for _, item := range state.Items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	state.Items = kept
	err = q.saveLocked(state)
	depth := len(state.Items)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(depth)
	return nil
}

func (q *SyncQueue) markFailed(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.loadLocked()
	if err != nil {
		return err
	}
	for i := range state.Items {
		if state.Items[i].ID == id {
			state.Items[i].Attempts++
			state.Items[i].LastError = cause.Error()
		}
	}
	return q.saveLocked(state)
}

func (q *SyncQueue) notify(depth int) {
	if q.onChange != nil {
		q.onChange(depth)
	}
}

func (q *SyncQueue) loadLocked() (queueState, error) {
	var state queueState
	if _, err := q.ns.GetJSON(queueStoreKey, &state); err != nil {
		return queueState{}, fmt.Errorf("load sync queue: %w", err)
	}
	if state.Items == nil {
		state.Items = []QueueItem{}
	}
	return state, nil
}

func (q *SyncQueue) saveLocked(state queueState) error {
	if err := q.ns.SetJSON(queueStoreKey, state); err != nil {
		return fmt.Errorf("%w: save sync queue: %v", ErrLocalPersist, err)
	}
	return nil
}
