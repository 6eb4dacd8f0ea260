package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// keyWatcher is implemented by local stores that can report changes made by
// other processes sharing the same directory.
type keyWatcher interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

const queueKeySuffix = "sync_queue"

func (a *app) watchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep probing the relay and drain the sync queue whenever it comes back",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.open(rootCtx)
			if err != nil {
				return err
			}
			defer s.Close()

			interval := a.cfg.Client.Interval
			if interval <= 0 {
				interval = 30 * time.Second
			}
			jitter := clampJitterRatio(a.cfg.Client.IntervalJitter)
			logger := a.logger.WithField("user", a.userID)

			cycle := func() {
				ctx, cancel := context.WithTimeout(rootCtx, a.cfg.Client.Timeout)
				defer cancel()
				online := !a.offline && a.probe(ctx, s.client)
				s.engine.SetOnline(ctx, online)
				if !online {
					return
				}
				if _, err := s.engine.RefreshGrants(ctx); err != nil {
					logger.WithError(err).Warn("grant refresh failed")
				}
				result, err := s.engine.Drain(ctx)
				if err != nil {
					logger.WithError(err).Warn("sync cycle failed")
					return
				}
				logger.WithField("succeeded", result.Succeeded).
					WithField("failed", result.Failed).
					WithField("dropped", result.Dropped).
					Debug("sync cycle completed")
			}

			cycle()
			if once {
				return nil
			}

			// A local change drains only when the queue grew. Writes made by a
			// drain never grow it.
			changed := make(chan struct{}, 1)
			if watcher, ok := s.local.(keyWatcher); ok {
				err := watcher.Watch(rootCtx, func(key string) {
					if !strings.HasSuffix(key, queueKeySuffix) {
						return
					}
					select {
					case changed <- struct{}{}:
					default:
					}
				})
				if err != nil {
					logger.WithError(err).Warn("local store watch unavailable")
				}
			}
			lastDepth := queueDepth(s)
			drainOnGrowth := func() {
				depth := queueDepth(s)
				grew := depth > lastDepth
				lastDepth = depth
				if !grew || !s.engine.State().Online {
					return
				}
				ctx, cancel := context.WithTimeout(rootCtx, a.cfg.Client.Timeout)
				defer cancel()
				if _, err := s.engine.Drain(ctx); err != nil {
					logger.WithError(err).Warn("queue drain after local change failed")
				}
				lastDepth = queueDepth(s)
			}

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
			defer timer.Stop()
			for {
				select {
				case <-rootCtx.Done():
					logger.WithError(rootCtx.Err()).Info("watch stopping")
					s.engine.Flush()
					return nil
				case <-changed:
					drainOnGrowth()
				case <-timer.C:
					cycle()
					lastDepth = queueDepth(s)
					timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
				}
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one sync cycle and exit")
	return cmd
}

func queueDepth(s *session) int {
	items, err := s.engine.QueueItems()
	if err != nil {
		return 0
	}
	return len(items)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
