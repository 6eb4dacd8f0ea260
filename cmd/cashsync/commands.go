package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/config"
	"github.com/agentworkforce/cashsync/internal/httpapi"
	"github.com/agentworkforce/cashsync/internal/localstore"
	"github.com/agentworkforce/cashsync/internal/logging"
	"github.com/agentworkforce/cashsync/internal/remotestore"
	"github.com/agentworkforce/cashsync/internal/retry"
)

type app struct {
	out     io.Writer
	envFile string
	userID  string
	offline bool

	cfg    *config.Config
	logger *logrus.Logger
}

// session is one opened engine plus the stores it owns.
type session struct {
	engine *cashsync.Engine
	local  localstore.Store
	client *remotestore.HTTPClient
}

func (s *session) Close() {
	_ = s.engine.Close()
	_ = s.local.Close()
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "cashsync",
		Short:         "Offline-first cash worksheet sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the environment")
	root.PersistentFlags().StringVar(&a.userID, "user", "", "signed-in user id (default CASHSYNC_USER_ID)")
	root.PersistentFlags().BoolVar(&a.offline, "offline", false, "do not contact the relay")

	root.AddCommand(
		a.statusCmd(),
		a.drainCmd(),
		a.archiveCmd(),
		a.datesCmd(),
		a.nextDayCmd(),
		a.routesCmd(),
		a.shareCmd(),
		a.tokenCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.userID) == "" {
		a.userID = strings.TrimSpace(cfg.Client.UserID)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// open builds the engine over the configured local store. The relay is probed
// first so an unreachable relay starts the engine offline instead of failing.
func (a *app) open(ctx context.Context) (*session, error) {
	if a.userID == "" {
		return nil, errors.New("user is required (--user or CASHSYNC_USER_ID)")
	}
	local, err := localstore.BuildFromDSN(a.cfg.Client.LocalDSN)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	client := remotestore.NewHTTPClient(a.cfg.Client.RelayURL, a.cfg.Client.Token,
		&http.Client{Timeout: a.cfg.Client.Timeout},
		remotestore.WithHTTPLogger(logging.Component(a.logger, "relay-client")),
	)
	offline := a.offline || !a.probe(ctx, client)

	engine, err := cashsync.New(cashsync.Options{
		Local:       local,
		Remote:      client,
		Broadcaster: client,
		Logger:      a.logger,
		Retry: retry.Options{
			Retries: a.cfg.Client.Retries,
			Backoff: retry.ExponentialBackoff(a.cfg.Client.RetryDelay, a.cfg.Client.RetryMaxDelay),
		},
		Timeout:       a.cfg.Client.Timeout,
		QueueCapacity: a.cfg.Client.QueueCapacity,
		Offline:       offline,
	})
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	if err := engine.Initialize(ctx, cashsync.Session{UserID: a.userID, IsAdmin: a.cfg.Client.Admin}); err != nil {
		_ = engine.Close()
		_ = local.Close()
		return nil, err
	}
	return &session{engine: engine, local: local, client: client}, nil
}

func (a *app) probe(ctx context.Context, client *remotestore.HTTPClient) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Health(probeCtx); err != nil {
		a.logger.WithError(err).Warn("relay unreachable, working offline")
		return false
	}
	return true
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusReport struct {
	UserID        string               `json:"userId"`
	ActiveOwnerID string               `json:"activeOwnerId"`
	Access        cashsync.Access      `json:"access"`
	Online        bool                 `json:"online"`
	Rows          int                  `json:"rows"`
	Totals        cashsync.Totals      `json:"totals"`
	PendingQueue  int                  `json:"pendingQueue"`
	LastError     string               `json:"lastError,omitempty"`
	Queue         []cashsync.QueueItem `json:"queue"`
	Grants        []cashsync.Grant     `json:"grants"`
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worksheet totals and pending sync queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			state := s.engine.State()
			items, err := s.engine.QueueItems()
			if err != nil {
				return err
			}
			return a.printJSON(statusReport{
				UserID:        state.UserID,
				ActiveOwnerID: state.ActiveOwnerID,
				Access:        state.Access,
				Online:        state.Online,
				Rows:          len(state.Worksheet.Rows),
				Totals:        state.Totals,
				PendingQueue:  state.PendingQueue,
				LastError:     state.LastError,
				Queue:         items,
				Grants:        state.Grants,
			})
		},
	}
}

func (a *app) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued archive and route operations against the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			result, err := s.engine.Drain(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}
}

func (a *app) archiveCmd() *cobra.Command {
	var date string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the worksheet for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().Format(cashsync.DateLayout)
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			result, err := s.engine.ArchiveToday(cmd.Context(), date, overwrite)
			if err != nil {
				return err
			}
			s.engine.Flush()
			return a.printJSON(map[string]any{
				"date":   result.Snapshot.Date,
				"rows":   len(result.Snapshot.Rows),
				"totals": result.Snapshot.Totals,
				"queued": result.Queued,
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "archive date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing archive for the date")
	return cmd
}

func (a *app) datesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dates",
		Short: "List archive dates with their provenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			dates, err := s.engine.ListArchiveDates(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(dates)
		},
	}
}

func (a *app) nextDayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-day",
		Short: "Clear amounts and apply the carry-forward list",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.engine.StartNextDay(); err != nil {
				return err
			}
			s.engine.Flush()
			state := s.engine.State()
			return a.printJSON(map[string]any{"rows": len(state.Worksheet.Rows), "totals": state.Totals})
		},
	}
}

func (a *app) routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show or sync the visit itinerary",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			routes, err := s.engine.Routes()
			if err != nil {
				return err
			}
			return a.printJSON(routes)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Merge local and relay itineraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			routes, err := s.engine.SyncRoutes(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(routes)
		},
	})
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var ttl time.Duration
	var admin bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a relay token for --user signed with CASHSYNC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(a.cfg.Relay.JWTSecret)
			if secret == "" {
				return errors.New("CASHSYNC_JWT_SECRET is required")
			}
			token, err := httpapi.IssueToken(secret, a.userID, admin, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant read access to every worksheet")
	return cmd
}
