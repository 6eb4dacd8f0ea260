// Package httpapi is the relay that exposes a remote store to devices over
// HTTP and websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/remotestore"
)

// Backend is the store the relay serves.
type Backend interface {
	cashsync.RemoteStore
	cashsync.Broadcaster
	remotestore.CodeRegistry
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	Logger          logrus.FieldLogger
	Now             func() time.Time
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	logger      logrus.FieldLogger
	rateLimiter *rateLimiter
	router      chi.Router

	// baseCtx outlives requests; websockets end when it is canceled.
	baseCtx context.Context
	stop    context.CancelFunc
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ctxKey int

const (
	subjectKey ctxKey = iota
	correlationKey
)

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		backend:     backend,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

// Close ends every open websocket. http.Server.Shutdown does not wait for
// hijacked connections.
func (s *Server) Close() {
	s.stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.withCorrelationID)
	router.Use(s.logRequests)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id", "Retry-After"},
		MaxAge:         300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws", s.handleWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Get("/worksheets/{owner}", s.handleGetWorksheet)
			r.Put("/worksheets/{owner}", s.handlePutWorksheet)

			r.Get("/archives/{owner}", s.handleListArchiveDates)
			r.Get("/archives/{owner}/{date}", s.handleGetArchive)
			r.Put("/archives/{owner}/{date}", s.handlePutArchive)
			r.Delete("/archives/{owner}/{date}", s.handleDeleteArchive)

			r.Get("/routes/{owner}", s.handleListRoutes)
			r.Put("/routes/{owner}", s.handleUpsertRoutes)
			r.Delete("/routes/{owner}", s.handleDeleteRoutes)

			r.Get("/users/by-code/{code}", s.handleLookupUser)
			r.Put("/users/{user}/code", s.handleRegisterCode)

			r.Get("/grants", s.handleListGrants)
			r.Post("/grants", s.handleCreateGrant)
			r.Patch("/grants/{id}", s.handleUpdateGrant)
			r.Delete("/grants/{id}", s.handleDeleteGrant)

			r.Post("/broadcast", s.handleBroadcast)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, remotestore.CodeNotFound, "route not found", correlationIDFrom(r.Context()))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, remotestore.CodeBadRequest, "method not allowed", correlationIDFrom(r.Context()))
	})
	return router
}

func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if correlationID == "" {
			correlationID = "relay_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		ctx := context.WithValue(r.Context(), correlationKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := s.cfg.Now()
		next.ServeHTTP(ww, r)
		entry := s.logger.WithFields(logrus.Fields{
			"method":        r.Method,
			"path":          r.URL.Path,
			"status":        ww.Status(),
			"duration":      s.cfg.Now().Sub(started).String(),
			"correlationId": correlationIDFrom(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationIDFrom(r.Context())
		raw, authErr := bearerToken(r)
		if authErr == nil {
			var sub subject
			sub, authErr = authorizeToken(raw, s.cfg.JWTSecret, s.cfg.Now().UTC())
			if authErr == nil {
				ctx := context.WithValue(r.Context(), subjectKey, sub)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			sub := subjectFrom(r.Context())
			if !s.rateLimiter.allow(sub.UserID, s.cfg.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, remotestore.CodeRateLimited, "rate limit exceeded", correlationIDFrom(r.Context()))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func subjectFrom(ctx context.Context) subject {
	sub, _ := ctx.Value(subjectKey).(subject)
	return sub
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// accessTo resolves what sub may do with ownerID's data.
func (s *Server) accessTo(ctx context.Context, sub subject, ownerID string) (cashsync.Access, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", cashsync.ErrInvalidInput)
	}
	var grants []cashsync.Grant
	if sub.UserID != ownerID {
		var err error
		grants, err = s.backend.ListGrants(ctx, sub.UserID)
		if err != nil {
			return "", err
		}
	}
	access, ok := cashsync.AccessFor(grants, sub.UserID, ownerID, sub.Admin)
	if !ok {
		return "", fmt.Errorf("%w: no access to %s", cashsync.ErrPermission, ownerID)
	}
	return access, nil
}

func requireOwner(sub subject, ownerID string) error {
	if sub.UserID != ownerID {
		return fmt.Errorf("%w: only the owner may change %s's records", cashsync.ErrPermission, ownerID)
	}
	return nil
}

func (s *Server) handleGetWorksheet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if _, err := s.accessTo(ctx, subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	worksheet, err := s.backend.GetWorksheet(ctx, ownerID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if worksheet == nil {
		writeError(w, http.StatusNotFound, remotestore.CodeNotFound, "worksheet not found", correlationIDFrom(ctx))
		return
	}
	writeJSON(w, http.StatusOK, worksheet)
}

func (s *Server) handlePutWorksheet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	access, err := s.accessTo(ctx, subjectFrom(ctx), ownerID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !access.CanWrite() {
		s.writeStoreError(w, r, fmt.Errorf("%w: %s access is read-only", cashsync.ErrPermission, access))
		return
	}
	var worksheet cashsync.Worksheet
	if !s.decodeJSONBody(w, r, &worksheet) {
		return
	}
	if worksheet.OwnerID == "" {
		worksheet.OwnerID = ownerID
	}
	if worksheet.OwnerID != ownerID {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "owner mismatch", correlationIDFrom(ctx))
		return
	}
	if err := s.backend.UpsertWorksheet(ctx, worksheet); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArchiveDates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if _, err := s.accessTo(ctx, subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	dates, err := s.backend.ListArchiveDates(ctx, ownerID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if _, err := s.accessTo(ctx, subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	snapshot, err := s.backend.GetArchive(ctx, ownerID, chi.URLParam(r, "date"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if snapshot == nil {
		writeError(w, http.StatusNotFound, remotestore.CodeNotFound, "archive not found", correlationIDFrom(ctx))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePutArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	date := chi.URLParam(r, "date")
	if err := requireOwner(subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var snapshot cashsync.ArchiveSnapshot
	if !s.decodeJSONBody(w, r, &snapshot) {
		return
	}
	if snapshot.OwnerID == "" {
		snapshot.OwnerID = ownerID
	}
	if snapshot.Date == "" {
		snapshot.Date = date
	}
	if snapshot.OwnerID != ownerID || snapshot.Date != date {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "owner or date mismatch", correlationIDFrom(ctx))
		return
	}
	if err := s.backend.WriteArchive(ctx, snapshot); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if err := requireOwner(subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.backend.DeleteArchive(ctx, ownerID, chi.URLParam(r, "date")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type routesBody struct {
	Routes []cashsync.RouteRecord `json:"routes"`
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if _, err := s.accessTo(ctx, subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	routes, err := s.backend.ListRoutes(ctx, ownerID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if routes == nil {
		routes = []cashsync.RouteRecord{}
	}
	writeJSON(w, http.StatusOK, routesBody{Routes: routes})
}

func (s *Server) handleUpsertRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if err := requireOwner(subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var body routesBody
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	stored, err := s.backend.UpsertRoutes(ctx, ownerID, body.Routes)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routesBody{Routes: stored})
}

func (s *Server) handleDeleteRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "owner")
	if err := requireOwner(subjectFrom(ctx), ownerID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "at least one id is required", correlationIDFrom(ctx))
		return
	}
	if err := s.backend.DeleteRoutes(ctx, ownerID, ids); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookupUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := s.backend.LookupUserByCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if userID == "" {
		writeError(w, http.StatusNotFound, remotestore.CodeNotFound, "no user for share code", correlationIDFrom(ctx))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID})
}

func (s *Server) handleRegisterCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := subjectFrom(ctx)
	userID := chi.URLParam(r, "user")
	if userID != sub.UserID && !sub.Admin {
		s.writeStoreError(w, r, fmt.Errorf("%w: cannot register a code for another user", cashsync.ErrPermission))
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.backend.RegisterCode(ctx, body.Code, userID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := subjectFrom(ctx)
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = sub.UserID
	}
	if userID != sub.UserID && !sub.Admin {
		s.writeStoreError(w, r, fmt.Errorf("%w: cannot list another user's grants", cashsync.ErrPermission))
		return
	}
	grants, err := s.backend.ListGrants(ctx, userID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if grants == nil {
		grants = []cashsync.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var grant cashsync.Grant
	if !s.decodeJSONBody(w, r, &grant) {
		return
	}
	grant.SenderID = subjectFrom(ctx).UserID
	if grant.ReceiverID == grant.SenderID {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "cannot share with yourself", correlationIDFrom(ctx))
		return
	}
	created, err := s.backend.CreateGrant(ctx, grant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// findGrant looks grantID up among the caller's own grants so callers can
// only touch grants they are a party to.
func (s *Server) findGrant(ctx context.Context, userID, grantID string) (cashsync.Grant, error) {
	grants, err := s.backend.ListGrants(ctx, userID)
	if err != nil {
		return cashsync.Grant{}, err
	}
	for _, grant := range grants {
		if grant.ID == grantID {
			return grant, nil
		}
	}
	return cashsync.Grant{}, fmt.Errorf("%w: grant %s", cashsync.ErrNotFound, grantID)
}

func (s *Server) handleUpdateGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := subjectFrom(ctx)
	grant, err := s.findGrant(ctx, sub.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var body struct {
		Status cashsync.GrantStatus `json:"status"`
		Role   cashsync.Role        `json:"role"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	switch body.Status {
	case cashsync.GrantAccepted, cashsync.GrantRejected:
		if grant.ReceiverID != sub.UserID {
			s.writeStoreError(w, r, fmt.Errorf("%w: only the receiver may answer an invite", cashsync.ErrInvalidGrantOp))
			return
		}
		if body.Role == cashsync.RoleEditor && grant.Role == cashsync.RoleViewer {
			s.writeStoreError(w, r, fmt.Errorf("%w: cannot widen a viewer invite", cashsync.ErrInvalidGrantOp))
			return
		}
	case cashsync.GrantRevoked:
	default:
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "unsupported grant status", correlationIDFrom(ctx))
		return
	}
	updated, err := s.backend.UpdateGrantStatus(ctx, grant.ID, body.Status, body.Role)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	grant, err := s.findGrant(ctx, subjectFrom(ctx).UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.backend.DeleteGrant(ctx, grant.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body remotestore.BroadcastRequest
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if body.Channel == "" || body.Event == "" {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "channel and event are required", correlationIDFrom(ctx))
		return
	}
	if err := s.authorizePublish(ctx, subjectFrom(ctx), body.Channel); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.backend.Broadcast(ctx, body.Channel, body.Event, body.Payload); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizePublish lets any user signal another user's channel, but only
// collaborators may signal a worksheet channel.
func (s *Server) authorizePublish(ctx context.Context, sub subject, channel string) error {
	switch {
	case strings.HasPrefix(channel, "user:"):
		return nil
	case strings.HasPrefix(channel, "worksheet:"):
		_, err := s.accessTo(ctx, sub, strings.TrimPrefix(channel, "worksheet:"))
		return err
	default:
		return fmt.Errorf("%w: unknown channel %q", cashsync.ErrInvalidInput, channel)
	}
}

// authorizeSubscribe limits broadcast listeners to the channel's own user.
func authorizeSubscribe(sub subject, channel string) error {
	var target string
	switch {
	case strings.HasPrefix(channel, "user:"):
		target = strings.TrimPrefix(channel, "user:")
	case strings.HasPrefix(channel, "worksheet:"):
		target = strings.TrimPrefix(channel, "worksheet:")
	default:
		return fmt.Errorf("%w: unknown channel %q", cashsync.ErrInvalidInput, channel)
	}
	if target != sub.UserID && !sub.Admin {
		return fmt.Errorf("%w: cannot listen on %s", cashsync.ErrPermission, channel)
	}
	return nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := remotestore.StatusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlationId", correlationIDFrom(r.Context())).Warn("store call failed")
	}
	writeError(w, status, code, err.Error(), correlationIDFrom(r.Context()))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	correlationID := correlationIDFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, remotestore.CodePayloadTooLarge, "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "invalid json body", correlationIDFrom(r.Context()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		if len(r.entries) > 4096 {
			for k, e := range r.entries {
				if now.After(e.resetAt) {
					delete(r.entries, k)
				}
			}
		}
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
