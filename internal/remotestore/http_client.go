package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/cashsync/internal/cashsync"
)

// WSFrame is one message on the relay websocket.
type WSFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSEventSubscribed is the first frame the relay sends once the subscription
// is live.
const WSEventSubscribed = "subscribed"

// HTTPClient talks to a cashsync relay.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type HTTPClientOption func(*HTTPClient)

func WithHTTPLogger(logger logrus.FieldLogger) HTTPClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPRetries sets how often a 429, 5xx or network failure is retried
// inside one call.
func WithHTTPRetries(retries int, baseDelay, maxDelay time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if retries >= 0 {
			c.maxRetries = retries
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts ...HTTPClientOption) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logrus.StandardLogger(),
		maxRetries: 1,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health probes the relay; the engine goes offline when it fails.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) GetWorksheet(ctx context.Context, ownerID string) (*cashsync.Worksheet, error) {
	var worksheet cashsync.Worksheet
	err := c.doJSON(ctx, http.MethodGet, "/v1/worksheets/"+url.PathEscape(ownerID), nil, &worksheet)
	if errors.Is(err, cashsync.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &worksheet, nil
}

func (c *HTTPClient) UpsertWorksheet(ctx context.Context, worksheet cashsync.Worksheet) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/worksheets/"+url.PathEscape(worksheet.OwnerID), worksheet, nil)
}

func (c *HTTPClient) SubscribeWorksheetChanges(ctx context.Context, ownerID string, onChange func(cashsync.Worksheet)) (func(), error) {
	query := url.Values{"feed": []string{ownerID}}
	return c.subscribe(ctx, query, func(frame WSFrame) {
		var worksheet cashsync.Worksheet
		if err := json.Unmarshal(frame.Payload, &worksheet); err != nil {
			c.logger.WithError(err).WithField("owner", ownerID).Warn("malformed worksheet frame")
			return
		}
		onChange(worksheet)
	})
}

type archiveDatesResponse struct {
	Dates []string `json:"dates"`
}

func (c *HTTPClient) ListArchiveDates(ctx context.Context, ownerID string) ([]string, error) {
	var resp archiveDatesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/archives/"+url.PathEscape(ownerID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Dates == nil {
		resp.Dates = []string{}
	}
	return resp.Dates, nil
}

func (c *HTTPClient) GetArchive(ctx context.Context, ownerID, date string) (*cashsync.ArchiveSnapshot, error) {
	var snapshot cashsync.ArchiveSnapshot
	err := c.doJSON(ctx, http.MethodGet, archivePath(ownerID, date), nil, &snapshot)
	if errors.Is(err, cashsync.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *HTTPClient) WriteArchive(ctx context.Context, snapshot cashsync.ArchiveSnapshot) error {
	return c.doJSON(ctx, http.MethodPut, archivePath(snapshot.OwnerID, snapshot.Date), snapshot, nil)
}

func (c *HTTPClient) DeleteArchive(ctx context.Context, ownerID, date string) error {
	return c.doJSON(ctx, http.MethodDelete, archivePath(ownerID, date), nil, nil)
}

func archivePath(ownerID, date string) string {
	return "/v1/archives/" + url.PathEscape(ownerID) + "/" + url.PathEscape(date)
}

type routesPayload struct {
	Routes []cashsync.RouteRecord `json:"routes"`
}

func (c *HTTPClient) ListRoutes(ctx context.Context, ownerID string) ([]cashsync.RouteRecord, error) {
	var resp routesPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v1/routes/"+url.PathEscape(ownerID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Routes == nil {
		resp.Routes = []cashsync.RouteRecord{}
	}
	return resp.Routes, nil
}

func (c *HTTPClient) UpsertRoutes(ctx context.Context, ownerID string, records []cashsync.RouteRecord) ([]cashsync.RouteRecord, error) {
	var resp routesPayload
	if err := c.doJSON(ctx, http.MethodPut, "/v1/routes/"+url.PathEscape(ownerID), routesPayload{Routes: records}, &resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

func (c *HTTPClient) DeleteRoutes(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := url.Values{"id": ids}
	return c.doJSON(ctx, http.MethodDelete, "/v1/routes/"+url.PathEscape(ownerID)+"?"+query.Encode(), nil, nil)
}

type userResponse struct {
	UserID string `json:"userId"`
}

func (c *HTTPClient) LookupUserByCode(ctx context.Context, code string) (string, error) {
	var resp userResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/users/by-code/"+url.PathEscape(strings.TrimSpace(code)), nil, &resp)
	if errors.Is(err, cashsync.ErrNotFound) {
		return "", nil
	}
	return resp.UserID, err
}

type registerCodeRequest struct {
	Code string `json:"code"`
}

// RegisterCode publishes code for the token's user. userID must match the
// token subject; the relay rejects anything else.
func (c *HTTPClient) RegisterCode(ctx context.Context, code, userID string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/users/"+url.PathEscape(userID)+"/code", registerCodeRequest{Code: code}, nil)
}

func (c *HTTPClient) CreateGrant(ctx context.Context, grant cashsync.Grant) (cashsync.Grant, error) {
	var created cashsync.Grant
	err := c.doJSON(ctx, http.MethodPost, "/v1/grants", grant, &created)
	return created, err
}

type grantStatusRequest struct {
	Status cashsync.GrantStatus `json:"status"`
	Role   cashsync.Role        `json:"role,omitempty"`
}

func (c *HTTPClient) UpdateGrantStatus(ctx context.Context, grantID string, status cashsync.GrantStatus, role cashsync.Role) (cashsync.Grant, error) {
	var updated cashsync.Grant
	err := c.doJSON(ctx, http.MethodPatch, "/v1/grants/"+url.PathEscape(grantID), grantStatusRequest{Status: status, Role: role}, &updated)
	return updated, err
}

func (c *HTTPClient) DeleteGrant(ctx context.Context, grantID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/grants/"+url.PathEscape(grantID), nil, nil)
}

type grantsResponse struct {
	Grants []cashsync.Grant `json:"grants"`
}

func (c *HTTPClient) ListGrants(ctx context.Context, userID string) ([]cashsync.Grant, error) {
	var resp grantsResponse
	query := url.Values{"user": []string{userID}}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/grants?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Grants == nil {
		resp.Grants = []cashsync.Grant{}
	}
	return resp.Grants, nil
}

type BroadcastRequest struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *HTTPClient) Broadcast(ctx context.Context, channel, event string, payload json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/broadcast", BroadcastRequest{Channel: channel, Event: event, Payload: payload}, nil)
}

func (c *HTTPClient) SubscribeBroadcast(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (func(), error) {
	query := url.Values{"broadcast": []string{channel}}
	return c.subscribe(ctx, query, func(frame WSFrame) {
		handler(frame.Event, frame.Payload)
	})
}

// subscribe opens a websocket and delivers frames until the returned func is
// called. Dropped connections are redialed with backoff.
func (c *HTTPClient) subscribe(ctx context.Context, query url.Values, deliver func(WSFrame)) (func(), error) {
	conn, err := c.dial(ctx, query)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	stopParent := context.AfterFunc(ctx, cancel)
	done := make(chan struct{})
	log := c.logger.WithField("subscription", query.Encode())

	go func() {
		defer close(done)
		attempt := 0
		for {
			err := readFrames(subCtx, conn, deliver)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if subCtx.Err() != nil {
				return
			}
			log.WithError(err).Debug("websocket dropped, redialing")
			for {
				attempt++
				if waitWithContext(subCtx, c.retryDelay(attempt, "")) != nil {
					return
				}
				conn, err = c.dial(subCtx, query)
				if err == nil {
					attempt = 0
					break
				}
				if subCtx.Err() != nil {
					return
				}
				log.WithError(err).Debug("websocket redial failed")
			}
		}
	}()

	return func() {
		stopParent()
		cancel()
		<-done
	}, nil
}

func readFrames(ctx context.Context, conn *websocket.Conn, deliver func(WSFrame)) error {
	for {
		var frame WSFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.Event == WSEventSubscribed {
			continue
		}
		deliver(frame)
	}
}

// dial connects and waits for the relay to confirm the subscription.
func (c *HTTPClient) dial(ctx context.Context, query url.Values) (*websocket.Conn, error) {
	wsURL := c.baseURL + "/v1/ws?" + query.Encode()
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	// the client timeout would cut the upgraded stream; ctx bounds the handshake
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &dialClient, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	var first WSFrame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}
	if first.Event != WSEventSubscribed {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("unexpected first frame %q", first.Event)
	}
	return conn, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "cs_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ cashsync.RemoteStore = (*HTTPClient)(nil)
	_ cashsync.Broadcaster = (*HTTPClient)(nil)
	_ CodeRegistry         = (*HTTPClient)(nil)
)
