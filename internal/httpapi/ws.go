package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/cashsync/internal/cashsync"
	"github.com/agentworkforce/cashsync/internal/remotestore"
)

const worksheetFrameEvent = "worksheet"

// handleWebsocket streams either a worksheet feed (?feed=<owner>) or a
// broadcast channel (?broadcast=<channel>) to the caller.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := subjectFrom(ctx)
	query := r.URL.Query()
	feed := strings.TrimSpace(query.Get("feed"))
	channel := strings.TrimSpace(query.Get("broadcast"))
	if (feed == "") == (channel == "") {
		writeError(w, http.StatusBadRequest, remotestore.CodeBadRequest, "exactly one of feed or broadcast is required", correlationIDFrom(ctx))
		return
	}
	if feed != "" {
		if _, err := s.accessTo(ctx, sub, feed); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	} else if err := authorizeSubscribe(sub, channel); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "relay closing")

	// Clients never send; CloseRead handles control frames and ends ctx on
	// disconnect.
	connCtx := conn.CloseRead(s.baseCtx)
	frames := make(chan remotestore.WSFrame, 64)
	enqueue := func(frame remotestore.WSFrame) {
		select {
		case frames <- frame:
		case <-connCtx.Done():
		}
	}

	var unsubscribe func()
	if feed != "" {
		unsubscribe, err = s.backend.SubscribeWorksheetChanges(connCtx, feed, func(worksheet cashsync.Worksheet) {
			payload, err := json.Marshal(worksheet)
			if err != nil {
				return
			}
			enqueue(remotestore.WSFrame{Event: worksheetFrameEvent, Payload: payload})
		})
	} else {
		unsubscribe, err = s.backend.SubscribeBroadcast(connCtx, channel, func(event string, payload json.RawMessage) {
			enqueue(remotestore.WSFrame{Event: event, Payload: payload})
		})
	}
	if err != nil {
		s.logger.WithError(err).WithField("correlationId", correlationIDFrom(ctx)).Warn("websocket subscribe failed")
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer unsubscribe()

	if err := s.writeFrame(connCtx, conn, remotestore.WSFrame{Event: remotestore.WSEventSubscribed}); err != nil {
		return
	}

	pings := time.NewTicker(s.cfg.PingInterval)
	defer pings.Stop()
	for {
		select {
		case <-connCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-frames:
			if err := s.writeFrame(connCtx, conn, frame); err != nil {
				s.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(connCtx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame remotestore.WSFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}
