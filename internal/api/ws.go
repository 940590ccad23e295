package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
)

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 64 << 10
)

var (
	errQueueFull     = errors.New("send queue full")
	errSessionClosed = errors.New("session closed")
)

// socketSession is the broker's view of one websocket connection. Frames are
// queued and written by the connection's writer goroutine.
type socketSession struct {
	id    string
	user  broker.User
	queue chan broker.Frame
	done  chan struct{}

	kickOnce sync.Once
	kick     func()
}

// newSocketSession wraps conn. A session whose queue overflows is closed
// with StatusPolicyViolation; the client must rejoin and resync.
func newSocketSession(user broker.User, sendQueue int, conn *websocket.Conn) *socketSession {
	return &socketSession{
		id:    uuid.NewString(),
		user:  user,
		queue: make(chan broker.Frame, sendQueue),
		done:  make(chan struct{}),
		kick: func() {
			go conn.Close(websocket.StatusPolicyViolation, "send queue full")
		},
	}
}

func (s *socketSession) ID() string        { return s.id }
func (s *socketSession) User() broker.User { return s.user }

// Send never blocks. A full queue drops the frame and closes the connection.
func (s *socketSession) Send(_ context.Context, f broker.Frame) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.queue <- f:
		return nil
	default:
		metrics.FramesDropped.Inc()
		s.kickOnce.Do(s.kick)
		return errQueueFull
	}
}

// SocketHandler upgrades authenticated requests to websocket sessions and
// relays their frames to the broker.
type SocketHandler struct {
	broker       *broker.Broker
	auth         Authenticator
	sendQueue    int
	writeTimeout time.Duration
	origins      []string
	logger       *slog.Logger
}

func NewSocketHandler(b *broker.Broker, auth Authenticator, sendQueue int, writeTimeout time.Duration, origins []string, logger *slog.Logger) *SocketHandler {
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &SocketHandler{
		broker:       b,
		auth:         auth,
		sendQueue:    sendQueue,
		writeTimeout: writeTimeout,
		origins:      origins,
		logger:       logger,
	}
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid user identity")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	s := newSocketSession(user, h.sendQueue, conn)
	log := h.logger.With("session_id", s.id, "user_id", user.ID, "request_id", RequestIDFrom(r.Context()))
	log.Info("session connected")
	metrics.SessionsActive.Inc()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go h.writeLoop(ctx, conn, s, log)

	err = h.readLoop(ctx, conn, s, log)

	close(s.done)
	cancel()
	h.broker.Leave(context.Background(), s)
	metrics.SessionsActive.Dec()

	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("session closed", "status", status)
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.Info("session dropped", "error", err)
		conn.CloseNow()
	}
}

func (h *SocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, s *socketSession, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.queue:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			cancel()
			if err != nil {
				log.Warn("frame write failed", "event", f.Event, "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}

// readLoop dispatches client frames until the connection fails. Malformed
// frames and unknown events are logged and skipped.
func (h *SocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *socketSession, log *slog.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f broker.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug("malformed frame", "error", err)
			continue
		}
		h.dispatch(ctx, s, f, log)
	}
}

func (h *SocketHandler) dispatch(ctx context.Context, s *socketSession, f broker.Frame, log *slog.Logger) {
	switch f.Event {
	case broker.EventJoin:
		var req broker.JoinRequest
		if !decodePayload(f, &req, log) {
			return
		}
		if err := h.broker.Join(ctx, s, req.DocumentID); err != nil {
			log.Error("join failed", "document_id", req.DocumentID, "error", err)
		}
	case broker.EventPresence:
		var sel broker.Selection
		if !decodePayload(f, &sel, log) {
			return
		}
		h.broker.Presence(ctx, s, sel)
	case broker.EventCellUpdate:
		var u broker.Update
		if !decodePayload(f, &u, log) {
			return
		}
		if err := h.broker.Mutate(ctx, s, u); err != nil {
			log.Error("queue mutation", "document_id", u.DocumentID, "error", err)
		}
	default:
		log.Debug("unknown event", "event", f.Event)
	}
}

func decodePayload(f broker.Frame, v any, log *slog.Logger) bool {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		log.Debug("malformed payload", "event", f.Event, "error", err)
		return false
	}
	return true
}
