package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/ot"
	"cowrite/api/internal/rbac"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Close codes sent when a subscription ends. Clients reconnect with the last
// offset they received, except after a session close.
const (
	closeReplaced      = 4000
	closeLagged        = 4001
	closeTransportLost = 4002

	maxFrameBytes = 1 << 20
	writeTimeout  = 5 * time.Second
)

// clientFrame is one message read from a participant's socket.
type clientFrame struct {
	Type      string        `json:"type"`
	Operation *ot.Operation `json:"operation,omitempty"`
	Cursor    int           `json:"cursor"`
	Selection *collab.Range `json:"selection,omitempty"`
	Text      *string       `json:"text,omitempty"`
	Base      int64         `json:"base"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "" || s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	query := r.URL.Query()
	participantID := strings.TrimSpace(query.Get("participantId"))
	if participantID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "participantId is required", nil)
		return
	}
	since := int64(-1)
	if raw := query.Get("since"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an integer", nil)
			return
		}
		since = value
	}
	participant := collab.Participant{
		ID:          participantID,
		DisplayName: query.Get("name"),
		Color:       query.Get("color"),
	}
	// Without a role the session's default applies; unknown roles read only.
	if role := strings.TrimSpace(query.Get("role")); role != "" {
		participant.Role = rbac.Normalize(role)
	}
	if participant.DisplayName == "" {
		participant.DisplayName = participantID
	}

	registry := s.service.deps.Registry
	session, err := registry.CreateOrJoin(r.Context(), documentID, participant)
	if err != nil {
		s.fail(w, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: upgrade %s for %s: %v", documentID, participantID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := session.Subscribe(ctx, participantID, since)
	if err != nil {
		status, code, message, _ := mapError(err)
		_ = conn.WriteJSON(errorFrame{Type: "error", Code: code, Error: message})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(status, err), message), time.Now().Add(writeTimeout))
		return
	}

	c := &socket{
		conn:      conn,
		session:   session,
		registry:  registry,
		generator: s.service.deps.Generator,
		pid:       participantID,
		timeout:   s.service.cfg.HeartbeatTimeout,
		replies:   make(chan errorFrame, 16),
		done:      make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	limit := rate.Inf
	if s.service.cfg.MessageRate > 0 {
		limit = rate.Limit(s.service.cfg.MessageRate)
	}
	burst := s.service.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	go c.writeLoop(ctx, sub)
	c.readLoop(ctx)
	cancel()
	<-c.done
}

// socket serializes all writes to conn through writeLoop.
type socket struct {
	conn      *websocket.Conn
	session   *collab.Session
	registry  *collab.Registry
	generator ot.Generator
	limiter   *rate.Limiter
	pid       string
	timeout   time.Duration

	replies chan errorFrame
	done    chan struct{}
	left    atomic.Bool
}

func (c *socket) writeLoop(ctx context.Context, sub *collab.Subscription) {
	defer close(c.done)
	ping := time.NewTicker(c.timeout / 3)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.left.Load() {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "left"), time.Now().Add(writeTimeout))
			}
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				c.closeWith(sub.Err())
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case reply := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *socket) closeWith(err error) {
	code, reason := closeReplaced, "replaced by a newer connection"
	switch {
	case c.left.Load():
		code, reason = websocket.CloseNormalClosure, "left"
	case errors.Is(err, collab.ErrLagged):
		code, reason = closeLagged, "lagged"
	case errors.Is(err, collab.ErrTransportLoss):
		code, reason = closeTransportLost, "heartbeat timeout"
	case errors.Is(err, collab.ErrSessionClosed):
		code, reason = websocket.CloseGoingAway, "session closed"
	case err != nil:
		code, reason = websocket.CloseInternalServerErr, err.Error()
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	_ = c.conn.Close()
}

func (c *socket) reply(code, message string) {
	select {
	case c.replies <- errorFrame{Type: "error", Code: code, Error: message}:
	case <-c.done:
	}
}

func (c *socket) replyErr(err error) {
	_, code, message, _ := mapError(err)
	c.reply(code, message)
}

func (c *socket) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		if err := c.session.Heartbeat(ctx, c.pid); err != nil && !errors.Is(err, collab.ErrSessionClosed) {
			log.Printf("app: heartbeat %s: %v", c.pid, err)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A dropped socket is not a leave; the sweep removes the
			// participant if they do not reconnect in time.
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply("INVALID_FRAME", "frames must be JSON objects")
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		if !c.limiter.Allow() {
			c.reply("RATE_LIMITED", "Too many messages")
			continue
		}
		if leave := c.handle(ctx, frame); leave {
			return
		}
	}
}

// handle applies one frame and reports whether the participant left.
func (c *socket) handle(ctx context.Context, frame clientFrame) bool {
	switch frame.Type {
	case "op":
		if frame.Operation == nil {
			c.reply("VALIDATION_ERROR", "operation is required")
			return false
		}
		op := *frame.Operation
		op.OriginID = c.pid
		if _, err := c.session.Submit(ctx, op); err != nil {
			c.replyErr(err)
		}
	case "text":
		if frame.Text == nil {
			c.reply("VALIDATION_ERROR", "text is required")
			return false
		}
		c.submitText(ctx, frame.Base, *frame.Text)
	case "presence":
		if err := c.session.UpdatePresence(ctx, c.pid, frame.Cursor, frame.Selection); err != nil {
			c.replyErr(err)
		}
	case "heartbeat":
		if err := c.session.Heartbeat(ctx, c.pid); err != nil {
			c.replyErr(err)
		}
	case "leave":
		c.left.Store(true)
		if err := c.registry.Leave(ctx, c.session, c.pid); err != nil && !errors.Is(err, collab.ErrSessionClosed) {
			log.Printf("app: leave %s: %v", c.pid, err)
		}
		return true
	default:
		c.reply("UNKNOWN_FRAME", "unknown frame type")
	}
	return false
}

// submitText diffs a whole-buffer edit against the revision the client
// edited and submits the resulting operations, all positioned against that
// revision, so concurrent commits rebase each hunk correctly.
func (c *socket) submitText(ctx context.Context, base int64, text string) {
	before, err := c.session.TextAt(ctx, base)
	if err != nil {
		c.replyErr(err)
		return
	}
	for _, op := range ot.AgainstBase(c.generator.Generate(before, text)) {
		op.OriginID = c.pid
		op.Base = base
		if _, err := c.session.Submit(ctx, op); err != nil {
			c.replyErr(err)
			return
		}
	}
}

func (s *HTTPServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	watcher := s.service.deps.Watcher
	if watcher == nil {
		writeError(w, http.StatusNotImplemented, "WATCH_UNAVAILABLE", "Watching requires Redis", nil)
		return
	}
	documentID := mux.Vars(r)["documentId"]

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: upgrade watch %s: %v", documentID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := watcher.Listen(ctx, documentID)
	if err != nil {
		log.Printf("app: watch %s: %v", documentID, err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch unavailable"), time.Now().Add(writeTimeout))
		return
	}
	defer listener.Close()
	_ = conn.SetReadDeadline(time.Time{})

	// Watchers only read; any inbound frame or error ends the watch.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-listener.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed"), time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env.Message); err != nil {
				return
			}
		}
	}
}

func closeCode(status int, err error) int {
	if errors.Is(err, collab.ErrSessionClosed) {
		return websocket.CloseGoingAway
	}
	if status >= http.StatusInternalServerError {
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}
