package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oncolens/conference-signaling/internal/auth"
	"github.com/oncolens/conference-signaling/internal/metrics"
	"github.com/oncolens/conference-signaling/internal/origin"
	"github.com/oncolens/conference-signaling/internal/ratelimit"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go silent before it is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// closeFlushDelay gives the write pump a chance to flush a final status
	// frame before the transport drops.
	closeFlushDelay = 100 * time.Millisecond
)

// GatewayConfig carries the connection-level tunables.
type GatewayConfig struct {
	// AuthTimeout bounds how long a connection gets to present its auth frame.
	// Ignored when Verifier is nil.
	AuthTimeout time.Duration
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64
	// MaxMessagesPerSecond is the per-connection inbound rate limit.
	MaxMessagesPerSecond int
	// SendQueueSize is the per-connection outbound buffer; a full buffer drops
	// the event rather than block the room.
	SendQueueSize int
}

func (c *GatewayConfig) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 2 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
}

// Gateway accepts websocket connections and translates their frames into
// registry calls. It also owns the connection table used for target-addressed
// signal relay and the user-scoped notification channels.
type Gateway struct {
	registry *Registry
	verifier auth.Verifier // nil disables connection auth
	origins  *origin.Checker
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      GatewayConfig
	clock    ratelimit.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
	// userConns maps a registered user id to its notification connection.
	// Re-registration is last-wins; stale entries for a user are replaced,
	// not evicted on disconnect of the older connection.
	userConns map[string]*Conn
}

func NewGateway(registry *Registry, verifier auth.Verifier, origins *origin.Checker, m *metrics.Metrics, log *slog.Logger, cfg GatewayConfig) *Gateway {
	cfg.applyDefaults()
	gw := &Gateway{
		registry:  registry,
		verifier:  verifier,
		origins:   origins,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		clock:     ratelimit.RealClock{},
		conns:     make(map[string]*Conn),
		userConns: make(map[string]*Conn),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.CheckRequest,
	}
	return gw
}

// ServeHTTP makes the gateway mountable on a mux.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.ServeWS(w, r)
}

// ServeWS upgrades the request and runs the connection until it drops.
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.log.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("err", err.Error()))
		return
	}

	c := &Conn{
		id:      uuid.NewString(),
		gw:      gw,
		ws:      ws,
		send:    make(chan Envelope, gw.cfg.SendQueueSize),
		done:    make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(gw.clock, int64(gw.cfg.MaxMessagesPerSecond), int64(gw.cfg.MaxMessagesPerSecond)),
	}
	c.log = gw.log.With(
		slog.String("conn", c.id),
		slog.String("remote", r.RemoteAddr))

	gw.mu.Lock()
	gw.conns[c.id] = c
	gw.mu.Unlock()

	c.log.Info("connection open")
	go c.writePump()
	c.readPump()
}

// connByID returns the live connection for id.
func (gw *Gateway) connByID(id string) (*Conn, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	c, ok := gw.conns[id]
	return c, ok
}

// registerUser binds userID's notification channel to c, displacing any
// previous binding.
func (gw *Gateway) registerUser(userID string, c *Conn) {
	gw.mu.Lock()
	gw.userConns[userID] = c
	gw.mu.Unlock()
}

// logoutUser clears userID's binding, but only if c still owns it.
func (gw *Gateway) logoutUser(userID string, c *Conn) {
	gw.mu.Lock()
	if cur, ok := gw.userConns[userID]; ok && cur == c {
		delete(gw.userConns, userID)
	}
	gw.mu.Unlock()
}

func (gw *Gateway) userConn(userID string) (*Conn, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	c, ok := gw.userConns[userID]
	return c, ok
}

func (gw *Gateway) dropConn(c *Conn) {
	gw.mu.Lock()
	delete(gw.conns, c.id)
	gw.mu.Unlock()
}

// ConnCount returns the number of live connections.
func (gw *Gateway) ConnCount() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.conns)
}

// Conn is one websocket connection. It implements Peer: the registry
// delivers room events through it without knowing about websockets.
type Conn struct {
	id      string
	gw      *Gateway
	ws      *websocket.Conn
	send    chan Envelope
	done    chan struct{}
	limiter *ratelimit.TokenBucket
	log     *slog.Logger

	closeOnce sync.Once

	mu       sync.Mutex
	identity auth.Identity
	// roomID is the room this connection has joined, empty outside a room.
	// One room per connection.
	roomID string
	// registeredUser is the user id bound via register-user, if any.
	registeredUser string
}

func (c *Conn) ID() string { return c.id }

// Deliver enqueues env without blocking. A full queue means the client is not
// keeping up; the event is dropped and counted rather than stalling the room.
func (c *Conn) Deliver(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		c.gw.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("send queue overflow", slog.String("event", string(env.Event)))
		return false
	}
}

// Kill terminates the connection immediately.
func (c *Conn) Kill() {
	c.shutdown()
}

// shutdown closes the connection exactly once and releases everything the
// connection holds: its room slot, user-channel binding, and table entry.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		roomID := c.roomID
		user := c.registeredUser
		c.mu.Unlock()

		if roomID != "" {
			c.gw.registry.Leave(roomID, c.id)
		}
		if user != "" {
			c.gw.logoutUser(user, c)
		}
		c.gw.dropConn(c)
		c.gw.metrics.Inc(metrics.Disconnects)
		c.log.Info("connection closed")
	})
}

// closeWith sends a close frame with the given code before shutting down.
// Best effort; the peer may already be gone.
func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.shutdown()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.gw.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.authenticate(); err != nil {
		c.gw.metrics.Inc(metrics.AuthFailure)
		c.log.Warn("authentication failed", slog.String("err", err.Error()))
		c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow(1) {
			c.gw.metrics.Inc(metrics.RateLimited)
			c.log.Warn("rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			continue
		}
		c.dispatch(env)
	}
}

// authenticate enforces the auth-first-frame handshake when a verifier is
// configured. The first frame must be an auth event carrying a valid
// credential, and it must arrive within the auth timeout.
func (c *Conn) authenticate() error {
	if c.gw.verifier == nil {
		return nil
	}
	if err := c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.AuthTimeout)); err != nil {
		return err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return errors.New("no auth frame before deadline")
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	if env.Event != EventAuth {
		return errors.New("first frame must be auth")
	}
	var p AuthPayload
	if err := decodePayload(env.Data, &p); err != nil {
		return err
	}
	id, err := c.gw.verifier.Verify(p.Token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	c.log.Info("authenticated", slog.String("user", id.UserID))
	return nil
}

func (c *Conn) sendError(code, msg string) {
	c.Deliver(MustEnvelope(EventError, ErrorPayload{Code: code, Message: msg}))
}

// identityMismatch reports whether a verified identity exists and the frame
// names a different user. Unauthenticated connections claim any user.
func (c *Conn) identityMismatch(userID string) bool {
	c.mu.Lock()
	verified := c.identity.UserID
	c.mu.Unlock()
	return verified != "" && userID != verified
}

func (c *Conn) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Conn) dispatch(env Envelope) {
	ctx := c.ctx()
	switch env.Event {
	case EventJoinRoom:
		c.handleJoin(env)
	case EventOffer, EventAnswer, EventICECandidate:
		c.handleSignal(env)
	case EventToggleMute:
		c.handleToggle(env, FieldMuted)
	case EventToggleVideo:
		c.handleToggle(env, FieldVideoOff)
	case EventToggleScreen:
		c.handleToggle(env, FieldScreenSharing)
	case EventAdminToggleMute:
		c.handleAdminToggle(env, FieldMuted)
	case EventAdminToggleVid:
		c.handleAdminToggle(env, FieldVideoOff)
	case EventKickUser:
		var p KickPayload
		if err := decodePayload(env.Data, &p); err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			return
		}
		c.gw.registry.Kick(ctx, p.RoomID, c.id, p.TargetConnectionID)
	case EventChatMessage:
		var p ChatSendPayload
		if err := decodePayload(env.Data, &p); err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			return
		}
		c.gw.registry.Chat(p.RoomID, c.id, p.Message)
	case EventStartMeeting:
		var p RoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			return
		}
		c.gw.registry.StartMeeting(ctx, p.RoomID, c.id)
	case EventEndMeeting:
		var p RoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			return
		}
		c.gw.registry.EndMeeting(ctx, p.RoomID, c.id)
	case EventRegisterUser:
		var p RegisterUserPayload
		if err := decodePayload(env.Data, &p); err != nil {
			c.sendError("BAD_MESSAGE", err.Error())
			return
		}
		if c.identityMismatch(p.UserID) {
			c.sendError("IDENTITY_MISMATCH", "user does not match authenticated identity")
			return
		}
		c.mu.Lock()
		c.registeredUser = p.UserID
		c.mu.Unlock()
		c.gw.registerUser(p.UserID, c)
	case EventLogoutUser:
		c.mu.Lock()
		user := c.registeredUser
		c.registeredUser = ""
		c.mu.Unlock()
		if user != "" {
			c.gw.logoutUser(user, c)
		}
	case EventSendMessage:
		c.handleDirectMessage(env)
	case EventAuth:
		// Auth is only meaningful as the first frame; repeat frames are noise.
	default:
		c.sendError("UNKNOWN_EVENT", "unknown event: "+string(env.Event))
	}
}

func (c *Conn) handleJoin(env Envelope) {
	var p JoinRoomPayload
	if err := decodePayload(env.Data, &p); err != nil {
		c.sendError("BAD_MESSAGE", err.Error())
		return
	}
	if joined := c.currentRoom(); joined != "" {
		// The recorded room may have been torn down by end-meeting. A stale
		// binding must not brick the connection.
		if c.gw.registry.Member(joined, c.id) {
			c.Deliver(MustEnvelope(EventJoinRoomStatus, JoinRoomStatus{
				Success: false,
				Code:    JoinCodeAlreadyInRoom,
				Message: "connection already in a room",
			}))
			return
		}
		c.mu.Lock()
		if c.roomID == joined {
			c.roomID = ""
		}
		c.mu.Unlock()
	}

	if c.identityMismatch(p.UserID) {
		c.sendError("IDENTITY_MISMATCH", "user does not match authenticated identity")
		return
	}

	isMuted := true
	if p.IsMuted != nil {
		isMuted = *p.IsMuted
	}
	roster, err := c.gw.registry.Join(c.ctx(), c, p.RoomID, p.UserID, p.DisplayName, isMuted)
	if err != nil {
		status := JoinRoomStatus{Success: false}
		closeConn := false
		switch {
		case errors.Is(err, ErrMeetingNotFound):
			c.gw.metrics.Inc(metrics.JoinRejectedNotFound)
			status.Code = JoinCodeMeetingGone
			status.Message = "meeting not found"
			closeConn = true
		case errors.Is(err, ErrDuplicateParticipant):
			c.gw.metrics.Inc(metrics.JoinRejectedDuplicate)
			status.Code = JoinCodeAlreadyInRoom
			status.Message = "user already in room"
		default:
			status.Code = "INTERNAL"
			status.Message = "join failed"
			closeConn = true
			c.log.Error("join failed", slog.String("err", err.Error()))
		}
		c.Deliver(MustEnvelope(EventJoinRoomStatus, status))
		if closeConn {
			// A join to a nonexistent meeting terminates the connection; a
			// duplicate join does not, since the client may retry elsewhere.
			time.AfterFunc(closeFlushDelay, func() {
				c.closeWith(websocket.CloseNormalClosure, status.Code)
			})
		}
		return
	}

	if !c.bindRoom(p.RoomID) {
		// A shutdown that ran before the binding was published saw an empty
		// roomID and skipped the room cleanup. Release the slot here.
		c.gw.registry.Leave(p.RoomID, c.id)
		return
	}

	c.Deliver(MustEnvelope(EventJoinRoomStatus, JoinRoomStatus{Success: true, Code: JoinCodeOK}))
	c.Deliver(MustEnvelope(EventAllUsers, roster))
}

// bindRoom publishes the room binding and reports whether the connection is
// still alive. shutdown reads roomID under the same mutex, so after a true
// return the cleanup path sees the binding.
func (c *Conn) bindRoom(roomID string) bool {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// handleSignal relays a negotiation frame to its target connection with the
// sender's id attached. The target must share a room with the sender.
func (c *Conn) handleSignal(env Envelope) {
	var p SignalPayload
	if err := decodePayload(env.Data, &p); err != nil {
		c.sendError("BAD_MESSAGE", err.Error())
		return
	}
	roomID := c.currentRoom()
	if roomID == "" || !c.gw.registry.Member(roomID, p.Target) {
		c.gw.metrics.Inc(metrics.RelayDroppedGoneTgt)
		c.log.Warn("relay target gone",
			slog.String("event", string(env.Event)),
			slog.String("target", p.Target))
		return
	}
	target, ok := c.gw.connByID(p.Target)
	if !ok {
		c.gw.metrics.Inc(metrics.RelayDroppedGoneTgt)
		c.log.Warn("relay target gone",
			slog.String("event", string(env.Event)),
			slog.String("target", p.Target))
		return
	}
	fwd := SignalForward{
		Sender:    c.id,
		SDP:       p.SDP,
		Candidate: p.Candidate,
	}
	if env.Event == EventOffer {
		fwd.IsMuted = p.IsMuted
	}
	target.Deliver(MustEnvelope(env.Event, fwd))
}

func (c *Conn) handleToggle(env Envelope, field ControlField) {
	var p TogglePayload
	if err := decodePayload(env.Data, &p); err != nil {
		c.sendError("BAD_MESSAGE", err.Error())
		return
	}
	c.gw.registry.Toggle(p.RoomID, c.id, field, p.Value)
}

func (c *Conn) handleAdminToggle(env Envelope, field ControlField) {
	var p AdminTogglePayload
	if err := decodePayload(env.Data, &p); err != nil {
		c.sendError("BAD_MESSAGE", err.Error())
		return
	}
	c.gw.registry.AdminToggle(c.ctx(), p.RoomID, c.id, p.TargetConnectionID, field, p.Value)
}

// handleDirectMessage routes a message to the target user's notification
// channel. Unreachable targets are dropped silently, matching room relay.
func (c *Conn) handleDirectMessage(env Envelope) {
	var p DirectMessagePayload
	if err := decodePayload(env.Data, &p); err != nil {
		c.sendError("BAD_MESSAGE", err.Error())
		return
	}
	from := c.id
	c.mu.Lock()
	if c.registeredUser != "" {
		from = c.registeredUser
	} else if c.identity.UserID != "" {
		from = c.identity.UserID
	}
	c.mu.Unlock()

	target, ok := c.gw.userConn(p.To)
	if !ok {
		c.gw.metrics.Inc(metrics.RelayDroppedGoneTgt)
		return
	}
	target.Deliver(MustEnvelope(EventReceiveMessage, DirectMessageForward{
		From:    from,
		Message: p.Message,
	}))
}

// ctx is the request context for registry calls that hit the meeting store.
// Connections are long-lived, so there is no per-request context to thread;
// the store calls carry their own timeouts where needed.
func (c *Conn) ctx() context.Context {
	return context.Background()
}
