package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oncolens/conference-signaling/internal/meeting"
	"github.com/oncolens/conference-signaling/internal/metrics"
)

var (
	// ErrMeetingNotFound is returned when a join or admin action names a
	// meeting the store does not know, or one that has already ended.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrDuplicateParticipant is returned when a user already holds a slot in
	// the room they are joining.
	ErrDuplicateParticipant = errors.New("user already in room")

	errRoomClosed = errors.New("room closed")
)

// RegistryConfig carries the tunables the registry needs.
type RegistryConfig struct {
	// KickGrace is how long a kicked participant keeps its connection after
	// being removed from the roster, so the client can render the kick notice
	// before the transport drops.
	KickGrace time.Duration
	// ChatArchiveTimeout bounds the background chat persistence write.
	ChatArchiveTimeout time.Duration
}

// Registry owns the live room set. It is the only component that mutates
// membership; the gateway translates wire events into calls on it.
type Registry struct {
	store    meeting.Store
	archiver meeting.ChatArchiver
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      RegistryConfig

	mu    sync.Mutex
	rooms map[string]*room
	// joining guards concurrent joins of the same user into the same room
	// while the meeting lookup is in flight. Key is roomID + "\x00" + userID.
	joining map[string]struct{}

	now func() time.Time
}

// NewRegistry builds a Registry. archiver may be nil to disable chat
// persistence.
func NewRegistry(store meeting.Store, archiver meeting.ChatArchiver, m *metrics.Metrics, log *slog.Logger, cfg RegistryConfig) *Registry {
	if cfg.KickGrace <= 0 {
		cfg.KickGrace = 500 * time.Millisecond
	}
	if cfg.ChatArchiveTimeout <= 0 {
		cfg.ChatArchiveTimeout = 3 * time.Second
	}
	return &Registry{
		store:    store,
		archiver: archiver,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		rooms:    make(map[string]*room),
		joining:  make(map[string]struct{}),
		now:      time.Now,
	}
}

func joinKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

// Join admits peer into roomID as userID. On success it returns the roster of
// participants that were already present and broadcasts participant-joined to
// them. The meeting must exist and not be ended, and the user must not
// already hold a slot in the room.
func (g *Registry) Join(ctx context.Context, peer Peer, roomID, userID, displayName string, isMuted bool) ([]ParticipantInfo, error) {
	key := joinKey(roomID, userID)

	g.mu.Lock()
	if _, inFlight := g.joining[key]; inFlight {
		g.mu.Unlock()
		return nil, ErrDuplicateParticipant
	}
	if r, ok := g.rooms[roomID]; ok && r.hasUser(userID) {
		g.mu.Unlock()
		return nil, ErrDuplicateParticipant
	}
	g.joining[key] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.joining, key)
		g.mu.Unlock()
	}()

	m, err := g.store.GetMeeting(ctx, roomID)
	if err != nil {
		if errors.Is(err, meeting.ErrNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, err
	}
	if m.Ended() {
		return nil, ErrMeetingNotFound
	}

	p := &Participant{
		ConnectionID: peer.ID(),
		UserID:       userID,
		DisplayName:  displayName,
		IsMuted:      isMuted,
		peer:         peer,
	}

	// A concurrently ended meeting can tear the room down between our lookup
	// of it and add; retry against a fresh room in that case.
	for {
		r := g.roomFor(roomID)
		roster, err := r.add(p)
		if err == nil {
			g.metrics.Inc(metrics.JoinAccepted)
			g.log.Info("participant joined",
				slog.String("room", roomID),
				slog.String("user", userID),
				slog.String("conn", p.ConnectionID))
			r.broadcast(p.ConnectionID, MustEnvelope(EventParticipantJoined, p.Info()))
			return roster, nil
		}
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return nil, err
	}
}

// roomFor returns the live room for roomID, creating it if needed. A room
// marked closed is replaced.
func (g *Registry) roomFor(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if ok {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			return r
		}
	}
	r = newRoom(roomID)
	g.rooms[roomID] = r
	return r
}

func (g *Registry) lookupRoom(roomID string) (*room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

// Leave removes connID from roomID, broadcasting participant-left unless the
// departure was already announced by a kick. Empty rooms are deleted.
func (g *Registry) Leave(roomID, connID string) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	p, remaining := r.remove(connID)
	if p == nil {
		return
	}
	if !p.kicked {
		r.broadcast("", MustEnvelope(EventParticipantLeft, ParticipantLeft{ConnectionID: connID}))
	}
	g.log.Info("participant left",
		slog.String("room", roomID),
		slog.String("user", p.UserID),
		slog.String("conn", connID))
	if remaining == 0 {
		g.dropRoomIfEmpty(roomID, r)
	}
}

// dropRoomIfEmpty deletes r from the room table if it is still the registered
// room for roomID and still empty.
func (g *Registry) dropRoomIfEmpty(roomID string, r *room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.rooms[roomID]; ok && cur == r && r.size() == 0 {
		r.close()
		delete(g.rooms, roomID)
	}
}

// Toggle records a participant's own control-state change and broadcasts it
// to the rest of the room. Unknown rooms and non-members are ignored.
func (g *Registry) Toggle(roomID, connID string, field ControlField, value bool) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	p := r.setField(connID, field, value)
	if p == nil {
		return
	}
	r.broadcast(connID, MustEnvelope(field.broadcastEvent(), ToggleBroadcast{
		ConnectionID: connID,
		Value:        value,
	}))
}

// AdminToggle forces a control-state change on targetConnID. Authority is
// checked against the meeting record on every call: only the meeting admin
// may force state, and denials are silent.
func (g *Registry) AdminToggle(ctx context.Context, roomID, requesterConnID, targetConnID string, field ControlField, value bool) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	requester, ok := r.get(requesterConnID)
	if !ok {
		return
	}
	if !g.isAdmin(ctx, roomID, requester.UserID) {
		g.metrics.Inc(metrics.AdminDenied)
		g.log.Warn("admin toggle denied",
			slog.String("room", roomID),
			slog.String("user", requester.UserID),
			slog.String("field", string(field)))
		return
	}

	target := r.setField(targetConnID, field, value)
	if target == nil {
		return
	}
	target.peer.Deliver(MustEnvelope(field.privateEvent(), AdminTogglePrivate{Value: value}))
	r.broadcast(targetConnID, MustEnvelope(field.broadcastEvent(), ToggleBroadcast{
		ConnectionID: targetConnID,
		Value:        value,
	}))
}

// Kick ejects targetConnID from roomID. The target gets a private user-kicked
// notice, the rest of the room sees participant-left immediately, and the
// target's transport is dropped after the grace period so the notice can be
// rendered client-side.
func (g *Registry) Kick(ctx context.Context, roomID, requesterConnID, targetConnID string) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	requester, ok := r.get(requesterConnID)
	if !ok {
		return
	}
	if !g.isAdmin(ctx, roomID, requester.UserID) {
		g.metrics.Inc(metrics.AdminDenied)
		g.log.Warn("kick denied",
			slog.String("room", roomID),
			slog.String("user", requester.UserID))
		return
	}

	target, ok := r.get(targetConnID)
	if !ok {
		return
	}

	r.mu.Lock()
	if target.kicked {
		r.mu.Unlock()
		return
	}
	target.kicked = true
	r.mu.Unlock()

	g.metrics.Inc(metrics.ParticipantKicked)
	target.peer.Deliver(MustEnvelope(EventUserKicked, struct{}{}))
	r.broadcast(targetConnID, MustEnvelope(EventParticipantLeft, ParticipantLeft{ConnectionID: targetConnID}))

	peer := target.peer
	t := time.AfterFunc(g.cfg.KickGrace, func() {
		g.Leave(roomID, targetConnID)
		peer.Kill()
	})
	r.trackKickTimer(targetConnID, t)
	g.log.Info("participant kicked",
		slog.String("room", roomID),
		slog.String("target", target.UserID),
		slog.String("by", requester.UserID))
}

// Chat assigns the message a server-side identity and timestamp, broadcasts
// it to the whole room including the sender, and archives it in the
// background when an archiver is configured. Non-members cannot post.
func (g *Registry) Chat(roomID, connID, text string) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	sender, ok := r.get(connID)
	if !ok {
		return
	}

	msg := ChatMessage{
		ID:         "msg-" + uuid.NewString(),
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName,
		Text:       text,
		Timestamp:  g.now().UTC(),
	}
	g.metrics.Inc(metrics.ChatBroadcast)
	r.broadcast("", MustEnvelope(EventChatMessage, msg))

	if g.archiver == nil {
		return
	}
	rec := meeting.ChatRecord{
		ID:         msg.ID,
		RoomID:     roomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		SentAt:     msg.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ChatArchiveTimeout)
		defer cancel()
		if err := g.archiver.ArchiveMessage(ctx, rec); err != nil {
			g.log.Warn("chat archive failed",
				slog.String("room", roomID),
				slog.String("msg", msg.ID),
				slog.String("err", err.Error()))
		}
	}()
}

// StartMeeting broadcasts meeting-started to the room. Only the meeting admin
// may start it.
func (g *Registry) StartMeeting(ctx context.Context, roomID, requesterConnID string) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	requester, ok := r.get(requesterConnID)
	if !ok {
		return
	}
	if !g.isAdmin(ctx, roomID, requester.UserID) {
		g.metrics.Inc(metrics.AdminDenied)
		return
	}
	r.broadcast("", MustEnvelope(EventMeetingStarted, RoomPayload{RoomID: roomID}))
	g.log.Info("meeting started", slog.String("room", roomID), slog.String("by", requester.UserID))
}

// EndMeeting tears the room down: every participant receives meeting-ended,
// pending kick timers are cancelled, and the room is removed. Only the
// meeting admin may end it.
func (g *Registry) EndMeeting(ctx context.Context, roomID, requesterConnID string) {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return
	}
	requester, ok := r.get(requesterConnID)
	if !ok {
		return
	}
	if !g.isAdmin(ctx, roomID, requester.UserID) {
		g.metrics.Inc(metrics.AdminDenied)
		g.log.Warn("end meeting denied",
			slog.String("room", roomID),
			slog.String("user", requester.UserID))
		return
	}

	g.mu.Lock()
	if cur, ok := g.rooms[roomID]; ok && cur == r {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()

	env := MustEnvelope(EventMeetingEnded, RoomPayload{RoomID: roomID})
	for _, p := range r.close() {
		p.peer.Deliver(env)
	}
	g.metrics.Inc(metrics.MeetingsEnded)
	g.log.Info("meeting ended", slog.String("room", roomID), slog.String("by", requester.UserID))
}

// Member reports whether connID currently holds a slot in roomID. The
// gateway uses it to scope signal relays to co-members and to detect room
// bindings that outlived their room.
func (g *Registry) Member(roomID, connID string) bool {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return false
	}
	_, ok = r.get(connID)
	return ok
}

// RoomSize returns the current participant count, 0 for unknown rooms.
func (g *Registry) RoomSize(roomID string) int {
	r, ok := g.lookupRoom(roomID)
	if !ok {
		return 0
	}
	return r.size()
}

func (g *Registry) isAdmin(ctx context.Context, roomID, userID string) bool {
	m, err := g.store.GetMeeting(ctx, roomID)
	if err != nil {
		g.log.Warn("admin check failed",
			slog.String("room", roomID),
			slog.String("err", err.Error()))
		return false
	}
	return m.AdminID == userID
}
