package signaling

import (
	"sync"
	"time"
)

// Peer is the delivery endpoint for one connection. The registry never
// touches the transport directly; it fans events out through this interface.
type Peer interface {
	// ID returns the connection identity.
	ID() string
	// Deliver enqueues an event without blocking. It reports false when the
	// event was dropped (closed connection or full send queue).
	Deliver(env Envelope) bool
	// Kill forcibly terminates the underlying connection.
	Kill()
}

// ControlField names one of the participant control-state booleans.
type ControlField string

const (
	FieldMuted         ControlField = "muted"
	FieldVideoOff      ControlField = "videoOff"
	FieldScreenSharing ControlField = "screenSharing"
)

// broadcastEvent maps a control field to its room-wide broadcast event.
func (f ControlField) broadcastEvent() Event {
	switch f {
	case FieldVideoOff:
		return EventUserToggledVideo
	case FieldScreenSharing:
		return EventUserToggledScreen
	default:
		return EventUserToggledMute
	}
}

// privateEvent maps a control field to the direct notification an admin
// toggle target receives.
func (f ControlField) privateEvent() Event {
	if f == FieldVideoOff {
		return EventAdminVideoPrivate
	}
	return EventAdminMutePrivate
}

// Participant is one user's membership record within a room. The registry
// holds the authoritative copy of the control state; clients only mirror it.
type Participant struct {
	ConnectionID    string
	UserID          string
	DisplayName     string
	IsMuted         bool
	IsVideoOff      bool
	IsScreenSharing bool

	peer Peer
	// kicked suppresses the second participant-left broadcast when the grace
	// timer (or the target itself disconnecting) removes an already-announced
	// participant.
	kicked bool
}

func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ConnectionID:    p.ConnectionID,
		Name:            p.DisplayName,
		IsMuted:         p.IsMuted,
		IsVideoOff:      p.IsVideoOff,
		IsScreenSharing: p.IsScreenSharing,
	}
}

// room holds one meeting's live participant set. All mutation happens under
// mu; rooms are never locked while another room is held, and the registry
// lock is never acquired while a room lock is held.
type room struct {
	id string

	mu           sync.Mutex
	participants map[string]*Participant // by connection id
	kickTimers   map[string]*time.Timer  // by target connection id
	closed       bool
}

func newRoom(id string) *room {
	return &room{
		id:           id,
		participants: make(map[string]*Participant),
		kickTimers:   make(map[string]*time.Timer),
	}
}

// add atomically snapshots the current roster and inserts p, enforcing the
// one-slot-per-user invariant. It fails with errDuplicate if the user already
// holds a slot and errClosed if the room was torn down concurrently.
func (r *room) add(p *Participant) ([]ParticipantInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRoomClosed
	}
	for _, existing := range r.participants {
		if existing.UserID == p.UserID {
			return nil, ErrDuplicateParticipant
		}
	}

	roster := make([]ParticipantInfo, 0, len(r.participants))
	for _, existing := range r.participants {
		roster = append(roster, existing.Info())
	}
	r.participants[p.ConnectionID] = p
	return roster, nil
}

// remove deletes the participant by connection id. It reports the removed
// participant (nil if absent) and how many participants remain.
func (r *room) remove(connID string) (*Participant, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return nil, len(r.participants)
	}
	delete(r.participants, connID)
	if t, ok := r.kickTimers[connID]; ok {
		t.Stop()
		delete(r.kickTimers, connID)
	}
	return p, len(r.participants)
}

func (r *room) get(connID string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connID]
	return p, ok
}

func (r *room) hasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// setField updates a participant's control state and returns the updated
// participant, or nil if the connection is not a member.
func (r *room) setField(connID string, field ControlField, value bool) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return nil
	}
	switch field {
	case FieldMuted:
		p.IsMuted = value
	case FieldVideoOff:
		p.IsVideoOff = value
	case FieldScreenSharing:
		p.IsScreenSharing = value
	}
	return p
}

// broadcast delivers env to every participant except exceptConnID (empty
// means everyone). Delivery is per-peer non-blocking; it returns the number
// of peers whose queue overflowed.
func (r *room) broadcast(exceptConnID string, env Envelope) int {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.participants))
	for id, p := range r.participants {
		if id == exceptConnID {
			continue
		}
		peers = append(peers, p.peer)
	}
	r.mu.Unlock()

	dropped := 0
	for _, peer := range peers {
		if !peer.Deliver(env) {
			dropped++
		}
	}
	return dropped
}

// close marks the room dead, cancels pending kick timers, and returns the
// participants that were still present.
func (r *room) close() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for id, t := range r.kickTimers {
		t.Stop()
		delete(r.kickTimers, id)
	}
	remaining := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		remaining = append(remaining, p)
	}
	r.participants = make(map[string]*Participant)
	return remaining
}

func (r *room) trackKickTimer(connID string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		t.Stop()
		return
	}
	r.kickTimers[connID] = t
}
