package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Event names every websocket frame carries. Client events run the core's
// operations; server events mirror room state out to clients.
type Event string

// Client -> server.
const (
	EventAuth            Event = "auth"
	EventRegisterUser    Event = "register-user"
	EventLogoutUser      Event = "logout-user"
	EventJoinRoom        Event = "join-room"
	EventOffer           Event = "offer"
	EventAnswer          Event = "answer"
	EventICECandidate    Event = "ice-candidate"
	EventToggleMute      Event = "toggle-mute"
	EventToggleVideo     Event = "toggle-video"
	EventToggleScreen    Event = "toggle-screen-share"
	EventAdminToggleMute Event = "admin-toggle-mute-user"
	EventAdminToggleVid  Event = "admin-toggle-video-user"
	EventKickUser        Event = "kick-user"
	EventChatMessage     Event = "chat-message"
	EventSendMessage     Event = "send-message"
	EventStartMeeting    Event = "start-meeting"
	EventEndMeeting      Event = "end-meeting"
)

// Server -> client.
const (
	EventJoinRoomStatus    Event = "join-room-status"
	EventAllUsers          Event = "all-users"
	EventParticipantJoined Event = "participant-joined"
	EventParticipantLeft   Event = "participant-left"
	EventUserToggledMute   Event = "user-toggled-mute"
	EventUserToggledVideo  Event = "user-toggled-video"
	EventUserToggledScreen Event = "user-toggled-screen-share"
	EventAdminMutePrivate  Event = "admin-toggle-mute"
	EventAdminVideoPrivate Event = "admin-toggle-video"
	EventUserKicked        Event = "user-kicked"
	EventReceiveMessage    Event = "receive-message"
	EventMeetingStarted    Event = "meeting-started"
	EventMeetingEnded      Event = "meeting-ended"
	EventError             Event = "error"
)

// Envelope is the wire frame: an event name plus an event-specific payload.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a frame strictly: unknown top-level fields and
// trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// MustEnvelope wraps a server-side payload. Payload types here are all
// marshalable by construction, so a failure is a programming error.
func MustEnvelope(event Event, v any) Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %s payload: %v", event, err))
	}
	return Envelope{Event: event, Data: data}
}

func decodePayload(data json.RawMessage, v interface{ Validate() error }) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return v.Validate()
}

// AuthPayload carries the connect-time credential.
type AuthPayload struct {
	Token string `json:"token"`
}

func (p *AuthPayload) Validate() error {
	if p.Token == "" {
		return fmt.Errorf("auth missing token")
	}
	return nil
}

// RegisterUserPayload binds the connection to a user-scoped notification
// channel.
type RegisterUserPayload struct {
	UserID string `json:"userId"`
}

func (p *RegisterUserPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("register-user missing userId")
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	// IsMuted defaults to true when omitted: conference joins start muted.
	IsMuted *bool `json:"isMuted,omitempty"`
}

func (p *JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("join-room missing roomId")
	}
	if p.UserID == "" {
		return fmt.Errorf("join-room missing userId")
	}
	return nil
}

// SignalPayload is an outbound WebRTC negotiation message addressed to a
// specific connection. The sdp/candidate contents are opaque to the core.
type SignalPayload struct {
	Target    string          `json:"target"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	IsMuted   *bool           `json:"isMuted,omitempty"`
}

func (p *SignalPayload) Validate() error {
	if p.Target == "" {
		return fmt.Errorf("signal missing target")
	}
	if len(p.SDP) == 0 && len(p.Candidate) == 0 {
		return fmt.Errorf("signal missing sdp/candidate")
	}
	return nil
}

// SignalForward is the relayed form of SignalPayload with the sender's
// connection id attached.
type SignalForward struct {
	Sender    string          `json:"sender"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	IsMuted   *bool           `json:"isMuted,omitempty"`
}

type TogglePayload struct {
	RoomID string `json:"roomId"`
	Value  bool   `json:"value"`
}

func (p *TogglePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("toggle missing roomId")
	}
	return nil
}

type AdminTogglePayload struct {
	RoomID             string `json:"roomId"`
	TargetConnectionID string `json:"targetConnectionId"`
	Value              bool   `json:"value"`
}

func (p *AdminTogglePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("admin toggle missing roomId")
	}
	if p.TargetConnectionID == "" {
		return fmt.Errorf("admin toggle missing targetConnectionId")
	}
	return nil
}

type KickPayload struct {
	RoomID             string `json:"roomId"`
	TargetConnectionID string `json:"targetConnectionId"`
}

func (p *KickPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("kick-user missing roomId")
	}
	if p.TargetConnectionID == "" {
		return fmt.Errorf("kick-user missing targetConnectionId")
	}
	return nil
}

type ChatSendPayload struct {
	RoomID     string `json:"roomId"`
	Message    string `json:"message"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

func (p *ChatSendPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("chat-message missing roomId")
	}
	if p.Message == "" {
		return fmt.Errorf("chat-message missing message")
	}
	return nil
}

// DirectMessagePayload is a user-addressed message routed through the
// user-scoped notification channel, independent of any room.
type DirectMessagePayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (p *DirectMessagePayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("send-message missing to")
	}
	if p.Message == "" {
		return fmt.Errorf("send-message missing message")
	}
	return nil
}

type DirectMessageForward struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *RoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("missing roomId")
	}
	return nil
}

// Join status codes surfaced via EventJoinRoomStatus.
const (
	JoinCodeOK            = "OK"
	JoinCodeMeetingGone   = "MEETING_NOT_FOUND"
	JoinCodeAlreadyInRoom = "USER_ALREADY_IN_ROOM"
)

type JoinRoomStatus struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ParticipantInfo is the public view of a participant, used in rosters and
// join broadcasts.
type ParticipantInfo struct {
	ConnectionID    string `json:"connectionId"`
	Name            string `json:"name"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoOff      bool   `json:"isVideoOff"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}

type ParticipantLeft struct {
	ConnectionID string `json:"connectionId"`
}

type ToggleBroadcast struct {
	ConnectionID string `json:"connectionId"`
	Value        bool   `json:"value"`
}

// AdminTogglePrivate is the direct notification the target of an admin
// toggle receives.
type AdminTogglePrivate struct {
	Value bool `json:"value"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
