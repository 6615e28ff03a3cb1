// Package meshclient maintains one PeerConnection per remote participant in
// a full-mesh conference, driving negotiation through the signaling relay.
//
// The flow mirrors the conference protocol: a joiner receives the roster and
// offers to every participant already present; existing participants answer
// offers as they arrive. ICE candidates relayed ahead of a description are
// queued per peer and flushed once the description is applied.
package meshclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/oncolens/conference-signaling/internal/signaling"
)

// SignalSender delivers outbound negotiation frames to the signaling server.
// The gateway connection implements it; tests use a loopback.
type SignalSender interface {
	SendSignal(event signaling.Event, payload signaling.SignalPayload) error
}

// SignalSenderFunc adapts a function to SignalSender.
type SignalSenderFunc func(event signaling.Event, payload signaling.SignalPayload) error

func (f SignalSenderFunc) SendSignal(event signaling.Event, payload signaling.SignalPayload) error {
	return f(event, payload)
}

// Config carries session construction options.
type Config struct {
	// ICEServers is handed to every PeerConnection. Empty means host
	// candidates only, which suffices on a LAN.
	ICEServers []webrtc.ICEServer
	// LoggerFactory is plumbed into pion. Nil gets the default factory.
	LoggerFactory logging.LoggerFactory
}

// Session is the client-side mesh coordinator. All exported methods are safe
// for concurrent use; the signaling read loop and pion callbacks both call in.
type Session struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	send SignalSender
	log  *slog.Logger

	mu     sync.Mutex
	peers  map[string]*peerLink
	tracks []webrtc.TrackLocal
	muted  bool
	closed bool

	// OnTrack, when set, observes every inbound remote track. Set before the
	// first negotiation.
	OnTrack func(remoteID string, track *webrtc.TrackRemote)
	// OnPeerClosed fires after a peer's connection is torn down.
	OnPeerClosed func(remoteID string)
}

func NewSession(cfg Config, send SignalSender, log *slog.Logger) *Session {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	se := webrtc.SettingEngine{LoggerFactory: lf}
	return &Session{
		api:   webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg:   webrtc.Configuration{ICEServers: cfg.ICEServers},
		send:  send,
		log:   log,
		peers: make(map[string]*peerLink),
	}
}

// SetMuted records the local mute state carried on outgoing offers.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// AddTrack registers a local track for every current and future peer.
func (s *Session) AddTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	links := make([]*peerLink, 0, len(s.peers))
	for _, l := range s.peers {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		if _, err := l.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track to %s: %w", l.remoteID, err)
		}
	}
	return nil
}

// HandleRoster starts negotiation with every participant already in the
// room: the joiner is the offering side toward each of them.
func (s *Session) HandleRoster(roster []signaling.ParticipantInfo) {
	for _, info := range roster {
		if err := s.offerTo(info.ConnectionID); err != nil {
			s.log.Warn("offer failed",
				slog.String("remote", info.ConnectionID),
				slog.String("err", err.Error()))
		}
	}
}

// offerTo creates the peer for remoteID and sends it an offer.
func (s *Session) offerTo(remoteID string) error {
	link, err := s.ensurePeer(remoteID)
	if err != nil {
		return err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", remoteID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", remoteID, err)
	}

	raw, err := json.Marshal(link.pc.LocalDescription())
	if err != nil {
		return err
	}
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	return s.send.SendSignal(signaling.EventOffer, signaling.SignalPayload{
		Target:  remoteID,
		SDP:     raw,
		IsMuted: &muted,
	})
}

// HandleOffer answers an inbound offer from sender.
func (s *Session) HandleOffer(sender string, sdp json.RawMessage) error {
	desc, err := decodeDescription(sdp)
	if err != nil {
		return err
	}
	link, err := s.ensurePeer(sender)
	if err != nil {
		return err
	}
	if err := link.applyRemoteDescription(desc); err != nil {
		return err
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", sender, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", sender, err)
	}
	raw, err := json.Marshal(link.pc.LocalDescription())
	if err != nil {
		return err
	}
	return s.send.SendSignal(signaling.EventAnswer, signaling.SignalPayload{
		Target: sender,
		SDP:    raw,
	})
}

// HandleAnswer completes negotiation with a peer this session offered to.
func (s *Session) HandleAnswer(sender string, sdp json.RawMessage) error {
	link, ok := s.peer(sender)
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", sender)
	}
	desc, err := decodeDescription(sdp)
	if err != nil {
		return err
	}
	return link.applyRemoteDescription(desc)
}

// HandleCandidate routes a relayed ICE candidate to its peer, queueing it
// when the remote description has not landed yet.
func (s *Session) HandleCandidate(sender string, candidate json.RawMessage) error {
	link, ok := s.peer(sender)
	if !ok {
		return fmt.Errorf("candidate from unknown peer %s", sender)
	}
	c, err := decodeCandidate(candidate)
	if err != nil {
		return err
	}
	return link.addCandidate(c)
}

// RemovePeer tears down the link to remoteID. Safe to call for peers that
// already left.
func (s *Session) RemovePeer(remoteID string) {
	s.mu.Lock()
	link, ok := s.peers[remoteID]
	if ok {
		delete(s.peers, remoteID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := link.close(); err != nil {
		s.log.Warn("peer close failed",
			slog.String("remote", remoteID),
			slog.String("err", err.Error()))
	}
	if s.OnPeerClosed != nil {
		s.OnPeerClosed(remoteID)
	}
}

// PeerCount returns the number of live peer links.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close tears down every peer link. The session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	links := make([]*peerLink, 0, len(s.peers))
	for _, l := range s.peers {
		links = append(links, l)
	}
	s.peers = make(map[string]*peerLink)
	s.mu.Unlock()

	for _, l := range links {
		_ = l.close()
	}
}

func (s *Session) peer(remoteID string) (*peerLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.peers[remoteID]
	return l, ok
}

// ensurePeer returns the existing link for remoteID or builds a new one with
// the session's tracks attached and the relay callbacks wired.
func (s *Session) ensurePeer(remoteID string) (*peerLink, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	if l, ok := s.peers[remoteID]; ok {
		s.mu.Unlock()
		return l, nil
	}
	tracks := make([]webrtc.TrackLocal, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remoteID, err)
	}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track for %s: %w", remoteID, err)
		}
	}
	link := newPeerLink(remoteID, pc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		raw, err := json.Marshal(init)
		if err != nil {
			return
		}
		if err := s.send.SendSignal(signaling.EventICECandidate, signaling.SignalPayload{
			Target:    remoteID,
			Candidate: raw,
		}); err != nil {
			s.log.Warn("candidate send failed",
				slog.String("remote", remoteID),
				slog.String("err", err.Error()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.OnTrack != nil {
			s.OnTrack(remoteID, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state",
			slog.String("remote", remoteID),
			slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			// The link is dead either way; renegotiation starts from a fresh
			// join, not a resurrected connection.
			go s.RemovePeer(remoteID)
		}
	})

	s.mu.Lock()
	if existing, ok := s.peers[remoteID]; ok {
		// Lost the race to another caller; keep theirs.
		s.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	s.peers[remoteID] = link
	s.mu.Unlock()
	return link, nil
}
