package meshclient

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/oncolens/conference-signaling/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signalBus wires sessions together in-process the way the relay would:
// frames sent at a target are handed to that target's session with the
// sender's id attached.
type signalBus struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSignalBus() *signalBus {
	return &signalBus{sessions: make(map[string]*Session)}
}

func (b *signalBus) senderFor(id string) SignalSender {
	return SignalSenderFunc(func(event signaling.Event, p signaling.SignalPayload) error {
		b.mu.Lock()
		target := b.sessions[p.Target]
		b.mu.Unlock()
		if target == nil {
			return nil
		}
		// Deliver asynchronously like a real relay; pion callbacks must not
		// re-enter the session synchronously.
		go func() {
			var err error
			switch event {
			case signaling.EventOffer:
				err = target.HandleOffer(id, p.SDP)
			case signaling.EventAnswer:
				err = target.HandleAnswer(id, p.SDP)
			case signaling.EventICECandidate:
				err = target.HandleCandidate(id, p.Candidate)
			}
			_ = err
		}()
		return nil
	})
}

func (b *signalBus) add(id string, s *Session) {
	b.mu.Lock()
	b.sessions[id] = s
	b.mu.Unlock()
}

func audioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", id)
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestRosterDrivesOfferAnswer(t *testing.T) {
	bus := newSignalBus()
	a := NewSession(Config{}, bus.senderFor("a"), testLogger())
	b := NewSession(Config{}, bus.senderFor("b"), testLogger())
	bus.add("a", a)
	bus.add("b", b)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	if err := a.AddTrack(audioTrack(t, "a")); err != nil {
		t.Fatal(err)
	}
	if err := b.AddTrack(audioTrack(t, "b")); err != nil {
		t.Fatal(err)
	}

	// "a" joins a room where "b" is already present.
	a.HandleRoster([]signaling.ParticipantInfo{{ConnectionID: "b", Name: "Bob"}})

	deadline := time.Now().Add(5 * time.Second)
	for {
		linkA, okA := a.peer("b")
		linkB, okB := b.peer("a")
		if okA && okB && linkA.pc.RemoteDescription() != nil && linkB.pc.RemoteDescription() != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("negotiation never completed: a=%v b=%v", okA, okB)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.PeerCount() != 1 || b.PeerCount() != 1 {
		t.Fatalf("peer counts = %d/%d, want 1/1", a.PeerCount(), b.PeerCount())
	}
}

func TestCandidateQueuedUntilDescription(t *testing.T) {
	drop := SignalSenderFunc(func(signaling.Event, signaling.SignalPayload) error { return nil })
	s := NewSession(Config{}, drop, testLogger())
	t.Cleanup(s.Close)

	link, err := s.ensurePeer("remote")
	if err != nil {
		t.Fatal(err)
	}

	// A candidate with no frame to hang it on must queue, not error.
	if err := link.addCandidate(webrtc.ICECandidateInit{Candidate: ""}); err != nil {
		t.Fatalf("early candidate rejected: %v", err)
	}
	if link.queuedCandidates() != 1 {
		t.Fatalf("queued = %d, want 1", link.queuedCandidates())
	}

	// Build a real offer from a second connection to apply as the remote
	// description.
	offerer := NewSession(Config{}, drop, testLogger())
	t.Cleanup(offerer.Close)
	if err := offerer.AddTrack(audioTrack(t, "o")); err != nil {
		t.Fatal(err)
	}
	oLink, err := offerer.ensurePeer("s")
	if err != nil {
		t.Fatal(err)
	}
	offer, err := oLink.pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := oLink.pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	if err := link.applyRemoteDescription(*oLink.pc.LocalDescription()); err != nil {
		t.Fatalf("apply remote description: %v", err)
	}
	if link.queuedCandidates() != 0 {
		t.Fatalf("queue not flushed: %d left", link.queuedCandidates())
	}

	// Post-description candidates go straight through.
	if err := link.addCandidate(webrtc.ICECandidateInit{Candidate: ""}); err != nil {
		t.Fatalf("late candidate rejected: %v", err)
	}
	if link.queuedCandidates() != 0 {
		t.Fatalf("late candidate queued")
	}
}

func TestCandidateFromUnknownPeer(t *testing.T) {
	drop := SignalSenderFunc(func(signaling.Event, signaling.SignalPayload) error { return nil })
	s := NewSession(Config{}, drop, testLogger())
	t.Cleanup(s.Close)

	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: ""})
	if err := s.HandleCandidate("ghost", raw); err == nil {
		t.Fatalf("candidate from unknown peer accepted")
	}
	if err := s.HandleAnswer("ghost", json.RawMessage(`{"type":"answer","sdp":""}`)); err == nil {
		t.Fatalf("answer from unknown peer accepted")
	}
}

func TestRemovePeer(t *testing.T) {
	drop := SignalSenderFunc(func(signaling.Event, signaling.SignalPayload) error { return nil })
	s := NewSession(Config{}, drop, testLogger())
	t.Cleanup(s.Close)

	var mu sync.Mutex
	var closedPeers []string
	s.OnPeerClosed = func(id string) {
		mu.Lock()
		closedPeers = append(closedPeers, id)
		mu.Unlock()
	}

	if _, err := s.ensurePeer("remote"); err != nil {
		t.Fatal(err)
	}
	if s.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", s.PeerCount())
	}

	s.RemovePeer("remote")
	if s.PeerCount() != 0 {
		t.Fatalf("peer count = %d after remove, want 0", s.PeerCount())
	}
	mu.Lock()
	n := len(closedPeers)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("OnPeerClosed fired %d times, want 1", n)
	}

	// Removing again is a no-op.
	s.RemovePeer("remote")
}

func TestEnsurePeerIdempotent(t *testing.T) {
	drop := SignalSenderFunc(func(signaling.Event, signaling.SignalPayload) error { return nil })
	s := NewSession(Config{}, drop, testLogger())
	t.Cleanup(s.Close)

	l1, err := s.ensurePeer("remote")
	if err != nil {
		t.Fatal(err)
	}
	l2, err := s.ensurePeer("remote")
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Fatalf("ensurePeer built a second link for the same remote")
	}
}
