package meshclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// peerLink is the negotiation state for one remote participant: the
// PeerConnection plus the candidate queue used while the remote description
// is still unset. Candidates relayed before the offer/answer lands must not
// be dropped, so they are held and flushed once the description applies.
type peerLink struct {
	remoteID string
	pc       *webrtc.PeerConnection

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

func newPeerLink(remoteID string, pc *webrtc.PeerConnection) *peerLink {
	return &peerLink{remoteID: remoteID, pc: pc}
}

// applyRemoteDescription sets the remote description and flushes every queued
// candidate in arrival order.
func (p *peerLink) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description for %s: %w", p.remoteID, err)
	}

	p.mu.Lock()
	queued := p.pending
	p.pending = nil
	p.remoteSet = true
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("flush queued candidate for %s: %w", p.remoteID, err)
		}
	}
	return nil
}

// addCandidate applies the candidate immediately when the remote description
// is set, and queues it otherwise.
func (p *peerLink) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate for %s: %w", p.remoteID, err)
	}
	return nil
}

func (p *peerLink) queuedCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *peerLink) close() error {
	return p.pc.Close()
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return desc, nil
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	return c, nil
}
