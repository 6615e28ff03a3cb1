// Package metrics is a minimal, concurrency-safe counter registry with a
// Prometheus text-exposition handler.
package metrics

import "sync"

// Counter names. Everything the core counts is an event; the Prometheus
// handler exposes them under a single metric with an `event` label.
const (
	JoinAccepted          = "join_accepted"
	JoinRejectedNotFound  = "join_rejected_meeting_not_found"
	JoinRejectedDuplicate = "join_rejected_duplicate_participant"
	AdminDenied           = "admin_denied"
	RelayDroppedGoneTgt   = "relay_dropped_target_gone"
	SendQueueOverflow     = "send_queue_overflow"
	ParticipantKicked     = "participant_kicked"
	ChatBroadcast         = "chat_broadcast"
	Disconnects           = "disconnects"
	AuthFailure           = "auth_failure"
	RateLimited           = "rate_limited"
	MeetingsEnded         = "meetings_ended"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

// Inc is nil-safe so call sites don't have to guard an unconfigured registry.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
