// Package meeting defines the external collaborator contracts the signaling
// core depends on: a read-only meeting record lookup and a best-effort chat
// persistence side channel.
//
// The signaling core never owns a meeting's lifecycle. It only reads the
// record to gate joins and to resolve the admin identity for privileged
// operations.
package meeting

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a meeting as recorded by its owner.
type Status string

const (
	StatusUpcoming Status = "upcoming"
	StatusStarted  Status = "started"
	StatusEnded    Status = "ended"
)

// ErrNotFound is returned by Store.GetMeeting for unknown meeting ids.
//
// Callers treat any other store error the same way (fail closed): no join
// proceeds without confirmation the meeting exists.
var ErrNotFound = errors.New("meeting not found")

// Meeting is the externally owned meeting record.
type Meeting struct {
	ID         string
	Name       string
	AdminID    string
	AdminEmail string
	Status     Status
	Invitees   []string
}

// Ended reports whether the meeting has been explicitly ended. Joins to an
// ended meeting are rejected the same way unknown meetings are.
func (m Meeting) Ended() bool {
	return m.Status == StatusEnded
}

// Store is the synchronous meeting lookup consumed by the signaling core.
type Store interface {
	GetMeeting(ctx context.Context, id string) (Meeting, error)
}

// ChatRecord is the persisted form of a room chat message.
type ChatRecord struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Text       string
	SentAt     time.Time
}

// ChatArchiver receives chat messages for persistence. Calls are one-way and
// best-effort: the core dispatches them on a separate goroutine, never waits
// on the result, and never retries.
type ChatArchiver interface {
	ArchiveMessage(ctx context.Context, rec ChatRecord) error
}
