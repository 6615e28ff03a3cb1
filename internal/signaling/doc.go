// Package signaling implements the realtime core of the conferencing
// service: a websocket gateway that demultiplexes client events, an
// in-memory room registry tracking participants and their control state,
// a pairwise signal relay for WebRTC negotiation payloads, presence and
// control-state broadcasts, admin-guarded privileged operations, and
// ephemeral room chat fan-out.
//
// The core owns no meeting lifecycle. Meetings are resolved through the
// meeting.Store contract at join time and re-resolved for every privileged
// operation; chat messages are handed to a meeting.ChatArchiver on a
// best-effort side channel.
package signaling
