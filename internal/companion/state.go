package companion

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle: no session has run yet, or the last one was stopped.
	StateIdle State = iota

	// StateConnecting: devices are being acquired and the transport is
	// handshaking.
	StateConnecting

	// StateListening: audio flows in both directions.
	StateListening

	// StateClosed: the service ended the session.
	StateClosed

	// StateErrored: the session failed to start or broke down.
	StateErrored
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateListening:  "listening",
	StateClosed:     "closed",
	StateErrored:    "errored",
}

var stateStatus = [...]string{
	StateIdle:       "Ready",
	StateConnecting: "Connecting…",
	StateListening:  "Listening…",
	StateClosed:     "Session ended",
	StateErrored:    "Connection error",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Status returns the user-facing status line for s.
func (s State) Status() string {
	if s < 0 || int(s) >= len(stateStatus) {
		return ""
	}
	return stateStatus[s]
}

// Active reports whether a session is connecting or running.
func (s State) Active() bool {
	return s == StateConnecting || s == StateListening
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("companion: unknown state %q", b)
}

// Counters are per-session totals.
type Counters struct {
	ChunksCaptured   int64 `json:"chunks_captured"`
	ChunksSent       int64 `json:"chunks_sent"`
	ChunksDropped    int64 `json:"chunks_dropped"`
	SendErrors       int64 `json:"send_errors"`
	ChunksReceived   int64 `json:"chunks_received"`
	DecodeErrors     int64 `json:"decode_errors"`
	UnitsScheduled   int64 `json:"units_scheduled"`
	Interruptions    int64 `json:"interruptions"`
	UnitsInterrupted int64 `json:"units_interrupted"`
}

// Snapshot is a point-in-time view of a [Session].
type Snapshot struct {
	State     State     `json:"state"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`

	// PlaybackActive is the number of response units queued or playing.
	PlaybackActive int `json:"playback_active"`

	Counters Counters `json:"counters"`
}
