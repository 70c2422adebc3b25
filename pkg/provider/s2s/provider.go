// Package s2s defines the Provider interface for speech-to-speech conversation
// backends.
//
// An S2S provider wraps a real-time voice AI service that accepts streamed
// microphone audio and answers with synthesised speech in a single, stateful
// session. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: an open connection that accepts
// encoded audio chunks and reports everything the service says as an ordered
// stream of [Event] values. Audio stays base64-encoded on the way in and out;
// decoding and playback are the caller's concern, so a provider never has to
// know about output devices.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] once the session
// has been closed locally or by the remote side.
var ErrSessionClosed = errors.New("s2s: session closed")

// Modality selects what the model responds with.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text-only responses.
	ModalityText Modality = "TEXT"
)

// Voice describes one prebuilt voice offered by a provider.
type Voice struct {
	// ID is the identifier passed in [SessionConfig.Voice].
	ID string

	// Name is a human-readable label.
	Name string

	// Description is optional flavour text, e.g. "warm, calm".
	Description string
}

// SessionConfig is the initial configuration for a new S2S session. It is sent
// once when the session opens and cannot be changed afterwards.
type SessionConfig struct {
	// Model identifies the backend model. Empty selects the provider default.
	Model string

	// ResponseModality is the kind of output requested. Empty means
	// [ModalityAudio].
	ResponseModality Modality

	// Voice is the prebuilt voice ID used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt defining the persona.
	Instructions string

	// InputFormat is the format of audio passed to SendAudio. Zero means
	// [audio.CaptureFormat].
	InputFormat audio.Format

	// OutputFormat is the format the service is expected to answer in. Zero
	// means [audio.PlaybackFormat].
	OutputFormat audio.Format

	// Transcribe asks the service to report transcripts of the user's speech
	// and of its own spoken output when it supports doing so.
	Transcribe bool
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.ResponseModality == "" {
		c.ResponseModality = ModalityAudio
	}
	if !c.InputFormat.Valid() {
		c.InputFormat = audio.CaptureFormat
	}
	if !c.OutputFormat.Valid() {
		c.OutputFormat = audio.PlaybackFormat
	}
	return c
}

// Capabilities describes static properties of an S2S provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// MaxSessionDuration is the hard upper bound on session lifetime imposed by
	// the service. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsResumption indicates whether a dropped session can be resumed
	// without losing context.
	SupportsResumption bool

	// InputFormat is the audio format the service expects.
	InputFormat audio.Format

	// OutputFormat is the audio format the service produces.
	OutputFormat audio.Format

	// Voices lists the prebuilt voices available.
	Voices []Voice
}

// EventType discriminates [Event] values.
type EventType int

const (
	// EventOpen is emitted once, first, when the session is ready.
	EventOpen EventType = iota + 1

	// EventMessage carries a [Message] from the service.
	EventMessage

	// EventClose is a terminal event: the session ended normally.
	EventClose

	// EventError is a terminal event: the session failed.
	EventError
)

// String returns the lowercase event name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Terminal reports whether t ends the event stream.
func (t EventType) Terminal() bool {
	return t == EventClose || t == EventError
}

// Event is one item of a session's event stream.
type Event struct {
	Type EventType

	// Message is set for [EventMessage].
	Message *Message

	// Err is set for [EventError].
	Err error

	// Reason is an optional human-readable explanation for [EventClose].
	Reason string
}

// Message is the content of one server message. Several fields may be set at
// once; when audio and an interruption arrive together the audio is listed
// first, in the order the service sent it.
type Message struct {
	// Audio holds response audio chunks, still base64-encoded.
	Audio []audio.EncodedChunk

	// Text holds text parts of the model turn.
	Text string

	// Interrupted reports that the user started speaking and any response
	// audio queued for playback should be discarded.
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool

	// InputTranscript is recognised user speech.
	InputTranscript string

	// OutputTranscript is the text of the model's spoken output.
	OutputTranscript string
}

// Empty reports whether m carries nothing worth delivering.
func (m *Message) Empty() bool {
	return len(m.Audio) == 0 && m.Text == "" && !m.Interrupted && !m.TurnComplete &&
		m.InputTranscript == "" && m.OutputTranscript == ""
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded chunk to the service. It does not wait
	// for any acknowledgement. Returns [ErrSessionClosed] after the session
	// has ended and a transport error if the write fails.
	SendAudio(chunk audio.EncodedChunk) error

	// Events returns the session's event stream. It yields [EventOpen] first,
	// then any number of [EventMessage], then exactly one terminal event
	// ([EventClose] or [EventError]), and is then closed. Consumers must keep
	// reading until the channel is closed.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. It returns once the service has
	// accepted the configuration, so the returned handle can take audio
	// immediately. The caller owns the handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
