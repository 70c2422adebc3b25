// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive the event stream from a test and inspect the audio
// the code under test sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Deliver(&s2s.Message{Interrupted: true})
//	sess.CloseRemote("bye")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a
	// fresh Session from NewSession, retrievable via LastSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.last = s
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Connects returns the number of Connect calls so far.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
	p.last = nil
}

// Session is a mock implementation of s2s.SessionHandle backed by an
// [s2s.EventStream]. NewSession emits EventOpen immediately, matching a real
// provider whose Connect has returned.
type Session struct {
	stream *s2s.EventStream

	mu     sync.Mutex
	closed bool

	// SendErr, if non-nil, is returned by SendAudio while the session is open.
	SendErr error

	// SendGate, if non-nil, makes SendAudio wait for a receive from it (or
	// its closure) before recording the chunk. Close releases waiting calls.
	SendGate chan struct{}

	// SendAudioCalls records every chunk passed to SendAudio, including those
	// rejected after close.
	SendAudioCalls []audio.EncodedChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sent chan struct{}
}

// Compile-time interface assertion.
var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns an open session with a buffered event stream.
func NewSession() *Session {
	s := &Session{
		stream: s2s.NewEventStream(64),
		sent:   make(chan struct{}, 1024),
	}
	s.stream.Emit(s2s.Event{Type: s2s.EventOpen})
	return s
}

// SendAudio records the chunk. It returns [s2s.ErrSessionClosed] after Close
// or a remote end, SendErr otherwise.
func (s *Session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	gate := s.SendGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-s.stream.Stopped():
		}
	}

	s.mu.Lock()
	s.SendAudioCalls = append(s.SendAudioCalls, chunk)
	closed, err := s.closed, s.SendErr
	s.mu.Unlock()

	select {
	case s.sent <- struct{}{}:
	default:
	}
	if closed {
		return s2s.ErrSessionClosed
	}
	return err
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event {
	return s.stream.Events()
}

// Close marks the session closed and ends the event stream with EventClose.
// Only the first call has an effect on the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	s.mu.Unlock()

	s.stream.Stop()
	s.stream.Finish(s2s.Event{Type: s2s.EventClose, Reason: "closed by client"})
	return nil
}

// Emit pushes an arbitrary non-terminal event. It returns false once the
// stream has ended.
func (s *Session) Emit(e s2s.Event) bool {
	return s.stream.Emit(e)
}

// Deliver pushes an EventMessage carrying msg.
func (s *Session) Deliver(msg *s2s.Message) bool {
	return s.stream.Emit(s2s.Event{Type: s2s.EventMessage, Message: msg})
}

// DeliverAudio pushes a message carrying the given chunks.
func (s *Session) DeliverAudio(chunks ...audio.EncodedChunk) bool {
	return s.Deliver(&s2s.Message{Audio: chunks})
}

// CloseRemote simulates the service ending the session normally.
func (s *Session) CloseRemote(reason string) {
	s.end(s2s.Event{Type: s2s.EventClose, Reason: reason})
}

// Fail simulates a transport failure. A nil err is replaced by a generic one.
func (s *Session) Fail(err error) {
	if err == nil {
		err = errors.New("mock: transport failure")
	}
	s.end(s2s.Event{Type: s2s.EventError, Err: err})
}

func (s *Session) end(e s2s.Event) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stream.Finish(e)
}

// Closed reports whether Close was called or the remote side ended the
// session.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns a copy of the recorded SendAudio chunks.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.SendAudioCalls...)
}

// SentSignal is signalled, best effort, after every SendAudio call.
func (s *Session) SentSignal() <-chan struct{} {
	return s.sent
}
