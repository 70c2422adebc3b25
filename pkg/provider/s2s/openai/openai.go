// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions.
// Server-side voice activity detection is enabled; when it reports that the
// user started speaking the session emits an interrupted message so that
// queued response audio can be discarded.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// realtimeFormat is the only PCM format the Realtime API accepts and emits.
var realtimeFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Voices are the prebuilt Realtime voices.
var Voices = []s2s.Voice{
	{ID: "alloy", Name: "Alloy"},
	{ID: "ash", Name: "Ash"},
	{ID: "ballad", Name: "Ballad"},
	{ID: "coral", Name: "Coral"},
	{ID: "echo", Name: "Echo"},
	{ID: "sage", Name: "Sage"},
	{ID: "shimmer", Name: "Shimmer"},
	{ID: "verse", Name: "Verse"},
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 30 * time.Minute,
		SupportsResumption: false,
		InputFormat:        realtimeFormat,
		OutputFormat:       realtimeFormat,
		Voices:             Voices,
	}
}

// Connect dials the Realtime endpoint, configures the session and waits for
// the server to confirm it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if !cfg.InputFormat.Valid() {
		cfg.InputFormat = realtimeFormat
	}
	cfg = cfg.WithDefaults()
	if cfg.InputFormat != realtimeFormat {
		return nil, fmt.Errorf("openai: input format %s not supported, need %s", cfg.InputFormat, realtimeFormat)
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: s2s.NewEventStream(eventBuffer),
		log:    p.log.With("provider", "openai", "model", model),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := sess.awaitSessionUpdated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "session rejected")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.events.Emit(s2s.Event{Type: s2s.EventOpen})
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *s2s.EventStream
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, audio formats and turn detection.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	modalities := []string{"text"}
	if cfg.ResponseModality == s2s.ModalityAudio {
		modalities = []string{"audio", "text"}
	}
	params := sessionParams{
		Modalities:        modalities,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &transcriptionParam{Model: transcriptionModel}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated reads until the server confirms the configuration.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		evt, err := s.read(ctx)
		if err != nil {
			return err
		}
		if evt == nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				return errors.New("openai: unknown error")
			}
			return evt.Error
		}
	}
}

// read returns the next decoded server event. Malformed frames yield a nil
// event and no error.
func (s *session) read(ctx context.Context) (*serverEvent, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.log.Debug("openai: skipping malformed frame", "err", err, "bytes", len(data))
		return nil, nil
	}
	return &evt, nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the event stream and finishes it exactly once when it exits.
func (s *session) receiveLoop() {
	// outText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	var outText string

	for {
		evt, err := s.read(s.ctx)
		if err != nil {
			s.events.Finish(s.terminalFor(err))
			s.shutdown("")
			return
		}
		if evt == nil {
			continue
		}

		var msg *s2s.Message
		switch evt.Type {
		case "response.audio.delta":
			if evt.Delta == "" {
				continue
			}
			msg = &s2s.Message{Audio: []audio.EncodedChunk{{
				MIMEType: audio.MIMEType(realtimeFormat),
				Data:     evt.Delta,
			}}}

		case "input_audio_buffer.speech_started":
			msg = &s2s.Message{Interrupted: true}

		case "response.audio_transcript.delta":
			outText += evt.Delta

		case "response.audio_transcript.done":
			text := evt.Transcript
			if text == "" {
				text = outText
			}
			outText = ""
			if text != "" {
				msg = &s2s.Message{OutputTranscript: text}
			}

		case "conversation.item.input_audio_transcription.completed":
			if evt.Transcript != "" {
				msg = &s2s.Message{InputTranscript: evt.Transcript}
			}

		case "response.done":
			msg = &s2s.Message{TurnComplete: true}

		case "error":
			// Realtime error events describe a rejected client event; the
			// session itself stays usable.
			s.log.Warn("openai: server reported error", "err", evt.Error)
		}

		if msg != nil && !s.events.Emit(s2s.Event{Type: s2s.EventMessage, Message: msg}) {
			s.events.Finish(s2s.Event{Type: s2s.EventClose, Reason: "session closed"})
			return
		}
	}
}

// terminalFor maps a read error to the terminal event.
func (s *session) terminalFor(err error) s2s.Event {
	if s.ctx.Err() != nil {
		return s2s.Event{Type: s2s.EventClose, Reason: "session closed"}
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway) {
		return s2s.Event{Type: s2s.EventClose, Reason: ce.Reason}
	}
	return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err)}
}

// shutdown marks the session closed and releases the connection.
func (s *session) shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.events.Stop()
	s.conn.Close(websocket.StatusNormalClosure, reason)
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one encoded PCM16 chunk to the server's input buffer.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: chunk.Data,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.shutdown("session closed")
	return nil
}
