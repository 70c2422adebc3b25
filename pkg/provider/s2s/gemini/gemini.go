// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions and is
// passed through to the caller without decoding.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
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
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	eventBuffer       = 64
)

// Voices are the prebuilt voices offered by the Live API.
var Voices = []s2s.Voice{
	{ID: "Aoede", Name: "Aoede", Description: "breezy"},
	{ID: "Charon", Name: "Charon", Description: "informative"},
	{ID: "Fenrir", Name: "Fenrir", Description: "excitable"},
	{ID: "Kore", Name: "Kore", Description: "firm"},
	{ID: "Puck", Name: "Puck", Description: "upbeat"},
	{ID: "Leda", Name: "Leda", Description: "youthful"},
	{ID: "Orus", Name: "Orus", Description: "firm"},
	{ID: "Zephyr", Name: "Zephyr", Description: "bright"},
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when the session config names none.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		SupportsResumption: false,
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.PlaybackFormat,
		Voices:             Voices,
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. A server error or ctx expiry before
// that point fails the connect.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cfg:    cfg,
		events: s2s.NewEventStream(eventBuffer),
		log:    p.log.With("provider", "gemini", "model", cfg.Model),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.events.Emit(s2s.Event{Type: s2s.EventOpen})
	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: server error %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// toMessage flattens a serverContent into an s2s.Message. Audio parts keep
// their order and their base64 payload.
func (sc *serverContent) toMessage() *s2s.Message {
	msg := &s2s.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		var text strings.Builder
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				msg.Audio = append(msg.Audio, audio.EncodedChunk{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				})
			}
			text.WriteString(p.Text)
		}
		msg.Text = text.String()
	}
	if sc.InputTranscription != nil {
		msg.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		msg.OutputTranscript = sc.OutputTranscription.Text
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	cfg    s2s.SessionConfig
	events *s2s.EventStream
	log    *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(cfg.Model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(cfg.ResponseModality)},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(msg)
}

// awaitSetupComplete reads until the server acknowledges the setup. Content
// messages arriving first are not expected and are discarded.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// read returns the next decoded server message. Malformed frames yield a nil
// message and no error.
func (s *session) read(ctx context.Context) (*serverMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
		return nil, nil
	}
	return &msg, nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the event stream and finishes it exactly once when it exits.
func (s *session) receiveLoop() {
	for {
		msg, err := s.read(s.ctx)
		if err != nil {
			s.events.Finish(s.terminalFor(err))
			s.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		if msg == nil {
			continue
		}

		if msg.ServerContent != nil {
			if m := msg.ServerContent.toMessage(); !m.Empty() {
				if !s.events.Emit(s2s.Event{Type: s2s.EventMessage, Message: m}) {
					s.events.Finish(s2s.Event{Type: s2s.EventClose, Reason: "session closed"})
					return
				}
			}
		}
		if msg.Error != nil {
			s.events.Finish(s2s.Event{Type: s2s.EventError, Err: msg.Error})
			s.shutdown(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.GoAway != nil {
			s.events.Finish(s2s.Event{
				Type: s2s.EventError,
				Err:  fmt.Errorf("gemini: server is going away (time left %s)", msg.GoAway.TimeLeft),
			})
			s.shutdown(websocket.StatusNormalClosure, "go away")
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
	return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err)}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// shutdown marks the session closed and releases the connection. It is safe
// to call from the receive loop and from Close.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.events.Stop()
	s.conn.Close(code, reason)
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one encoded PCM chunk to the model.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	if chunk.MIMEType == "" {
		chunk.MIMEType = audio.MIMEType(s.cfg.InputFormat)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}
