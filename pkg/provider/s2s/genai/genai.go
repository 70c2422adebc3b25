// Package genai implements the s2s.Provider interface on top of the official
// Google Gen AI SDK (google.golang.org/genai) Live client.
//
// It reaches the same Gemini Live service as the gemini package but lets the
// SDK own the wire protocol, which also makes Vertex AI backends available.
// Response audio arrives from the SDK as raw bytes and is re-encoded to base64
// so that events look the same as from every other provider.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/gemini"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const eventBuffer = 64

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL passed to the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVertexAI selects the Vertex AI backend for the given project and
// location instead of the Gemini Developer API.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.project = project
		p.location = location
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using the Gen AI SDK Live client.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	project  string
	location string
	log      *slog.Logger

	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

// New creates a Provider. The SDK client is created lazily on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  gemini.DefaultModel,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live service.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		SupportsResumption: false,
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.PlaybackFormat,
		Voices:             gemini.Voices,
	}
}

func (p *Provider) clientFor(ctx context.Context) (*genai.Client, error) {
	p.clientOnce.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.project != "" {
			cc = &genai.ClientConfig{
				Project:  p.project,
				Location: p.location,
				Backend:  genai.BackendVertexAI,
			}
		}
		if p.baseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		p.client, p.clientErr = genai.NewClient(ctx, cc)
	})
	return p.client, p.clientErr
}

// Connect opens a Live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	client, err := p.clientFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: client: %w", err)
	}

	live, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	sess := &session{
		live:   live,
		cfg:    cfg,
		events: s2s.NewEventStream(eventBuffer),
		log:    p.log.With("provider", "genai", "model", model),
	}

	if err := sess.awaitSetupComplete(ctx); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: setup: %w", err)
	}

	sess.events.Emit(s2s.Event{Type: s2s.EventOpen})
	go sess.receiveLoop()
	return sess, nil
}

// liveConfig maps a session config onto the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(cfg.ResponseModality)},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toMessage flattens SDK server content into an s2s.Message.
func toMessage(sc *genai.LiveServerContent) *s2s.Message {
	msg := &s2s.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		var text strings.Builder
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				msg.Audio = append(msg.Audio, audio.EncodedChunk{
					MIMEType: p.InlineData.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
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

type received struct {
	msg *genai.LiveServerMessage
	err error
}

type session struct {
	live   *genai.Session
	cfg    s2s.SessionConfig
	events *s2s.EventStream
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// receive wraps the blocking SDK Receive so it can be abandoned on ctx.
func (s *session) receive(ctx context.Context) (*genai.LiveServerMessage, error) {
	ch := make(chan received, 1)
	go func() {
		msg, err := s.live.Receive()
		ch <- received{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		msg, err := s.receive(ctx)
		if err != nil {
			return err
		}
		if msg != nil && msg.SetupComplete != nil {
			return nil
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receiveLoop drains the SDK session and finishes the event stream exactly
// once when it exits.
func (s *session) receiveLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				s.events.Finish(s2s.Event{Type: s2s.EventClose, Reason: "session closed"})
			} else {
				s.events.Finish(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("genai: receive: %w", err)})
			}
			s.shutdown()
			return
		}
		if msg == nil {
			continue
		}

		if msg.ServerContent != nil {
			if m := toMessage(msg.ServerContent); !m.Empty() {
				if !s.events.Emit(s2s.Event{Type: s2s.EventMessage, Message: m}) {
					s.events.Finish(s2s.Event{Type: s2s.EventClose, Reason: "session closed"})
					return
				}
			}
		}
		if msg.GoAway != nil {
			s.events.Finish(s2s.Event{
				Type: s2s.EventError,
				Err:  fmt.Errorf("genai: server is going away (time left %v)", msg.GoAway.TimeLeft),
			})
			s.shutdown()
			return
		}
	}
}

func (s *session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.events.Stop()
	if err := s.live.Close(); err != nil {
		s.log.Debug("genai: close", "err", err)
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio decodes the chunk and forwards it as realtime audio input.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", errors.Join(audio.ErrMalformedChunk, err))
	}
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.MIMEType(s.cfg.InputFormat)
	}
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: mime},
	}); err != nil {
		if s.isClosed() {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.shutdown()
	return nil
}
