// Package companion runs a live voice conversation with a speech-to-speech
// service: microphone audio streams out, spoken answers come back and are
// laid end to end on an output device, and the user can talk over the model
// at any time.
//
// A [Session] owns at most one conversation at a time. It moves through the
// states Idle → Connecting → Listening and ends in Closed (the service hung
// up), Errored (something broke) or back in Idle (the user stopped it). The
// session never reconnects on its own.
//
// Three goroutines run per conversation:
//
//   - the capture loop reads fixed-size batches from the microphone, encodes
//     them and pushes them onto a bounded queue without ever blocking;
//   - the sender drains that queue into the transport;
//   - the event loop is the only goroutine that touches the playback
//     scheduler. It handles transport events and stop requests.
package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/bloomzen/internal/observe"
	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/audio/capture"
	"github.com/MrWong99/bloomzen/pkg/audio/playback"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

const (
	// DefaultQueueDepth is the number of encoded capture chunks buffered
	// between the capture loop and the sender. At 4096 samples per chunk and
	// 16 kHz this is about 8 s of audio.
	DefaultQueueDepth = 32

	subscriberBuffer = 16
)

// Config holds the collaborators of a [Session].
type Config struct {
	// Provider is the conversation transport. Required.
	Provider s2s.Provider

	// ProviderName labels logs and metrics, e.g. "gemini-live".
	ProviderName string

	// Capture opens the microphone. Required.
	Capture audio.CaptureOpener

	// Playback opens the speaker. Required.
	Playback playback.Opener

	// Persona is sent to the service when a conversation opens. Zero audio
	// formats are filled from the provider's capabilities.
	Persona s2s.SessionConfig
}

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript is one piece of recognised or generated text.
type Transcript struct {
	SessionID string
	Role      Role
	Text      string
}

// Option is a functional option for [New].
type Option func(*Session)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithQueueDepth sets the capacity of the send queue. Values below 1 are
// ignored.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithMaxDuration ends each conversation as Closed after d. Without this
// option the provider's MaxSessionDuration applies; a negative d disables
// the limit.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		s.maxDuration = d
		s.maxDurationSet = true
	}
}

// WithTranscriptHandler registers fn to receive transcripts and text parts.
// fn runs on the event loop and must not block.
func WithTranscriptHandler(fn func(Transcript)) Option {
	return func(s *Session) {
		s.onTranscript = fn
	}
}

// Session is the live voice session controller. All exported methods are
// safe for concurrent use.
type Session struct {
	cfg            Config
	log            *slog.Logger
	metrics        *observe.Metrics
	queueDepth     int
	maxDuration    time.Duration
	maxDurationSet bool
	onTranscript   func(Transcript)

	// lifeMu serialises Start and Stop.
	lifeMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	info    sessionInfo
	cur     *run
	abort   context.CancelFunc
	subs    map[uint64]chan Snapshot
	nextSub uint64

	counters counters
}

type sessionInfo struct {
	id        string
	provider  string
	voice     string
	startedAt time.Time
	endedAt   time.Time
}

type counters struct {
	captured, sent, dropped, sendErrors atomic.Int64
	received, decodeErrors, scheduled   atomic.Int64
	interruptions, unitsInterrupted     atomic.Int64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.captured, &c.sent, &c.dropped, &c.sendErrors,
		&c.received, &c.decodeErrors, &c.scheduled,
		&c.interruptions, &c.unitsInterrupted,
	} {
		v.Store(0)
	}
}

func (c *counters) load() Counters {
	return Counters{
		ChunksCaptured:   c.captured.Load(),
		ChunksSent:       c.sent.Load(),
		ChunksDropped:    c.dropped.Load(),
		SendErrors:       c.sendErrors.Load(),
		ChunksReceived:   c.received.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		UnitsScheduled:   c.scheduled.Load(),
		Interruptions:    c.interruptions.Load(),
		UnitsInterrupted: c.unitsInterrupted.Load(),
	}
}

// run holds the resources of one conversation.
type run struct {
	id          string
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	src         audio.CaptureSource
	dev         playback.Device
	sched       *playback.Scheduler
	handle      s2s.SessionHandle
	outFormat   audio.Format
	maxDuration time.Duration
	startedAt   time.Time
	queue       chan audio.EncodedChunk

	stopReq      chan struct{}
	stopOnce     sync.Once
	stopped      atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup
	teardownOnce sync.Once
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stopReq) })
}

func (r *run) stopping() bool {
	select {
	case <-r.stopReq:
		return true
	default:
		return r.stopped.Load()
	}
}

// New creates an idle session. Missing collaborators are reported by Start.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:        cfg,
		queueDepth: DefaultQueueDepth,
		subs:       make(map[uint64]chan Snapshot),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.cfg.ProviderName == "" {
		s.cfg.ProviderName = "default"
	}
	return s
}

// SetPersona replaces the configuration sent with the next conversation. A
// conversation already running keeps the persona it started with.
func (s *Session) SetPersona(p s2s.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Persona = p
}

// Persona returns the configuration used by the next conversation.
func (s *Session) Persona() s2s.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Persona
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start opens the microphone and speaker, connects to the service and begins
// streaming. It is allowed from Idle, Closed and Errored and returns
// [ErrAlreadyActive] otherwise.
//
// On failure the session is left Errored, everything acquired so far is
// released and the returned error is an [*Error] of kind
// [KindPermissionDenied] or [KindConnectionFailed]. A concurrent [Session.Stop]
// aborts a pending Start.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Provider == nil || s.cfg.Capture == nil || s.cfg.Playback == nil {
		return errors.New("companion: start: provider, capture and playback are required")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.abort = cancel
	persona := s.cfg.Persona
	id := uuid.NewString()
	s.info = sessionInfo{id: id, provider: s.cfg.ProviderName, voice: persona.Voice}
	s.counters.reset()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(observe.WithSession(ctx, id), "companion.Start")
	defer span.End()
	span.SetAttributes(attribute.String("provider", s.cfg.ProviderName))

	log := s.log.With("session_id", id, "provider", s.cfg.ProviderName)
	s.setState(StateConnecting, nil)

	r, err := s.open(ctx, id, persona, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("companion: start failed", "kind", KindOf(err).String(), "err", err)
		s.setState(StateErrored, err)
		return err
	}

	s.mu.Lock()
	s.cur = r
	s.info.startedAt = r.startedAt
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.setState(StateListening, nil)

	r.wg.Add(2)
	go s.captureLoop(r)
	go s.sendLoop(r)
	go s.eventLoop(r)

	log.Info("companion: session started",
		"voice", persona.Voice,
		"input", r.src.Format().String(),
		"output", r.outFormat.String(),
		"max_duration", r.maxDuration,
	)
	return nil
}

// open acquires capture, playback and transport in that order. Anything
// acquired before a failure is released before returning.
func (s *Session) open(ctx context.Context, id string, persona s2s.SessionConfig, log *slog.Logger) (_ *run, err error) {
	caps := s.cfg.Provider.Capabilities()
	persona = resolveFormats(persona, caps)

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	// Devices outlive Start, so they are bound to the run rather than to
	// the caller's context. Only Connect can be aborted by Stop.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	cleanup = append(cleanup, func() error { runCancel(); return nil })

	src, err := s.cfg.Capture(runCtx)
	if err != nil {
		return nil, newError(KindPermissionDenied, fmt.Errorf("open capture: %w", err))
	}
	cleanup = append(cleanup, src.Close)
	if src.Format() != persona.InputFormat {
		log.Info("companion: converting capture format",
			"from", src.Format().String(),
			"to", persona.InputFormat.String(),
		)
		rs, err := capture.Resampling(src, persona.InputFormat, audio.DefaultBatchSize)
		if err != nil {
			return nil, newError(KindPermissionDenied, err)
		}
		src = rs
		cleanup = append(cleanup, src.Close)
	}

	dev, err := s.cfg.Playback(runCtx, persona.OutputFormat)
	if err != nil {
		return nil, newError(KindPermissionDenied, fmt.Errorf("open playback: %w", err))
	}
	cleanup = append(cleanup, dev.Close)

	began := time.Now()
	handle, err := s.cfg.Provider.Connect(ctx, persona)
	s.metrics.RecordConnect(ctx, s.cfg.ProviderName, time.Since(began).Seconds(), err)
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "connect")
		return nil, newError(KindConnectionFailed, err)
	}

	maxDur := caps.MaxSessionDuration
	if s.maxDurationSet {
		maxDur = s.maxDuration
	}

	r := &run{
		id:          id,
		log:         log,
		ctx:         runCtx,
		cancel:      runCancel,
		src:         src,
		dev:         dev,
		handle:      handle,
		outFormat:   persona.OutputFormat,
		maxDuration: maxDur,
		startedAt:   time.Now().UTC(),
		queue:       make(chan audio.EncodedChunk, s.queueDepth),
		stopReq:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.sched = playback.NewScheduler(dev, playback.WithOnEnded(func(*playback.Unit) {
		s.metrics.PlaybackUnits.Add(context.Background(), -1)
	}))
	return r, nil
}

// resolveFormats fills zero audio formats from the provider, then from the
// package defaults.
func resolveFormats(p s2s.SessionConfig, caps s2s.Capabilities) s2s.SessionConfig {
	if !p.InputFormat.Valid() && caps.InputFormat.Valid() {
		p.InputFormat = caps.InputFormat
	}
	if !p.OutputFormat.Valid() && caps.OutputFormat.Valid() {
		p.OutputFormat = caps.OutputFormat
	}
	return p.WithDefaults()
}

// Stop ends the running conversation and returns the session to Idle. It
// closes the transport, releases the microphone, silences all playback and
// waits for every session goroutine. Once Stop returns no further capture
// batch is sent and no response audio is scheduled. Stop is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.abort != nil {
		s.abort()
	}
	s.mu.Unlock()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	r, state := s.cur, s.state
	s.mu.Unlock()

	if r == nil {
		if state != StateIdle {
			s.setState(StateIdle, nil)
		}
		return
	}

	_, span := observe.StartSpan(observe.WithSession(context.Background(), r.id), "companion.Stop")
	defer span.End()

	r.requestStop()
	<-r.done
	s.teardown(r, "stopped")

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.mu.Unlock()
	s.setState(StateIdle, nil)
	r.log.Info("companion: session stopped")
}

// finish ends r from the event loop after a remote close, a transport error
// or the duration limit.
func (s *Session) finish(r *run, state State, err error) {
	end := "closed"
	if state == StateErrored {
		end = "errored"
	}
	s.teardown(r, end)

	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()
	s.setState(state, err)
}

// teardown releases every resource of r exactly once.
func (s *Session) teardown(r *run, end string) {
	r.teardownOnce.Do(func() {
		ctx := context.Background()
		r.stopped.Store(true)
		r.requestStop()
		r.cancel()
		_ = r.src.Close()
		if err := r.handle.Close(); err != nil {
			r.log.Debug("companion: transport close", "err", err)
		}
		r.wg.Wait()

		if n := r.sched.Shutdown(); n > 0 {
			s.metrics.PlaybackUnits.Add(ctx, -int64(n))
		}
		if err := r.dev.Close(); err != nil {
			r.log.Debug("companion: playback close", "err", err)
		}

		ended := time.Now().UTC()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.SessionDuration.Record(ctx, ended.Sub(r.startedAt).Seconds(),
			metric.WithAttributes(attribute.String("end", end)),
		)
		s.mu.Lock()
		s.info.endedAt = ended
		s.mu.Unlock()
	})
}

// ── Loops ────────────────────────────────────────────────────────────────────

// captureLoop reads batches until the run is cancelled or the source fails.
// It never blocks on the transport: a full queue drops the batch.
func (s *Session) captureLoop(r *run) {
	defer r.wg.Done()
	defer func() { _ = r.src.Close() }()

	for {
		frame, err := r.src.Read(r.ctx)
		if err != nil {
			switch {
			case r.stopped.Load() || r.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				r.log.Info("companion: capture ended")
			default:
				r.log.Warn("companion: capture failed", "err", err)
			}
			return
		}
		if r.stopped.Load() {
			return
		}

		s.counters.captured.Add(1)
		select {
		case r.queue <- audio.EncodeChunk(frame):
		default:
			n := s.counters.dropped.Add(1)
			s.metrics.ChunksDropped.Add(r.ctx, 1)
			if n == 1 || n%100 == 0 {
				r.log.Warn("companion: send queue full, dropping capture batch", "dropped", n)
			}
		}
	}
}

// sendLoop forwards queued chunks to the transport.
func (s *Session) sendLoop(r *run) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case chunk := <-r.queue:
			if r.stopped.Load() {
				return
			}
			if err := r.handle.SendAudio(chunk); err != nil {
				if errors.Is(err, s2s.ErrSessionClosed) || r.stopped.Load() {
					continue
				}
				s.counters.sendErrors.Add(1)
				s.metrics.RecordProviderError(r.ctx, s.cfg.ProviderName, "send")
				r.log.Warn("companion: send audio", "err", err)
				continue
			}
			s.counters.sent.Add(1)
			s.metrics.ChunksSent.Add(r.ctx, 1)
		}
	}
}

// eventLoop is the single writer of the playback scheduler.
func (s *Session) eventLoop(r *run) {
	defer close(r.done)

	var expired <-chan time.Time
	if r.maxDuration > 0 {
		t := time.NewTimer(r.maxDuration)
		defer t.Stop()
		expired = t.C
	}

	events := r.handle.Events()
	for {
		select {
		case <-r.stopReq:
			return
		case <-expired:
			r.log.Info("companion: maximum session duration reached", "limit", r.maxDuration)
			s.finish(r, StateClosed, nil)
			return
		case ev, ok := <-events:
			if !ok {
				s.finish(r, StateClosed, nil)
				return
			}
			if r.stopping() {
				return
			}
			switch ev.Type {
			case s2s.EventOpen:
				r.log.Debug("companion: transport open")
			case s2s.EventMessage:
				if ev.Message != nil {
					s.handleMessage(r, ev.Message)
				}
			case s2s.EventClose:
				r.log.Info("companion: session closed by service", "reason", ev.Reason)
				s.finish(r, StateClosed, nil)
				return
			case s2s.EventError:
				err := newError(KindTransport, ev.Err)
				r.log.Error("companion: transport error", "err", err)
				s.metrics.RecordProviderError(r.ctx, s.cfg.ProviderName, "transport")
				s.finish(r, StateErrored, err)
				return
			}
		}
	}
}

// handleMessage schedules the audio of msg and then applies an interruption
// carried by the same message.
func (s *Session) handleMessage(r *run, msg *s2s.Message) {
	for _, chunk := range msg.Audio {
		if r.stopping() {
			return
		}
		s.counters.received.Add(1)
		frame, err := audio.DecodeChunk(chunk, r.outFormat)
		if err != nil {
			s.counters.decodeErrors.Add(1)
			s.metrics.RecordChunkReceived(r.ctx, "decode_error")
			r.log.Warn("companion: dropping response chunk", "err", newError(KindDecode, err))
			continue
		}
		if _, err := r.sched.Schedule(frame); err != nil {
			r.log.Debug("companion: schedule", "err", err)
			continue
		}
		s.counters.scheduled.Add(1)
		s.metrics.RecordChunkReceived(r.ctx, "scheduled")
		s.metrics.PlaybackUnits.Add(r.ctx, 1)
	}

	if msg.Interrupted && !r.stopping() {
		n := r.sched.Interrupt()
		s.counters.interruptions.Add(1)
		s.counters.unitsInterrupted.Add(int64(n))
		s.metrics.Interruptions.Add(r.ctx, 1)
		s.metrics.PlaybackUnits.Add(r.ctx, -int64(n))
		r.log.Debug("companion: playback interrupted", "units", n)
	}

	if s.onTranscript != nil {
		if msg.InputTranscript != "" {
			s.onTranscript(Transcript{SessionID: r.id, Role: RoleUser, Text: msg.InputTranscript})
		}
		if msg.OutputTranscript != "" {
			s.onTranscript(Transcript{SessionID: r.id, Role: RoleModel, Text: msg.OutputTranscript})
		}
		if msg.Text != "" {
			s.onTranscript(Transcript{SessionID: r.id, Role: RoleModel, Text: msg.Text})
		}
	}
	if msg.TurnComplete {
		r.log.Debug("companion: turn complete")
	}
}

// ── State ────────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the user-facing status line derived from the state.
func (s *Session) Status() string {
	return s.State().Status()
}

// Err returns the failure that put the session into Errored, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns a consistent view of state and counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     s.state,
		Status:    s.state.Status(),
		SessionID: s.info.id,
		Provider:  s.info.provider,
		Voice:     s.info.voice,
		StartedAt: s.info.startedAt,
		EndedAt:   s.info.endedAt,
		Counters:  s.counters.load(),
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	if s.cur != nil {
		snap.PlaybackActive = s.cur.sched.Active()
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot on every state change,
// starting with the current one. A slow subscriber loses the oldest pending
// snapshot. The returned function unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Session) setState(next State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.lastErr = err
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.mu.Unlock()

	if prev != next {
		s.metrics.RecordTransition(context.Background(), prev.String(), next.String())
		s.log.Debug("companion: state", "from", prev.String(), "to", next.String(), "status", next.Status())
	}
}
