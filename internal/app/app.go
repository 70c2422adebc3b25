// Package app wires the bloomzen subsystems into a running companion.
//
// [New] builds the conversation provider from the config registry, the
// microphone and speaker openers from the audio config and a [Manager]
// around one companion session. Hot-reloaded configuration is applied with
// [App.ApplyConfig]; [App.Close] tears everything down.
//
// For testing, inject collaborators via functional options (WithProvider,
// WithCapture, WithPlayback). When an option is not provided, New builds the
// real implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/bloomzen/internal/companion"
	"github.com/MrWong99/bloomzen/internal/config"
	"github.com/MrWong99/bloomzen/internal/health"
	"github.com/MrWong99/bloomzen/internal/observe"
	"github.com/MrWong99/bloomzen/internal/resilience"
	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/audio/playback"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

// App owns the provider, the audio openers and the session manager.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level, when set, follows server.log_level on reload.
	level *slog.LevelVar

	registry     *config.Registry
	provider     s2s.Provider
	providerName string
	capture      audio.CaptureOpener
	playback     playback.Opener
	metrics      *observe.Metrics
	onTranscript func(companion.Transcript)

	manager *Manager

	mu       sync.Mutex
	persona  s2s.SessionConfig
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a conversation provider instead of building one from
// the registry.
func WithProvider(p s2s.Provider, name string) Option {
	return func(a *App) {
		a.provider = p
		a.providerName = name
	}
}

// WithRegistry sets the provider registry. Defaults to one holding the
// built-in providers.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithCapture injects a microphone opener.
func WithCapture(o audio.CaptureOpener) Option {
	return func(a *App) { a.capture = o }
}

// WithPlayback injects a speaker opener.
func WithPlayback(o playback.Opener) Option {
	return func(a *App) { a.playback = o }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets ApplyConfig change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTranscriptHandler receives the transcripts of every conversation.
func WithTranscriptHandler(fn func(companion.Transcript)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It does not touch any device or network;
// those are acquired when a conversation starts.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.provider == nil {
		if a.registry == nil {
			a.registry = config.NewRegistry()
			RegisterBuiltinProviders(a.registry, a.log)
		}
		p, name, err := BuildProvider(a.registry, cfg, a.log)
		if err != nil {
			return nil, err
		}
		a.provider, a.providerName = p, name
	}
	if a.capture == nil {
		o, err := CaptureOpener(cfg.Audio.Capture)
		if err != nil {
			return nil, err
		}
		a.capture = o
	}
	if a.playback == nil {
		o, err := PlaybackOpener(cfg.Audio.Playback)
		if err != nil {
			return nil, err
		}
		a.playback = o
	}

	a.persona = Persona(cfg.Companion, cfg.Providers.S2S)
	sessOpts := []companion.Option{
		companion.WithLogger(a.log),
		companion.WithMetrics(a.metrics),
		companion.WithQueueDepth(cfg.Companion.QueueDepth),
	}
	if cfg.Companion.MaxDuration > 0 {
		sessOpts = append(sessOpts, companion.WithMaxDuration(cfg.Companion.MaxDuration))
	}
	if a.onTranscript != nil {
		sessOpts = append(sessOpts, companion.WithTranscriptHandler(a.onTranscript))
	}
	sess := companion.New(companion.Config{
		Provider:     a.provider,
		ProviderName: a.providerName,
		Capture:      a.capture,
		Playback:     a.playback,
		Persona:      a.persona,
	}, sessOpts...)

	a.manager = NewManager(ManagerConfig{Session: sess, Logger: a.log})
	a.applyLevel(cfg.Server.LogLevel)
	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *Manager {
	return a.manager
}

// ProviderName returns the label of the conversation provider.
func (a *App) ProviderName() string {
	return a.providerName
}

// Voices lists the voices offered by the primary provider.
func (a *App) Voices() []s2s.Voice {
	return a.provider.Capabilities().Voices
}

// Checkers returns the readiness checks for the control service.
func (a *App) Checkers() []health.Checker {
	a.mu.Lock()
	checks := audioCheckers(a.cfg.Audio)
	a.mu.Unlock()
	if fb, ok := a.provider.(*resilience.TransportFallback); ok {
		checks = append(checks, health.Checker{
			Name: "providers",
			Check: func(context.Context) error {
				for _, name := range fb.Names() {
					if st, _ := fb.BreakerState(name); st != resilience.StateOpen {
						return nil
					}
				}
				return fmt.Errorf("all provider circuits open: %s", strings.Join(fb.Names(), ", "))
			},
		})
	}
	return checks
}

// ApplyConfig applies the hot-reloadable parts of a new configuration. It
// matches the [config.Watcher] callback signature. Persona and voice changes
// take effect with the next conversation; sections that need a restart are
// logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.applyLevel(d.NewLogLevel)
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		a.mu.Lock()
		p := Persona(new.Companion, old.Providers.S2S)
		p.InputFormat, p.OutputFormat = a.persona.InputFormat, a.persona.OutputFormat
		a.persona = p
		a.mu.Unlock()
		a.manager.SetPersona(p)
		a.log.Info("persona updated, applies to the next conversation",
			"voice", p.Voice,
			"instructions_changed", d.InstructionsChanged,
		)
	}
	if d.LimitsChanged {
		a.log.Warn("companion limits changed; restart to apply",
			"queue_depth", new.Companion.QueueDepth,
			"max_duration", new.Companion.MaxDuration,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration sections changed; restart to apply", "sections", d.RestartRequired)
	}
	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// Close stops any conversation. It is idempotent.
func (a *App) Close() error {
	a.stopOnce.Do(func() {
		a.manager.Close()
		a.log.Info("companion shut down")
	})
	return nil
}

func (a *App) applyLevel(l config.LogLevel) {
	if a.level == nil {
		return
	}
	a.level.Set(ParseLevel(l))
}

// ParseLevel maps a config log level to its slog equivalent. Unknown values
// map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
