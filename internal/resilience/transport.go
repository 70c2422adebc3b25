package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

// ErrFormatMismatch is returned for a fallback whose audio formats differ
// from those the session was negotiated with. It does not count against the
// provider's breaker.
var ErrFormatMismatch = errors.New("resilience: provider audio format mismatch")

// TransportFallback is an [s2s.Provider] that connects through the first
// healthy provider of a [FallbackGroup]. Failover happens only while
// connecting; an established conversation is never moved to another
// provider.
type TransportFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*TransportFallback)(nil)

// NewTransportFallback creates a [TransportFallback] with primary as the
// preferred provider.
func NewTransportFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *TransportFallback {
	isFailure := cfg.CircuitBreaker.IsFailure
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		// Cancellation by the caller and skipped entries are not the
		// provider's fault.
		if errors.Is(err, ErrFormatMismatch) || errors.Is(err, context.Canceled) {
			return false
		}
		if isFailure != nil {
			return isFailure(err)
		}
		return true
	}
	return &TransportFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional provider.
func (f *TransportFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the provider names in try order.
func (f *TransportFallback) Names() []string {
	return f.group.Names()
}

// BreakerState reports the breaker state of the named provider.
func (f *TransportFallback) BreakerState(name string) (State, bool) {
	return f.group.BreakerState(name)
}

// Capabilities returns the primary provider's capabilities. Sessions are
// negotiated in the primary's formats.
func (f *TransportFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// Connect tries each provider in order. A provider whose formats differ from
// cfg's is skipped; a voice it does not offer is replaced by its first voice.
func (f *TransportFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	return ExecuteWithResult(f.group, func(name string, p s2s.Provider) (s2s.SessionHandle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		caps := p.Capabilities()
		if !formatsMatch(caps, cfg) {
			return nil, fmt.Errorf("%w: %s speaks %s/%s, session needs %s/%s", ErrFormatMismatch,
				name, caps.InputFormat, caps.OutputFormat, cfg.InputFormat, cfg.OutputFormat)
		}
		return p.Connect(ctx, adaptVoice(cfg, caps))
	})
}

func formatsMatch(caps s2s.Capabilities, cfg s2s.SessionConfig) bool {
	if caps.InputFormat.Valid() && caps.InputFormat != cfg.InputFormat {
		return false
	}
	if caps.OutputFormat.Valid() && caps.OutputFormat != cfg.OutputFormat {
		return false
	}
	return true
}

func adaptVoice(cfg s2s.SessionConfig, caps s2s.Capabilities) s2s.SessionConfig {
	if cfg.Voice == "" || len(caps.Voices) == 0 {
		return cfg
	}
	if slices.ContainsFunc(caps.Voices, func(v s2s.Voice) bool { return v.ID == cfg.Voice }) {
		return cfg
	}
	cfg.Voice = caps.Voices[0].ID
	return cfg
}
