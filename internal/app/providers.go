package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/bloomzen/internal/config"
	"github.com/MrWong99/bloomzen/internal/resilience"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/gemini"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/genai"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/mock"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/openai"
)

// RegisterBuiltinProviders registers every conversation provider shipped with
// bloomzen under its config name.
func RegisterBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(log.With("provider", e.Name))}
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-genai", func(e config.ProviderEntry) (s2s.Provider, error) {
		opts := []genai.Option{genai.WithLogger(log.With("provider", e.Name))}
		if e.Model != "" {
			opts = append(opts, genai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(e.BaseURL))
		}
		project, location := optString(e.Options, "project"), optString(e.Options, "location")
		if project != "" || location != "" {
			if project == "" || location == "" {
				return nil, fmt.Errorf("gemini-genai: options.project and options.location must be set together")
			}
			opts = append(opts, genai.WithVertexAI(project, location))
		}
		return genai.New(e.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		opts := []openai.Option{openai.WithLogger(log.With("provider", e.Name))}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	// mock accepts audio and never answers. It lets the control service and
	// its clients be exercised without an API key.
	reg.RegisterS2S("mock", func(config.ProviderEntry) (s2s.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// BuildProvider creates the configured conversation provider. When fallbacks
// are configured the result is a [resilience.TransportFallback] trying the
// primary first. The returned name labels metrics and logs.
func BuildProvider(reg *config.Registry, cfg *config.Config, log *slog.Logger) (s2s.Provider, string, error) {
	pc := cfg.Providers
	primary, err := reg.CreateS2S(pc.S2S)
	if err != nil {
		return nil, "", fmt.Errorf("app: create provider %q: %w", pc.S2S.Name, err)
	}
	if len(pc.Fallbacks) == 0 {
		return primary, pc.S2S.Name, nil
	}

	fb := resilience.NewTransportFallback(primary, pc.S2S.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.FailureThreshold,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		},
		Logger: log,
	})
	for _, e := range pc.Fallbacks {
		p, err := reg.CreateS2S(e)
		if err != nil {
			return nil, "", fmt.Errorf("app: create fallback provider %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, p)
	}
	return fb, pc.S2S.Name + "+fallback", nil
}

// Persona maps the companion config onto the initial session configuration.
func Persona(c config.CompanionConfig, entry config.ProviderEntry) s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:        entry.Model,
		Voice:        c.Voice,
		Instructions: c.Instructions,
		Transcribe:   c.Transcribe,
	}
}

// optString extracts a string option from a provider options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
