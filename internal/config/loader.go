package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultListenAddr       = "127.0.0.1:8090"
	DefaultProvider         = "gemini-live"
	DefaultCompanionName    = "Bloom Zen"
	DefaultVoice            = "Kore"
	DefaultQueueDepth       = 32
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second

	DefaultInstructions = "You are Bloom Zen, a gentle mindfulness companion. Speak very calmly. " +
		"Help the user with a 1-minute breathing exercise or provide soft emotional support " +
		"based on their mood. Keep responses brief and meditative."
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "gemini-genai", "openai-realtime", "mock"},
}

// envRef matches ${VAR} references expanded by [LoadFromReader].
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, fills defaults and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} with the value of the environment variable VAR.
// Unset variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultProvider
	}

	c := &cfg.Companion
	if c.Name == "" {
		c.Name = DefaultCompanionName
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}

	capt := &cfg.Audio.Capture
	if capt.Backend == "" {
		capt.Backend = CaptureFFmpeg
	}
	if capt.SampleRate == 0 {
		capt.SampleRate = 16000
	}
	if capt.Channels == 0 {
		capt.Channels = 1
	}
	if capt.BatchSize == 0 {
		capt.BatchSize = 4096
	}
	if cfg.Audio.Playback.Backend == "" {
		cfg.Audio.Playback.Backend = PlaybackFFplay
	}

	if cfg.Resilience.FailureThreshold == 0 {
		cfg.Resilience.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	seen := map[string]string{cfg.Providers.S2S.Name: "providers.s2s"}
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		validateProviderName("s2s", fb.Name)
	}

	// Companion
	if cfg.Companion.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("companion.queue_depth %d must not be negative", cfg.Companion.QueueDepth))
	}
	if cfg.Companion.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("companion.max_duration %s must not be negative", cfg.Companion.MaxDuration))
	}

	// Audio
	capt := cfg.Audio.Capture
	if capt.Backend != "" && !capt.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture.backend %q is invalid; valid values: ffmpeg, file", capt.Backend))
	}
	if capt.Backend == CaptureFile && capt.File == "" {
		errs = append(errs, errors.New("audio.capture.file is required when backend is file"))
	}
	if capt.SampleRate < 0 || capt.Channels < 0 || capt.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.capture format %d Hz / %d ch is invalid", capt.SampleRate, capt.Channels))
	}
	if capt.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.batch_size %d must not be negative", capt.BatchSize))
	}
	pb := cfg.Audio.Playback
	if pb.Backend != "" && !pb.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback.backend %q is invalid; valid values: ffplay, file, discard", pb.Backend))
	}
	if pb.Backend == PlaybackFile && pb.File == "" {
		errs = append(errs, errors.New("audio.playback.file is required when backend is file"))
	}

	// Resilience
	if cfg.Resilience.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.failure_threshold %d must not be negative", cfg.Resilience.FailureThreshold))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
