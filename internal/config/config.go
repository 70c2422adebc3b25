// Package config provides the configuration schema, loader, and provider
// registry for the bloomzen voice companion.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CaptureBackend selects where microphone audio comes from.
type CaptureBackend string

const (
	// CaptureFFmpeg records the default input device through ffmpeg.
	CaptureFFmpeg CaptureBackend = "ffmpeg"

	// CaptureFile streams raw PCM16 from a file, paced in real time.
	CaptureFile CaptureBackend = "file"
)

// IsValid reports whether b is a recognised capture backend.
func (b CaptureBackend) IsValid() bool {
	return b == CaptureFFmpeg || b == CaptureFile
}

// PlaybackBackend selects where response audio is rendered.
type PlaybackBackend string

const (
	// PlaybackFFplay pipes audio into an ffplay process.
	PlaybackFFplay PlaybackBackend = "ffplay"

	// PlaybackFile writes the rendered timeline to a raw PCM16 file.
	PlaybackFile PlaybackBackend = "file"

	// PlaybackDiscard renders in real time and throws the audio away.
	PlaybackDiscard PlaybackBackend = "discard"
)

// IsValid reports whether b is a recognised playback backend.
func (b PlaybackBackend) IsValid() bool {
	switch b {
	case PlaybackFFplay, PlaybackFile, PlaybackDiscard:
		return true
	}
	return false
}

// Config is the root configuration structure for bloomzen.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Companion  CompanionConfig  `yaml:"companion"`
	Audio      AudioConfig      `yaml:"audio"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on
	// (e.g., "127.0.0.1:8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the conversation service. Fallbacks are tried in
// order when the primary refuses a connection.
type ProvidersConfig struct {
	S2S       ProviderEntry   `yaml:"s2s"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one provider. The Name field
// is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g.,
	// "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Values of the
	// form ${VAR} are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above (e.g. "project" and "location" for Vertex AI).
	Options map[string]any `yaml:"options"`
}

// CompanionConfig describes the persona and runtime limits of the live
// companion.
type CompanionConfig struct {
	// Name is the companion's display name.
	Name string `yaml:"name"`

	// Instructions is the system instruction that defines the persona.
	Instructions string `yaml:"instructions"`

	// Voice is the provider's prebuilt voice ID (e.g., "Kore").
	Voice string `yaml:"voice"`

	// Transcribe asks the service for transcripts of both sides.
	Transcribe bool `yaml:"transcribe"`

	// QueueDepth is the number of capture batches buffered for sending.
	QueueDepth int `yaml:"queue_depth"`

	// MaxDuration ends a conversation after this long. Zero uses the
	// provider's limit.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// AudioConfig selects the local audio backends.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// Backend selects the capture implementation. Default: ffmpeg.
	Backend CaptureBackend `yaml:"backend"`

	// Binary overrides the ffmpeg executable.
	Binary string `yaml:"binary"`

	// InputFormat and Device are passed to ffmpeg as -f and -i. Empty uses
	// the platform default.
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`

	// File is the raw PCM16 input for the file backend.
	File string `yaml:"file"`

	// SampleRate and Channels describe what the device or file delivers.
	// Audio in another format is converted before sending. Default: 16000/1.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// BatchSize is the number of samples per channel in one capture batch.
	BatchSize int `yaml:"batch_size"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// Backend selects the playback implementation. Default: ffplay.
	Backend PlaybackBackend `yaml:"backend"`

	// Binary overrides the ffplay executable.
	Binary string `yaml:"binary"`

	// File is the output path for the file backend.
	File string `yaml:"file"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	// FailureThreshold is the number of consecutive connect failures that
	// open a provider's circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long an open circuit waits before a probe.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
