package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; anything that requires a
// new provider sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the companion's name, instructions, voice
	// or transcription flag differ. The new persona applies to the next
	// conversation; an active one keeps its settings.
	PersonaChanged      bool
	InstructionsChanged bool
	VoiceChanged        bool

	// LimitsChanged is true when the queue depth or maximum duration differ.
	LimitsChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after the process restarts (providers, audio backends, listen address).
	RestartRequired []string
}

// Empty reports whether d describes no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.LimitsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Companion, new.Companion
	d.InstructionsChanged = oc.Instructions != nc.Instructions
	d.VoiceChanged = oc.Voice != nc.Voice
	d.PersonaChanged = d.InstructionsChanged || d.VoiceChanged ||
		oc.Name != nc.Name || oc.Transcribe != nc.Transcribe
	d.LimitsChanged = oc.QueueDepth != nc.QueueDepth || oc.MaxDuration != nc.MaxDuration

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.S2S, b.S2S) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields of two entries. Options are compared
// by key count and formatted value.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
