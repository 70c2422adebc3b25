package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/bloomzen/internal/config"
)

// printStartupSummary writes a boxed overview of cfg.
func printStartupSummary(w io.Writer, cfg *config.Config, listen bool) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       Bloom Zen · startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Companion", cfg.Companion.Name)
	printRow(w, "Provider", providerLabel(cfg.Providers.S2S))
	if len(cfg.Providers.Fallbacks) > 0 {
		names := make([]string, len(cfg.Providers.Fallbacks))
		for i, e := range cfg.Providers.Fallbacks {
			names[i] = e.Name
		}
		printRow(w, "Fallbacks", strings.Join(names, ", "))
	}
	printRow(w, "Voice", cfg.Companion.Voice)
	printRow(w, "Microphone", string(cfg.Audio.Capture.Backend))
	printRow(w, "Speaker", string(cfg.Audio.Playback.Backend))
	if cfg.Companion.MaxDuration > 0 {
		printRow(w, "Max duration", cfg.Companion.MaxDuration.String())
	}
	if listen {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(w io.Writer, key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s   : %-19s ║\n", key, value)
}
