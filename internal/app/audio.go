package app

import (
	"context"
	"fmt"
	"os"

	"github.com/MrWong99/bloomzen/internal/config"
	"github.com/MrWong99/bloomzen/internal/health"
	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/audio/capture"
	"github.com/MrWong99/bloomzen/pkg/audio/playback"
)

// CaptureOpener returns the microphone opener selected by c.
func CaptureOpener(c config.CaptureConfig) (audio.CaptureOpener, error) {
	format := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if !format.Valid() {
		format = audio.CaptureFormat
	}
	if c.BatchSize <= 0 {
		c.BatchSize = audio.DefaultBatchSize
	}
	switch c.Backend {
	case config.CaptureFFmpeg, "":
		opts := []capture.FFmpegOption{
			capture.WithCaptureFormat(format),
			capture.WithFFmpegBatchSize(c.BatchSize),
		}
		if c.Binary != "" {
			opts = append(opts, capture.WithBinary(c.Binary))
		}
		if c.InputFormat != "" || c.Device != "" {
			opts = append(opts, capture.WithDevice(c.InputFormat, c.Device))
		}
		return capture.FFmpegOpener(opts...), nil

	case config.CaptureFile:
		path := c.File
		return func(context.Context) (audio.CaptureSource, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("capture: %w: %v", audio.ErrPermissionDenied, err)
			}
			return capture.NewReader(f,
				capture.WithFormat(format),
				capture.WithBatchSize(c.BatchSize),
				capture.WithRealtime(true),
			), nil
		}, nil
	}
	return nil, fmt.Errorf("app: unknown capture backend %q", c.Backend)
}

// PlaybackOpener returns the speaker opener selected by c.
func PlaybackOpener(c config.PlaybackConfig) (playback.Opener, error) {
	switch c.Backend {
	case config.PlaybackFFplay, "":
		return playback.FFplayOpener(c.Binary), nil
	case config.PlaybackFile:
		return playback.FileOpener(c.File), nil
	case config.PlaybackDiscard:
		return playback.DiscardOpener(), nil
	}
	return nil, fmt.Errorf("app: unknown playback backend %q", c.Backend)
}

// audioCheckers returns readiness checks for the external binaries the
// configured backends need.
func audioCheckers(c config.AudioConfig) []health.Checker {
	var checks []health.Checker
	if c.Capture.Backend == config.CaptureFFmpeg {
		checks = append(checks, health.BinaryCheck("capture", orDefault(c.Capture.Binary, "ffmpeg")))
	}
	if c.Playback.Backend == config.PlaybackFFplay {
		checks = append(checks, health.BinaryCheck("playback", orDefault(c.Playback.Binary, "ffplay")))
	}
	return checks
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
