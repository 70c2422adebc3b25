package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureSource = (*FFmpeg)(nil)

// stderrLimit caps how much ffmpeg diagnostic output is retained for error
// messages.
const stderrLimit = 4096

// FFmpeg captures the default input device by running ffmpeg and reading raw
// s16le from its stdout.
type FFmpeg struct {
	*Reader

	cmd    *exec.Cmd
	stderr *tailBuffer

	gotAudio  bool
	closeOnce sync.Once
}

// FFmpegOption is a functional option for [NewFFmpeg].
type FFmpegOption func(*ffmpegConfig)

type ffmpegConfig struct {
	binary      string
	inputFormat string
	device      string
	format      audio.Format
	batch       int
	goos        string
}

// WithBinary overrides the ffmpeg executable. Defaults to "ffmpeg" looked up
// in PATH.
func WithBinary(path string) FFmpegOption {
	return func(c *ffmpegConfig) {
		c.binary = path
	}
}

// WithDevice selects the ffmpeg input format and device, e.g. ("alsa", "hw:1")
// or ("avfoundation", ":1"). Empty values keep the platform default.
func WithDevice(inputFormat, device string) FFmpegOption {
	return func(c *ffmpegConfig) {
		c.inputFormat = inputFormat
		c.device = device
	}
}

// WithCaptureFormat sets the format ffmpeg converts the device to. Defaults
// to [audio.CaptureFormat].
func WithCaptureFormat(f audio.Format) FFmpegOption {
	return func(c *ffmpegConfig) {
		c.format = f
	}
}

// WithFFmpegBatchSize sets the number of samples per channel per batch.
func WithFFmpegBatchSize(n int) FFmpegOption {
	return func(c *ffmpegConfig) {
		c.batch = n
	}
}

// NewFFmpeg starts ffmpeg on the default (or configured) input device. A
// missing binary or an unsupported platform yields an error wrapping
// [audio.ErrPermissionDenied]. The process is bound to ctx.
func NewFFmpeg(ctx context.Context, opts ...FFmpegOption) (*FFmpeg, error) {
	cfg := ffmpegConfig{
		binary: "ffmpeg",
		format: audio.CaptureFormat,
		batch:  audio.DefaultBatchSize,
		goos:   runtime.GOOS,
	}
	for _, o := range opts {
		o(&cfg)
	}

	bin, err := exec.LookPath(cfg.binary)
	if err != nil {
		return nil, fmt.Errorf("capture: %w: %s not found in PATH", audio.ErrPermissionDenied, cfg.binary)
	}
	args, err := ffmpegArgs(cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: open ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: %w: start ffmpeg: %v", audio.ErrPermissionDenied, err)
	}

	return &FFmpeg{
		Reader: NewReader(stdout, WithFormat(cfg.format), WithBatchSize(cfg.batch)),
		cmd:    cmd,
		stderr: stderr,
	}, nil
}

// FFmpegOpener returns an [audio.CaptureOpener] that calls [NewFFmpeg].
func FFmpegOpener(opts ...FFmpegOption) audio.CaptureOpener {
	return func(ctx context.Context) (audio.CaptureSource, error) {
		return NewFFmpeg(ctx, opts...)
	}
}

// Read implements [audio.CaptureSource]. If ffmpeg exits before producing any
// audio the device was refused, which is reported as
// [audio.ErrPermissionDenied] together with ffmpeg's diagnostics.
func (f *FFmpeg) Read(ctx context.Context) (audio.AudioFrame, error) {
	frame, err := f.Reader.Read(ctx)
	if err == nil {
		f.gotAudio = true
		return frame, nil
	}
	if errors.Is(err, io.EOF) && !f.gotAudio {
		return audio.AudioFrame{}, fmt.Errorf("capture: %w: ffmpeg produced no audio: %s",
			audio.ErrPermissionDenied, strings.TrimSpace(f.stderr.String()))
	}
	return audio.AudioFrame{}, err
}

// Close stops ffmpeg and releases the device. It is idempotent.
func (f *FFmpeg) Close() error {
	f.closeOnce.Do(func() {
		_ = f.Reader.Close()
		if f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
		}
		_ = f.cmd.Wait()
	})
	return nil
}

// ffmpegArgs builds the command line for cfg. Only linux (PulseAudio) and
// darwin (AVFoundation) have defaults; other platforms need [WithDevice].
func ffmpegArgs(cfg ffmpegConfig) ([]string, error) {
	input, device := cfg.inputFormat, cfg.device
	if input == "" {
		switch cfg.goos {
		case "linux":
			input = "pulse"
		case "darwin":
			input = "avfoundation"
		default:
			return nil, fmt.Errorf("capture: %w: no default input device on %s", audio.ErrPermissionDenied, cfg.goos)
		}
	}
	if device == "" {
		device = "default"
		if input == "avfoundation" {
			device = ":0"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", input, "-i", device,
		"-ac", strconv.Itoa(cfg.format.Channels),
		"-ar", strconv.Itoa(cfg.format.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
