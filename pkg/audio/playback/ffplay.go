package playback

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// Compile-time interface assertion.
var _ Device = (*FFplay)(nil)

// FFplay is a [StreamDevice] whose output is piped into an ffplay process.
type FFplay struct {
	*StreamDevice

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closeOnce sync.Once
}

// NewFFplay starts ffplay reading raw s16le in format f from its stdin. An
// empty binary means "ffplay" looked up in PATH. The process is bound to ctx.
func NewFFplay(ctx context.Context, binary string, f audio.Format, opts ...StreamOption) (*FFplay, error) {
	if binary == "" {
		binary = "ffplay"
	}
	bin, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("playback: %s not found in PATH: %w", binary, err)
	}
	cmd := exec.CommandContext(ctx, bin, ffplayArgs(f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("playback: start ffplay: %w", err)
	}

	opts = append([]StreamOption{WithFormat(f)}, opts...)
	return &FFplay{
		StreamDevice: NewStreamDevice(stdin, opts...),
		cmd:          cmd,
		stdin:        stdin,
	}, nil
}

// FFplayOpener returns an [Opener] that calls [NewFFplay].
func FFplayOpener(binary string, opts ...StreamOption) Opener {
	return func(ctx context.Context, f audio.Format) (Device, error) {
		return NewFFplay(ctx, binary, f, opts...)
	}
}

// Close stops rendering and terminates ffplay. It is idempotent.
func (p *FFplay) Close() error {
	p.closeOnce.Do(func() {
		_ = p.StreamDevice.Close()
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

func ffplayArgs(f audio.Format) []string {
	return []string{
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}
}

