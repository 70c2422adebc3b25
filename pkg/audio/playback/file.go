package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// closingDevice is a [StreamDevice] that also closes its writer.
type closingDevice struct {
	*StreamDevice

	c         io.Closer
	closeOnce sync.Once
	closeErr  error
}

func (d *closingDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = errors.Join(d.StreamDevice.Close(), d.c.Close())
	})
	return d.closeErr
}

// FileOpener returns an [Opener] that renders each session's timeline, gaps
// included, as raw PCM16 into path. The file is truncated on every open.
func FileOpener(path string, opts ...StreamOption) Opener {
	return func(_ context.Context, f audio.Format) (Device, error) {
		out, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("playback: create %q: %w", path, err)
		}
		opts := append([]StreamOption{WithFormat(f)}, opts...)
		return &closingDevice{StreamDevice: NewStreamDevice(out, opts...), c: out}, nil
	}
}

// DiscardOpener returns an [Opener] whose devices advance in real time but
// throw the audio away.
func DiscardOpener(opts ...StreamOption) Opener {
	return func(_ context.Context, f audio.Format) (Device, error) {
		opts := append([]StreamOption{WithFormat(f)}, opts...)
		return NewStreamDevice(io.Discard, opts...), nil
	}
}
