// Package capture provides [audio.CaptureSource] implementations: a batching
// reader over any PCM16 byte stream, an ffmpeg-backed microphone and a
// resampling adapter for devices that cannot deliver the session format.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture: source closed")

// Compile-time interface assertion.
var _ audio.CaptureSource = (*Reader)(nil)

// Reader batches raw little-endian PCM16 from an [io.Reader] into fixed-size
// frames. A short final batch is padded with silence; the following Read
// returns [io.EOF].
type Reader struct {
	r      io.Reader
	format audio.Format
	batch  int

	realtime bool
	started  time.Time
	emitted  int

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	eof       bool
}

// Option is a functional option for [NewReader].
type Option func(*Reader)

// WithFormat sets the format of the underlying stream. Defaults to
// [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(r *Reader) {
		r.format = f
	}
}

// WithBatchSize sets the number of samples per channel in each batch.
// Defaults to [audio.DefaultBatchSize].
func WithBatchSize(n int) Option {
	return func(r *Reader) {
		r.batch = n
	}
}

// WithRealtime paces Read so that batches are released no faster than they
// would arrive from a live device. Useful when the stream is a file.
func WithRealtime(enabled bool) Option {
	return func(r *Reader) {
		r.realtime = enabled
	}
}

// NewReader wraps src. If src implements [io.Closer] it is closed by
// [Reader.Close].
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		r:      src,
		format: audio.CaptureFormat,
		batch:  audio.DefaultBatchSize,
	}
	for _, o := range opts {
		o(r)
	}
	if r.batch <= 0 {
		r.batch = audio.DefaultBatchSize
	}
	return r
}

// Format implements [audio.CaptureSource].
func (r *Reader) Format() audio.Format {
	return r.format
}

// BatchDuration returns the playback length of one batch.
func (r *Reader) BatchDuration() time.Duration {
	return r.format.Duration(r.batch * r.format.FrameBytes())
}

// Read implements [audio.CaptureSource]. It must not be called concurrently
// with itself.
func (r *Reader) Read(ctx context.Context) (audio.AudioFrame, error) {
	r.mu.Lock()
	closed, eof := r.closed, r.eof
	r.mu.Unlock()
	if closed {
		return audio.AudioFrame{}, ErrClosed
	}
	if eof {
		return audio.AudioFrame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}

	if r.realtime {
		if err := r.pace(ctx); err != nil {
			return audio.AudioFrame{}, err
		}
	}

	buf := make([]byte, r.batch*r.format.FrameBytes())
	n, err := io.ReadFull(r.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Pad the tail with silence so every batch has the same size.
		clear(buf[n-n%r.format.FrameBytes():])
		r.mu.Lock()
		r.eof = true
		r.mu.Unlock()
	case errors.Is(err, io.EOF):
		r.mu.Lock()
		r.eof = true
		r.mu.Unlock()
		return audio.AudioFrame{}, io.EOF
	default:
		r.mu.Lock()
		closed = r.closed
		r.mu.Unlock()
		if closed {
			return audio.AudioFrame{}, ErrClosed
		}
		return audio.AudioFrame{}, fmt.Errorf("capture: read: %w", err)
	}

	frame := audio.AudioFrame{
		Data:       buf,
		SampleRate: r.format.SampleRate,
		Channels:   r.format.Channels,
		Timestamp:  time.Duration(r.emitted) * r.BatchDuration(),
	}
	r.emitted++
	return frame, nil
}

// pace blocks until the wall clock has caught up with the audio already
// emitted.
func (r *Reader) pace(ctx context.Context) error {
	if r.started.IsZero() {
		r.started = time.Now()
		return nil
	}
	due := r.started.Add(time.Duration(r.emitted) * r.BatchDuration())
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close implements [audio.CaptureSource]. It is idempotent.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if c, ok := r.r.(io.Closer); ok {
			r.closeErr = c.Close()
		}
	})
	return r.closeErr
}
