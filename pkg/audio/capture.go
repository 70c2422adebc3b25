package audio

import "context"

// CaptureSource produces fixed-size PCM batches from an input device.
//
// Implementations must be safe for a single reader goroutine plus concurrent
// calls to Close. Close unblocks a pending Read, which then returns an error.
type CaptureSource interface {
	// Read blocks until the next batch is available. Every batch of a
	// source carries the same number of samples. Read returns io.EOF when
	// the underlying stream ends and ctx.Err() when ctx is cancelled.
	Read(ctx context.Context) (AudioFrame, error)

	// Format reports the format of every batch returned by Read.
	Format() Format

	// Close releases the device. It is idempotent.
	Close() error
}

// CaptureOpener acquires a capture device. Failures to acquire the device
// should wrap [ErrPermissionDenied].
type CaptureOpener func(ctx context.Context) (CaptureSource, error)
