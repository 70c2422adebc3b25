// Package audio defines the PCM data model shared by the capture path, the
// conversation transports and the playback scheduler.
//
// All sample data is signed 16-bit little-endian PCM. A [Format] (sample rate
// and channel count) is fixed for the lifetime of a session once negotiated:
// the capture side uses [CaptureFormat] and response audio uses
// [PlaybackFormat] unless the transport declares something else.
//
// This package lives under pkg/ because transports and capture devices
// outside this repository are expected to produce and consume these types.
package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2

	// DefaultBatchSize is the number of samples per channel in one capture
	// batch. 4096 samples at 16 kHz is 256 ms of audio.
	DefaultBatchSize = 4096
)

var (
	// CaptureFormat is the microphone format expected by the conversation
	// services: 16 kHz mono.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format of synthesised response audio: 24 kHz mono.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// ErrPermissionDenied is wrapped by capture openers when the input device
// cannot be acquired (missing binary, denied access, no device).
var ErrPermissionDenied = errors.New("audio: capture device unavailable")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FrameBytes is the size in bytes of one sample frame (all channels).
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// Duration returns the playback length of n bytes of PCM16 data in f.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / f.FrameBytes()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the number of PCM16 bytes that cover d in f, rounded down to
// a whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	frames := int(d * time.Duration(f.SampleRate) / time.Second)
	return frames * f.FrameBytes()
}

// AudioFrame is one batch of PCM16 audio. On the capture path every frame of a
// session carries the same number of samples; response frames vary in length.
type AudioFrame struct {
	// Data is interleaved little-endian PCM16.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	fb := f.Format().FrameBytes()
	if fb == 0 {
		return 0
	}
	return len(f.Data) / fb
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Validate checks that the PCM payload is aligned to whole sample frames.
func (f AudioFrame) Validate() error {
	if !f.Format().Valid() {
		return fmt.Errorf("audio: invalid format %d Hz / %d ch", f.SampleRate, f.Channels)
	}
	if len(f.Data)%f.Format().FrameBytes() != 0 {
		return fmt.Errorf("audio: %d bytes is not a multiple of the %d-byte frame size", len(f.Data), f.Format().FrameBytes())
	}
	return nil
}
