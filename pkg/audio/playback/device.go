// Package playback schedules decoded response audio on an output timeline.
//
// The [Device] owns the clock and renders audio; the [Scheduler] decides when
// each chunk starts. Chunks are laid end to end: each starts at the later of
// the current clock time and the end of the previously scheduled chunk, so
// gapless playback survives jittery network delivery. An interruption stops
// everything that is queued and resets the timeline.
package playback

import (
	"context"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// Unit is one scheduled piece of response audio.
type Unit struct {
	// ID is unique within a [Scheduler].
	ID uint64

	// Frame is the audio rendered by the unit, already in device format.
	Frame audio.AudioFrame

	// Start is the device time at which the first sample plays.
	Start time.Duration

	// Duration is the playback length of Frame.
	Duration time.Duration
}

// End returns the device time just after the last sample plays.
func (u *Unit) End() time.Duration {
	return u.Start + u.Duration
}

// Device is an output timeline with a monotonically advancing clock.
//
// Implementations must invoke onEnded at most once per unit, from their own
// goroutine, without holding internal locks. Stop must not invoke onEnded.
type Device interface {
	// Now returns the current playback position.
	Now() time.Duration

	// Start schedules u to begin at device time at. onEnded is called once
	// the unit has finished playing naturally.
	Start(u *Unit, at time.Duration, onEnded func())

	// Stop silences u immediately, whether it is pending or playing.
	Stop(u *Unit)

	// Format reports the PCM format rendered by the device.
	Format() audio.Format

	// Close releases the output. Units still scheduled are discarded.
	Close() error
}

// Opener acquires an output device rendering format f. Each live session
// opens its own device and closes it when the session ends.
type Opener func(ctx context.Context, f audio.Format) (Device, error)
