// Package mock provides in-memory implementations of [audio.CaptureSource]
// and [playback.Device] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control behaviour.
//
// Typical usage:
//
//	src := mock.NewCaptureSource(audio.CaptureFormat)
//	src.Push(frame)
//	dev := mock.NewDevice(audio.PlaybackFormat)
//	sched := playback.NewScheduler(dev)
//	dev.Advance(500 * time.Millisecond) // fires ended callbacks
package mock

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/audio/playback"
)

// ─── CaptureSource ────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ audio.CaptureSource = (*CaptureSource)(nil)

// CaptureSource is a mock [audio.CaptureSource] fed by [CaptureSource.Push].
// Read blocks until a frame is pushed, the source is ended or closed, or ctx
// is cancelled.
type CaptureSource struct {
	format audio.Format
	frames chan audio.AudioFrame
	done   chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	endOnce   sync.Once

	// ReadErr, when non-nil, is returned by every Read instead of a frame.
	ReadErr error

	// ReadCalls counts frames successfully returned by Read.
	ReadCalls int

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// NewCaptureSource returns an open source of the given format with room for
// 64 pending frames.
func NewCaptureSource(f audio.Format) *CaptureSource {
	return &CaptureSource{
		format: f,
		frames: make(chan audio.AudioFrame, 64),
		done:   make(chan struct{}),
	}
}

// Push queues a frame for Read. It panics if called after [CaptureSource.End].
func (s *CaptureSource) Push(f audio.AudioFrame) {
	s.frames <- f
}

// End marks the stream as finished; Read returns io.EOF once queued frames
// are drained.
func (s *CaptureSource) End() {
	s.endOnce.Do(func() { close(s.frames) })
}

// Read implements [audio.CaptureSource].
func (s *CaptureSource) Read(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	err := s.ReadErr
	s.mu.Unlock()
	if err != nil {
		return audio.AudioFrame{}, err
	}

	select {
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-s.done:
		return audio.AudioFrame{}, io.ErrClosedPipe
	case f, ok := <-s.frames:
		if !ok {
			return audio.AudioFrame{}, io.EOF
		}
		s.mu.Lock()
		s.ReadCalls++
		s.mu.Unlock()
		return f, nil
	}
}

// Format implements [audio.CaptureSource].
func (s *CaptureSource) Format() audio.Format {
	return s.format
}

// Close implements [audio.CaptureSource].
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *CaptureSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls > 0
}

// Reads returns ReadCalls under the lock.
func (s *CaptureSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadCalls
}

// Opener returns an [audio.CaptureOpener] that always yields s, or err when
// err is non-nil.
func Opener(s *CaptureSource, err error) audio.CaptureOpener {
	return func(context.Context) (audio.CaptureSource, error) {
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ playback.Device = (*Device)(nil)

// StartCall records one [Device.Start] invocation.
type StartCall struct {
	Unit *playback.Unit
	At   time.Duration
}

// Device is a manual-clock [playback.Device]. Time only moves through
// [Device.Advance] and [Device.SetNow]; ended callbacks fire from Advance.
type Device struct {
	format audio.Format

	mu      sync.Mutex
	now     time.Duration
	pending map[uint64]pendingUnit

	// Started records every Start call in order.
	Started []StartCall

	// Stopped records every unit passed to Stop, in order.
	Stopped []*playback.Unit

	// CloseCalls counts calls to Close.
	CloseCalls int
}

type pendingUnit struct {
	unit    *playback.Unit
	end     time.Duration
	onEnded func()
}

// NewDevice returns a device at time zero.
func NewDevice(f audio.Format) *Device {
	return &Device{format: f, pending: make(map[uint64]pendingUnit)}
}

// Now implements [playback.Device].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t without firing callbacks.
func (d *Device) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Advance moves the clock forward by delta and fires, in end-time order, the
// ended callbacks of every unit that finished on or before the new time.
func (d *Device) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	var due []pendingUnit
	for id, p := range d.pending {
		if p.end <= d.now {
			due = append(due, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].end < due[j].end })
	for _, p := range due {
		if p.onEnded != nil {
			p.onEnded()
		}
	}
}

// Start implements [playback.Device].
func (d *Device) Start(u *playback.Unit, at time.Duration, onEnded func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Started = append(d.Started, StartCall{Unit: u, At: at})
	d.pending[u.ID] = pendingUnit{unit: u, end: at + u.Duration, onEnded: onEnded}
}

// Stop implements [playback.Device].
func (d *Device) Stop(u *playback.Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Stopped = append(d.Stopped, u)
	delete(d.pending, u.ID)
}

// Format implements [playback.Device].
func (d *Device) Format() audio.Format {
	return d.format
}

// Close implements [playback.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	clear(d.pending)
	return nil
}

// Starts returns a copy of Started.
func (d *Device) Starts() []StartCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]StartCall(nil), d.Started...)
}

// Stops returns a copy of Stopped.
func (d *Device) Stops() []*playback.Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*playback.Unit(nil), d.Stopped...)
}

// Pending returns the number of units started and neither stopped nor ended.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CloseCount returns CloseCalls under the device lock.
func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCalls
}

// DeviceOpener returns a [playback.Opener] that yields d, or err when err is
// non-nil. The requested format is ignored; d keeps the format it was created
// with.
func DeviceOpener(d *Device, err error) playback.Opener {
	return func(context.Context, audio.Format) (playback.Device, error) {
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
