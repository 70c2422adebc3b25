package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

var (
	// ErrClosed is returned by [Scheduler.Schedule] after Close.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrEmptyFrame is returned for frames without any samples.
	ErrEmptyFrame = errors.New("playback: empty frame")
)

// Scheduler places frames on a [Device] timeline back to back.
//
// Schedule, Interrupt and the ended callbacks are serialised by one mutex, so
// a watermark computed before an interruption is never applied after it.
type Scheduler struct {
	dev  Device
	conv audio.FormatConverter

	mu     sync.Mutex
	next   time.Duration
	active map[uint64]*Unit
	seq    uint64
	closed  bool
	onIdle  func()
	onEnded func(*Unit)
}

// SchedulerOption is a functional option for [NewScheduler].
type SchedulerOption func(*Scheduler)

// WithOnIdle registers fn to be called whenever the active set becomes empty
// because the last unit finished playing. It is not called on Interrupt.
func WithOnIdle(fn func()) SchedulerOption {
	return func(s *Scheduler) {
		s.onIdle = fn
	}
}

// WithOnEnded registers fn to be called with every unit that finishes
// playing naturally. Units removed by Interrupt or Close are not reported.
func WithOnEnded(fn func(*Unit)) SchedulerOption {
	return func(s *Scheduler) {
		s.onEnded = fn
	}
}

// NewScheduler returns a scheduler rendering to dev. Frames in a different
// format from the device are converted before scheduling.
func NewScheduler(dev Device, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		dev:    dev,
		conv:   audio.FormatConverter{Target: dev.Format()},
		active: make(map[uint64]*Unit),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues frame to start at max(watermark, device now) and advances
// the watermark by the frame's duration.
func (s *Scheduler) Schedule(frame audio.AudioFrame) (*Unit, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("playback: schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	frame = s.conv.Convert(frame)
	d := frame.Duration()
	if d <= 0 {
		return nil, ErrEmptyFrame
	}

	start := max(s.next, s.dev.Now())
	s.seq++
	u := &Unit{ID: s.seq, Frame: frame, Start: start, Duration: d}
	s.next = start + d
	s.active[u.ID] = u
	s.dev.Start(u, start, func() { s.ended(u) })
	return u, nil
}

// ended removes u from the active set. Units already cleared by Interrupt are
// ignored.
func (s *Scheduler) ended(u *Unit) {
	s.mu.Lock()
	if _, ok := s.active[u.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, u.ID)
	idle := len(s.active) == 0 && !s.closed
	onIdle, onEnded := s.onIdle, s.onEnded
	s.mu.Unlock()

	if onEnded != nil {
		onEnded(u)
	}
	if idle && onIdle != nil {
		onIdle()
	}
}

// Interrupt stops every active unit, clears the active set and resets the
// watermark to zero so the next frame starts at the current device time. It
// returns the number of units stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptLocked()
}

func (s *Scheduler) interruptLocked() int {
	n := len(s.active)
	for id, u := range s.active {
		s.dev.Stop(u)
		delete(s.active, id)
	}
	s.next = 0
	return n
}

// Active returns the number of units scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Watermark returns the time at which the next frame would start if the
// device clock has not passed it.
func (s *Scheduler) Watermark() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops all units and rejects further scheduling. It does not close
// the device. Close is idempotent.
func (s *Scheduler) Close() error {
	s.Shutdown()
	return nil
}

// Shutdown is Close reporting how many units were still active. Only the
// first call can return a non-zero count.
func (s *Scheduler) Shutdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := s.interruptLocked()
	s.closed = true
	return n
}
