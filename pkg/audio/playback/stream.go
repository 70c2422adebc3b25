package playback

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// DefaultQuantum is the amount of audio rendered per tick by [StreamDevice].
const DefaultQuantum = 20 * time.Millisecond

// Compile-time interface assertion.
var _ Device = (*StreamDevice)(nil)

// StreamDevice renders the timeline to an [io.Writer] in fixed quanta, paced
// by a ticker. Gaps between units are filled with silence and overlapping
// units are mixed. Now reports the rendered position, so the clock only
// advances while the writer keeps up.
type StreamDevice struct {
	w       io.Writer
	format  audio.Format
	quantum time.Duration

	// ticks drives rendering. When nil a real-time ticker is used.
	ticks <-chan time.Time

	mu      sync.Mutex
	pos     int64 // rendered sample frames
	units   map[uint64]*streamUnit
	closed  bool
	writeOK bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type streamUnit struct {
	unit    *Unit
	start   int64 // first sample frame
	frames  int64
	onEnded func()
}

// StreamOption is a functional option for [NewStreamDevice].
type StreamOption func(*StreamDevice)

// WithFormat sets the rendered format. Defaults to [audio.PlaybackFormat].
func WithFormat(f audio.Format) StreamOption {
	return func(d *StreamDevice) {
		d.format = f
	}
}

// WithQuantum sets the render granularity. Defaults to [DefaultQuantum].
func WithQuantum(q time.Duration) StreamOption {
	return func(d *StreamDevice) {
		d.quantum = q
	}
}

// NewStreamDevice starts rendering to w.
func NewStreamDevice(w io.Writer, opts ...StreamOption) *StreamDevice {
	d := &StreamDevice{
		w:       w,
		format:  audio.PlaybackFormat,
		quantum: DefaultQuantum,
		units:   make(map[uint64]*streamUnit),
		writeOK: true,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.quantum <= 0 {
		d.quantum = DefaultQuantum
	}

	d.wg.Add(1)
	go d.loop()
	return d
}

// Format implements [Device].
func (d *StreamDevice) Format() audio.Format {
	return d.format
}

// Now implements [Device].
func (d *StreamDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.framesToDuration(d.pos)
}

// Start implements [Device].
func (d *StreamDevice) Start(u *Unit, at time.Duration, onEnded func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.units[u.ID] = &streamUnit{
		unit:    u,
		start:   d.durationToFrames(at),
		frames:  int64(u.Frame.Samples()),
		onEnded: onEnded,
	}
}

// Stop implements [Device].
func (d *StreamDevice) Stop(u *Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.units, u.ID)
}

// Close stops rendering and discards any scheduled units. It is idempotent.
func (d *StreamDevice) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		clear(d.units)
		d.mu.Unlock()
		close(d.done)
	})
	d.wg.Wait()
	return nil
}

func (d *StreamDevice) loop() {
	defer d.wg.Done()

	ticks := d.ticks
	if ticks == nil {
		t := time.NewTicker(d.quantum)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-d.done:
			return
		case <-ticks:
			d.render()
		}
	}
}

// render mixes one quantum, writes it and fires the ended callbacks of units
// that finished within it.
func (d *StreamDevice) render() {
	fb := int64(d.format.FrameBytes())
	n := int64(d.format.Bytes(d.quantum)) / fb

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	from, to := d.pos, d.pos+n
	buf := make([]byte, n*fb)
	var ended []func()
	for id, su := range d.units {
		lo := max(from, su.start)
		hi := min(to, su.start+su.frames)
		if lo < hi {
			audio.MixInto(buf[(lo-from)*fb:(hi-from)*fb], su.unit.Frame.Data[(lo-su.start)*fb:(hi-su.start)*fb])
		}
		if su.start+su.frames <= to {
			delete(d.units, id)
			if su.onEnded != nil {
				ended = append(ended, su.onEnded)
			}
		}
	}
	d.pos = to
	d.mu.Unlock()

	if _, err := d.w.Write(buf); err != nil {
		d.mu.Lock()
		warn := d.writeOK
		d.writeOK = false
		d.mu.Unlock()
		if warn {
			slog.Warn("playback: output write failed, rendering to nowhere", "err", err)
		}
	}

	for _, fn := range ended {
		fn()
	}
}

func (d *StreamDevice) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(d.format.SampleRate)
}

func (d *StreamDevice) durationToFrames(t time.Duration) int64 {
	return int64(t) * int64(d.format.SampleRate) / int64(time.Second)
}
