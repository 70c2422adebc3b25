package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Samples() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := b.buf.Bytes()
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// newTestDevice returns a 1 kHz mono device with a 10 ms quantum (10 samples
// per tick) driven by the returned channel.
func newTestDevice(t *testing.T) (*StreamDevice, *syncBuffer, chan time.Time) {
	t.Helper()
	ticks := make(chan time.Time)
	out := &syncBuffer{}
	d := NewStreamDevice(out,
		WithFormat(audio.Format{SampleRate: 1000, Channels: 1}),
		WithQuantum(10*time.Millisecond),
		func(d *StreamDevice) { d.ticks = ticks },
	)
	t.Cleanup(func() { _ = d.Close() })
	return d, out, ticks
}

func constant(v int16, n int) audio.AudioFrame {
	data := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.AudioFrame{Data: data, SampleRate: 1000, Channels: 1}
}

func TestStreamDevice_RendersSilenceAndUnits(t *testing.T) {
	t.Parallel()
	d, out, ticks := newTestDevice(t)

	ended := make(chan uint64, 4)
	u := &Unit{ID: 1, Frame: constant(100, 15), Duration: 15 * time.Millisecond}
	d.Start(u, 5*time.Millisecond, func() { ended <- u.ID })

	for range 3 {
		ticks <- time.Time{}
	}
	select {
	case id := <-ended:
		if id != 1 {
			t.Errorf("ended id = %d, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("onEnded not called")
	}
	_ = d.Close()

	got := out.Samples()
	if len(got) != 30 {
		t.Fatalf("rendered %d samples, want 30", len(got))
	}
	for i, v := range got {
		want := int16(0)
		if i >= 5 && i < 20 {
			want = 100
		}
		if v != want {
			t.Errorf("sample %d = %d, want %d", i, v, want)
		}
	}
	if now := d.Now(); now != 30*time.Millisecond {
		t.Errorf("Now() = %v, want 30ms", now)
	}
}

func TestStreamDevice_MixesOverlap(t *testing.T) {
	t.Parallel()
	d, out, ticks := newTestDevice(t)

	d.Start(&Unit{ID: 1, Frame: constant(100, 10)}, 0, nil)
	d.Start(&Unit{ID: 2, Frame: constant(50, 10)}, 0, nil)
	ticks <- time.Time{}
	_ = d.Close()

	for i, v := range out.Samples() {
		if v != 150 {
			t.Fatalf("sample %d = %d, want 150", i, v)
		}
	}
}

func TestStreamDevice_StopSilencesWithoutCallback(t *testing.T) {
	t.Parallel()
	d, out, ticks := newTestDevice(t)

	called := make(chan struct{}, 1)
	u := &Unit{ID: 7, Frame: constant(300, 30)}
	d.Start(u, 0, func() { called <- struct{}{} })
	ticks <- time.Time{}
	d.Stop(u)
	ticks <- time.Time{}
	ticks <- time.Time{}
	_ = d.Close()

	got := out.Samples()
	if len(got) != 30 {
		t.Fatalf("rendered %d samples, want 30", len(got))
	}
	for i := 10; i < 30; i++ {
		if got[i] != 0 {
			t.Fatalf("sample %d = %d after Stop, want 0", i, got[i])
		}
	}
	select {
	case <-called:
		t.Error("onEnded called for a stopped unit")
	default:
	}
}

func TestStreamDevice_WithScheduler(t *testing.T) {
	t.Parallel()
	d, _, ticks := newTestDevice(t)
	s := NewScheduler(d)

	for range 2 {
		if _, err := s.Schedule(constant(1, 10)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if w := s.Watermark(); w != 20*time.Millisecond {
		t.Fatalf("Watermark() = %v, want 20ms", w)
	}
	ticks <- time.Time{}
	ticks <- time.Time{}
	// A third tick guarantees the second tick's callbacks have run.
	ticks <- time.Time{}
	if got := s.Active(); got != 0 {
		t.Errorf("Active() = %d after playback, want 0", got)
	}
}

func TestStreamDevice_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDevice(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	d.Start(&Unit{ID: 1, Frame: constant(1, 10)}, 0, nil)
	if len(d.units) != 0 {
		t.Error("Start after Close registered a unit")
	}
}

func TestFFplayArgs(t *testing.T) {
	t.Parallel()
	joined := strings.Join(ffplayArgs(audio.PlaybackFormat), " ")
	for _, want := range []string{"-f s16le", "-ar 24000", "-ac 1", "-i pipe:0", "-nodisp"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestFileOpener_CreatesAndClosesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.pcm")
	f := audio.Format{SampleRate: 8000, Channels: 1}

	dev, err := FileOpener(path, WithQuantum(5*time.Millisecond))(context.Background(), f)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if dev.Format() != f {
		t.Errorf("Format() = %s, want %s", dev.Format(), f)
	}
	time.Sleep(30 * time.Millisecond)
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size()%audio.BytesPerSample != 0 {
		t.Errorf("file size %d is not sample aligned", info.Size())
	}
}

func TestFileOpener_BadPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing-dir", "out.pcm")
	if _, err := FileOpener(path)(context.Background(), audio.PlaybackFormat); err == nil {
		t.Fatal("expected error for an uncreatable file")
	}
}

func TestDiscardOpener_UsesRequestedFormat(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 2}
	dev, err := DiscardOpener()(context.Background(), f)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()
	if dev.Format() != f {
		t.Errorf("Format() = %s, want %s", dev.Format(), f)
	}
}
