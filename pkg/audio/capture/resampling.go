package capture

import (
	"context"
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureSource = (*Resampler)(nil)

// Resampler adapts a source to a different format. Channel reduction happens
// before rate conversion; output is re-batched to a fixed number of samples
// per channel.
type Resampler struct {
	src    audio.CaptureSource
	target audio.Format
	batch  int

	rs      resampling.Resampler
	pending []byte
	emitted int

	mu     sync.Mutex
	closed bool
}

// Resampling wraps src so that it yields frames in target format with batch
// samples per channel. When src already matches target it is returned as is.
func Resampling(src audio.CaptureSource, target audio.Format, batch int) (audio.CaptureSource, error) {
	from := src.Format()
	if from == target {
		return src, nil
	}
	if !target.Valid() {
		return nil, fmt.Errorf("capture: resampling: invalid target format %s", target)
	}
	if from.Channels != target.Channels && target.Channels != 1 && from.Channels != 1 {
		return nil, fmt.Errorf("capture: resampling: cannot map %d channels to %d", from.Channels, target.Channels)
	}
	if batch <= 0 {
		batch = audio.DefaultBatchSize
	}

	r := &Resampler{src: src, target: target, batch: batch}
	if from.SampleRate != target.SampleRate {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(from.SampleRate),
			OutputRate: float64(target.SampleRate),
			Channels:   target.Channels,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("capture: resampling: %w", err)
		}
		r.rs = rs
	}
	return r, nil
}

// Format implements [audio.CaptureSource].
func (r *Resampler) Format() audio.Format {
	return r.target
}

// Read implements [audio.CaptureSource].
func (r *Resampler) Read(ctx context.Context) (audio.AudioFrame, error) {
	want := r.batch * r.target.FrameBytes()
	for len(r.pending) < want {
		frame, err := r.src.Read(ctx)
		if err != nil {
			return audio.AudioFrame{}, err
		}
		pcm, err := r.convert(frame)
		if err != nil {
			return audio.AudioFrame{}, err
		}
		r.pending = append(r.pending, pcm...)
	}

	out := audio.AudioFrame{
		Data:       append([]byte(nil), r.pending[:want]...),
		SampleRate: r.target.SampleRate,
		Channels:   r.target.Channels,
		Timestamp:  r.target.Duration(r.emitted * want),
	}
	r.pending = r.pending[want:]
	r.emitted++
	return out, nil
}

func (r *Resampler) convert(frame audio.AudioFrame) ([]byte, error) {
	pcm := frame.Data
	switch {
	case frame.Channels == 2 && r.target.Channels == 1:
		pcm = audio.StereoToMono(pcm)
	case frame.Channels == 1 && r.target.Channels == 2:
		pcm = audio.MonoToStereo(pcm)
	}
	if r.rs == nil {
		return pcm, nil
	}

	in := audio.PCM16ToFloat32(pcm)
	samples := make([]float64, len(in))
	for i, s := range in {
		samples[i] = float64(s)
	}
	resampled, err := r.rs.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("capture: resample: %w", err)
	}
	out := make([]float32, len(resampled))
	for i, s := range resampled {
		out[i] = float32(s)
	}
	return audio.Float32ToPCM16(out), nil
}

// Close closes the wrapped source. It is idempotent.
func (r *Resampler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.src.Close()
}
