package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// PCM16ToFloat32 converts little-endian PCM16 to normalised float samples in
// [-1, 1). Each sample is divided by 32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts normalised float samples to little-endian PCM16.
// Samples are scaled by 32768 and clamped to the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(float64(s)*32768.0)))
	}
	return out
}

// MixInto adds the PCM16 samples of src onto dst in place, saturating at the
// int16 limits. Only the overlapping prefix is mixed.
func MixInto(dst, src []byte) {
	n := min(len(dst), len(src)) / BytesPerSample
	for i := range n {
		a := int16(binary.LittleEndian.Uint16(dst[i*2:]))
		b := int16(binary.LittleEndian.Uint16(src[i*2:]))
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(clamp16(float64(a)+float64(b))))
	}
}

func clamp16(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// FormatConverter converts frames to a fixed target format. It warns once on
// the first mismatch and drops frames whose payload is not sample-aligned.
// Create one per stream; it is not meant to be shared across goroutines.
type FormatConverter struct {
	Target Format

	// Resample overrides the sample-rate conversion step. When nil the
	// linear [ResampleMono16] / [ResampleStereo16] helpers are used.
	Resample func(pcm []byte, srcRate, dstRate, channels int) []byte

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. Rate conversion runs before channel
// conversion so that stereo input destined for mono is only resampled once.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%BytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		if c.Resample != nil {
			pcm = c.Resample(pcm, frame.SampleRate, c.Target.SampleRate, frame.Channels)
		} else if frame.Channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}

	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. Input is returned unchanged when the rates match or are not
// positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleLinear(pcm, srcRate, dstRate, 1)
}

// ResampleStereo16 is the interleaved-stereo counterpart of [ResampleMono16].
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleLinear(pcm, srcRate, dstRate, 2)
}

func resampleLinear(pcm []byte, srcRate, dstRate, channels int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameBytes+ch*2:])))
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+ch*2:], uint16(clamp16(v)))
		}
	}
	return out
}

// formatString renders a rate and channel count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
