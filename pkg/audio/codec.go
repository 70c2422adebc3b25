package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedChunk is wrapped by [DecodeChunk] and [ParseMIME] for payloads
// that cannot be turned back into PCM.
var ErrMalformedChunk = errors.New("audio: malformed chunk")

// pcmMIMEType is the media type used by the live conversation services for
// raw little-endian PCM16.
const pcmMIMEType = "audio/pcm"

// EncodedChunk is the binary-safe form of an [AudioFrame] exchanged with a
// conversation transport: base64 PCM16 plus a MIME descriptor such as
// "audio/pcm;rate=16000".
type EncodedChunk struct {
	MIMEType string
	Data     string
}

// MIMEType returns the descriptor for raw PCM16 in format f. The channels
// parameter is only emitted for multi-channel audio.
func MIMEType(f Format) string {
	if f.Channels > 1 {
		return fmt.Sprintf("%s;rate=%d;channels=%d", pcmMIMEType, f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("%s;rate=%d", pcmMIMEType, f.SampleRate)
}

// ParseMIME extracts the format from an "audio/pcm" descriptor. Parameters
// that are absent are taken from fallback, so "audio/pcm" alone yields
// fallback unchanged.
func ParseMIME(mime string, fallback Format) (Format, error) {
	parts := strings.Split(mime, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	switch base {
	case pcmMIMEType, "audio/l16", "":
	default:
		return Format{}, fmt.Errorf("%w: unsupported mime type %q", ErrMalformedChunk, mime)
	}

	f := fallback
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "rate" && key != "channels" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return Format{}, fmt.Errorf("%w: bad %s parameter %q", ErrMalformedChunk, key, val)
		}
		if key == "rate" {
			f.SampleRate = n
		} else {
			f.Channels = n
		}
	}
	if !f.Valid() {
		return Format{}, fmt.Errorf("%w: no usable format in %q", ErrMalformedChunk, mime)
	}
	return f, nil
}

// EncodeChunk converts a PCM frame to its transport form.
func EncodeChunk(frame AudioFrame) EncodedChunk {
	return EncodedChunk{
		MIMEType: MIMEType(frame.Format()),
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
	}
}

// DecodeChunk reverses [EncodeChunk]. fallback supplies the format when the
// descriptor omits it (response audio is often tagged only "audio/pcm").
// Every failure wraps [ErrMalformedChunk].
func DecodeChunk(chunk EncodedChunk, fallback Format) (AudioFrame, error) {
	f, err := ParseMIME(chunk.MIMEType, fallback)
	if err != nil {
		return AudioFrame{}, err
	}
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("%w: base64: %v", ErrMalformedChunk, err)
	}
	if len(data) == 0 {
		return AudioFrame{}, fmt.Errorf("%w: empty payload", ErrMalformedChunk)
	}
	frame := AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels}
	if err := frame.Validate(); err != nil {
		return AudioFrame{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	return frame, nil
}
