package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/bloomzen/pkg/audio"
)

func TestMIMEType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.CaptureFormat, "audio/pcm;rate=16000"},
		{audio.PlaybackFormat, "audio/pcm;rate=24000"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "audio/pcm;rate=48000;channels=2"},
	}
	for _, tt := range tests {
		if got := audio.MIMEType(tt.f); got != tt.want {
			t.Errorf("MIMEType(%s) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestParseMIME(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mime    string
		want    audio.Format
		wantErr bool
	}{
		{name: "rate only", mime: "audio/pcm;rate=24000", want: audio.PlaybackFormat},
		{name: "bare type uses fallback", mime: "audio/pcm", want: audio.PlaybackFormat},
		{name: "empty uses fallback", mime: "", want: audio.PlaybackFormat},
		{name: "channels", mime: "audio/pcm; rate=48000; channels=2", want: audio.Format{SampleRate: 48000, Channels: 2}},
		{name: "l16 alias", mime: "audio/L16;rate=16000", want: audio.CaptureFormat},
		{name: "unknown param ignored", mime: "audio/pcm;rate=24000;endian=little", want: audio.PlaybackFormat},
		{name: "opus rejected", mime: "audio/opus", wantErr: true},
		{name: "bad rate", mime: "audio/pcm;rate=fast", wantErr: true},
		{name: "zero rate", mime: "audio/pcm;rate=0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseMIME(tt.mime, audio.PlaybackFormat)
			if tt.wantErr {
				if !errors.Is(err, audio.ErrMalformedChunk) {
					t.Fatalf("err = %v, want ErrMalformedChunk", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeChunk(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{Data: pcm(0, -1, 32767, -32768), SampleRate: 16000, Channels: 1}
	chunk := audio.EncodeChunk(frame)
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", chunk.MIMEType)
	}
	if chunk.Data != "AAD///9/AIA=" {
		t.Errorf("Data = %q", chunk.Data)
	}

	got, err := audio.DecodeChunk(chunk, audio.PlaybackFormat)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if got.Format() != audio.CaptureFormat {
		t.Errorf("format = %s, want %s", got.Format(), audio.CaptureFormat)
	}
	equalSamples(t, samples(got.Data), samples(frame.Data))
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		chunk audio.EncodedChunk
	}{
		{"invalid base64", audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000", Data: "not base64!"}},
		{"odd byte count", audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000", Data: "AAEC"}},
		{"stereo misaligned", audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000;channels=2", Data: "AAAAAAAA"}},
		{"empty payload", audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000"}},
		{"unsupported type", audio.EncodedChunk{MIMEType: "audio/mpeg", Data: "AAA="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeChunk(tt.chunk, audio.PlaybackFormat)
			if !errors.Is(err, audio.ErrMalformedChunk) {
				t.Fatalf("err = %v, want ErrMalformedChunk", err)
			}
		})
	}
}
