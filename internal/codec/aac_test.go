package codec

import (
	"errors"
	"testing"

	"github.com/zsiec/avsync/internal/tsmux"
)

func adts(t *testing.T, rate, channels int, payload []byte) []byte {
	t.Helper()
	f, err := tsmux.ADTSFrame(rate, channels, payload)
	if err != nil {
		t.Fatalf("ADTSFrame: %v", err)
	}
	return f
}

func TestParseADTS(t *testing.T) {
	t.Parallel()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}
	var stream []byte
	stream = append(stream, 0x00, 0x12) // junk before the first sync word
	stream = append(stream, adts(t, 48000, 2, payload)...)
	stream = append(stream, adts(t, 48000, 2, payload[:2])...)

	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	f := frames[0]
	if f.SampleRate != 48000 || f.Channels != 2 {
		t.Errorf("format: got %d Hz %d ch, want 48000 Hz 2 ch", f.SampleRate, f.Channels)
	}
	if len(f.Data) != 13 || string(f.Payload()) != string(payload) {
		t.Errorf("frame: got %d bytes payload % x", len(f.Data), f.Payload())
	}
	if f.Samples != AACFrameSamples {
		t.Errorf("samples: got %d, want %d", f.Samples, AACFrameSamples)
	}
	if len(frames[1].Payload()) != 2 {
		t.Errorf("second payload: got %d bytes, want 2", len(frames[1].Payload()))
	}
}

func TestParseADTSMultipleBlocks(t *testing.T) {
	t.Parallel()
	f := adts(t, 44100, 1, []byte{1, 2, 3})
	f[6] = 0xFC | 0x02 // three raw data blocks
	frames, err := ParseADTS(f)
	if err != nil || len(frames) != 1 {
		t.Fatalf("ParseADTS: got %d frames, err %v", len(frames), err)
	}
	if frames[0].Samples != 3*AACFrameSamples {
		t.Errorf("samples: got %d, want %d", frames[0].Samples, 3*AACFrameSamples)
	}
}

func TestParseADTSShortInput(t *testing.T) {
	t.Parallel()
	full := adts(t, 44100, 2, make([]byte, 20))
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"partial header", []byte{0xFF, 0xF1, 0x50, 0x80, 0x00}},
		{"truncated frame", full[:len(full)-5]},
	}
	for _, tt := range tests {
		frames, err := ParseADTS(tt.data)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if len(frames) != 0 {
			t.Errorf("%s: frames: got %d, want 0", tt.name, len(frames))
		}
	}
}

func TestParseADTSReservedRate(t *testing.T) {
	t.Parallel()
	f := adts(t, 44100, 2, []byte{1})
	f[2] = f[2]&^0x3C | 0x0D<<2
	if _, err := ParseADTS(f); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("error: got %v, want %v", err, ErrInvalidADTS)
	}
}
