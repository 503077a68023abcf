package mpegts

import (
	"errors"
	"testing"
)

func buildPES(streamID byte, pts, dts int64, bounded bool, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0:
		flags = 3
		opt = make([]byte, 10)
		EncodeTimestamp(opt, 0x3, pts)
		EncodeTimestamp(opt[5:], 0x1, dts)
	case pts >= 0:
		flags = 2
		opt = make([]byte, 5)
		EncodeTimestamp(opt, 0x2, pts)
	}
	length := 0
	if bounded {
		length = 3 + len(opt) + len(data)
	}
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}

func TestParsePES(t *testing.T) {
	t.Parallel()
	payload := []byte{0xAA, 0xBB, 0xCC}
	tests := []struct {
		name     string
		buf      []byte
		pts, dts int64 // -1 when absent
		data     []byte
	}{
		{"PTS only", buildPES(0xC0, 90000, -1, true, payload), 90000, -1, payload},
		{"PTS and DTS", buildPES(0xE0, 183003, 180000, false, payload), 183003, 180000, payload},
		{"no timestamps", buildPES(0xC0, -1, -1, true, payload), -1, -1, payload},
		{"unbounded video", buildPES(0xE0, 126000, -1, false, payload), 126000, -1, payload},
		{
			name: "bounded length trims trailing stuffing",
			buf:  append(buildPES(0xC0, 3600, -1, true, payload), 0xFF, 0xFF),
			pts:  3600, dts: -1, data: payload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pes, err := parsePES(tt.buf)
			if err != nil {
				t.Fatalf("parsePES: %v", err)
			}
			opt := pes.Header.OptionalHeader
			if opt == nil {
				t.Fatal("missing optional header")
			}
			if got := timestampOrNone(opt.PTS); got != tt.pts {
				t.Errorf("PTS: got %d, want %d", got, tt.pts)
			}
			if got := timestampOrNone(opt.DTS); got != tt.dts {
				t.Errorf("DTS: got %d, want %d", got, tt.dts)
			}
			if string(pes.Data) != string(tt.data) {
				t.Errorf("data: got % x, want % x", pes.Data, tt.data)
			}
		})
	}
}

func timestampOrNone(c *ClockReference) int64 {
	if c == nil {
		return -1
	}
	return c.Base
}

func TestParsePESPaddingStream(t *testing.T) {
	t.Parallel()
	buf := []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x03, 0xFF, 0xFF, 0xFF}
	pes, err := parsePES(buf)
	if err != nil {
		t.Fatalf("parsePES: %v", err)
	}
	if pes.Header.OptionalHeader != nil || len(pes.Data) != 3 {
		t.Errorf("padding PES: got header %+v and %d data bytes", pes.Header.OptionalHeader, len(pes.Data))
	}
}

func TestParsePESErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"too short", []byte{0x00, 0x00, 0x01}, ErrShort},
		{"bad start code", []byte{0x00, 0x01, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}, ErrStartCode},
		{"no optional header", []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80}, ErrShort},
		{"header past end", []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x20, 0x21}, ErrShort},
	}
	for _, tt := range tests {
		if _, err := parsePES(tt.buf); !errors.Is(err, tt.want) {
			t.Errorf("%s: error: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	for _, ts := range []int64{0, 1, 90000, 126000, 1<<32 + 12345, 1<<33 - 1} {
		var b [5]byte
		EncodeTimestamp(b[:], 0x2, ts)
		if got := parseTimestamp(b[:]).Base; got != ts {
			t.Errorf("timestamp %d: got %d", ts, got)
		}
		if b[0]&0x01 == 0 || b[2]&0x01 == 0 || b[4]&0x01 == 0 {
			t.Errorf("timestamp %d: marker bits missing in % x", ts, b)
		}
	}
}

func TestClockReferenceMicros(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base int64
		want int64
	}{
		{0, 0},
		{90000, 1_000_000},
		{126000, 1_400_000},
		{3003, 33_366},
	}
	for _, tt := range tests {
		if got := (&ClockReference{Base: tt.base}).Micros(); got != tt.want {
			t.Errorf("Micros(%d): got %d, want %d", tt.base, got, tt.want)
		}
	}
}
