package codec

import (
	"math"
	"testing"

	"github.com/zsiec/avsync/internal/tsmux"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		data  []byte
		types []byte
	}{
		{
			name: "4-byte start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
				0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
				0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
			},
			types: []byte{NALTypeSPS, NALTypePPS, NALTypeIDR},
		},
		{
			name: "3-byte start codes",
			data: []byte{
				0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
				0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
			},
			types: []byte{NALTypeSPS, NALTypeIDR},
		},
		{
			name: "mixed start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
				0x00, 0x00, 0x01, 0x68, 0xCE,
				0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
				0x00, 0x00, 0x01, 0x65, 0x88,
			},
			types: []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR},
		},
		{name: "empty", data: nil},
		{name: "too short", data: []byte{0x00, 0x01}},
		{name: "no start code", data: []byte{0x12, 0x34, 0x56, 0x78, 0x9A}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			nalus := ParseAnnexB(tt.data)
			if len(nalus) != len(tt.types) {
				t.Fatalf("units: got %d, want %d", len(nalus), len(tt.types))
			}
			for i, want := range tt.types {
				if nalus[i].Type != want {
					t.Errorf("unit %d type: got %d, want %d", i, nalus[i].Type, want)
				}
			}
		})
	}
}

func TestParseAnnexBTrailingZeroBelongsToStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}
	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("units: got %d, want 2", len(nalus))
	}
	if len(nalus[0].Data) != 3 {
		t.Errorf("SEI length: got %d, want 3", len(nalus[0].Data))
	}
	if nalus[1].Type != NALTypeSlice || IsKeyframe(nalus[1].Type) {
		t.Errorf("second unit: got type %d, want non-IDR slice", nalus[1].Type)
	}
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           []byte
		width, height int
		fps           float64
	}{
		{
			name: "high 720p",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			width: 1280, height: 720, fps: 24000.0 / 1001,
		},
		{
			name: "main 256x192",
			sps: []byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			width: 256, height: 192, fps: 24000.0 / 1001,
		},
		{
			name: "high 720p with HRD",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
				0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
				0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
				0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
			},
			width: 1280, height: 720, fps: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tt.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("size: got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
			if got := info.FrameRate(); math.Abs(got-tt.fps) > 1e-6 {
				t.Errorf("frame rate: got %v, want %v", got, tt.fps)
			}
		})
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {}, {0x67, 0x64, 0x00}} {
		if _, err := ParseSPS(in); err == nil {
			t.Errorf("ParseSPS(% x): expected error", in)
		}
	}
}

func TestGeneratedSPSRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		width, height int
		fps           float64
	}{
		{320, 240, 25},
		{640, 360, 30},
		{1920, 1080, 29.97},
		{1280, 720, 59.94},
		{176, 144, 24},
	}
	for _, tt := range tests {
		info, err := ParseSPS(tsmux.BuildSPS(tt.width, tt.height, tt.fps))
		if err != nil {
			t.Fatalf("%dx%d: ParseSPS: %v", tt.width, tt.height, err)
		}
		if info.Width != tt.width || info.Height != tt.height {
			t.Errorf("size: got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
		}
		if got := info.FrameRate(); math.Abs(got-tt.fps) > 0.001 {
			t.Errorf("%dx%d frame rate: got %v, want %v", tt.width, tt.height, got, tt.fps)
		}
		if !info.FixedFrameRate {
			t.Errorf("%dx%d: expected fixed frame rate", tt.width, tt.height)
		}
		if got := info.CodecString(); got != "avc1.42C01E" {
			t.Errorf("codec string: got %q, want %q", got, "avc1.42C01E")
		}
	}
}

func TestInspectAccessUnit(t *testing.T) {
	t.Parallel()
	sps, pps := tsmux.BuildSPS(320, 240, 25), tsmux.BuildPPS()

	key := InspectAccessUnit(tsmux.AccessUnit(0, true, sps, pps))
	if !key.Keyframe {
		t.Error("keyframe unit: Keyframe = false")
	}
	if string(key.SPS) != string(sps) {
		t.Errorf("keyframe SPS: got % x, want % x", key.SPS, sps)
	}

	delta := InspectAccessUnit(tsmux.AccessUnit(1, false, sps, pps))
	if delta.Keyframe || delta.SPS != nil {
		t.Errorf("delta unit: got %+v, want zero", delta)
	}
}

func TestFrameRateWithoutTiming(t *testing.T) {
	t.Parallel()
	if got := (SPSInfo{TimeScale: 50}).FrameRate(); got != 0 {
		t.Errorf("frame rate: got %v, want 0", got)
	}
}
