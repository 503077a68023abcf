package media

import (
	"math"
	"testing"
	"time"
)

func TestFramePoolLiveCount(t *testing.T) {
	t.Parallel()

	p := NewFramePool()
	f1 := p.Get(KindVideo)
	f2 := p.Get(KindAudio)
	p.AddPlane(f1, []byte{1, 2, 3, 4}, 2)

	if got := p.Live(); got != 2 {
		t.Fatalf("Live: got %d, want 2", got)
	}
	if f1.PTS != NoPTS || f1.DTS != NoPTS {
		t.Errorf("new frame timestamps: got %d/%d, want NoPTS", f1.PTS, f1.DTS)
	}
	if len(f1.Planes) != 1 || f1.Planes[0][3] != 4 || f1.Strides[0] != 2 {
		t.Errorf("plane not copied: %v stride %v", f1.Planes, f1.Strides)
	}

	f1.Release()
	f1.Release() // second release is a no-op
	if got := p.Live(); got != 1 {
		t.Errorf("Live after release: got %d, want 1", got)
	}
	f2.Release()
	if got := p.Live(); got != 0 {
		t.Errorf("Live after all released: got %d, want 0", got)
	}

	var nilFrame *Frame
	nilFrame.Release()
}

func TestPacketRelease(t *testing.T) {
	t.Parallel()

	calls := 0
	pkt := NewPacket(1, 100, NoPTS, []byte{0xAA}, func() { calls++ })
	if pkt.Offset != -1 {
		t.Errorf("Offset: got %d, want -1", pkt.Offset)
	}
	pkt.Release()
	pkt.Release()
	if calls != 1 {
		t.Errorf("release calls: got %d, want 1", calls)
	}
	if pkt.Data != nil {
		t.Error("Data should be cleared after release")
	}

	var nilPkt *Packet
	nilPkt.Release()
}

func TestInfoFrameRateFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		video *StreamInfo
		want  float64
	}{
		{"no video", nil, DefaultFrameRate},
		{"real rate", &StreamInfo{FrameRate: 25, AvgFrameRate: 24}, 25},
		{"average rate", &StreamInfo{AvgFrameRate: 29.97}, 29.97},
		{"time base", &StreamInfo{TimeBase: 1.0 / 50}, 50},
		{"tick clock rejected", &StreamInfo{TimeBase: 1.0 / 90000}, DefaultFrameRate},
		{"nan rejected", &StreamInfo{FrameRate: math.NaN()}, DefaultFrameRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Info{Video: tt.video}.FrameRate()
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FrameRate: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	f := &Frame{Kind: KindAudio, SampleRate: 48000, Samples: 1024}
	want := time.Duration(1024) * time.Second / 48000
	if got := f.Duration(); got != want {
		t.Errorf("Duration: got %v, want %v", got, want)
	}
	v := &Frame{Kind: KindVideo}
	if got := v.Duration(); got != 0 {
		t.Errorf("video Duration: got %v, want 0", got)
	}
}

func TestTimestampConversions(t *testing.T) {
	t.Parallel()

	if got := Seconds(1_500_000); got != 1.5 {
		t.Errorf("Seconds: got %v, want 1.5", got)
	}
	if got := Micros(0.04); got != 40_000 {
		t.Errorf("Micros: got %d, want 40000", got)
	}
	if got := ToDuration(NoPTS); got != 0 {
		t.Errorf("ToDuration(NoPTS): got %v, want 0", got)
	}
	if got := FromDuration(2 * time.Second); got != 2_000_000 {
		t.Errorf("FromDuration: got %d, want 2000000", got)
	}
}

func TestParsePixelFormat(t *testing.T) {
	t.Parallel()

	p, err := ParsePixelFormat("bgra")
	if err != nil || p != PixelFormatBGRA {
		t.Errorf("ParsePixelFormat(bgra): got %v, %v", p, err)
	}
	if _, err := ParsePixelFormat("xyz"); err == nil {
		t.Error("expected error for unknown pixel format")
	}
	if !PixelFormatH264.Compressed() || PixelFormatRGBA.Compressed() {
		t.Error("Compressed mismatch")
	}
}
