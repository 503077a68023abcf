package stats

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	t.Parallel()

	c := New()
	c.PacketRead()
	c.PacketRead()
	c.PacketDiscarded()
	c.TransientError()
	c.DecodeError()
	c.AudioFrame()
	c.SamplesWritten(2048)
	c.SamplesPulled(1024)
	c.Stale()
	c.Late()

	snap := c.Snapshot(Gauges{QueueDepth: 3, QueueDropped: 4, RingBuffered: 5, RingOverruns: 6, RingUnderruns: 7})
	if snap.Decode.PacketsRead != 2 || snap.Decode.PacketsDiscarded != 1 {
		t.Errorf("packets: %+v", snap.Decode)
	}
	if snap.Decode.TransientErrors != 1 || snap.Decode.DecodeErrors != 1 || snap.Decode.AudioFrames != 1 {
		t.Errorf("decode: %+v", snap.Decode)
	}
	if snap.Audio.SamplesWritten != 2048 || snap.Audio.SamplesPulled != 1024 {
		t.Errorf("audio: %+v", snap.Audio)
	}
	if snap.Render.Stale != 1 || snap.Render.Late != 1 {
		t.Errorf("render: %+v", snap.Render)
	}
	if snap.Render.QueueDepth != 3 || snap.Render.QueueDropped != 4 {
		t.Errorf("queue gauges: %+v", snap.Render)
	}
	if snap.Audio.RingBuffered != 5 || snap.Audio.RingOverruns != 6 || snap.Audio.RingUnderruns != 7 {
		t.Errorf("ring gauges: %+v", snap.Audio)
	}
}

func TestVideoFramePTSErrors(t *testing.T) {
	t.Parallel()

	c := New()
	for _, pts := range []int64{0, 40_000, 80_000, 60_000, 10_000_000} {
		c.VideoFrame(pts)
	}
	snap := c.Snapshot(Gauges{})
	if snap.Decode.VideoFrames != 5 {
		t.Errorf("VideoFrames: got %d, want 5", snap.Decode.VideoFrames)
	}
	if snap.Decode.PTSErrors != 2 {
		t.Errorf("PTSErrors: got %d, want 2", snap.Decode.PTSErrors)
	}

	c.Seek()
	c.VideoFrame(0)
	if got := c.Snapshot(Gauges{}).Decode.PTSErrors; got != 2 {
		t.Errorf("PTSErrors after seek: got %d, want 2", got)
	}
	if got := c.Snapshot(Gauges{}).Seeks; got != 1 {
		t.Errorf("Seeks: got %d, want 1", got)
	}
}

func TestDriftTracksMaximum(t *testing.T) {
	t.Parallel()

	c := New()
	for _, d := range []float64{0.01, -0.08, 0.03} {
		c.Drift(d)
	}
	s := c.Snapshot(Gauges{}).Sync
	if s.LastDrift != 0.03 || s.MaxAbsDrift != 0.08 || s.Samples != 3 {
		t.Errorf("sync: %+v", s)
	}

	c.ResetDrift()
	if s := c.Snapshot(Gauges{}).Sync; s.MaxAbsDrift != 0 || s.Samples != 0 {
		t.Errorf("after reset: %+v", s)
	}
}

func TestDriftConcurrent(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			c.Drift(v)
		}(float64(i) / 1000)
	}
	wg.Wait()
	if got := c.Snapshot(Gauges{}).Sync.MaxAbsDrift; math.Abs(got-0.05) > 1e-12 {
		t.Errorf("MaxAbsDrift: got %v, want 0.05", got)
	}
}

func TestPresentedFPS(t *testing.T) {
	t.Parallel()

	c := New()
	t0 := time.Now()
	for i := 0; i < 26; i++ {
		c.Presented(t0.Add(time.Duration(i) * 40 * time.Millisecond))
	}
	if got := c.PresentedFPS(); math.Abs(got-25) > 0.01 {
		t.Errorf("PresentedFPS: got %v, want 25", got)
	}
	// Entries older than two seconds fall out of the window.
	c.Presented(t0.Add(10 * time.Second))
	if got := c.PresentedFPS(); got != 0 {
		t.Errorf("PresentedFPS after gap: got %v, want 0", got)
	}
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	c := New()
	c.Presented(time.Now())
	data, err := json.Marshal(c.Snapshot(Gauges{}))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"ts", "decode", "render", "audio", "sync"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
}
