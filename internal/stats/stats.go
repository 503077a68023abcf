// Package stats collects playback telemetry for one session: what the decode
// worker read and discarded, what the render worker presented or dropped, and
// how far video drifted from the audio clock.
package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DecodeStats describes the decode side of a session.
type DecodeStats struct {
	PacketsRead      int64 `json:"packetsRead"`
	PacketsDiscarded int64 `json:"packetsDiscarded"`
	TransientErrors  int64 `json:"transientErrors"`
	DecodeErrors     int64 `json:"decodeErrors"`
	VideoFrames      int64 `json:"videoFrames"`
	AudioFrames      int64 `json:"audioFrames"`
	SeekDiscarded    int64 `json:"seekDiscarded"`
	PTSErrors        int64 `json:"ptsErrors"`
	SynthesizedPTS   int64 `json:"synthesizedPts"`
}

// RenderStats describes the presentation side of a session.
type RenderStats struct {
	Presented    int64   `json:"presented"`
	Stale        int64   `json:"stale"`
	Late         int64   `json:"late"`
	QueueDropped int64   `json:"queueDropped"`
	QueueDepth   int     `json:"queueDepth"`
	FrameRate    float64 `json:"frameRate"`
}

// AudioStats describes the PCM path to the host.
type AudioStats struct {
	SamplesWritten int64 `json:"samplesWritten"`
	SamplesPulled  int64 `json:"samplesPulled"`
	RingBuffered   int   `json:"ringBuffered"`
	RingOverruns   int64 `json:"ringOverruns"`
	RingUnderruns  int64 `json:"ringUnderruns"`
}

// SyncStats summarizes measured presentation drift in seconds. Positive drift
// means video was presented ahead of audio.
type SyncStats struct {
	LastDrift   float64 `json:"lastDrift"`
	MaxAbsDrift float64 `json:"maxAbsDrift"`
	Samples     int64   `json:"samples"`
}

// Snapshot is a point-in-time copy of every counter, serialized as JSON by
// the control API.
type Snapshot struct {
	Timestamp int64       `json:"ts"`
	UptimeMs  int64       `json:"uptimeMs"`
	Seeks     int64       `json:"seeks"`
	Decode    DecodeStats `json:"decode"`
	Render    RenderStats `json:"render"`
	Audio     AudioStats  `json:"audio"`
	Sync      SyncStats   `json:"sync"`
}

// Gauges are instantaneous values owned by other components (queue, ring)
// that the collector folds into a Snapshot.
type Gauges struct {
	QueueDepth    int
	QueueDropped  int64
	RingBuffered  int
	RingOverruns  int64
	RingUnderruns int64
}

// Collector accumulates session telemetry with atomic counters. The decode
// worker, render worker and audio callback record into it concurrently.
type Collector struct {
	start time.Time

	packetsRead      atomic.Int64
	packetsDiscarded atomic.Int64
	transientErrors  atomic.Int64
	decodeErrors     atomic.Int64
	videoFrames      atomic.Int64
	audioFrames      atomic.Int64
	seekDiscarded    atomic.Int64
	ptsErrors        atomic.Int64
	synthesizedPTS   atomic.Int64
	lastVideoPTS     atomic.Int64
	haveVideoPTS     atomic.Bool

	presented atomic.Int64
	stale     atomic.Int64
	late      atomic.Int64

	samplesWritten atomic.Int64
	samplesPulled  atomic.Int64

	seeks atomic.Int64

	lastDrift    atomic.Uint64
	maxAbsDrift  atomic.Uint64
	driftSamples atomic.Int64

	// fpsWindowMu guards fpsWindow
	fpsWindowMu sync.Mutex
	fpsWindow   []time.Time
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{start: time.Now()}
}

func (c *Collector) PacketRead()      { c.packetsRead.Add(1) }
func (c *Collector) PacketDiscarded() { c.packetsDiscarded.Add(1) }
func (c *Collector) TransientError()  { c.transientErrors.Add(1) }
func (c *Collector) DecodeError()     { c.decodeErrors.Add(1) }
func (c *Collector) SeekDiscarded()   { c.seekDiscarded.Add(1) }
func (c *Collector) SynthesizedPTS()  { c.synthesizedPTS.Add(1) }
func (c *Collector) AudioFrame()      { c.audioFrames.Add(1) }
func (c *Collector) Stale()           { c.stale.Add(1) }
func (c *Collector) Late()            { c.late.Add(1) }

// Seek counts a completed seek and forgets the last video timestamp, so the
// jump is not reported as a PTS error.
func (c *Collector) Seek() {
	c.seeks.Add(1)
	c.haveVideoPTS.Store(false)
}

// VideoFrame records a decoded video frame's timestamp in microseconds. A
// timestamp that goes backwards or jumps more than five seconds counts as a
// PTS error.
func (c *Collector) VideoFrame(pts int64) {
	c.videoFrames.Add(1)
	last := c.lastVideoPTS.Swap(pts)
	if c.haveVideoPTS.Swap(true) {
		if d := pts - last; d < 0 || d > 5_000_000 {
			c.ptsErrors.Add(1)
		}
	}
}

// SamplesWritten records interleaved samples handed to the audio ring.
func (c *Collector) SamplesWritten(n int) { c.samplesWritten.Add(int64(n)) }

// SamplesPulled records interleaved samples the host pulled, silence included.
func (c *Collector) SamplesPulled(n int) { c.samplesPulled.Add(int64(n)) }

// Presented records a frame handed to the host at now.
func (c *Collector) Presented(now time.Time) {
	c.presented.Add(1)

	c.fpsWindowMu.Lock()
	c.fpsWindow = append(c.fpsWindow, now)
	cutoff := now.Add(-2 * time.Second)
	i := 0
	for i < len(c.fpsWindow) && c.fpsWindow[i].Before(cutoff) {
		i++
	}
	c.fpsWindow = c.fpsWindow[i:]
	c.fpsWindowMu.Unlock()
}

// Drift records the difference between a presented frame's time and the
// audio clock, in seconds.
func (c *Collector) Drift(d float64) {
	c.lastDrift.Store(math.Float64bits(d))
	c.driftSamples.Add(1)
	abs := math.Abs(d)
	for {
		cur := c.maxAbsDrift.Load()
		if abs <= math.Float64frombits(cur) {
			return
		}
		if c.maxAbsDrift.CompareAndSwap(cur, math.Float64bits(abs)) {
			return
		}
	}
}

// ResetDrift clears the drift summary, as a seek starts a new timeline.
func (c *Collector) ResetDrift() {
	c.lastDrift.Store(0)
	c.maxAbsDrift.Store(0)
	c.driftSamples.Store(0)
}

// PresentedFPS computes the presentation rate over a 2-second sliding window.
func (c *Collector) PresentedFPS() float64 {
	c.fpsWindowMu.Lock()
	defer c.fpsWindowMu.Unlock()

	if len(c.fpsWindow) < 2 {
		return 0
	}
	dur := c.fpsWindow[len(c.fpsWindow)-1].Sub(c.fpsWindow[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(c.fpsWindow)-1) / dur
}

// Snapshot returns the current counters combined with g.
func (c *Collector) Snapshot(g Gauges) Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp: now.UnixMilli(),
		UptimeMs:  now.Sub(c.start).Milliseconds(),
		Seeks:     c.seeks.Load(),
		Decode: DecodeStats{
			PacketsRead:      c.packetsRead.Load(),
			PacketsDiscarded: c.packetsDiscarded.Load(),
			TransientErrors:  c.transientErrors.Load(),
			DecodeErrors:     c.decodeErrors.Load(),
			VideoFrames:      c.videoFrames.Load(),
			AudioFrames:      c.audioFrames.Load(),
			SeekDiscarded:    c.seekDiscarded.Load(),
			PTSErrors:        c.ptsErrors.Load(),
			SynthesizedPTS:   c.synthesizedPTS.Load(),
		},
		Render: RenderStats{
			Presented:    c.presented.Load(),
			Stale:        c.stale.Load(),
			Late:         c.late.Load(),
			QueueDropped: g.QueueDropped,
			QueueDepth:   g.QueueDepth,
			FrameRate:    c.PresentedFPS(),
		},
		Audio: AudioStats{
			SamplesWritten: c.samplesWritten.Load(),
			SamplesPulled:  c.samplesPulled.Load(),
			RingBuffered:   g.RingBuffered,
			RingOverruns:   g.RingOverruns,
			RingUnderruns:  g.RingUnderruns,
		},
		Sync: SyncStats{
			LastDrift:   math.Float64frombits(c.lastDrift.Load()),
			MaxAbsDrift: math.Float64frombits(c.maxAbsDrift.Load()),
			Samples:     c.driftSamples.Load(),
		},
	}
}
