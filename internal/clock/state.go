package clock

import (
	"sync"
	"time"

	"github.com/zsiec/avsync/internal/media"
)

// State is the clock shared by the decode worker, the render worker and the
// host's audio pull callback. Every field is guarded by mu.
//
// Clocks are in seconds relative to the stream start time, which is latched
// from the first audio frame carrying a valid timestamp. Until then the
// audio reference is the wall-clock time elapsed since playback (re)started.
type State struct {
	mu     sync.Mutex
	params Params

	audioClock    float64
	audioUpdated  time.Time
	audioWritten  float64
	videoClock    float64
	frameTimer    time.Time
	frameDuration float64

	started     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	paused      bool

	start   int64
	latched bool

	videoOrigin     int64
	haveVideoOrigin bool

	epoch uint64
}

// Snapshot is a copy of the clock fields for diagnostics.
type Snapshot struct {
	AudioClock    float64 `json:"audioClock"`
	VideoClock    float64 `json:"videoClock"`
	AudioWritten  float64 `json:"audioWritten"`
	FrameDuration float64 `json:"frameDuration"`
	StreamStart   float64 `json:"streamStart"`
	Latched       bool    `json:"latched"`
	Paused        bool    `json:"paused"`
	Epoch         uint64  `json:"epoch"`
}

// NewState returns a clock for a stream with the given nominal frame
// duration, with the wall reference starting at now.
func NewState(frameDuration float64, p Params, now time.Time) *State {
	return &State{
		params:        p,
		frameDuration: frameDuration,
		started:       now,
	}
}

// LatchStart records pts as the stream start time if none is latched yet. It
// reports whether this call latched it.
func (s *State) LatchStart(pts int64, now time.Time) bool {
	if pts == media.NoPTS {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched {
		return false
	}
	s.start = pts
	s.latched = true
	s.audioClock = 0
	s.audioWritten = 0
	s.audioUpdated = now
	return true
}

// Start returns the latched stream start time.
func (s *State) Start() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.latched
}

// Relative converts a stream timestamp to seconds on the clock's origin.
// Before the audio start is latched, the first video timestamp seen serves as
// a provisional origin.
func (s *State) Relative(pts int64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched {
		return media.Seconds(pts - s.start)
	}
	if !s.haveVideoOrigin {
		s.videoOrigin = pts
		s.haveVideoOrigin = true
	}
	return media.Seconds(pts - s.videoOrigin)
}

// SetAudioWritten records the relative end time of the audio handed to the
// ring so far. The audio clock never extrapolates past it.
func (s *State) SetAudioWritten(end float64) {
	s.mu.Lock()
	s.audioWritten = end
	s.mu.Unlock()
}

// AudioWritten returns the relative end time of the audio written so far.
func (s *State) AudioWritten() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioWritten
}

// SetAudioPlayhead records the relative time of the audio the host is about
// to play. Ignored until the start time is latched, and when it would move
// the audio clock backwards within an epoch.
func (s *State) SetAudioPlayhead(t float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.latched {
		return
	}
	if t < 0 {
		t = 0
	}
	if t < s.audioClock {
		return
	}
	s.audioClock = t
	s.audioUpdated = now
}

// AudioTime returns the master clock reading at now.
func (s *State) AudioTime(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioTimeLocked(now)
}

func (s *State) audioTimeLocked(now time.Time) float64 {
	if !s.latched {
		return s.wallLocked(now)
	}
	if s.paused {
		return s.audioClock
	}
	t := s.audioClock + now.Sub(s.audioUpdated).Seconds()
	if t > s.audioWritten {
		t = s.audioWritten
	}
	if t < s.audioClock {
		t = s.audioClock
	}
	return t
}

func (s *State) wallLocked(now time.Time) float64 {
	if s.paused {
		now = s.pausedAt
	}
	return (now.Sub(s.started) - s.pausedTotal).Seconds()
}

// Latched reports whether the audio start time has been latched.
func (s *State) Latched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latched
}

// Delay applies the synchronization rule to a frame at relative time
// videoPts using the clock reading at now.
func (s *State) Delay(videoPts float64, now time.Time) float64 {
	s.mu.Lock()
	audio := s.audioTimeLocked(now)
	fd := s.frameDuration
	p := s.params
	s.mu.Unlock()
	return Delay(videoPts, audio, fd, p)
}

// Drift returns videoPts minus the audio clock at now. ok is false until the
// audio start time has been latched.
func (s *State) Drift(videoPts float64, now time.Time) (drift float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.latched {
		return 0, false
	}
	return videoPts - s.audioTimeLocked(now), true
}

// SetVideo records a presented frame's relative time and the wall time it
// was presented at.
func (s *State) SetVideo(t float64, now time.Time) {
	s.mu.Lock()
	s.videoClock = t
	s.frameTimer = now
	s.mu.Unlock()
}

// VideoClock returns the relative time of the last presented frame.
func (s *State) VideoClock() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoClock
}

// FrameTimer returns when the last frame was presented.
func (s *State) FrameTimer() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameTimer
}

// FrameDuration returns the nominal inter-frame interval in seconds.
func (s *State) FrameDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameDuration
}

// SetFrameDuration updates the nominal inter-frame interval.
func (s *State) SetFrameDuration(d float64) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.frameDuration = d
	s.mu.Unlock()
}

// Position returns the absolute stream time being played at now, or NoPTS
// if no timestamp has been seen since the last reset.
func (s *State) Position(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.latched:
		return s.start + media.Micros(s.audioTimeLocked(now))
	case s.haveVideoOrigin:
		return s.videoOrigin + media.Micros(s.videoClock)
	default:
		return media.NoPTS
	}
}

// Reset re-arms the start-time latch and zeroes both clocks, as happens on a
// seek. It returns the new epoch; frames stamped with an older epoch belong
// to the timeline before the reset.
func (s *State) Reset(now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latched = false
	s.start = 0
	s.haveVideoOrigin = false
	s.videoOrigin = 0
	s.audioClock = 0
	s.audioWritten = 0
	s.videoClock = 0
	s.started = now
	s.pausedTotal = 0
	if s.paused {
		s.pausedAt = now
	}
	s.epoch++
	return s.epoch
}

// Epoch returns the current epoch.
func (s *State) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Pause freezes both the audio clock and the wall reference.
func (s *State) Pause(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	if s.latched {
		s.audioClock = s.audioTimeLocked(now)
		s.audioUpdated = now
	}
	s.paused = true
	s.pausedAt = now
}

// Resume restarts the clocks frozen by Pause.
func (s *State) Resume(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.pausedTotal += now.Sub(s.pausedAt)
	s.audioUpdated = now
}

// Paused reports whether the clocks are frozen.
func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Snapshot returns a copy of the clock state at now.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		AudioClock:    s.audioTimeLocked(now),
		VideoClock:    s.videoClock,
		AudioWritten:  s.audioWritten,
		FrameDuration: s.frameDuration,
		Latched:       s.latched,
		Paused:        s.paused,
		Epoch:         s.epoch,
	}
	if s.latched {
		snap.StreamStart = media.Seconds(s.start)
	}
	return snap
}
