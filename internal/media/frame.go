// Package media defines the packet and frame types that flow through the
// playback engine, from the decoder backend through the frame queue and the
// audio ring to the host.
package media

import (
	"fmt"
	"math"
	"time"
)

// NoPTS marks a timestamp the container or codec did not supply.
const NoPTS int64 = math.MinInt64

// DefaultFrameRate is used when a stream carries no usable rate information.
const DefaultFrameRate = 30.0

// Kind identifies the elementary stream a packet or frame belongs to.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PixelFormat identifies the layout of a video frame's planes.
type PixelFormat uint8

const (
	PixelFormatNone PixelFormat = iota
	PixelFormatYUV420P
	PixelFormatNV12
	PixelFormatRGB24
	PixelFormatRGBA
	PixelFormatBGRA
	// PixelFormatH264 is an undecoded Annex B access unit carried in Planes[0].
	PixelFormatH264
	// PixelFormatH265 is PixelFormatH264 for HEVC.
	PixelFormatH265
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatNone:    "none",
	PixelFormatYUV420P: "yuv420p",
	PixelFormatNV12:    "nv12",
	PixelFormatRGB24:   "rgb24",
	PixelFormatRGBA:    "rgba",
	PixelFormatBGRA:    "bgra",
	PixelFormatH264:    "h264",
	PixelFormatH265:    "hevc",
}

func (p PixelFormat) String() string {
	if s, ok := pixelFormatNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pixfmt(%d)", uint8(p))
}

// ParsePixelFormat maps a configuration name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for p, name := range pixelFormatNames {
		if name == s {
			return p, nil
		}
	}
	return PixelFormatNone, fmt.Errorf("unknown pixel format %q", s)
}

// Compressed reports whether frames in this format still carry coded data.
func (p PixelFormat) Compressed() bool {
	return p == PixelFormatH264 || p == PixelFormatH265
}

// SampleFormat identifies the sample encoding of an audio frame. Planar
// formats carry one plane per channel; packed formats interleave channels in
// Planes[0].
type SampleFormat uint8

const (
	SampleFormatNone SampleFormat = iota
	SampleFormatS16
	SampleFormatS16P
	SampleFormatF32
	SampleFormatF32P
)

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatS16:
		return "s16"
	case SampleFormatS16P:
		return "s16p"
	case SampleFormatF32:
		return "flt"
	case SampleFormatF32P:
		return "fltp"
	default:
		return "none"
	}
}

// Planar reports whether each channel lives in its own plane.
func (s SampleFormat) Planar() bool {
	return s == SampleFormatS16P || s == SampleFormatF32P
}

// BytesPerSample returns the size of a single channel sample.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatF32, SampleFormatF32P:
		return 4
	default:
		return 0
	}
}

// Packet is one unit of compressed data read from the container. It is owned
// by the decode worker between ReadPacket and Release.
type Packet struct {
	StreamIndex int
	PTS         int64 // microseconds, NoPTS if absent
	DTS         int64 // microseconds, NoPTS if absent
	Keyframe    bool
	Offset      int64 // byte offset of the packet in the source, -1 if unknown
	Data        []byte

	release func()
}

// NewPacket wraps data as a packet. release, if non-nil, is run once by Release.
func NewPacket(stream int, pts, dts int64, data []byte, release func()) *Packet {
	return &Packet{
		StreamIndex: stream,
		PTS:         pts,
		DTS:         dts,
		Offset:      -1,
		Data:        data,
		release:     release,
	}
}

// Release returns the packet's resources to its owner. Safe to call on nil
// and more than once.
func (p *Packet) Release() {
	if p == nil {
		return
	}
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.Data = nil
}

// Frame is a decoded picture or block of audio samples. A frame owns its
// plane buffers; it is moved from the decoder into the frame queue or ring and
// must be released exactly once by whichever stage holds it last.
type Frame struct {
	Kind Kind
	PTS  int64 // microseconds, NoPTS if absent
	DTS  int64 // microseconds, NoPTS if absent

	// Video
	Width       int
	Height      int
	PixelFormat PixelFormat
	Keyframe    bool

	// Audio
	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
	Samples      int

	Planes  [][]byte
	Strides []int

	// Epoch is the clock epoch the frame was decoded in; frames from before a
	// seek carry a stale epoch and are discarded by the renderer.
	Epoch uint64

	pool *FramePool
}

// Release hands the frame's buffers back to the pool it came from. Safe to
// call on nil; a second call is a no-op.
func (f *Frame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	p := f.pool
	f.pool = nil
	p.put(f)
}

// Duration returns the playback length of an audio frame.
func (f *Frame) Duration() time.Duration {
	if f.Kind != KindAudio || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.Samples) * int64(time.Second) / int64(f.SampleRate))
}

// VideoImage is a converted picture handed to the host.
type VideoImage struct {
	Data        []byte
	Width       int
	Height      int
	Stride      int
	PixelFormat PixelFormat
	PTS         time.Duration
}

// StreamInfo describes one elementary stream selected by the backend.
type StreamInfo struct {
	Index         int
	Kind          Kind
	Codec         string
	TimeBase      float64 // seconds per tick, 0 if not known
	FrameRate     float64 // real base frame rate
	AvgFrameRate  float64
	Width         int
	Height        int
	PixelFormat   PixelFormat
	SampleRate    int
	Channels      int
	SampleFormat  SampleFormat
	StartPTS      int64
	BitrateBitsPS int64
}

// Info is what the backend learned about a source when it opened it.
type Info struct {
	Source   string
	Format   string
	Duration time.Duration
	Bitrate  int64
	Seekable bool
	Video    *StreamInfo
	Audio    *StreamInfo
}

// FrameRate resolves the video frame rate by falling back through the real
// base rate, the average rate and the time base, then DefaultFrameRate.
func (i Info) FrameRate() float64 {
	v := i.Video
	if v == nil {
		return DefaultFrameRate
	}
	switch {
	case validRate(v.FrameRate):
		return v.FrameRate
	case validRate(v.AvgFrameRate):
		return v.AvgFrameRate
	case v.TimeBase > 0 && validRate(1/v.TimeBase):
		return 1 / v.TimeBase
	}
	return DefaultFrameRate
}

// Start returns the earliest known stream start timestamp, or 0 when no
// stream reports one. Positions and seek targets are relative to it.
func (i Info) Start() int64 {
	start := NoPTS
	for _, s := range []*StreamInfo{i.Video, i.Audio} {
		if s != nil && s.StartPTS != NoPTS && (start == NoPTS || s.StartPTS < start) {
			start = s.StartPTS
		}
	}
	if start == NoPTS {
		return 0
	}
	return start
}

// validRate rejects zero, NaN and the 90 kHz-style clock rates that show up
// when a container reports its tick rate instead of a frame rate.
func validRate(r float64) bool {
	return r > 0 && r <= 240 && !math.IsNaN(r) && !math.IsInf(r, 0)
}

// Seconds converts a microsecond timestamp to seconds.
func Seconds(us int64) float64 {
	return float64(us) / 1e6
}

// Micros converts seconds to a microsecond timestamp.
func Micros(s float64) int64 {
	return int64(math.Round(s * 1e6))
}

// FromDuration converts a duration to a microsecond timestamp.
func FromDuration(d time.Duration) int64 {
	return d.Microseconds()
}

// ToDuration converts a microsecond timestamp to a duration. NoPTS maps to 0.
func ToDuration(us int64) time.Duration {
	if us == NoPTS {
		return 0
	}
	return time.Duration(us) * time.Microsecond
}
