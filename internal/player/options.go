package player

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/convert"
	"github.com/zsiec/avsync/internal/media"
)

// Options configure a Player. Zero fields take the value from
// DefaultOptions.
type Options struct {
	SampleRate  int
	Channels    int
	Quality     string
	PixelFormat media.PixelFormat

	QueueSize   int
	RingSeconds float64
	Sync        clock.Params

	BackpressureSleep time.Duration
	RetrySleep        time.Duration
	WaitTimeout       time.Duration
	JoinTimeout       time.Duration

	SRTLatency  time.Duration
	DialTimeout time.Duration

	Sink Sink
	Log  *slog.Logger
	// Pool is shared with the backend so leaked frames can be counted.
	Pool *media.FramePool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		SampleRate:        44100,
		Channels:          2,
		Quality:           convert.QualityHigh,
		PixelFormat:       media.PixelFormatRGBA,
		QueueSize:         15,
		RingSeconds:       2,
		Sync:              clock.DefaultParams,
		BackpressureSleep: 10 * time.Millisecond,
		RetrySleep:        10 * time.Millisecond,
		WaitTimeout:       100 * time.Millisecond,
		JoinTimeout:       5 * time.Second,
		SRTLatency:        120 * time.Millisecond,
		DialTimeout:       10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleRate == 0 {
		o.SampleRate = d.SampleRate
	}
	if o.Channels == 0 {
		o.Channels = d.Channels
	}
	if o.Quality == "" {
		o.Quality = d.Quality
	}
	if o.PixelFormat == media.PixelFormatNone {
		o.PixelFormat = d.PixelFormat
	}
	if o.QueueSize == 0 {
		o.QueueSize = d.QueueSize
	}
	if o.RingSeconds == 0 {
		o.RingSeconds = d.RingSeconds
	}
	if o.Sync == (clock.Params{}) {
		o.Sync = d.Sync
	}
	if o.BackpressureSleep == 0 {
		o.BackpressureSleep = d.BackpressureSleep
	}
	if o.RetrySleep == 0 {
		o.RetrySleep = d.RetrySleep
	}
	if o.WaitTimeout == 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.JoinTimeout == 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.SRTLatency == 0 {
		o.SRTLatency = d.SRTLatency
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.Sink == nil {
		o.Sink = SinkFuncs{}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Validate reports settings the engine cannot run with.
func (o Options) Validate() error {
	var errs []error
	if o.SampleRate < 8000 || o.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample rate %d out of range", o.SampleRate))
	}
	if o.Channels < 1 || o.Channels > 8 {
		errs = append(errs, fmt.Errorf("channel count %d out of range", o.Channels))
	}
	switch o.PixelFormat {
	case media.PixelFormatRGBA, media.PixelFormatBGRA:
	default:
		errs = append(errs, fmt.Errorf("output pixel format %v not supported", o.PixelFormat))
	}
	if o.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size %d must be positive", o.QueueSize))
	}
	if o.RingSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ring seconds %v must be positive", o.RingSeconds))
	}
	if o.Sync.Threshold <= 0 || o.Sync.MaxDiff < o.Sync.Threshold || o.Sync.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("sync thresholds %+v inconsistent", o.Sync))
	}
	if o.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("join timeout %v must be positive", o.JoinTimeout))
	}
	return errors.Join(errs...)
}
