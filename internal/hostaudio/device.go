// Package hostaudio drives a player's audio pull callback from an output
// device. The headless device paces pulls by wall-clock time and discards
// the samples; the oto device (build tag oto) plays them.
package hostaudio

import (
	"context"
	"log/slog"
	"time"
)

// Puller is the host audio callback. It fills out with interleaved samples
// and never blocks.
type Puller interface {
	PullAudio(out []int16) int
}

// Device pulls audio from a Puller until its context is cancelled.
type Device interface {
	Run(ctx context.Context) error
}

// Format is the interleaved S16 format a device consumes.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesPer returns the number of interleaved samples covering d.
func (f Format) SamplesPer(d time.Duration) int {
	return int(d.Seconds()*float64(f.SampleRate)) * f.Channels
}

// Headless consumes audio in real time without an output device. Each tick
// it pulls whatever wall-clock time says a sound card would have played, so
// the player's audio clock advances exactly as with hardware.
type Headless struct {
	log    *slog.Logger
	src    Puller
	format Format
	period time.Duration

	// Tap, if set, receives every pulled chunk. The slice is reused.
	Tap func(samples []int16)
}

// NewHeadless returns a device pulling from src every period.
func NewHeadless(src Puller, format Format, period time.Duration, log *slog.Logger) *Headless {
	if log == nil {
		log = slog.Default()
	}
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &Headless{
		log:    log.With("component", "hostaudio", "device", "headless"),
		src:    src,
		format: format,
		period: period,
	}
}

// Run pulls until ctx is cancelled.
func (h *Headless) Run(ctx context.Context) error {
	h.log.Debug("device started", "rate", h.format.SampleRate, "channels", h.format.Channels, "period", h.period)
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	start := time.Now()
	var frames int64
	buf := make([]int16, 0, h.format.SamplesPer(4*h.period)+h.format.Channels)
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("device stopped", "frames", frames)
			return nil
		case now := <-ticker.C:
			due := int64(now.Sub(start).Seconds()*float64(h.format.SampleRate)) - frames
			if due <= 0 {
				continue
			}
			n := int(due) * h.format.Channels
			if n > cap(buf) {
				n = cap(buf) / h.format.Channels * h.format.Channels
			}
			// A stall longer than the buffer is dropped rather than caught up.
			frames += due
			chunk := buf[:n]
			h.src.PullAudio(chunk)
			if h.Tap != nil {
				h.Tap(chunk)
			}
		}
	}
}
