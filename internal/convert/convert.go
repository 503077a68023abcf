// Package convert turns decoded frames into the formats the host consumes:
// interleaved signed 16-bit PCM at the output rate and channel count, and
// packed RGBA or BGRA pixels.
package convert

import (
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// QualityHigh is the only resampler preset exposed through configuration.
const QualityHigh = "high"

// Options describes the audio output format.
type Options struct {
	SampleRate int
	Channels   int
	Quality    string
}

// Converter holds the per-session conversion state. Audio and video sides
// keep separate scratch buffers and locks, so the decode and render
// goroutines can use one Converter concurrently.
//
// Slices returned by ConvertAudio and ConvertVideo are reused by the next
// call on the same side.
type Converter struct {
	log  *slog.Logger
	opts Options

	audioMu sync.Mutex
	// One mono resampler per output channel.
	resamplers []resampling.Resampler
	inRate     int
	mixed      []float64
	planes     [][]float64
	pcm        []int16

	videoMu sync.Mutex
	pixels  []byte
}

// New returns a converter producing audio in opts' format.
func New(opts Options, log *slog.Logger) (*Converter, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("convert: invalid output format %dHz %dch", opts.SampleRate, opts.Channels)
	}
	if opts.Quality == "" {
		opts.Quality = QualityHigh
	}
	if opts.Quality != QualityHigh {
		return nil, fmt.Errorf("convert: unknown resampler quality %q", opts.Quality)
	}
	return &Converter{
		log:  log.With("component", "convert"),
		opts: opts,
	}, nil
}

// Output returns the audio output format.
func (c *Converter) Output() Options {
	return c.opts
}

// Reset drops resampler history, as needed after a seek.
func (c *Converter) Reset() {
	c.audioMu.Lock()
	c.resamplers = nil
	c.inRate = 0
	c.audioMu.Unlock()
}

func (c *Converter) resamplersFor(rate int) ([]resampling.Resampler, error) {
	if rate == c.opts.SampleRate {
		return nil, nil
	}
	if c.resamplers != nil && c.inRate == rate {
		return c.resamplers, nil
	}
	rs := make([]resampling.Resampler, c.opts.Channels)
	for ch := range rs {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(c.opts.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("convert: create resampler %d→%d: %w", rate, c.opts.SampleRate, err)
		}
		rs[ch] = r
	}
	if c.resamplers != nil {
		c.log.Debug("input sample rate changed", "from", c.inRate, "to", rate)
	}
	c.resamplers = rs
	c.inRate = rate
	return rs, nil
}
