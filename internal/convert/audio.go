package convert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/zsiec/avsync/internal/media"
)

var errNotAudio = errors.New("convert: not an audio frame")

// ConvertAudio converts an audio frame of any supported sample format and
// channel count to interleaved S16 in the output format. The result may be
// empty while the resampler fills its history.
func (c *Converter) ConvertAudio(f *media.Frame) ([]int16, error) {
	if f == nil || f.Kind != media.KindAudio {
		return nil, errNotAudio
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("convert: invalid audio frame %dHz %dch", f.SampleRate, f.Channels)
	}
	if f.Samples == 0 {
		return nil, nil
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	if err := c.mix(f); err != nil {
		return nil, err
	}

	samples := c.mixed
	rs, err := c.resamplersFor(f.SampleRate)
	if err != nil {
		return nil, err
	}
	if rs != nil {
		if samples, err = c.resample(rs, f.Samples); err != nil {
			return nil, err
		}
	}

	if cap(c.pcm) < len(samples) {
		c.pcm = make([]int16, len(samples))
	}
	c.pcm = c.pcm[:len(samples)]
	for i, v := range samples {
		c.pcm[i] = toS16(v)
	}
	return c.pcm, nil
}

// resample runs each channel of c.mixed through its own resampler and
// interleaves the results. Channels are cut to the shortest output so the
// result is always whole frames.
func (c *Converter) resample(rs []resampling.Resampler, frames int) ([]float64, error) {
	out := len(rs)
	if len(c.planes) != out {
		c.planes = make([][]float64, out)
	}
	outFrames := -1
	outs := make([][]float64, out)
	for ch, r := range rs {
		plane := c.planes[ch][:0]
		for i := 0; i < frames; i++ {
			plane = append(plane, c.mixed[i*out+ch])
		}
		c.planes[ch] = plane
		res, err := r.Process(plane)
		if err != nil {
			return nil, fmt.Errorf("convert: resample channel %d: %w", ch, err)
		}
		outs[ch] = res
		if outFrames < 0 || len(res) < outFrames {
			outFrames = len(res)
		}
	}
	n := outFrames * out
	if cap(c.mixed) < n {
		c.mixed = make([]float64, n)
	}
	mixed := c.mixed[:n]
	for ch, res := range outs {
		for i := 0; i < outFrames; i++ {
			mixed[i*out+ch] = res[i]
		}
	}
	return mixed, nil
}

// mix decodes f into c.mixed as interleaved float64 samples in [-1, 1] with
// the output channel count.
func (c *Converter) mix(f *media.Frame) error {
	in, out := f.Channels, c.opts.Channels
	n := f.Samples * out
	if cap(c.mixed) < n {
		c.mixed = make([]float64, n)
	}
	c.mixed = c.mixed[:n]

	read, err := sampleReader(f)
	if err != nil {
		return err
	}

	for i := 0; i < f.Samples; i++ {
		dst := c.mixed[i*out : (i+1)*out]
		switch {
		case in == out:
			for ch := range dst {
				dst[ch] = read(i, ch)
			}
		case out == 1:
			var sum float64
			for ch := 0; ch < in; ch++ {
				sum += read(i, ch)
			}
			dst[0] = sum / float64(in)
		case in < out:
			for ch := range dst {
				dst[ch] = read(i, ch%in)
			}
		default:
			// Fold extra input channels onto outputs round-robin.
			clear(dst)
			for ch := 0; ch < in; ch++ {
				dst[ch%out] += read(i, ch)
			}
			for ch := range dst {
				k := in / out
				if ch < in%out {
					k++
				}
				dst[ch] /= float64(k)
			}
		}
	}
	return nil
}

// sampleReader returns an accessor for sample i of channel ch, validating
// that f's planes are large enough.
func sampleReader(f *media.Frame) (func(i, ch int) float64, error) {
	bps := f.SampleFormat.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("convert: unsupported sample format %s", f.SampleFormat)
	}
	planar := f.SampleFormat.Planar()
	if planar {
		if len(f.Planes) < f.Channels {
			return nil, fmt.Errorf("convert: %d planes for %d channels", len(f.Planes), f.Channels)
		}
		for ch := 0; ch < f.Channels; ch++ {
			if len(f.Planes[ch]) < f.Samples*bps {
				return nil, fmt.Errorf("convert: plane %d short: %d bytes", ch, len(f.Planes[ch]))
			}
		}
	} else if len(f.Planes) < 1 || len(f.Planes[0]) < f.Samples*f.Channels*bps {
		return nil, errors.New("convert: packed audio plane short")
	}

	at := func(i, ch int) []byte {
		if planar {
			return f.Planes[ch][i*bps:]
		}
		return f.Planes[0][(i*f.Channels+ch)*bps:]
	}
	if bps == 2 {
		return func(i, ch int) float64 {
			return float64(int16(binary.LittleEndian.Uint16(at(i, ch)))) / 32768
		}, nil
	}
	return func(i, ch int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(at(i, ch))))
	}, nil
}

func toS16(v float64) int16 {
	v *= 32767
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
