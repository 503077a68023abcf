package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Summary describes a whole capture.
type Summary struct {
	Header Header

	Width, Height int
	FPS           float64

	VideoFrames int
	FirstPTS    time.Duration
	LastPTS     time.Duration
	// Backwards counts frames presented with a PTS below the previous one.
	Backwards int

	AudioChunks  int
	AudioSamples int64

	// VideoDrift measures presentation against the wall clock: how far the
	// wall time elapsed since the first frame strays from the PTS elapsed.
	// Positive means late.
	VideoDrift Drift
	// AudioDrift measures the host's pulls against the wall clock: how far
	// the wall time elapsed since the first pull strays from the duration of
	// the audio pulled before it.
	AudioDrift Drift

	Span     time.Duration
	Complete bool
	Duration time.Duration
	Error    string
}

// Drift is a running deviation measurement.
type Drift struct {
	Samples int
	Max     time.Duration
	sum     time.Duration
	sumAbs  time.Duration
}

func (d *Drift) add(v time.Duration) {
	d.Samples++
	d.sum += v
	abs := v
	if abs < 0 {
		abs = -abs
	}
	d.sumAbs += abs
	if abs > d.Max {
		d.Max = abs
	}
}

// Mean returns the signed mean deviation.
func (d Drift) Mean() time.Duration {
	if d.Samples == 0 {
		return 0
	}
	return d.sum / time.Duration(d.Samples)
}

// MeanAbs returns the mean absolute deviation.
func (d Drift) MeanAbs() time.Duration {
	if d.Samples == 0 {
		return 0
	}
	return d.sumAbs / time.Duration(d.Samples)
}

func (d Drift) String() string {
	return fmt.Sprintf("mean %v, mean abs %v, max %v over %d", d.Mean(), d.MeanAbs(), d.Max, d.Samples)
}

// Summarize reads every record from r. A file cut short by a crash still
// summarizes what it holds; the truncation is returned alongside it.
func Summarize(r *Reader) (Summary, error) {
	s := Summary{Header: r.Header()}

	var (
		firstWall  time.Duration
		audioWall  time.Duration
		prevPTS    time.Duration
		pulled     int64
		perSecond  = int64(s.Header.SampleRate * s.Header.Channels)
		lastRecord time.Duration
	)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.Span = lastRecord
			return s, err
		}
		lastRecord = rec.Wall

		switch rec.Type {
		case RecordVideoSize:
			s.Width, s.Height, s.FPS = rec.Size.Width, rec.Size.Height, rec.Size.FPS
		case RecordVideo:
			pts := rec.Video.PTS
			if s.VideoFrames == 0 {
				firstWall = rec.Wall
				s.FirstPTS = pts
			} else if pts < prevPTS {
				s.Backwards++
			}
			s.VideoFrames++
			prevPTS = pts
			if pts > s.LastPTS || s.VideoFrames == 1 {
				s.LastPTS = pts
			}
			s.VideoDrift.add((rec.Wall - firstWall) - (pts - s.FirstPTS))
		case RecordAudio:
			if s.AudioChunks == 0 {
				audioWall = rec.Wall
			}
			if perSecond > 0 {
				played := time.Duration(pulled * int64(time.Second) / perSecond)
				s.AudioDrift.add((rec.Wall - audioWall) - played)
			}
			s.AudioChunks++
			s.AudioSamples += int64(rec.Audio.Samples)
			pulled += int64(rec.Audio.Samples)
		case RecordEnd:
			s.Complete = rec.End.Error == ""
			s.Duration = rec.End.Duration
			s.Error = rec.End.Error
		}
	}
	s.Span = lastRecord
	return s, nil
}

// SummarizeFile opens and summarizes the capture at path.
func SummarizeFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("capture: %w", err)
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(r)
}
