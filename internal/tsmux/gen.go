package tsmux

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/avsync/internal/mpegts"
)

// PIDs the generator uses.
const (
	PMTPID   uint16 = 0x1000
	VideoPID uint16 = 0x0100
	AudioPID uint16 = 0x0101
)

// GenOptions describe a generated test stream.
type GenOptions struct {
	Duration   time.Duration
	FrameRate  float64
	Width      int
	Height     int
	GOP        int
	SampleRate int
	Channels   int
	Video      bool
	Audio      bool
	// StartPTS is the first timestamp in 90 kHz ticks.
	StartPTS int64
	// AudioFramesPerPES groups consecutive ADTS frames into one PES.
	AudioFramesPerPES int
}

// DefaultGenOptions returns a two-second 25 fps stream with 44.1 kHz
// stereo audio, starting at 1.4 s like most broadcast encoders.
func DefaultGenOptions() GenOptions {
	return GenOptions{
		Duration:          2 * time.Second,
		FrameRate:         25,
		Width:             320,
		Height:            240,
		GOP:               25,
		SampleRate:        44100,
		Channels:          2,
		Video:             true,
		Audio:             true,
		StartPTS:          126000,
		AudioFramesPerPES: 1,
	}
}

// Validate reports options the generator cannot write.
func (o GenOptions) Validate() error {
	var errs []error
	if o.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration %v must be positive", o.Duration))
	}
	if !o.Video && !o.Audio {
		errs = append(errs, errors.New("need video or audio"))
	}
	if o.Video {
		if o.FrameRate <= 0 || o.FrameRate > 240 {
			errs = append(errs, fmt.Errorf("frame rate %v out of range", o.FrameRate))
		}
		if o.Width <= 0 || o.Height <= 0 || o.Width%2 != 0 || o.Height%2 != 0 {
			errs = append(errs, fmt.Errorf("picture size %dx%d must be positive and even", o.Width, o.Height))
		}
		if o.GOP < 1 {
			errs = append(errs, fmt.Errorf("GOP %d must be positive", o.GOP))
		}
	}
	if o.Audio && o.AudioFramesPerPES < 1 {
		errs = append(errs, fmt.Errorf("audio frames per PES %d must be positive", o.AudioFramesPerPES))
	}
	if o.StartPTS < 0 {
		errs = append(errs, fmt.Errorf("start PTS %d must not be negative", o.StartPTS))
	}
	return errors.Join(errs...)
}

// GenSummary reports what Generate wrote.
type GenSummary struct {
	VideoFrames int
	AudioFrames int
	Keyframes   int
	Bytes       int64
}

// AACFrameSamples is the number of samples per AAC frame.
const AACFrameSamples = 1024

// Generate writes a transport stream with H.264-shaped video and ADTS audio
// interleaved in timestamp order. Tables are repeated before every keyframe.
func Generate(w io.Writer, o GenOptions) (GenSummary, error) {
	var sum GenSummary
	if err := o.Validate(); err != nil {
		return sum, err
	}
	if o.Audio {
		if _, err := ADTSFrame(o.SampleRate, o.Channels, nil); err != nil {
			return sum, err
		}
	}

	tw := NewWriter(w)
	var streams []Stream
	pcrPID := AudioPID
	if o.Video {
		streams = append(streams, Stream{PID: VideoPID, Type: mpegts.StreamTypeH264})
		pcrPID = VideoPID
	}
	if o.Audio {
		streams = append(streams, Stream{PID: AudioPID, Type: mpegts.StreamTypeAAC})
	}

	total := o.Duration.Seconds()
	var videoFrames, audioFrames int64
	if o.Video {
		videoFrames = int64(total*o.FrameRate + 0.5)
	}
	if o.Audio {
		audioFrames = (int64(total*float64(o.SampleRate)) + AACFrameSamples - 1) / AACFrameSamples
	}
	videoPTS := func(i int64) int64 {
		return o.StartPTS + int64(float64(i)*mpegts.ClockRate/o.FrameRate+0.5)
	}
	audioPTS := func(i int64) int64 {
		return o.StartPTS + i*AACFrameSamples*mpegts.ClockRate/int64(o.SampleRate)
	}

	var sps, pps []byte
	if o.Video {
		sps, pps = BuildSPS(o.Width, o.Height, o.FrameRate), BuildPPS()
	} else if err := tw.WriteTables(1, PMTPID, pcrPID, streams); err != nil {
		return sum, err
	}

	var vi, ai int64
	for vi < videoFrames || ai < audioFrames {
		if vi < videoFrames && (ai >= audioFrames || videoPTS(vi) <= audioPTS(ai)) {
			key := vi%int64(o.GOP) == 0
			pts := videoPTS(vi)
			if key {
				if err := tw.WriteTables(1, PMTPID, pcrPID, streams); err != nil {
					return sum, err
				}
				sum.Keyframes++
			}
			pcr := int64(-1)
			if key {
				pcr = pts * 300
			}
			err := tw.WritePES(PES{
				PID:          VideoPID,
				StreamID:     0xE0,
				PTS:          pts,
				DTS:          pts,
				Data:         AccessUnit(vi, key, sps, pps),
				RandomAccess: key,
				PCR:          pcr,
			})
			if err != nil {
				return sum, err
			}
			vi++
			sum.VideoFrames++
			continue
		}

		pts := audioPTS(ai)
		var data []byte
		for k := 0; k < o.AudioFramesPerPES && ai < audioFrames; k++ {
			frame, err := ADTSFrame(o.SampleRate, o.Channels, silentAACPayload(o.Channels))
			if err != nil {
				return sum, err
			}
			data = append(data, frame...)
			ai++
			sum.AudioFrames++
		}
		pcr := int64(-1)
		if !o.Video {
			pcr = pts * 300
		}
		err := tw.WritePES(PES{
			PID:          AudioPID,
			StreamID:     0xC0,
			PTS:          pts,
			DTS:          -1,
			Data:         data,
			RandomAccess: !o.Video,
			PCR:          pcr,
			Bounded:      true,
		})
		if err != nil {
			return sum, err
		}
	}
	sum.Bytes = tw.Written()
	return sum, nil
}

// silentAACPayload is the raw_data_block of a silent AAC-LC frame: one
// (or two, paired) channel elements with zeroed spectra, then ID_END.
func silentAACPayload(channels int) []byte {
	if channels == 1 {
		return []byte{0x00, 0xC8, 0x00, 0x00, 0x00, 0x1C}
	}
	return []byte{0x21, 0x00, 0x49, 0x90, 0x02, 0x19, 0x00, 0x23, 0x80}
}
