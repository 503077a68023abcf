package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/tsmux"
)

func newGenCmd(c *cli) *cobra.Command {
	o := tsmux.DefaultGenOptions()
	var (
		size    string
		noVideo bool
		noAudio bool
		start   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gen OUT",
		Short: "Write a synthetic MPEG-TS test stream",
		Example: `  avsync gen clip.ts --duration 10s --fps 30 --size 640x360
  avsync gen tone.ts --no-video --rate 48000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscanf(size, "%dx%d", &o.Width, &o.Height); err != nil {
				return fmt.Errorf("size %q: want WIDTHxHEIGHT", size)
			}
			o.Video = !noVideo
			o.Audio = !noAudio
			o.StartPTS = start.Microseconds() * 9 / 100
			return c.gen(args[0], o)
		},
	}
	cmd.Flags().DurationVar(&o.Duration, "duration", o.Duration, "stream length")
	cmd.Flags().Float64Var(&o.FrameRate, "fps", o.FrameRate, "video frame rate")
	cmd.Flags().StringVar(&size, "size", fmt.Sprintf("%dx%d", o.Width, o.Height), "picture size WIDTHxHEIGHT")
	cmd.Flags().IntVar(&o.GOP, "gop", o.GOP, "frames per keyframe interval")
	cmd.Flags().IntVar(&o.SampleRate, "rate", o.SampleRate, "audio sample rate")
	cmd.Flags().IntVar(&o.Channels, "channels", o.Channels, "audio channels")
	cmd.Flags().IntVar(&o.AudioFramesPerPES, "audio-per-pes", o.AudioFramesPerPES, "AAC frames per audio PES")
	cmd.Flags().DurationVar(&start, "start-pts", time.Duration(o.StartPTS)*time.Second/90000, "first timestamp")
	cmd.Flags().BoolVar(&noVideo, "no-video", false, "omit the video stream")
	cmd.Flags().BoolVar(&noAudio, "no-audio", false, "omit the audio stream")
	return cmd
}

func (c *cli) gen(path string, o tsmux.GenOptions) error {
	if err := o.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 64<<10)
	sum, err := tsmux.Generate(bw, o)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("generate %s: %w", path, err)
	}
	c.log.Debug("stream generated", "path", path, "bytes", sum.Bytes)
	fmt.Fprintf(c.out, "%s: %d video frames (%d keyframes), %d audio frames, %d bytes\n",
		path, sum.VideoFrames, sum.Keyframes, sum.AudioFrames, sum.Bytes)
	return nil
}
