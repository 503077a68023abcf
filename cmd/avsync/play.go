package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avsync/internal/capture"
	"github.com/zsiec/avsync/internal/hostaudio"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/player"
)

type playFlags struct {
	capture string
	start   time.Duration
	limit   time.Duration
	stats   bool
}

func newPlayCmd(c *cli) *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play SOURCE",
		Short: "Play a source until it ends or is interrupted",
		Example: `  avsync play 'synth:?fps=30&duration=5s'
  avsync play clip.ts --capture clip.avsc --stats
  avsync play 'srt://encoder:6000?streamid=live' --for 1m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.play(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.capture, "capture", "", "record presented frames and pulled audio to this file")
	cmd.Flags().DurationVar(&f.start, "start", 0, "seek here before playing")
	cmd.Flags().DurationVar(&f.limit, "for", 0, "stop after this long (0 plays to the end)")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "print the final stats snapshot as JSON")
	return cmd
}

func (c *cli) play(parent context.Context, source string, f playFlags) error {
	ctx, cancel := c.signalContext(parent)
	defer cancel()

	opts, err := c.cfg.PlayerOptions()
	if err != nil {
		return err
	}

	sinks := player.Tee{progressSink(c)}
	var rec *capture.Writer
	if f.capture != "" {
		rec, err = capture.Create(f.capture, capture.Header{
			Source:     source,
			SampleRate: opts.SampleRate,
			Channels:   opts.Channels,
		}, capture.Options{Log: c.log})
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				c.log.Warn("capture close failed", "error", err)
			}
		}()
		sinks = append(sinks, rec)
	}
	opts.Sink = sinks
	opts.Log = c.log

	p, err := player.Open(ctx, source, opts)
	if err != nil {
		return err
	}
	info := p.Info()
	c.log.Info("playing", "source", source, "format", info.Format, "duration", info.Duration, "device", audioDeviceName)

	rate, ch := p.Format()
	var pull hostaudio.Puller = p
	if rec != nil {
		pull = rec.Wrap(p)
	}
	dev, err := newAudioDevice(pull, hostaudio.Format{SampleRate: rate, Channels: ch}, c.cfg.Audio.Period, c.log)
	if err != nil {
		p.Stop()
		return err
	}

	if err := p.Start(); err != nil {
		p.Stop()
		return err
	}
	if f.start > 0 {
		if err := p.Seek(ctx, f.start); err != nil {
			p.Stop()
			return fmt.Errorf("seek to %v: %w", f.start, err)
		}
	}

	devCtx, devCancel := context.WithCancel(ctx)
	g, _ := errgroup.WithContext(devCtx)
	g.Go(func() error { return dev.Run(devCtx) })

	var limit <-chan time.Time
	if f.limit > 0 {
		t := time.NewTimer(f.limit)
		defer t.Stop()
		limit = t.C
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
	case <-limit:
		c.log.Info("play limit reached", "limit", f.limit)
	}

	position := p.Position()
	stopErr := p.Stop()
	devCancel()
	devErr := g.Wait()

	snap := p.Stats()
	c.log.Info("finished",
		"state", p.State(),
		"position", position,
		"presented", snap.Render.Presented,
		"stale", snap.Render.Stale,
		"late", snap.Render.Late,
		"max_drift", snap.Sync.MaxAbsDrift,
		"leaked_frames", p.LiveFrames(),
	)
	if f.stats {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	return errors.Join(p.Wait(), stopErr, devErr)
}

// progressSink logs what the player reports to the host.
func progressSink(c *cli) player.SinkFuncs {
	return player.SinkFuncs{
		VideoSize: func(width, height int, fps float64) {
			c.log.Info("video size", "width", width, "height", height, "fps", fps)
		},
		VideoFrame: func(img media.VideoImage) {
			c.log.Debug("frame presented", "pts", img.PTS)
		},
		Complete: func(d time.Duration) {
			c.log.Info("playback complete", "duration", d)
		},
	}
}
