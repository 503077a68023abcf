package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/source"
)

func newPushCmd(c *cli) *cobra.Command {
	var (
		loop bool
		rate float64
	)
	cmd := &cobra.Command{
		Use:   "push FILE DEST",
		Short: "Send a transport stream file to an SRT listener in real time",
		Example: `  avsync gen clip.ts && avsync push clip.ts 'srt://127.0.0.1:6000?streamid=live/clip' --loop
  avsync play 'srt://:6000?mode=listener'   # the other end`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.push(cmd.Context(), args[0], args[1], loop, rate)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "resend until interrupted, keeping timestamps increasing")
	cmd.Flags().Float64Var(&rate, "rate", 0, "bytes per second (default: file size over its duration)")
	return cmd
}

func (c *cli) push(parent context.Context, path, dst string, loop bool, rate float64) error {
	ctx, cancel := c.signalContext(parent)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if rate <= 0 {
		if rate, err = c.realTimeRate(ctx, path, len(data)); err != nil {
			return err
		}
	}
	c.log.Info("pushing", "file", path, "dest", dst, "bytes", len(data), "rate", int64(rate), "loop", loop)

	st, err := source.Push(ctx, data, dst, source.PushOptions{
		Config: source.Config{
			Latency:     c.cfg.SRT.Latency,
			DialTimeout: c.cfg.SRT.DialTimeout,
			Log:         c.log,
		},
		Rate: rate,
		Loop: loop,
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	fmt.Fprintf(c.out, "%s: sent %d bytes in %d loop(s)\n", dst, st.Bytes, st.Loops)
	return err
}

// realTimeRate probes the file for its duration.
func (c *cli) realTimeRate(ctx context.Context, path string, size int) (float64, error) {
	b, info, err := backend.Open(ctx, path, backend.Config{})
	if err != nil {
		return 0, err
	}
	b.Close()
	if info.Duration <= 0 {
		return 0, fmt.Errorf("%s: unknown duration, pass --rate", path)
	}
	return float64(size) / info.Duration.Seconds(), nil
}
