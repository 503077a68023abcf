package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/config"
)

// cli holds what every command shares: flags, the loaded configuration and
// the logger built from it.
type cli struct {
	configPath string
	verbose    bool

	cfg config.Config
	log *slog.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.Default(), out: os.Stdout}

	root := &cobra.Command{
		Use:   "avsync",
		Short: "Audio-master A/V playback engine",
		Long: `avsync decodes a media source on one goroutine, presents video on another
and lets the host audio device pull PCM, delaying or dropping video frames
so pictures follow the audio clock.

Sources:
  synth:?fps=25&duration=10s   deterministic test pattern and tone
  clip.ts, clip.m2ts           MPEG-TS files (also pipes)
  srt://host:port?streamid=x   SRT caller; srt://:port?mode=listener to listen
  anything else                FFmpeg, when built with -tags ffmpeg

Configuration is read from --config or $AVSYNC_CONFIG (YAML).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			return c.setup()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", config.EnvOr("AVSYNC_CONFIG", ""), "YAML configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newPlayCmd(c),
		newProbeCmd(c),
		newInspectCmd(c),
		newGenCmd(c),
		newPushCmd(c),
		newServeCmd(c),
		newVersionCmd(c),
	)
	return root
}

// setup loads the configuration and installs the process logger. DEBUG in
// the environment or --verbose overrides the configured level.
func (c *cli) setup() error {
	if c.configPath != "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
	}

	level, err := config.ParseLevel(c.cfg.Log.Level)
	if err != nil {
		return err
	}
	if c.verbose || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if c.cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	c.log = slog.New(h)
	slog.SetDefault(c.log)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (c *cli) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
