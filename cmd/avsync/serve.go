package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avsync/internal/certs"
	"github.com/zsiec/avsync/internal/config"
	"github.com/zsiec/avsync/internal/control"
	"github.com/zsiec/avsync/internal/session"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run playback sessions behind the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = config.EnvOr("AVSYNC_API_ADDR", c.cfg.API.Addr)
			}
			return c.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config or $AVSYNC_API_ADDR)")
	return cmd
}

func (c *cli) serve(parent context.Context, addr string) error {
	ctx, cancel := c.signalContext(parent)
	defer cancel()

	opts, err := c.cfg.PlayerOptions()
	if err != nil {
		return err
	}
	opts.Log = c.log

	tlsCfg, err := c.serverTLS(addr)
	if err != nil {
		return err
	}

	mgr := session.NewManager(session.Config{
		Player:      opts,
		AudioPeriod: c.cfg.Audio.Period,
		MaxSessions: c.cfg.API.MaxSessions,
	}, c.log)

	srv := control.New(control.Config{
		Addr:       addr,
		Sessions:   mgr,
		CaptureDir: c.cfg.API.CaptureDir,
		TLS:        tlsCfg,
		Log:        c.log,
	})

	c.log.Info("control API starting", "addr", addr, "device", audioDeviceName, "max_sessions", c.cfg.API.MaxSessions)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	err = g.Wait()
	return errors.Join(err, mgr.Close())
}

// serverTLS returns nil when the API serves plain HTTP.
func (c *cli) serverTLS(addr string) (*tls.Config, error) {
	var (
		cert *certs.Cert
		err  error
	)
	switch {
	case c.cfg.API.TLSCert != "":
		cert, err = certs.Load(c.cfg.API.TLSCert, c.cfg.API.TLSKey)
	case c.cfg.API.SelfSigned:
		host, _, _ := net.SplitHostPort(addr)
		cert, err = certs.Generate(0, host)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.log.Info("control API certificate",
		"fingerprint", cert.FingerprintHex(),
		"not_after", cert.NotAfter,
		"self_signed", c.cfg.API.SelfSigned,
	)
	return cert.TLSConfig(), nil
}
