package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtConfig builds the srtgo configuration for a source.
func srtConfig(u URI, cfg Config) srtgo.Config {
	c := srtgo.DefaultConfig()
	setNanos(&c.Latency, cfg.Latency)
	if u.Kind == KindSRTCaller {
		c.StreamID = u.StreamID
	}
	return c
}

// setNanos stores d in a nanosecond field whatever its integer type.
func setNanos[T ~int | ~int64 | ~uint64](dst *T, d time.Duration) {
	*dst = T(d)
}

// dial connects to a remote SRT listener and reads from it.
func dial(ctx context.Context, u URI, cfg Config) (*Stream, error) {
	log := cfg.Log.With("component", "srt-caller", "address", u.Address)
	conn, err := dialConn(ctx, u, cfg, log)
	if err != nil {
		return nil, err
	}
	s := newStream(u, conn, -1)
	s.SetRemoteAddr(u.Address)
	return s, nil
}

// dialConn runs the dial in the background so ctx and the dial timeout can
// abandon it; a connection that completes after that is closed.
func dialConn(ctx context.Context, u URI, cfg Config, log *slog.Logger) (*srtgo.Conn, error) {
	log.Info("dialing", "stream_id", u.StreamID, "latency", cfg.Latency)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Address, srtConfig(u, cfg))
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(cfg.DialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", u.Address, res.err)
		}
		log.Info("connected")
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("source: SRT dial %s timed out after %s", u.Address, cfg.DialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// listen waits for one publisher on u.Address. When u.StreamID is set,
// publishers with another stream key are rejected.
func listen(ctx context.Context, u URI, cfg Config) (*Stream, error) {
	log := cfg.Log.With("component", "srt-listener", "addr", u.Address)

	l, err := srtgo.Listen(u.Address, srtConfig(u, cfg))
	if err != nil {
		return nil, fmt.Errorf("source: SRT listen on %s: %w", u.Address, err)
	}
	want := ""
	if u.StreamID != "" {
		want = StreamKey(u.StreamID)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if want != "" && StreamKey(req.StreamID) != want {
			return srtgo.RejPeer
		}
		return 0
	})
	log.Info("listening", "stream_key", want)

	type acceptResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := l.Accept()
		ch <- acceptResult{conn, err}
	}()

	// Only one publisher is served, so the listener is closed either way.
	select {
	case res := <-ch:
		l.Close()
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT accept: %w", res.err)
		}
		s := newStream(u, res.conn, -1)
		remote := res.conn.RemoteAddr().String()
		s.SetRemoteAddr(remote)
		log.Info("publish", "stream_key", StreamKey(res.conn.StreamID()), "remote", remote)
		return s, nil
	case <-ctx.Done():
		l.Close()
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("source: no SRT publisher on %s: %w", u.Address, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
