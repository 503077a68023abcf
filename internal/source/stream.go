package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Stats captures connection-level counters for a source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Stream is an open source. Reads are counted; Seek works on files only.
type Stream struct {
	URI       URI
	StartedAt time.Time

	rc   io.ReadCloser
	size int64

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value

	closeOnce sync.Once
	closeErr  error
}

func newStream(u URI, rc io.ReadCloser, size int64) *Stream {
	return &Stream{URI: u, StartedAt: time.Now(), rc: rc, size: size}
}

// Read reads from the underlying file or connection.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
	}
	return n, err
}

// Seekable reports whether Seek can reposition the stream.
func (s *Stream) Seekable() bool {
	_, ok := s.rc.(io.Seeker)
	return ok && s.URI.Kind == KindFile && s.size >= 0
}

// Seek moves a file source to an absolute byte offset.
func (s *Stream) Seek(offset int64) error {
	sk, ok := s.rc.(io.Seeker)
	if !ok || !s.Seekable() {
		return errors.New("source: stream is not seekable")
	}
	_, err := sk.Seek(offset, io.SeekStart)
	return err
}

// Size is the file size in bytes, or -1 for live sources.
func (s *Stream) Size() int64 {
	return s.size
}

// SetRemoteAddr records the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the read counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Close closes the underlying file or connection. Safe to call more than
// once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

// Config holds the network settings for SRT sources.
type Config struct {
	Latency     time.Duration
	DialTimeout time.Duration
	Log         *slog.Logger
}

// Default SRT settings.
const (
	DefaultLatency     = 120 * time.Millisecond
	DefaultDialTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Latency <= 0 {
		c.Latency = DefaultLatency
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Open parses raw and opens the source it names. For SRT listeners it blocks
// until a publisher connects or ctx is done.
func Open(ctx context.Context, raw string, cfg Config) (*Stream, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if u.Latency > 0 {
		cfg.Latency = u.Latency
	}

	switch u.Kind {
	case KindSRTCaller:
		return dial(ctx, u, cfg)
	case KindSRTListener:
		return listen(ctx, u, cfg)
	default:
		return openFile(u)
	}
}

func openFile(u URI) (*Stream, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: %w", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("source: %s is a directory", u.Path)
	}
	// Pipes and devices read like live sources.
	size := fi.Size()
	if !fi.Mode().IsRegular() {
		size = -1
	}
	return newStream(u, f, size), nil
}
