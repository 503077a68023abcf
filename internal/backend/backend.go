// Package backend defines the decoder backend the playback engine drives:
// open a source, read packets, feed them to per-stream decoders, pull decoded
// frames back out, seek and close. Implementations live in subpackages and in
// this package (the synthetic test source).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/avsync/internal/media"
)

// Sentinel errors shared by every backend.
var (
	// ErrAgain means the decoder needs more input before it can emit a frame.
	ErrAgain = errors.New("backend: resource temporarily unavailable")

	// ErrFault marks an unrecoverable failure (allocation, device context,
	// broken transport). The session is torn down when a read or decode
	// error wraps it.
	ErrFault = errors.New("backend: fault")

	// ErrNotSeekable is returned by Seek on live or piped sources.
	ErrNotSeekable = errors.New("backend: source is not seekable")

	// ErrUnsupported is returned by Open when no backend handles a source.
	ErrUnsupported = errors.New("backend: unsupported source")
)

// Backend demuxes and decodes one source. It is owned by a single goroutine:
// none of its methods are safe for concurrent use.
//
// ReadPacket returns io.EOF at the end of the source. Errors wrapping ErrFault
// are fatal; any other error is transient and the caller may retry.
// ReceiveFrame returns ErrAgain when the stream's decoder needs another
// packet and io.EOF once a flushed decoder is empty. A nil packet passed to
// SendPacket flushes that stream's decoder.
type Backend interface {
	Open(ctx context.Context, source string) (media.Info, error)
	ReadPacket() (*media.Packet, error)
	SendPacket(stream int, pkt *media.Packet) error
	ReceiveFrame(stream int) (*media.Frame, error)
	Seek(target time.Duration) error
	Close() error
}

// Interrupter is implemented by backends whose reads can block on the
// network. Interrupt may be called from any goroutine; a pending or later
// ReadPacket then fails with ErrFault.
type Interrupter interface {
	Interrupt()
}

// Config carries process-wide settings every backend may need.
type Config struct {
	// Pool supplies the frames a backend returns from ReceiveFrame.
	Pool *media.FramePool

	// SRTLatency and DialTimeout apply to network sources.
	SRTLatency  time.Duration
	DialTimeout time.Duration
}

// FramePool returns Pool, or a fresh pool when none was configured.
func (c Config) FramePool() *media.FramePool {
	if c.Pool == nil {
		return media.NewFramePool()
	}
	return c.Pool
}
