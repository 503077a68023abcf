package mpegts

import (
	"errors"
	"fmt"
)

var (
	ErrSync      = errors.New("mpegts: lost sync")
	ErrCRC       = errors.New("mpegts: CRC32 mismatch")
	ErrShort     = errors.New("mpegts: truncated data")
	ErrStartCode = errors.New("mpegts: invalid PES start code")
)

// ParseError locates a malformed unit in the stream.
type ParseError struct {
	Offset int64
	PID    uint16
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mpegts: offset %d pid 0x%04X: %v", e.Offset, e.PID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
