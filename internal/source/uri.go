// Package source opens the byte streams the TS backend demuxes: local
// files, SRT caller connections to a remote listener and SRT listeners that
// wait for a single publisher.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind identifies how a source is reached.
type Kind int

const (
	KindFile Kind = iota
	KindSRTCaller
	KindSRTListener
)

func (k Kind) String() string {
	switch k {
	case KindSRTCaller:
		return "srt-caller"
	case KindSRTListener:
		return "srt-listener"
	default:
		return "file"
	}
}

// SRTScheme prefixes SRT sources.
const SRTScheme = "srt://"

// URI is a parsed source string.
//
//	/path/to/file.ts
//	srt://host:port?streamid=live/key&latency=200ms
//	srt://:port?mode=listener&streamid=key
type URI struct {
	Kind     Kind
	Path     string
	Address  string
	StreamID string
	// Latency overrides the configured SRT latency when non-zero.
	Latency time.Duration
}

// IsSRT reports whether raw names an SRT source.
func IsSRT(raw string) bool {
	return strings.HasPrefix(strings.ToLower(raw), SRTScheme)
}

// Parse splits a source string into its parts. Anything that is not an SRT
// URI is taken as a file path.
func Parse(raw string) (URI, error) {
	if raw == "" {
		return URI{}, errors.New("source: empty source")
	}
	if !IsSRT(raw) {
		return URI{Kind: KindFile, Path: strings.TrimPrefix(raw, "file://")}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("source: %w", err)
	}
	if u.Port() == "" {
		return URI{}, fmt.Errorf("source: %q has no port", raw)
	}
	out := URI{Kind: KindSRTCaller, Address: u.Host}

	q := u.Query()
	for key := range q {
		switch key {
		case "mode", "streamid", "latency":
		default:
			return URI{}, fmt.Errorf("source: unknown SRT option %q", key)
		}
	}
	switch mode := q.Get("mode"); mode {
	case "", "caller":
	case "listener":
		out.Kind = KindSRTListener
	default:
		return URI{}, fmt.Errorf("source: unknown SRT mode %q", mode)
	}
	if out.Kind == KindSRTCaller && u.Hostname() == "" {
		return URI{}, fmt.Errorf("source: SRT caller %q needs a host", raw)
	}
	out.StreamID = q.Get("streamid")
	if v := q.Get("latency"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return URI{}, fmt.Errorf("source: bad latency %q", v)
		}
		out.Latency = d
	}
	return out, nil
}

// StreamKey normalizes an SRT stream id: leading "/" and "live/" are
// dropped and an empty id becomes "default".
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
