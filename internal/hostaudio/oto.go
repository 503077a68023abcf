//go:build oto

package hostaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/hajimehoshi/oto/v2"
)

// Oto plays pulled audio on the system's default output.
type Oto struct {
	log    *slog.Logger
	ctx    *oto.Context
	player oto.Player
}

// NewOto opens the default output device in format and starts pulling from
// src.
func NewOto(src Puller, format Format, log *slog.Logger) (*Oto, error) {
	if log == nil {
		log = slog.Default()
	}
	c, ready, err := oto.NewContext(format.SampleRate, format.Channels, 2)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready
	p := c.NewPlayer(&pullReader{src: src})
	p.Play()
	return &Oto{
		log:    log.With("component", "hostaudio", "device", "oto"),
		ctx:    c,
		player: p,
	}, nil
}

// Run plays until ctx is cancelled, then closes the player.
func (o *Oto) Run(ctx context.Context) error {
	<-ctx.Done()
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("close audio player: %w", err)
	}
	return nil
}

// pullReader adapts a Puller to the io.Reader oto consumes. It always fills
// the buffer; missing audio comes back as silence.
type pullReader struct {
	src Puller
	buf []int16
}

func (r *pullReader) Read(p []byte) (int, error) {
	n := len(p) / 2
	if cap(r.buf) < n {
		r.buf = make([]int16, n)
	}
	samples := r.buf[:n]
	r.src.PullAudio(samples)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
	}
	return n * 2, nil
}
