// Package render runs the presentation goroutine: it takes decoded video
// frames from the queue, holds each one until the audio clock says it is due,
// converts it to the host's pixel format and hands it to the sink.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/convert"
	"github.com/zsiec/avsync/internal/framequeue"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/stats"
)

// State is the render worker's lifecycle state.
type State int32

const (
	StateWaitingForFrame State = iota
	StateDelaying
	StatePresenting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaitingForFrame:
		return "waiting"
	case StateDelaying:
		return "delaying"
	case StatePresenting:
		return "presenting"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sink receives presented pictures. Calls come from the render goroutine;
// the image data is only valid for the duration of OnVideoFrame.
type Sink interface {
	OnVideoSize(width, height int, fps float64)
	OnVideoFrame(img media.VideoImage)
}

const pausePoll = 10 * time.Millisecond

// Config wires a Worker to the rest of the session.
type Config struct {
	Queue     *framequeue.Queue
	Clock     *clock.State
	Converter *convert.Converter
	Stats     *stats.Collector
	Sink      Sink

	PixelFormat media.PixelFormat
	FrameRate   float64
	// Origin is subtracted from frame timestamps to give the position
	// reported in VideoImage.PTS.
	Origin      int64
	WaitTimeout time.Duration

	// Ended reports whether the decoder has drained the source for the
	// given epoch. When it has and the queue is empty, OnDrained is called
	// once for that epoch.
	Ended     func(epoch uint64) bool
	OnDrained func(epoch uint64)

	Log *slog.Logger
	Now func() time.Time
}

// Worker is the render goroutine's state.
type Worker struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	width, height int
	drained       uint64
	haveDrained   bool

	// presentMu is held from the last epoch check until the sink returns.
	presentMu sync.Mutex
}

// New returns a worker for cfg. Queue, Clock, Converter and Sink are required.
func New(cfg Config) *Worker {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 100 * time.Millisecond
	}
	if cfg.PixelFormat == media.PixelFormatNone {
		cfg.PixelFormat = media.PixelFormatRGBA
	}
	return &Worker{
		cfg: cfg,
		log: cfg.Log.With("component", "render"),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run presents frames until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.cfg.Clock.Paused() {
			sleep(ctx, pausePoll)
			continue
		}

		w.setState(StateWaitingForFrame)
		f := w.next(ctx)
		if f == nil {
			w.checkDrained()
			continue
		}
		w.present(ctx, f)
	}
}

// next waits up to WaitTimeout for a frame.
func (w *Worker) next(ctx context.Context) *media.Frame {
	if f, ok := w.cfg.Queue.TryPop(0); ok {
		return f
	}
	t := time.NewTimer(w.cfg.WaitTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-w.cfg.Queue.Ready():
	case <-t.C:
	}
	f, _ := w.cfg.Queue.TryPop(0)
	return f
}

func (w *Worker) checkDrained() {
	if w.cfg.Ended == nil || w.cfg.Queue.Len() > 0 {
		return
	}
	epoch := w.cfg.Clock.Epoch()
	if w.haveDrained && w.drained == epoch {
		return
	}
	if w.cfg.Ended(epoch) {
		w.drained, w.haveDrained = epoch, true
		w.log.Debug("queue drained at end of stream", "epoch", epoch)
		if w.cfg.OnDrained != nil {
			w.cfg.OnDrained(epoch)
		}
	}
}

// present delays f until it is due and hands it to the sink. f is always
// released.
func (w *Worker) present(ctx context.Context, f *media.Frame) {
	defer f.Release()

	c := w.cfg.Clock
	if f.Epoch != c.Epoch() {
		w.cfg.Stats.Stale()
		return
	}

	rel := c.Relative(f.PTS)
	w.setState(StateDelaying)
	now := w.cfg.Now()
	delay := c.Delay(rel, now)
	if d, ok := c.Drift(rel, now); ok && d < -clock.MaxSyncDiff {
		w.cfg.Stats.Late()
	}
	if delay > 0 {
		sleep(ctx, time.Duration(delay*float64(time.Second)))
	}
	if ctx.Err() != nil {
		return
	}

	w.presentMu.Lock()
	defer w.presentMu.Unlock()
	if f.Epoch != c.Epoch() {
		w.cfg.Stats.Stale()
		return
	}

	w.setState(StatePresenting)
	data, stride, err := w.cfg.Converter.ConvertVideo(f, w.cfg.PixelFormat)
	if err != nil {
		w.cfg.Stats.DecodeError()
		w.log.Debug("video conversion failed", "pts", f.PTS, "error", err)
		return
	}

	if f.Width != w.width || f.Height != w.height {
		w.width, w.height = f.Width, f.Height
		w.cfg.Sink.OnVideoSize(f.Width, f.Height, w.cfg.FrameRate)
	}

	pf := w.cfg.PixelFormat
	if f.PixelFormat.Compressed() {
		pf = f.PixelFormat
	}
	w.cfg.Sink.OnVideoFrame(media.VideoImage{
		Data:        data,
		Width:       f.Width,
		Height:      f.Height,
		Stride:      stride,
		PixelFormat: pf,
		PTS:         media.ToDuration(f.PTS - w.cfg.Origin),
	})

	now = w.cfg.Now()
	c.SetVideo(rel, now)
	if d, ok := c.Drift(rel, now); ok {
		w.cfg.Stats.Drift(d)
	}
	w.cfg.Stats.Presented(now)
}

// Fence returns once no frame is being handed to the sink under an epoch
// older than the clock's current one. Call it after resetting the clock; it
// must not be called from a sink callback.
func (w *Worker) Fence() {
	w.presentMu.Lock()
	w.presentMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
