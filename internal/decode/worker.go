// Package decode runs the goroutine that owns the decoder backend. It reads
// packets, routes them to the audio or video decoder, resolves frame
// timestamps, writes converted audio into the ring buffer and queues video
// frames for the renderer. Seeks are executed here because this goroutine is
// the backend's only user.
package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/convert"
	"github.com/zsiec/avsync/internal/framequeue"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/ringbuf"
	"github.com/zsiec/avsync/internal/stats"
)

// State is the decode worker's lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrNotRunning is returned by Seek once the worker has exited.
var ErrNotRunning = errors.New("decode: worker not running")

// errDrainInterrupted aborts a drain when a seek arrives while the worker
// waits for queue room.
var errDrainInterrupted = errors.New("decode: drain interrupted by seek")

// Config wires a Worker to the rest of the session.
type Config struct {
	Backend   backend.Backend
	Info      media.Info
	Queue     *framequeue.Queue
	Ring      *ringbuf.Ring[int16]
	Clock     *clock.State
	Converter *convert.Converter
	Stats     *stats.Collector

	// BackpressureSleep is how long to wait before re-checking a full
	// queue or ring. RetrySleep follows a transient read error.
	BackpressureSleep time.Duration
	RetrySleep        time.Duration

	// OnEnd is called once the source is exhausted and the decoders are
	// drained, with the clock epoch the end belongs to.
	OnEnd func(epoch uint64)

	Log *slog.Logger
	Now func() time.Time
}

type seekRequest struct {
	target time.Duration
	done   chan error
}

// Worker is the decode goroutine's state. Create with New and run with Run.
type Worker struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	seekCh chan seekRequest
	done   chan struct{}

	epoch        uint64
	lastVideoPTS int64
	nextAudioPTS int64

	discardBefore int64
	discardVideo  bool
	discardAudio  bool
}

// New returns a worker for cfg. Queue, Ring, Clock and Converter are
// required.
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
	if cfg.BackpressureSleep <= 0 {
		cfg.BackpressureSleep = 10 * time.Millisecond
	}
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = 10 * time.Millisecond
	}
	w := &Worker{
		cfg:          cfg,
		log:          cfg.Log.With("component", "decode"),
		seekCh:       make(chan seekRequest),
		done:         make(chan struct{}),
		lastVideoPTS: media.NoPTS,
		nextAudioPTS: media.NoPTS,
		epoch:        cfg.Clock.Epoch(),
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if old := State(w.state.Swap(int32(s))); old != s {
		w.log.Debug("state change", "from", old, "to", s)
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run decodes until ctx is cancelled or the backend fails. Reaching the end
// of the source does not return: the worker drains, reports OnEnd, and parks
// in StateStopped so a later Seek can resume decoding. A nil return means the
// worker was stopped through ctx.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopped)
			return nil
		case req := <-w.seekCh:
			w.handleSeek(req)
			continue
		default:
		}

		if w.backpressured() {
			w.sleep(ctx, w.cfg.BackpressureSleep)
			continue
		}

		pkt, err := w.cfg.Backend.ReadPacket()
		switch {
		case errors.Is(err, io.EOF):
			if err := w.drain(ctx); errors.Is(err, errDrainInterrupted) {
				w.setState(StateRunning)
				continue
			} else if err != nil {
				w.setState(StateError)
				return err
			}
			if !w.park(ctx) {
				return nil
			}
			continue
		case errors.Is(err, backend.ErrFault):
			w.setState(StateError)
			return fmt.Errorf("read packet: %w", err)
		case err != nil:
			w.cfg.Stats.TransientError()
			w.log.Debug("transient read error", "error", err)
			w.sleep(ctx, w.cfg.RetrySleep)
			continue
		}

		w.cfg.Stats.PacketRead()
		if err := w.handlePacket(ctx, pkt); err != nil {
			w.setState(StateError)
			return err
		}
	}
}

// backpressured reports whether the consumers are full. Audio-only sources
// are paced by the ring instead of the video queue.
func (w *Worker) backpressured() bool {
	if w.cfg.Info.Video != nil {
		return w.cfg.Queue.Full()
	}
	return w.cfg.Ring.Len() > w.cfg.Ring.Cap()*3/4
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) handlePacket(ctx context.Context, pkt *media.Packet) error {
	defer pkt.Release()

	var kind media.Kind
	switch {
	case w.cfg.Info.Video != nil && pkt.StreamIndex == w.cfg.Info.Video.Index:
		kind = media.KindVideo
	case w.cfg.Info.Audio != nil && pkt.StreamIndex == w.cfg.Info.Audio.Index:
		kind = media.KindAudio
	default:
		w.cfg.Stats.PacketDiscarded()
		return nil
	}

	if err := w.cfg.Backend.SendPacket(pkt.StreamIndex, pkt); err != nil {
		if errors.Is(err, backend.ErrFault) {
			return fmt.Errorf("send %s packet: %w", kind, err)
		}
		w.cfg.Stats.DecodeError()
		w.log.Debug("decode error", "kind", kind, "pts", pkt.PTS, "error", err)
		return nil
	}
	return w.receive(ctx, pkt.StreamIndex, kind, false)
}

// receive pulls every frame the stream's decoder has ready. While draining,
// video frames wait for room in the queue instead of evicting.
func (w *Worker) receive(ctx context.Context, stream int, kind media.Kind, draining bool) error {
	for {
		f, err := w.cfg.Backend.ReceiveFrame(stream)
		switch {
		case errors.Is(err, backend.ErrAgain), errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, backend.ErrFault):
			return fmt.Errorf("receive %s frame: %w", kind, err)
		case err != nil:
			w.cfg.Stats.DecodeError()
			w.log.Debug("receive error", "kind", kind, "error", err)
			return nil
		}

		if kind == media.KindVideo {
			if draining {
				if err := w.waitForRoom(ctx); err != nil {
					f.Release()
					return err
				}
			}
			w.video(f)
		} else {
			w.audio(f)
		}
	}
}

// waitForRoom blocks until the queue has room. Cancellation returns nil and
// leaves the caller to notice ctx; a seek is executed and interrupts.
func (w *Worker) waitForRoom(ctx context.Context) error {
	for w.cfg.Queue.Full() {
		t := time.NewTimer(w.cfg.BackpressureSleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case req := <-w.seekCh:
			t.Stop()
			w.handleSeek(req)
			return errDrainInterrupted
		case <-t.C:
		}
	}
	return nil
}

func (w *Worker) video(f *media.Frame) {
	pts := f.PTS
	if pts == media.NoPTS {
		pts = f.DTS
	}
	if pts == media.NoPTS {
		if w.lastVideoPTS != media.NoPTS {
			pts = w.lastVideoPTS + media.Micros(w.cfg.Clock.FrameDuration())
		} else {
			pts = w.cfg.Info.Start()
		}
		w.cfg.Stats.SynthesizedPTS()
	}
	w.lastVideoPTS = pts
	f.PTS = pts

	if w.discardVideo {
		if pts < w.discardBefore {
			w.cfg.Stats.SeekDiscarded()
			f.Release()
			return
		}
		w.discardVideo = false
	}

	w.cfg.Stats.VideoFrame(pts)
	f.Epoch = w.epoch
	w.cfg.Queue.Push(f)
}

func (w *Worker) audio(f *media.Frame) {
	defer f.Release()

	pts := f.PTS
	if pts == media.NoPTS {
		pts = f.DTS
	}
	if pts == media.NoPTS {
		pts = w.nextAudioPTS
	}
	dur := media.FromDuration(f.Duration())
	if pts != media.NoPTS {
		w.nextAudioPTS = pts + dur
	}

	if w.discardAudio {
		if pts != media.NoPTS && pts < w.discardBefore {
			w.cfg.Stats.SeekDiscarded()
			return
		}
		w.discardAudio = false
	}

	now := w.cfg.Now()
	if w.cfg.Clock.LatchStart(pts, now) {
		w.log.Debug("stream start latched", "pts", pts, "epoch", w.epoch)
	}

	samples, err := w.cfg.Converter.ConvertAudio(f)
	if err != nil {
		w.cfg.Stats.DecodeError()
		w.log.Debug("audio conversion failed", "pts", pts, "error", err)
		return
	}
	w.cfg.Stats.AudioFrame()
	if len(samples) == 0 {
		return
	}
	w.cfg.Ring.Write(samples)
	w.cfg.Stats.SamplesWritten(len(samples))

	if pts != media.NoPTS && w.cfg.Clock.Latched() {
		w.cfg.Clock.SetAudioWritten(w.cfg.Clock.Relative(pts + dur))
	}
}

// drain flushes both decoders and hands on everything they still hold.
func (w *Worker) drain(ctx context.Context) error {
	w.setState(StateDraining)
	for _, s := range []struct {
		info *media.StreamInfo
		kind media.Kind
	}{
		{w.cfg.Info.Video, media.KindVideo},
		{w.cfg.Info.Audio, media.KindAudio},
	} {
		if s.info == nil {
			continue
		}
		if err := w.cfg.Backend.SendPacket(s.info.Index, nil); err != nil {
			if errors.Is(err, backend.ErrFault) {
				return fmt.Errorf("flush %s decoder: %w", s.kind, err)
			}
			w.log.Debug("flush failed", "kind", s.kind, "error", err)
			continue
		}
		if err := w.receive(ctx, s.info.Index, s.kind, true); err != nil {
			return err
		}
	}
	w.log.Info("end of stream", "epoch", w.epoch)
	if w.cfg.OnEnd != nil {
		w.cfg.OnEnd(w.epoch)
	}
	return nil
}

// park waits in StateStopped for a seek or cancellation. It reports whether
// decoding should resume.
func (w *Worker) park(ctx context.Context) bool {
	w.setState(StateStopped)
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-w.seekCh:
			if w.handleSeek(req) {
				w.setState(StateRunning)
				return true
			}
		}
	}
}

// Seek asks the worker to reposition at target, relative to the start of the
// source, and waits until it has done so.
func (w *Worker) Seek(ctx context.Context, target time.Duration) error {
	req := seekRequest{target: target, done: make(chan error, 1)}
	select {
	case w.seekCh <- req:
	case <-w.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSeek repositions the backend and discards everything buffered for
// the old position. It reports whether the seek succeeded.
func (w *Worker) handleSeek(req seekRequest) bool {
	target := req.target
	if target < 0 {
		target = 0
	}
	if d := w.cfg.Info.Duration; d > 0 && target > d {
		target = d
	}

	if !w.cfg.Info.Seekable {
		req.done <- backend.ErrNotSeekable
		return false
	}
	if err := w.cfg.Backend.Seek(target); err != nil {
		req.done <- fmt.Errorf("seek to %s: %w", target, err)
		return false
	}

	flushed := w.cfg.Queue.Flush()
	w.cfg.Ring.Reset()
	w.cfg.Converter.Reset()
	w.epoch = w.cfg.Clock.Reset(w.cfg.Now())
	w.cfg.Stats.Seek()
	w.cfg.Stats.ResetDrift()

	w.lastVideoPTS = media.NoPTS
	w.nextAudioPTS = media.NoPTS
	w.discardBefore = w.cfg.Info.Start() + media.FromDuration(target)
	w.discardVideo = w.cfg.Info.Video != nil
	w.discardAudio = w.cfg.Info.Audio != nil

	w.log.Info("seek", "target", target, "flushed", flushed, "epoch", w.epoch)
	req.done <- nil
	return true
}
