// Package player ties the playback engine together. A Player owns one
// source: it opens the backend, builds the frame queue, audio ring, clock and
// converter, and runs exactly two goroutines, one decoding and one
// presenting video. The host supplies a Sink for pictures and events and
// pulls PCM through PullAudio from its audio callback.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/convert"
	"github.com/zsiec/avsync/internal/decode"
	"github.com/zsiec/avsync/internal/framequeue"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/render"
	"github.com/zsiec/avsync/internal/ringbuf"
	"github.com/zsiec/avsync/internal/stats"
)

var (
	// ErrOpen wraps every failure to open a source. No goroutines are left
	// running and nothing needs to be closed.
	ErrOpen = errors.New("player: open failed")

	// ErrJoinTimeout is returned by Stop when the workers did not exit
	// within the join timeout. The backend is closed by the decode
	// goroutine when it finally returns.
	ErrJoinTimeout = errors.New("player: workers did not stop in time")

	// ErrState is returned when an operation is not valid in the player's
	// current state.
	ErrState = errors.New("player: invalid state")
)

// FaultError reports an unrecoverable failure inside a running player.
type FaultError struct {
	Stage string
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("player: %s fault: %v", e.Stage, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// State is the player's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateSeeking
	StateCompleted
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StatePlaying:   "playing",
	StatePaused:    "paused",
	StateSeeking:   "seeking",
	StateCompleted: "completed",
	StateStopped:   "stopped",
	StateFailed:    "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("player: unknown state %q", b)
}

// Player plays one source. Its methods are safe for concurrent use.
type Player struct {
	log  *slog.Logger
	opts Options
	info media.Info
	sink Sink

	backend backend.Backend
	pool    *media.FramePool
	queue   *framequeue.Queue
	ring    *ringbuf.Ring[int16]
	clock   *clock.State
	conv    *convert.Converter
	stats   *stats.Collector

	decoder  *decode.Worker
	renderer *render.Worker

	state    atomic.Int32
	endEpoch atomic.Int64

	// mu serializes Start and Stop; seekMu serializes seeks.
	mu     sync.Mutex
	seekMu sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	closeBackendOnce sync.Once

	finished   chan struct{}
	finishOnce sync.Once
	finishErr  error
}

// Open opens source and prepares a player for it. On error nothing is left
// open and the error wraps ErrOpen.
func Open(ctx context.Context, source string, opts Options) (*Player, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	log := opts.Log.With("component", "player")

	pool := opts.Pool
	if pool == nil {
		pool = media.NewFramePool()
	}
	be, info, err := backend.Open(ctx, source, backend.Config{
		Pool:        pool,
		SRTLatency:  opts.SRTLatency,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if info.Video == nil && info.Audio == nil {
		be.Close()
		return nil, fmt.Errorf("%w: %s has no audio or video stream", ErrOpen, source)
	}

	conv, err := convert.New(convert.Options{
		SampleRate: opts.SampleRate,
		Channels:   opts.Channels,
		Quality:    opts.Quality,
	}, opts.Log)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	fps := info.FrameRate()
	ringCap := int(opts.RingSeconds*float64(opts.SampleRate)) * opts.Channels

	p := &Player{
		log:      log,
		opts:     opts,
		info:     info,
		sink:     opts.Sink,
		backend:  be,
		pool:     pool,
		queue:    framequeue.New(opts.QueueSize),
		ring:     ringbuf.New[int16](ringCap),
		clock:    clock.NewState(1/fps, opts.Sync, time.Now()),
		conv:     conv,
		stats:    stats.New(),
		finished: make(chan struct{}),
	}
	p.endEpoch.Store(-1)

	p.decoder = decode.New(decode.Config{
		Backend:           be,
		Info:              info,
		Queue:             p.queue,
		Ring:              p.ring,
		Clock:             p.clock,
		Converter:         conv,
		Stats:             p.stats,
		BackpressureSleep: opts.BackpressureSleep,
		RetrySleep:        opts.RetrySleep,
		OnEnd:             func(epoch uint64) { p.endEpoch.Store(int64(epoch)) },
		Log:               opts.Log,
	})
	p.renderer = render.New(render.Config{
		Queue:       p.queue,
		Clock:       p.clock,
		Converter:   conv,
		Stats:       p.stats,
		Sink:        p.sink,
		PixelFormat: opts.PixelFormat,
		FrameRate:   fps,
		Origin:      info.Start(),
		WaitTimeout: opts.WaitTimeout,
		Ended:       p.ended,
		OnDrained:   p.complete,
		Log:         opts.Log,
	})

	log.Info("opened",
		"source", source,
		"format", info.Format,
		"duration", info.Duration,
		"fps", fps,
		"video", streamSummary(info.Video),
		"audio", streamSummary(info.Audio),
	)
	return p, nil
}

func streamSummary(s *media.StreamInfo) string {
	switch {
	case s == nil:
		return "none"
	case s.Kind == media.KindVideo:
		return fmt.Sprintf("%s %dx%d", s.Codec, s.Width, s.Height)
	default:
		return fmt.Sprintf("%s %dHz %dch", s.Codec, s.SampleRate, s.Channels)
	}
}

// Start launches the decode and render goroutines.
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StatePlaying)) {
		return fmt.Errorf("%w: start while %s", ErrState, p.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g

	g.Go(func() error {
		defer p.closeBackend()
		err := p.decoder.Run(gctx)
		// Stop cancels ctx; a read it interrupted is not a fault.
		if err != nil && ctx.Err() == nil {
			p.fail(&FaultError{Stage: "decode", Err: err})
		}
		return err
	})
	g.Go(func() error {
		return p.renderer.Run(gctx)
	})
	p.log.Debug("started")
	return nil
}

// Stop cancels playback, waits up to the join timeout for both goroutines,
// then releases every queued frame and closes the backend. Stop is
// idempotent.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group == nil {
		p.closeBackend()
		p.setFinalState(StateStopped)
		p.finish(nil)
		return nil
	}
	if p.cancel == nil {
		return nil
	}

	p.cancel()
	p.cancel = nil
	p.queue.Wake()
	if in, ok := p.backend.(backend.Interrupter); ok {
		in.Interrupt()
	}

	errc := make(chan error, 1)
	go func() { errc <- p.group.Wait() }()

	timer := time.NewTimer(p.opts.JoinTimeout)
	defer timer.Stop()

	var stopErr error
	select {
	case err := <-errc:
		if err != nil {
			p.log.Debug("workers exited with error", "error", err)
		}
		p.queue.Flush()
		p.ring.Reset()
		p.closeBackend()
	case <-timer.C:
		p.log.Warn("workers did not stop in time", "timeout", p.opts.JoinTimeout)
		stopErr = ErrJoinTimeout
	}

	p.setFinalState(StateStopped)
	p.finish(nil)
	p.log.Info("stopped", "leaked_frames", p.pool.Live())
	return stopErr
}

// setFinalState moves to s unless the player already failed.
func (p *Player) setFinalState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateFailed || State(cur) == s {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (p *Player) closeBackend() {
	p.closeBackendOnce.Do(func() {
		if err := p.backend.Close(); err != nil {
			p.log.Warn("backend close failed", "error", err)
		}
	})
}

// Wait blocks until playback first completes, fails or is stopped. It returns
// the fault that ended playback, if any. A seek after completion plays again
// without re-arming Wait; use State or the sink's OnComplete to follow later
// completions.
func (p *Player) Wait() error {
	<-p.finished
	return p.finishErr
}

// Done is closed when playback first completes, fails or is stopped. Like
// Wait, it stays closed across a seek that resumes a completed player.
func (p *Player) Done() <-chan struct{} {
	return p.finished
}

func (p *Player) finish(err error) {
	p.finishOnce.Do(func() {
		p.finishErr = err
		close(p.finished)
	})
}

func (p *Player) fail(err error) {
	for {
		cur := State(p.state.Load())
		if cur == StateStopped || cur == StateFailed {
			return
		}
		if p.state.CompareAndSwap(int32(cur), int32(StateFailed)) {
			break
		}
	}
	p.log.Error("playback failed", "error", err)
	p.sink.OnError(err)
	p.finish(err)
}

// ended reports whether the source is exhausted for epoch. Audio-only
// sources also wait for the ring to empty.
func (p *Player) ended(epoch uint64) bool {
	if p.endEpoch.Load() != int64(epoch) {
		return false
	}
	return p.info.Video != nil || p.ring.Len() == 0
}

func (p *Player) complete(epoch uint64) {
	if epoch != p.clock.Epoch() {
		return
	}
	if !p.state.CompareAndSwap(int32(StatePlaying), int32(StateCompleted)) {
		return
	}
	d := p.info.Duration
	if d <= 0 {
		d = p.Position()
	}
	p.log.Info("playback complete", "duration", d)
	p.sink.OnComplete(d)
	p.finish(nil)
}

// PullAudio fills out with the next interleaved samples in the output format
// and returns how many were real audio; the rest is silence. It is meant to
// be called from the host's audio callback and never blocks on the workers.
func (p *Player) PullAudio(out []int16) int {
	if len(out) == 0 {
		return 0
	}
	switch State(p.state.Load()) {
	case StatePlaying, StateCompleted:
	default:
		clear(out)
		return 0
	}
	if p.clock.Paused() {
		clear(out)
		return 0
	}

	n := p.ring.Read(out)
	p.stats.SamplesPulled(len(out))

	perSecond := float64(p.opts.SampleRate * p.opts.Channels)
	buffered := float64(p.ring.Len() + n)
	p.clock.SetAudioPlayhead(p.clock.AudioWritten()-buffered/perSecond, time.Now())
	return n
}

// Pause freezes the clocks. Decoding continues until the queue fills.
func (p *Player) Pause() error {
	if !p.state.CompareAndSwap(int32(StatePlaying), int32(StatePaused)) {
		return fmt.Errorf("%w: pause while %s", ErrState, p.State())
	}
	p.clock.Pause(time.Now())
	p.log.Debug("paused", "position", p.Position())
	return nil
}

// Resume restarts playback after Pause.
func (p *Player) Resume() error {
	if !p.state.CompareAndSwap(int32(StatePaused), int32(StatePlaying)) {
		return fmt.Errorf("%w: resume while %s", ErrState, p.State())
	}
	p.clock.Resume(time.Now())
	p.log.Debug("resumed", "position", p.Position())
	return nil
}

// Seek moves playback to the keyframe at or before target, measured from the
// start of the source, and discards frames before target. A paused player
// stays paused; a completed one resumes playing. Once Seek returns, the sink
// sees no frame from before the seek. It must not be called from a sink
// callback.
func (p *Player) Seek(ctx context.Context, target time.Duration) error {
	p.seekMu.Lock()
	defer p.seekMu.Unlock()

	prev := State(p.state.Load())
	switch prev {
	case StatePlaying, StatePaused, StateCompleted:
	default:
		return fmt.Errorf("%w: seek while %s", ErrState, prev)
	}
	if !p.info.Seekable {
		return backend.ErrNotSeekable
	}
	if !p.state.CompareAndSwap(int32(prev), int32(StateSeeking)) {
		return fmt.Errorf("%w: seek while %s", ErrState, p.State())
	}

	wasPaused := p.clock.Paused()
	if !wasPaused {
		p.clock.Pause(time.Now())
	}
	err := p.decoder.Seek(ctx, target)
	if err == nil {
		p.renderer.Fence()
	}
	if !wasPaused {
		p.clock.Resume(time.Now())
	}

	next := StatePlaying
	switch {
	case err != nil:
		next = prev
	case prev == StatePaused:
		next = StatePaused
	}
	p.state.CompareAndSwap(int32(StateSeeking), int32(next))
	if err != nil {
		return err
	}
	p.log.Info("seeked", "target", target)
	return nil
}

// Position returns the media time being played, measured from the start of
// the source.
func (p *Player) Position() time.Duration {
	pos := p.clock.Position(time.Now())
	if pos == media.NoPTS {
		return 0
	}
	d := media.ToDuration(pos - p.info.Start())
	if d < 0 {
		return 0
	}
	return d
}

// Info describes the opened source.
func (p *Player) Info() media.Info {
	return p.info
}

// State returns the lifecycle state.
func (p *Player) State() State {
	return State(p.state.Load())
}

// Format returns the PCM format PullAudio produces.
func (p *Player) Format() (sampleRate, channels int) {
	return p.opts.SampleRate, p.opts.Channels
}

// Stats returns a snapshot of the playback counters.
func (p *Player) Stats() stats.Snapshot {
	return p.stats.Snapshot(stats.Gauges{
		QueueDepth:    p.queue.Len(),
		QueueDropped:  p.queue.Dropped(),
		RingBuffered:  p.ring.Len(),
		RingOverruns:  p.ring.Overruns(),
		RingUnderruns: p.ring.Underruns(),
	})
}

// Clock returns a snapshot of the synchronization clock.
func (p *Player) Clock() clock.Snapshot {
	return p.clock.Snapshot(time.Now())
}

// LiveFrames reports decoded frames not yet released.
func (p *Player) LiveFrames() int64 {
	return p.pool.Live()
}
