// Package session runs players on behalf of the control API. Each session
// owns one player, the headless audio device pulling from it and an optional
// capture file, and is addressed by a random ID.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/avsync/internal/capture"
	"github.com/zsiec/avsync/internal/hostaudio"
	"github.com/zsiec/avsync/internal/player"
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session: not found")
	// ErrLimit is returned by Create when MaxSessions are running.
	ErrLimit = errors.New("session: too many sessions")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("session: manager closed")
)

// Request describes a session to create.
type Request struct {
	Source string `json:"source"`
	// Capture, if set, is the path of a capture file to record into.
	Capture string `json:"capture,omitempty"`
	// Start seeks before playback begins.
	Start time.Duration `json:"start,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// Player is the base option set for every session; Sink and Log are
	// replaced per session.
	Player player.Options
	// AudioPeriod is the headless device pull interval.
	AudioPeriod time.Duration
	// MaxSessions caps concurrently running sessions; 0 means no cap.
	MaxSessions int
}

// Manager manages the lifecycle of playback sessions.
type Manager struct {
	log *slog.Logger
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	d := player.DefaultOptions()
	if cfg.Player.SampleRate == 0 {
		cfg.Player.SampleRate = d.SampleRate
	}
	if cfg.Player.Channels == 0 {
		cfg.Player.Channels = d.Channels
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create opens req.Source, starts playback and registers the session.
func (m *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: empty source", player.ErrOpen)
	}
	if err := m.admit(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := m.log.With("session", id)
	s := &Session{
		ID:        id,
		Source:    req.Source,
		StartedAt: time.Now(),
		log:       log,
	}

	sinks := player.Tee{player.SinkFuncs{
		Error: func(err error) { s.setError(err) },
	}}
	if req.Capture != "" {
		w, err := capture.Create(req.Capture, capture.Header{
			Source:     req.Source,
			SampleRate: m.cfg.Player.SampleRate,
			Channels:   m.cfg.Player.Channels,
		}, capture.Options{Log: log})
		if err != nil {
			return nil, err
		}
		s.capture = w
		sinks = append(sinks, w)
	}

	opts := m.cfg.Player
	opts.Sink = sinks
	opts.Log = log
	p, err := player.Open(ctx, req.Source, opts)
	if err != nil {
		s.closeCapture()
		return nil, err
	}
	s.player = p

	if err := s.start(m.cfg.AudioPeriod, req.Start); err != nil {
		p.Stop()
		s.closeCapture()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info("session created", "source", req.Source, "capture", req.Capture)
	return s, nil
}

// admit checks the session cap. It counts sessions still playing, so
// finished sessions awaiting deletion do not block new ones.
func (m *Manager) admit() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.cfg.MaxSessions <= 0 {
		return nil
	}
	running := 0
	for _, s := range m.sessions {
		if !s.Finished() {
			running++
		}
	}
	if running >= m.cfg.MaxSessions {
		return fmt.Errorf("%w (%d)", ErrLimit, m.cfg.MaxSessions)
	}
	return nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns every session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions
}

// Remove stops a session and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := s.stop()
	m.log.Info("session removed", "session", id)
	return err
}

// Close stops every session. Later Creates fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.stop())
	}
	if len(sessions) > 0 {
		m.log.Info("sessions closed", "count", len(sessions))
	}
	return errors.Join(errs...)
}

// Session is one running player.
type Session struct {
	ID        string
	Source    string
	StartedAt time.Time

	log     *slog.Logger
	player  *player.Player
	capture *capture.Writer

	cancel  context.CancelFunc
	devDone chan struct{}

	stopOnce sync.Once
	stopErr  error

	mu  sync.Mutex
	err error
}

func (s *Session) start(period time.Duration, at time.Duration) error {
	rate, ch := s.player.Format()
	var src hostaudio.Puller = s.player
	if s.capture != nil {
		src = s.capture.Wrap(src)
	}
	dev := hostaudio.NewHeadless(src, hostaudio.Format{SampleRate: rate, Channels: ch}, period, s.log)

	if err := s.player.Start(); err != nil {
		return err
	}
	if at > 0 {
		if err := s.player.Seek(context.Background(), at); err != nil {
			return fmt.Errorf("session: initial seek: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.devDone = make(chan struct{})
	go func() {
		defer close(s.devDone)
		if err := dev.Run(ctx); err != nil {
			s.log.Warn("audio device stopped", "error", err)
		}
	}()
	return nil
}

// stop halts the player and the device and finishes the capture file.
func (s *Session) stop() error {
	s.stopOnce.Do(func() {
		err := s.player.Stop()
		if s.cancel != nil {
			s.cancel()
			<-s.devDone
		}
		s.stopErr = errors.Join(err, s.closeCapture())
	})
	return s.stopErr
}

func (s *Session) closeCapture() error {
	if s.capture == nil {
		return nil
	}
	return s.capture.Close()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the fault that ended playback, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Player returns the session's player.
func (s *Session) Player() *player.Player { return s.player }

// Finished reports whether playback completed, failed or was stopped.
func (s *Session) Finished() bool {
	switch s.player.State() {
	case player.StateCompleted, player.StateStopped, player.StateFailed:
		return true
	}
	return false
}

// Seek moves playback to target.
func (s *Session) Seek(ctx context.Context, target time.Duration) error {
	return s.player.Seek(ctx, target)
}

// Pause pauses playback.
func (s *Session) Pause() error { return s.player.Pause() }

// Resume resumes paused playback.
func (s *Session) Resume() error { return s.player.Resume() }
