// Package config loads the avsync YAML configuration. Every field has a
// default, so an absent file or a partial one is valid.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/player"
)

// Config is the full configuration file.
type Config struct {
	QueueSize   int           `yaml:"queue_size"`
	RingSeconds float64       `yaml:"ring_seconds"`
	JoinTimeout time.Duration `yaml:"join_timeout"`

	Audio  Audio        `yaml:"audio"`
	Video  Video        `yaml:"video"`
	Sync   clock.Params `yaml:"sync"`
	Decode Decode       `yaml:"decode"`
	Render Render       `yaml:"render"`
	SRT    SRT          `yaml:"srt"`
	API    API          `yaml:"api"`
	Log    Log          `yaml:"log"`
}

// Audio is the PCM format delivered to the host.
type Audio struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Quality    string `yaml:"quality"`
	// Period is the headless device pull interval.
	Period time.Duration `yaml:"period"`
}

// Video is the picture format delivered to the host.
type Video struct {
	PixelFormat string `yaml:"pixel_format"`
}

// Decode tunes the decode worker's sleeps.
type Decode struct {
	BackpressureSleep time.Duration `yaml:"backpressure_sleep"`
	RetrySleep        time.Duration `yaml:"retry_sleep"`
}

// Render tunes the render worker.
type Render struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// SRT configures SRT sources.
type SRT struct {
	Latency     time.Duration `yaml:"latency"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// API configures the control server.
type API struct {
	Addr        string `yaml:"addr"`
	CaptureDir  string `yaml:"capture_dir"`
	MaxSessions int    `yaml:"max_sessions"`
	// TLSCert and TLSKey serve HTTPS from PEM files. SelfSigned serves
	// HTTPS with a certificate generated at startup.
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	p := player.DefaultOptions()
	return Config{
		QueueSize:   p.QueueSize,
		RingSeconds: p.RingSeconds,
		JoinTimeout: p.JoinTimeout,
		Audio: Audio{
			SampleRate: p.SampleRate,
			Channels:   p.Channels,
			Quality:    p.Quality,
			Period:     10 * time.Millisecond,
		},
		Video:  Video{PixelFormat: p.PixelFormat.String()},
		Sync:   p.Sync,
		Decode: Decode{BackpressureSleep: p.BackpressureSleep, RetrySleep: p.RetrySleep},
		Render: Render{WaitTimeout: p.WaitTimeout},
		SRT:    SRT{Latency: p.SRTLatency, DialTimeout: p.DialTimeout},
		API:    API{Addr: ":8080"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.PlayerOptions(); err != nil {
		errs = append(errs, err)
	}
	if c.Audio.Period <= 0 {
		errs = append(errs, fmt.Errorf("audio.period %v must be positive", c.Audio.Period))
	}
	if c.Decode.BackpressureSleep <= 0 || c.Decode.RetrySleep <= 0 {
		errs = append(errs, errors.New("decode sleeps must be positive"))
	}
	if c.Render.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("render.wait_timeout %v must be positive", c.Render.WaitTimeout))
	}
	if c.SRT.Latency < 0 || c.SRT.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("srt latency %v / dial timeout %v invalid", c.SRT.Latency, c.SRT.DialTimeout))
	}
	if c.API.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("api.max_sessions %d must not be negative", c.API.MaxSessions))
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		errs = append(errs, errors.New("api.tls_cert and api.tls_key must be set together"))
	}
	if c.API.SelfSigned && c.API.TLSCert != "" {
		errs = append(errs, errors.New("api.self_signed conflicts with api.tls_cert"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PlayerOptions converts the engine settings. The sink, logger and pool are
// left for the caller.
func (c Config) PlayerOptions() (player.Options, error) {
	pf, err := media.ParsePixelFormat(c.Video.PixelFormat)
	if err != nil {
		return player.Options{}, fmt.Errorf("video.pixel_format: %w", err)
	}
	o := player.Options{
		SampleRate:        c.Audio.SampleRate,
		Channels:          c.Audio.Channels,
		Quality:           c.Audio.Quality,
		PixelFormat:       pf,
		QueueSize:         c.QueueSize,
		RingSeconds:       c.RingSeconds,
		Sync:              c.Sync,
		BackpressureSleep: c.Decode.BackpressureSleep,
		RetrySleep:        c.Decode.RetrySleep,
		WaitTimeout:       c.Render.WaitTimeout,
		JoinTimeout:       c.JoinTimeout,
		SRTLatency:        c.SRT.Latency,
		DialTimeout:       c.SRT.DialTimeout,
	}
	if err := o.Validate(); err != nil {
		return player.Options{}, err
	}
	return o, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}

// EnvOr returns the environment variable key, or fallback when it is unset
// or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
