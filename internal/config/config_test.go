package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/media"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	o, err := cfg.PlayerOptions()
	if err != nil {
		t.Fatalf("PlayerOptions: %v", err)
	}
	if o.QueueSize != 15 || o.RingSeconds != 2 || o.SampleRate != 44100 || o.Channels != 2 {
		t.Errorf("options: got %+v", o)
	}
	if o.PixelFormat != media.PixelFormatRGBA {
		t.Errorf("pixel format: got %v, want rgba", o.PixelFormat)
	}
	if o.Sync != clock.DefaultParams {
		t.Errorf("sync: got %+v, want %+v", o.Sync, clock.DefaultParams)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("api.addr: got %q, want :8080", cfg.API.Addr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
queue_size: 30
join_timeout: 2s
audio:
  sample_rate: 48000
video:
  pixel_format: bgra
sync:
  threshold: 0.01
  max_diff: 0.2
  max_delay: 1
decode:
  backpressure_sleep: 5ms
srt:
  latency: 300ms
api:
  addr: 127.0.0.1:9000
  max_sessions: 4
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"queue_size", cfg.QueueSize, 30},
		{"join_timeout", cfg.JoinTimeout, 2 * time.Second},
		{"audio.sample_rate", cfg.Audio.SampleRate, 48000},
		{"audio.channels kept", cfg.Audio.Channels, 2},
		{"audio.quality kept", cfg.Audio.Quality, "high"},
		{"video.pixel_format", cfg.Video.PixelFormat, "bgra"},
		{"sync.threshold", cfg.Sync.Threshold, 0.01},
		{"sync.max_delay", cfg.Sync.MaxDelay, 1.0},
		{"decode.backpressure_sleep", cfg.Decode.BackpressureSleep, 5 * time.Millisecond},
		{"decode.retry_sleep kept", cfg.Decode.RetrySleep, 10 * time.Millisecond},
		{"srt.latency", cfg.SRT.Latency, 300 * time.Millisecond},
		{"srt.dial_timeout kept", cfg.SRT.DialTimeout, 10 * time.Second},
		{"render.wait_timeout kept", cfg.Render.WaitTimeout, 100 * time.Millisecond},
		{"api.addr", cfg.API.Addr, "127.0.0.1:9000"},
		{"api.max_sessions", cfg.API.MaxSessions, 4},
		{"log.level", cfg.Log.Level, "debug"},
		{"log.format", cfg.Log.Format, "json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	o, err := cfg.PlayerOptions()
	if err != nil {
		t.Fatalf("PlayerOptions: %v", err)
	}
	if o.PixelFormat != media.PixelFormatBGRA || o.SRTLatency != 300*time.Millisecond {
		t.Errorf("options: got %+v", o)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "queue_sise: 3\n", "queue_sise"},
		{"bad duration", "join_timeout: soon\n", "soon"},
		{"bad pixel format", "video:\n  pixel_format: nv12\n", "pixel format"},
		{"bad sample rate", "audio:\n  sample_rate: 100\n", "sample rate"},
		{"bad sync", "sync:\n  threshold: 0.5\n  max_diff: 0.1\n  max_delay: 0.5\n", "sync thresholds"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative sessions", "api:\n  max_sessions: -1\n", "max_sessions"},
		{"cert without key", "api:\n  tls_cert: a.pem\n", "set together"},
		{"self signed and cert", "api:\n  self_signed: true\n  tls_cert: a.pem\n  tls_key: b.pem\n", "conflicts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load: got nil error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load: got %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load: got %v, want not-exist", err)
	}
}

func TestMarshalLoadsBack(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.QueueSize = 7
	cfg.API.CaptureDir = "/var/lib/avsync"
	data, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load: %v\n%s", err, data)
	}
	if got != cfg {
		t.Errorf("reloaded config differs:\ngot  %+v\nwant %+v", got, cfg)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q): got %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("AVSYNC_TEST_ENV", "set")
	if got := EnvOr("AVSYNC_TEST_ENV", "fallback"); got != "set" {
		t.Errorf("EnvOr: got %q, want set", got)
	}
	t.Setenv("AVSYNC_TEST_ENV", "")
	if got := EnvOr("AVSYNC_TEST_ENV", "fallback"); got != "fallback" {
		t.Errorf("EnvOr empty: got %q, want fallback", got)
	}
}
