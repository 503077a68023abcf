package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want URI
	}{
		{"/tmp/a.ts", URI{Kind: KindFile, Path: "/tmp/a.ts"}},
		{"file:///tmp/a.m2ts", URI{Kind: KindFile, Path: "/tmp/a.m2ts"}},
		{"srt://example.com:9000", URI{Kind: KindSRTCaller, Address: "example.com:9000"}},
		{"srt://10.0.0.1:9000?streamid=live/cam1&latency=250ms", URI{Kind: KindSRTCaller, Address: "10.0.0.1:9000", StreamID: "live/cam1", Latency: 250 * time.Millisecond}},
		{"srt://:6000?mode=listener", URI{Kind: KindSRTListener, Address: ":6000"}},
		{"SRT://:6000?mode=listener&streamid=cam2", URI{Kind: KindSRTListener, Address: ":6000", StreamID: "cam2"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q): got %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"srt://example.com",
		"srt://:9000",
		"srt://example.com:9000?mode=rendezvous",
		"srt://example.com:9000?latency=fast",
		"srt://example.com:9000?passphrase=x",
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

func TestStreamKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		streamID string
		want     string
	}{
		{"camera1", "camera1"},
		{"/camera1", "camera1"},
		{"live/camera1", "camera1"},
		{"/live/camera1", "camera1"},
		{"", "default"},
		{"/", "default"},
		{"live/", "default"},
		{"studio/camera1", "studio/camera1"},
		{"liveshow", "liveshow"},
	}
	for _, tt := range tests {
		if got := StreamKey(tt.streamID); got != tt.want {
			t.Errorf("StreamKey(%q): got %q, want %q", tt.streamID, got, tt.want)
		}
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.ts")
	content := strings.Repeat("x", 1000)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(context.Background(), path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.Seekable() || s.Size() != 1000 {
		t.Errorf("file: seekable %v size %d, want true 1000", s.Seekable(), s.Size())
	}
	buf := make([]byte, 300)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.Seek(900); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	rest, err := io.ReadAll(s)
	if err != nil || len(rest) != 100 {
		t.Fatalf("read after seek: got %d bytes, err %v", len(rest), err)
	}
	st := s.Stats()
	if st.BytesReceived != 400 || st.ReadCount < 2 {
		t.Errorf("stats: got %+v, want 400 bytes over at least 2 reads", st)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, path := range []string{filepath.Join(dir, "missing.ts"), dir} {
		if _, err := Open(context.Background(), path, Config{}); err == nil {
			t.Errorf("Open(%q): expected error", path)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.Latency != DefaultLatency || c.DialTimeout != DefaultDialTimeout || c.Log == nil {
		t.Errorf("defaults: got %+v", c)
	}
}
