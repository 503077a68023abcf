package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGenThenProbe(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.ts")

	out, err := run(t, "gen", clip, "--duration", "1s", "--fps", "25", "--size", "160x120")
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	if !strings.Contains(out, "25 video frames") {
		t.Errorf("gen output: got %q, want 25 video frames", out)
	}

	out, err = run(t, "probe", clip, "--json", "--packets", "4")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var res probeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("probe output %q: %v", out, err)
	}
	if res.Backend != "tsdemux" {
		t.Errorf("backend: got %q, want tsdemux", res.Backend)
	}
	if res.Video == nil || res.Video.Width != 160 || res.Video.Height != 120 {
		t.Errorf("video: got %+v, want 160x120", res.Video)
	}
	if res.Audio == nil {
		t.Error("audio stream missing")
	}
	if len(res.Packets) != 4 {
		t.Errorf("packets: got %d, want 4", len(res.Packets))
	}
}

func TestGenRejectsSize(t *testing.T) {
	_, err := run(t, "gen", filepath.Join(t.TempDir(), "x.ts"), "--size", "big")
	if err == nil || !strings.Contains(err.Error(), "WIDTHxHEIGHT") {
		t.Errorf("got %v, want size error", err)
	}
}

func TestPlayCaptureInspect(t *testing.T) {
	rec := filepath.Join(t.TempDir(), "run.avsc")

	if _, err := run(t, "play", "synth:?fps=25&duration=300ms", "--capture", rec); err != nil {
		t.Fatalf("play: %v", err)
	}

	out, err := run(t, "inspect", rec, "--json")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var res inspectResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("inspect output %q: %v", out, err)
	}
	if !res.Complete {
		t.Error("capture should end complete")
	}
	if res.DurationMs != 300 {
		t.Errorf("duration: got %dms, want 300ms", res.DurationMs)
	}
	if res.VideoFrames == 0 {
		t.Error("no video frames captured")
	}
	if res.Width != 64 || res.Height != 48 {
		t.Errorf("size: got %dx%d, want 64x48", res.Width, res.Height)
	}
}

func TestPlayUnknownSource(t *testing.T) {
	if _, err := run(t, "play", "clip.unknown"); err == nil {
		t.Error("play of an unsupported source should fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "-v")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"avsync " + version, "synthetic", "tsdemux", audioDeviceName} {
		if !strings.Contains(out, want) {
			t.Errorf("version output %q missing %q", out, want)
		}
	}
}

func TestPushNeedsSRTDestination(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.ts")
	if _, err := run(t, "gen", clip, "--duration", "500ms"); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "push", clip, filepath.Join(dir, "out.ts"))
	if err == nil || !strings.Contains(err.Error(), "caller") {
		t.Errorf("push to a file: got %v, want caller address error", err)
	}
}
