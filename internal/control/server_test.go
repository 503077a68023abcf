package control

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/avsync/internal/certs"
	"github.com/zsiec/avsync/internal/player"
	"github.com/zsiec/avsync/internal/session"
)

func newTestServer(t *testing.T, captureDir string) (*Server, *session.Manager) {
	t.Helper()
	m := session.NewManager(session.Config{
		Player: player.Options{
			BackpressureSleep: time.Millisecond,
			RetrySleep:        time.Millisecond,
			WaitTimeout:       20 * time.Millisecond,
			JoinTimeout:       2 * time.Second,
		},
		AudioPeriod: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { m.Close() })
	return New(Config{Sessions: m, CaptureDir: captureDir}), m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createSession(t *testing.T, s *Server, body string) session.Status {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/sessions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d (%s), want 201", rec.Code, rec.Body.String())
	}
	st := decode[session.Status](t, rec)
	if got := rec.Header().Get("Location"); got != "/api/sessions/"+st.ID {
		t.Errorf("Location: got %q", got)
	}
	return st
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, "")

	st := createSession(t, s, `{"source":"synth:?duration=10s"}`)
	if st.State != player.StatePlaying {
		t.Errorf("state: got %v, want playing", st.State)
	}
	if st.DurationMs != 10_000 {
		t.Errorf("durationMs: got %d, want 10000", st.DurationMs)
	}

	rec := do(t, s, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	list := decode[[]session.Status](t, rec)
	if len(list) != 1 || list[0].ID != st.ID {
		t.Errorf("list: got %+v", list)
	}

	rec = do(t, s, http.MethodGet, "/api/sessions/"+st.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	detail := decode[session.Status](t, rec)
	if detail.Stats == nil || detail.Clock == nil {
		t.Error("detailed status missing stats or clock")
	}

	rec = do(t, s, http.MethodPost, "/api/sessions/"+st.ID+"/pause", "")
	if rec.Code != http.StatusOK || decode[session.Status](t, rec).State != player.StatePaused {
		t.Errorf("pause: got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/sessions/"+st.ID+"/pause", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second pause: got %d, want 409", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/sessions/"+st.ID+"/seek", `{"positionMs":3000}`)
	if rec.Code != http.StatusOK {
		t.Errorf("seek: got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/sessions/"+st.ID+"/resume", "")
	if rec.Code != http.StatusOK || decode[session.Status](t, rec).State != player.StatePlaying {
		t.Errorf("resume: got %d", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/api/sessions/"+st.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete: got %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/sessions/"+st.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", rec.Code)
	}
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, "")
	st := createSession(t, s, `{"source":"synth:?duration=10s"}`)
	base := "/api/sessions/" + st.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/api/sessions", `{`, http.StatusBadRequest},
		{"no source", http.MethodPost, "/api/sessions", `{}`, http.StatusBadRequest},
		{"negative start", http.MethodPost, "/api/sessions", `{"source":"synth:","startMs":-1}`, http.StatusBadRequest},
		{"unsupported source", http.MethodPost, "/api/sessions", `{"source":"movie.unknown-container"}`, http.StatusBadRequest},
		{"bad synthetic", http.MethodPost, "/api/sessions", `{"source":"synth:?fps=abc"}`, http.StatusUnprocessableEntity},
		{"capture disabled", http.MethodPost, "/api/sessions", `{"source":"synth:","capture":"a.avsc"}`, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound},
		{"unknown delete", http.MethodDelete, "/api/sessions/nope", "", http.StatusNotFound},
		{"unknown pause", http.MethodPost, "/api/sessions/nope/pause", "", http.StatusNotFound},
		{"resume while playing", http.MethodPost, base + "/resume", "", http.StatusConflict},
		{"seek without position", http.MethodPost, base + "/seek", `{}`, http.StatusBadRequest},
		{"seek negative", http.MethodPost, base + "/seek", `{"positionMs":-5}`, http.StatusBadRequest},
		{"wrong method", http.MethodPut, base, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s: got %d (%s), want %d", tt.method, tt.path, rec.Code, rec.Body.String(), tt.want)
			}
		})
	}
}

func TestCapturePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, m := newTestServer(t, dir)

	for _, name := range []string{"../escape.avsc", "sub/dir.avsc", ".."} {
		body := `{"source":"synth:?duration=1s","capture":"` + name + `"}`
		if rec := do(t, s, http.MethodPost, "/api/sessions", body); rec.Code != http.StatusBadRequest {
			t.Errorf("capture %q: got %d, want 400", name, rec.Code)
		}
	}

	st := createSession(t, s, `{"source":"synth:?duration=200ms","capture":"run.avsc"}`)
	if err := m.Remove(st.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run.avsc")); err != nil {
		t.Errorf("capture file: %v", err)
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, "")

	rec := do(t, s, http.MethodGet, "/api/backends", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("backends: got %d", rec.Code)
	}
	resp := decode[map[string][]string](t, rec)
	found := false
	for _, n := range resp["backends"] {
		if n == "synthetic" {
			found = true
		}
	}
	if !found {
		t.Errorf("backends: got %v, want synthetic listed", resp["backends"])
	}
}

func TestServeShutdown(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/api/sessions", "application/json",
		bytes.NewBufferString(`{"source":"synth:?duration=10s"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST: got %d, want 201", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve: got %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeTLS(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	_, m := newTestServer(t, "")
	s := New(Config{Sessions: m, TLS: cert.TLSConfig()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get("https://" + ln.Addr().String() + "/api/backends")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET: got %d, want 200", resp.StatusCode)
	}
}
