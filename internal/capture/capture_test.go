package capture

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/avsync/internal/media"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWriter(t *testing.T, dst io.Writer, h Header, opts Options) (*Writer, *fakeClock) {
	t.Helper()
	h.Started = epoch
	w, err := NewWriter(dst, h, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	clk := &fakeClock{t: epoch}
	w.now = clk.now
	return w, clk
}

func TestRecordsRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, clk := newTestWriter(t, &buf, Header{Source: "synth:?fps=25", SampleRate: 48000, Channels: 2},
		Options{VideoData: true, AudioData: true})

	w.OnVideoSize(4, 2, 29.97)
	clk.advance(5 * time.Millisecond)
	w.OnVideoFrame(media.VideoImage{
		Data:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Width:       2,
		Height:      1,
		Stride:      8,
		PixelFormat: media.PixelFormatRGBA,
		PTS:         -40 * time.Millisecond,
	})
	clk.advance(5 * time.Millisecond)
	w.WriteAudio([]int16{-1, 2, -32768, 32767})
	clk.advance(time.Second)
	w.OnComplete(3 * time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	h := r.Header()
	if h.Source != "synth:?fps=25" || h.SampleRate != 48000 || h.Channels != 2 {
		t.Errorf("header: got %+v", h)
	}
	if !h.Started.Equal(epoch) {
		t.Errorf("Started: got %v, want %v", h.Started, epoch)
	}

	rec, err := r.Next()
	if err != nil || rec.Type != RecordVideoSize {
		t.Fatalf("first record: got %v (%v), want video-size", rec.Type, err)
	}
	if rec.Size.Width != 4 || rec.Size.Height != 2 || rec.Size.FPS != 29.97 {
		t.Errorf("size: got %+v", rec.Size)
	}

	rec, err = r.Next()
	if err != nil || rec.Type != RecordVideo {
		t.Fatalf("second record: got %v (%v), want video", rec.Type, err)
	}
	v := rec.Video
	if rec.Wall != 5*time.Millisecond {
		t.Errorf("video wall: got %v, want 5ms", rec.Wall)
	}
	if v.PTS != -40*time.Millisecond {
		t.Errorf("PTS: got %v, want -40ms", v.PTS)
	}
	if v.Width != 2 || v.Height != 1 || v.Stride != 8 || v.PixelFormat != "rgba" {
		t.Errorf("video: got %+v", v)
	}
	if !bytes.Equal(v.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("video data: got %v", v.Data)
	}
	if v.CRC == 0 {
		t.Error("video CRC not recorded")
	}

	rec, err = r.Next()
	if err != nil || rec.Type != RecordAudio {
		t.Fatalf("third record: got %v (%v), want audio", rec.Type, err)
	}
	want := []int16{-1, 2, -32768, 32767}
	if rec.Audio.Samples != 4 || len(rec.Audio.Data) != 4 {
		t.Fatalf("audio: got %+v", rec.Audio)
	}
	for i := range want {
		if rec.Audio.Data[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, rec.Audio.Data[i], want[i])
		}
	}

	rec, err = r.Next()
	if err != nil || rec.Type != RecordEnd {
		t.Fatalf("fourth record: got %v (%v), want end", rec.Type, err)
	}
	if rec.End.Duration != 3*time.Second || rec.End.Error != "" {
		t.Errorf("end: got %+v", rec.End)
	}
	if rec.Wall != 1010*time.Millisecond {
		t.Errorf("end wall: got %v, want 1.01s", rec.Wall)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after last record: got %v, want io.EOF", err)
	}
}

func TestTimingOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{SampleRate: 8000, Channels: 1}, Options{})
	img := media.VideoImage{Data: []byte{9, 9, 9, 9}, Width: 1, Height: 1, Stride: 4, PixelFormat: media.PixelFormatBGRA}
	w.OnVideoFrame(img)
	w.WriteAudio(make([]int16, 80))
	w.Close()

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	rec, _ := r.Next()
	if rec.Video == nil || rec.Video.Data != nil {
		t.Errorf("video data stored without VideoData: %+v", rec.Video)
	}
	other := media.VideoImage{Data: []byte{9, 9, 9, 8}}
	var buf2 bytes.Buffer
	w2, _ := newTestWriter(t, &buf2, Header{}, Options{})
	w2.OnVideoFrame(other)
	w2.Close()
	r2, _ := NewReader(&buf2)
	rec2, _ := r2.Next()
	if rec.Video.CRC == rec2.Video.CRC {
		t.Error("different pictures recorded the same CRC")
	}

	rec, _ = r.Next()
	if rec.Audio == nil || rec.Audio.Samples != 80 || rec.Audio.Data != nil {
		t.Errorf("audio: got %+v", rec.Audio)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, clk := newTestWriter(t, &buf, Header{SampleRate: 1000, Channels: 2}, Options{})
	w.OnVideoSize(320, 240, 25)

	// Ten frames 40ms apart; the sixth is presented 10ms late.
	start := clk.t
	for i := range 10 {
		clk.t = start.Add(time.Duration(i) * 40 * time.Millisecond)
		if i == 5 {
			clk.advance(10 * time.Millisecond)
		}
		w.OnVideoFrame(media.VideoImage{PTS: time.Second + time.Duration(i)*40*time.Millisecond})
	}
	// Audio pulled in 10ms chunks on time, then one pull arrives 20ms early.
	clk.t = start
	for i := range 5 {
		clk.t = start.Add(time.Duration(i) * 10 * time.Millisecond)
		if i == 4 {
			clk.advance(-20 * time.Millisecond)
		}
		w.WriteAudio(make([]int16, 20))
	}
	clk.t = start.Add(400 * time.Millisecond)
	w.OnComplete(400 * time.Millisecond)
	w.Close()

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	s, err := Summarize(r)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.Width != 320 || s.Height != 240 || s.FPS != 25 {
		t.Errorf("size: got %dx%d@%v", s.Width, s.Height, s.FPS)
	}
	if s.VideoFrames != 10 {
		t.Errorf("VideoFrames: got %d, want 10", s.VideoFrames)
	}
	if s.FirstPTS != time.Second || s.LastPTS != 1360*time.Millisecond {
		t.Errorf("PTS range: got %v..%v, want 1s..1.36s", s.FirstPTS, s.LastPTS)
	}
	if s.Backwards != 0 {
		t.Errorf("Backwards: got %d, want 0", s.Backwards)
	}
	if s.VideoDrift.Max != 10*time.Millisecond {
		t.Errorf("video drift max: got %v, want 10ms", s.VideoDrift.Max)
	}
	if s.VideoDrift.Mean() != time.Millisecond {
		t.Errorf("video drift mean: got %v, want 1ms", s.VideoDrift.Mean())
	}
	if s.AudioChunks != 5 || s.AudioSamples != 100 {
		t.Errorf("audio: got %d chunks / %d samples, want 5/100", s.AudioChunks, s.AudioSamples)
	}
	if s.AudioDrift.Max != 20*time.Millisecond {
		t.Errorf("audio drift max: got %v, want 20ms", s.AudioDrift.Max)
	}
	if !s.Complete || s.Duration != 400*time.Millisecond || s.Error != "" {
		t.Errorf("end: complete %v duration %v error %q", s.Complete, s.Duration, s.Error)
	}
	if s.Span != 400*time.Millisecond {
		t.Errorf("Span: got %v, want 400ms", s.Span)
	}
}

func TestSummarizeError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{}, Options{})
	w.OnVideoFrame(media.VideoImage{PTS: 80 * time.Millisecond})
	w.OnVideoFrame(media.VideoImage{PTS: 40 * time.Millisecond})
	w.OnError(errors.New("decode: backend fault"))
	w.Close()

	r, _ := NewReader(&buf)
	s, err := Summarize(r)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Complete {
		t.Error("Complete: got true after OnError")
	}
	if s.Error != "decode: backend fault" {
		t.Errorf("Error: got %q", s.Error)
	}
	if s.Backwards != 1 {
		t.Errorf("Backwards: got %d, want 1", s.Backwards)
	}
	if s.LastPTS != 80*time.Millisecond {
		t.Errorf("LastPTS: got %v, want 80ms", s.LastPTS)
	}
}

func TestTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{}, Options{VideoData: true})
	for range 3 {
		w.OnVideoFrame(media.VideoImage{Data: make([]byte, 64)})
	}
	w.Close()

	data := buf.Bytes()[:buf.Len()-10]
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	s, err := Summarize(r)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Summarize: got %v, want ErrUnexpectedEOF", err)
	}
	if s.VideoFrames != 2 {
		t.Errorf("VideoFrames: got %d, want 2", s.VideoFrames)
	}
}

func TestReaderRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadMagic},
		{"wrong magic", []byte("RIFF\x01"), ErrBadMagic},
		{"no version", []byte("AVSC"), ErrBadMagic},
		{"future version", []byte("AVSC\x02"), ErrVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewReader(bytes.NewReader(tt.data)); !errors.Is(err, tt.want) {
				t.Errorf("NewReader: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnknownRecordSkipped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{}, Options{})
	w.mu.Lock()
	w.writeRecord(RecordType(0x3f), []byte{1, 2, 3})
	w.mu.Unlock()
	w.OnComplete(time.Second)
	w.Close()

	r, _ := NewReader(&buf)
	rec, err := r.Next()
	if err != nil || rec.Type != RecordEnd {
		t.Errorf("Next: got %v (%v), want end", rec.Type, err)
	}
}

type countingPuller struct{ calls int }

func (p *countingPuller) PullAudio(out []int16) int {
	p.calls++
	for i := range out {
		out[i] = int16(i)
	}
	return len(out)
}

func TestWrap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{SampleRate: 44100, Channels: 2}, Options{AudioData: true})
	src := &countingPuller{}
	p := w.Wrap(src)
	out := make([]int16, 6)
	if n := p.PullAudio(out); n != 6 {
		t.Errorf("PullAudio: got %d, want 6", n)
	}
	w.Close()

	if src.calls != 1 {
		t.Errorf("source calls: got %d, want 1", src.calls)
	}
	r, _ := NewReader(&buf)
	rec, err := r.Next()
	if err != nil || rec.Audio == nil {
		t.Fatalf("Next: got %+v (%v)", rec, err)
	}
	if len(rec.Audio.Data) != 6 || rec.Audio.Data[5] != 5 {
		t.Errorf("tapped audio: got %v", rec.Audio.Data)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, _ := newTestWriter(t, &buf, Header{}, Options{})
	w.Close()
	n := buf.Len()
	w.OnVideoFrame(media.VideoImage{})
	w.WriteAudio([]int16{1})
	if buf.Len() != n {
		t.Errorf("bytes after Close: got %d, want %d", buf.Len(), n)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCreateAndSummarizeFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.avsc")
	w, err := Create(path, Header{Source: "clip.ts", SampleRate: 44100, Channels: 2}, Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.OnVideoSize(320, 240, 25)
	w.OnVideoFrame(media.VideoImage{PTS: time.Second})
	w.OnComplete(2 * time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err := SummarizeFile(path)
	if err != nil {
		t.Fatalf("SummarizeFile: %v", err)
	}
	if s.Header.Source != "clip.ts" || s.VideoFrames != 1 || !s.Complete {
		t.Errorf("summary: got %+v", s)
	}
}

func TestZigzag(t *testing.T) {
	t.Parallel()

	for _, v := range []int64{0, 1, -1, 40_000, -40_000, 1 << 40, -(1 << 40)} {
		if got := unzigzag(zigzag(v)); got != v {
			t.Errorf("unzigzag(zigzag(%d)): got %d", v, got)
		}
	}
}
