// Package capture records what a player presented: every video frame handed
// to the sink and every chunk of audio the host pulled, stamped with the
// wall-clock time it happened. The file is a sequence of varint-framed
// records, read back by Reader for inspection and drift measurement.
//
// File layout: the magic "AVSC", a version varint, then records of
// [type (varint)] [payload length (varint)] [payload].
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/avsync/internal/hostaudio"
	"github.com/zsiec/avsync/internal/media"
)

// Magic opens every capture file.
const Magic = "AVSC"

// Version is the record format version.
const Version uint64 = 1

// RecordType identifies a record.
type RecordType uint64

// Record types.
const (
	RecordHeader    RecordType = 0x01
	RecordVideoSize RecordType = 0x02
	RecordVideo     RecordType = 0x03
	RecordAudio     RecordType = 0x04
	RecordEnd       RecordType = 0x05
)

func (t RecordType) String() string {
	switch t {
	case RecordHeader:
		return "header"
	case RecordVideoSize:
		return "video-size"
	case RecordVideo:
		return "video"
	case RecordAudio:
		return "audio"
	case RecordEnd:
		return "end"
	}
	return fmt.Sprintf("record(0x%02x)", uint64(t))
}

var (
	// ErrBadMagic means the input is not a capture file.
	ErrBadMagic = errors.New("capture: not a capture file")
	// ErrVersion means the file was written by a newer format.
	ErrVersion = errors.New("capture: unsupported version")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("capture: writer closed")
)

// Header describes the captured session.
type Header struct {
	Source     string
	SampleRate int
	Channels   int
	Started    time.Time
}

// Options select what goes into the file besides timing.
type Options struct {
	// VideoData stores converted pictures; otherwise only their CRC-32.
	VideoData bool
	// AudioData stores the pulled samples; otherwise only their count.
	AudioData bool
	Log       *slog.Logger
}

// Writer records a session. Its methods are safe for concurrent use: video
// arrives from the render goroutine and audio from the host device.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	opts   Options
	log    *slog.Logger
	now    func() time.Time
	start  time.Time
	err    error
	closed bool
	buf    []byte

	videoFrames  int64
	audioSamples int64
}

// Create writes a capture file at path.
func Create(path string, h Header, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w, err := NewWriter(f, h, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the file preamble and header to dst.
func NewWriter(dst io.Writer, h Header, opts Options) (*Writer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		bw:   bufio.NewWriter(dst),
		opts: opts,
		log:  log.With("component", "capture"),
		now:  time.Now,
	}
	if h.Started.IsZero() {
		h.Started = w.now()
	}
	w.start = h.Started

	pre := append([]byte(Magic), quicvarint.Append(nil, Version)...)
	if _, err := w.bw.Write(pre); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	var p []byte
	p = appendString(p, h.Source)
	p = quicvarint.Append(p, uint64(h.SampleRate))
	p = quicvarint.Append(p, uint64(h.Channels))
	p = quicvarint.Append(p, uint64(h.Started.UnixMicro()))
	if err := w.writeRecord(RecordHeader, p); err != nil {
		return nil, err
	}
	return w, nil
}

// wall returns the time since the session started, in microseconds.
func (w *Writer) wall() uint64 {
	d := w.now().Sub(w.start)
	if d < 0 {
		d = 0
	}
	return uint64(d / time.Microsecond)
}

// writeRecord frames payload. The caller holds mu, except during
// construction.
func (w *Writer) writeRecord(t RecordType, payload []byte) error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	w.buf = quicvarint.Append(w.buf[:0], uint64(t))
	w.buf = quicvarint.Append(w.buf, uint64(len(payload)))
	w.buf = append(w.buf, payload...)
	if _, err := w.bw.Write(w.buf); err != nil {
		w.err = fmt.Errorf("capture: write %s: %w", t, err)
		w.log.Warn("capture disabled", "error", err)
		return w.err
	}
	return nil
}

func (w *Writer) record(t RecordType, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeRecord(t, payload)
}

// OnVideoSize records the picture size and frame rate.
func (w *Writer) OnVideoSize(width, height int, fps float64) {
	var p []byte
	p = quicvarint.Append(p, w.wallLocked())
	p = quicvarint.Append(p, uint64(width))
	p = quicvarint.Append(p, uint64(height))
	p = quicvarint.Append(p, uint64(math.Round(fps*1000)))
	w.record(RecordVideoSize, p)
}

// OnVideoFrame records one presented picture.
func (w *Writer) OnVideoFrame(img media.VideoImage) {
	var p []byte
	p = quicvarint.Append(p, w.wallLocked())
	p = quicvarint.Append(p, zigzag(int64(img.PTS/time.Microsecond)))
	p = quicvarint.Append(p, uint64(img.Width))
	p = quicvarint.Append(p, uint64(img.Height))
	p = quicvarint.Append(p, uint64(img.Stride))
	p = appendString(p, img.PixelFormat.String())
	p = quicvarint.Append(p, uint64(crc32.ChecksumIEEE(img.Data)))
	if w.opts.VideoData {
		p = appendBytes(p, img.Data)
	} else {
		p = appendBytes(p, nil)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeRecord(RecordVideo, p) == nil {
		w.videoFrames++
	}
}

// WriteAudio records a pulled chunk of interleaved samples. It has the
// signature of hostaudio.Headless.Tap.
func (w *Writer) WriteAudio(samples []int16) {
	var p []byte
	p = quicvarint.Append(p, w.wallLocked())
	p = quicvarint.Append(p, uint64(len(samples)))
	if w.opts.AudioData {
		raw := make([]byte, 2*len(samples))
		for i, s := range samples {
			raw[2*i] = byte(s)
			raw[2*i+1] = byte(uint16(s) >> 8)
		}
		p = appendBytes(p, raw)
	} else {
		p = appendBytes(p, nil)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeRecord(RecordAudio, p) == nil {
		w.audioSamples += int64(len(samples))
	}
}

// Wrap returns a Puller that records every chunk src fills.
func (w *Writer) Wrap(src hostaudio.Puller) hostaudio.Puller {
	return tapPuller{src: src, w: w}
}

type tapPuller struct {
	src hostaudio.Puller
	w   *Writer
}

func (t tapPuller) PullAudio(out []int16) int {
	n := t.src.PullAudio(out)
	t.w.WriteAudio(out)
	return n
}

// OnComplete records the end of playback.
func (w *Writer) OnComplete(d time.Duration) {
	w.end(d, nil)
}

// OnError records the fault that ended playback.
func (w *Writer) OnError(err error) {
	w.end(0, err)
}

func (w *Writer) end(d time.Duration, err error) {
	var p []byte
	p = quicvarint.Append(p, w.wallLocked())
	p = quicvarint.Append(p, uint64(d/time.Microsecond))
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p = appendString(p, msg)
	w.record(RecordEnd, p)
}

func (w *Writer) wallLocked() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wall()
}

// Close flushes the file. Records written after Close are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	w.log.Debug("capture closed", "video_frames", w.videoFrames, "audio_samples", w.audioSamples)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return w.err
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func appendBytes(buf, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}
