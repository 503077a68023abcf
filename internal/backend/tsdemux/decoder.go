package tsdemux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	aac "github.com/llehouerou/go-aac"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/codec"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/mpegts"
)

// Decoder turns one stream's packets into frames. It follows the backend
// contract: a nil packet flushes, ReceiveFrame returns backend.ErrAgain when
// it needs input and io.EOF once a flushed decoder is drained. Reset drops
// everything pending after a seek.
type Decoder interface {
	SendPacket(pkt *media.Packet) error
	ReceiveFrame() (*media.Frame, error)
	Reset()
}

// NewDecoderFunc builds the decoder for a selected stream.
type NewDecoderFunc func(si media.StreamInfo, pool *media.FramePool) (Decoder, error)

// DefaultDecoder passes video access units through compressed, for sinks
// that decode themselves, and decodes AAC to S16 in pure Go. AAC frames the
// decoder rejects come out as silence of the right length so the audio clock
// keeps running.
func DefaultDecoder(si media.StreamInfo, pool *media.FramePool) (Decoder, error) {
	switch si.Kind {
	case media.KindVideo:
		return &passthroughDecoder{
			pool:   pool,
			format: si.PixelFormat,
			width:  si.Width,
			height: si.Height,
		}, nil
	case media.KindAudio:
		if si.SampleRate <= 0 || si.Channels <= 0 {
			return nil, fmt.Errorf("tsdemux: audio %dHz %dch", si.SampleRate, si.Channels)
		}
		return &aacDecoder{silenceDecoder: silenceDecoder{pool: pool, channels: si.Channels}}, nil
	}
	return nil, fmt.Errorf("tsdemux: no decoder for %s", si.Kind)
}

var errEmptyUnit = errors.New("tsdemux: empty unit")

// frameQueue is the pending output shared by the built-in decoders.
type frameQueue struct {
	frames  []*media.Frame
	flushed bool
}

func (q *frameQueue) push(f *media.Frame) {
	q.flushed = false
	q.frames = append(q.frames, f)
}

func (q *frameQueue) pop() (*media.Frame, error) {
	if len(q.frames) == 0 {
		if q.flushed {
			return nil, io.EOF
		}
		return nil, backend.ErrAgain
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, nil
}

func (q *frameQueue) reset() {
	for _, f := range q.frames {
		f.Release()
	}
	q.frames = nil
	q.flushed = false
}

type passthroughDecoder struct {
	pool   *media.FramePool
	format media.PixelFormat
	width  int
	height int
	out    frameQueue
}

func (d *passthroughDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		d.out.flushed = true
		return nil
	}
	if len(pkt.Data) == 0 {
		return errEmptyUnit
	}
	if pkt.Keyframe {
		d.resize(pkt.Data)
	}
	f := d.pool.Get(media.KindVideo)
	f.PTS, f.DTS = pkt.PTS, pkt.DTS
	f.Width, f.Height = d.width, d.height
	f.PixelFormat = d.format
	f.Keyframe = pkt.Keyframe
	d.pool.AddPlane(f, pkt.Data, len(pkt.Data))
	d.out.push(f)
	return nil
}

// resize follows picture size changes announced by a new SPS.
func (d *passthroughDecoder) resize(au []byte) {
	t := track{streamType: mpegts.StreamTypeH264}
	if d.format == media.PixelFormatH265 {
		t.streamType = mpegts.StreamTypeH265
	}
	t.parseSPS(au)
	if t.ready && t.width > 0 && t.height > 0 {
		d.width, d.height = t.width, t.height
	}
}

func (d *passthroughDecoder) ReceiveFrame() (*media.Frame, error) {
	return d.out.pop()
}

func (d *passthroughDecoder) Reset() {
	d.out.reset()
}

type silenceDecoder struct {
	pool     *media.FramePool
	channels int
	out      frameQueue
}

// SendPacket emits one S16 frame of zeros per ADTS frame, timestamped from
// the packet PTS plus the samples before it.
func (d *silenceDecoder) SendPacket(pkt *media.Packet) error {
	return d.sendWith(pkt, nil)
}

// sendWith queues one frame per ADTS frame in pkt. decode, when set, fills
// the frame; a nil result means silence.
func (d *silenceDecoder) sendWith(pkt *media.Packet, decode func(af codec.AACFrame) []int16) error {
	if pkt == nil {
		d.out.flushed = true
		return nil
	}
	frames, err := codec.ParseADTS(pkt.Data)
	if len(frames) == 0 {
		if err == nil {
			err = errEmptyUnit
		}
		return fmt.Errorf("tsdemux: audio unit: %w", err)
	}

	pts := pkt.PTS
	for _, af := range frames {
		ch := af.Channels
		if ch == 0 {
			ch = d.channels // layout signalled in-band by a PCE
		}
		var pcm []int16
		if decode != nil {
			pcm = decode(af)
		}
		samples := af.Samples
		if len(pcm) > 0 {
			samples = len(pcm) / ch
		}
		f := d.pool.Get(media.KindAudio)
		f.PTS, f.DTS = pts, pts
		f.SampleFormat = media.SampleFormatS16
		f.SampleRate = af.SampleRate
		f.Channels = ch
		f.Samples = samples
		buf := d.pool.Buffer(samples * ch * media.SampleFormatS16.BytesPerSample())
		clear(buf)
		for i, v := range pcm[:min(len(pcm), samples*ch)] {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		}
		f.Planes = append(f.Planes, buf)
		f.Strides = append(f.Strides, len(buf))
		d.out.push(f)

		if pts != media.NoPTS {
			pts += int64(samples) * 1_000_000 / int64(af.SampleRate)
		}
	}
	return nil
}

func (d *silenceDecoder) ReceiveFrame() (*media.Frame, error) {
	return d.out.pop()
}

func (d *silenceDecoder) Reset() {
	d.out.reset()
}

// aacDecoder decodes AAC-LC with go-aac. The decoder is configured from the
// first ADTS header it sees; until that succeeds, and for any frame it
// rejects, the output is silence.
type aacDecoder struct {
	silenceDecoder
	dec    *aac.Decoder
	outCh  int
	failed int
}

func (d *aacDecoder) SendPacket(pkt *media.Packet) error {
	return d.sendWith(pkt, d.decode)
}

func (d *aacDecoder) decode(af codec.AACFrame) []int16 {
	if d.dec == nil {
		dec := aac.NewDecoder()
		_, ch, err := dec.SimpleInit(af.Data)
		if err != nil || ch == 0 {
			dec.Close()
			d.failed++
			return nil
		}
		d.dec, d.outCh = dec, int(ch)
	}
	ch := af.Channels
	if ch == 0 {
		ch = d.channels
	}
	pcm, err := d.dec.DecodeInt16(af.Data)
	if err != nil || d.outCh != ch || len(pcm)%ch != 0 {
		d.failed++
		return nil
	}
	return pcm
}

// Failed reports how many frames came out as silence.
func (d *aacDecoder) Failed() int {
	return d.failed
}

func (d *aacDecoder) Reset() {
	d.silenceDecoder.Reset()
	if d.dec != nil {
		d.dec.Close()
		d.dec = nil
	}
}
