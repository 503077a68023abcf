package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/avsync/internal/media"
)

// SyntheticScheme prefixes sources served by the synthetic backend, e.g.
// "synth:?fps=25&rate=44100&duration=10s".
const SyntheticScheme = "synth:"

// Stream indices used by the synthetic backend.
const (
	SyntheticVideoStream   = 0
	SyntheticAudioStream   = 1
	SyntheticUnknownStream = 7
)

var errSyntheticTransient = errors.New("synthetic: transient read error")

func init() {
	Register(Factory{
		Name:     "synthetic",
		Priority: 0,
		Match: func(source string) bool {
			return strings.HasPrefix(source, SyntheticScheme)
		},
		New: func(cfg Config) Backend { return NewSynthetic(cfg) },
	})
}

// SyntheticOptions describes the generated source. The *Every knobs inject
// failures on every Nth read or decode so the engine's error paths can be
// driven deterministically.
type SyntheticOptions struct {
	FrameRate        float64
	Width            int
	Height           int
	SampleRate       int
	Channels         int
	SampleFormat     media.SampleFormat
	Duration         time.Duration
	Start            time.Duration
	GOP              int
	Video            bool
	Audio            bool
	Tone             float64
	SamplesPerPacket int
	FramesPerPacket  int

	FaultAt          time.Duration
	TransientEvery   int
	DecodeErrorEvery int
	UnknownEvery     int
	MissingPTSEvery  int
}

// DefaultSyntheticOptions is a 10 second 25 fps, 44.1 kHz stereo source.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		FrameRate:        25,
		Width:            64,
		Height:           48,
		SampleRate:       44100,
		Channels:         2,
		SampleFormat:     media.SampleFormatS16,
		Duration:         10 * time.Second,
		GOP:              12,
		Video:            true,
		Audio:            true,
		Tone:             440,
		SamplesPerPacket: 2048,
		FramesPerPacket:  2,
	}
}

// ParseSyntheticSource reads options from a synth: source string. Unknown
// keys are rejected.
func ParseSyntheticSource(source string) (SyntheticOptions, error) {
	o := DefaultSyntheticOptions()
	if !strings.HasPrefix(source, SyntheticScheme) {
		return o, fmt.Errorf("%w: %q", ErrUnsupported, source)
	}
	raw := strings.TrimPrefix(source, SyntheticScheme)
	raw = strings.TrimPrefix(raw, "//")
	raw = strings.TrimPrefix(raw, "?")
	q, err := url.ParseQuery(raw)
	if err != nil {
		return o, fmt.Errorf("parse synthetic source: %w", err)
	}

	for key, vals := range q {
		v := vals[len(vals)-1]
		var err error
		switch key {
		case "fps":
			o.FrameRate, err = strconv.ParseFloat(v, 64)
		case "width":
			o.Width, err = strconv.Atoi(v)
		case "height":
			o.Height, err = strconv.Atoi(v)
		case "rate":
			o.SampleRate, err = strconv.Atoi(v)
		case "channels":
			o.Channels, err = strconv.Atoi(v)
		case "format":
			o.SampleFormat, err = parseSampleFormat(v)
		case "duration":
			o.Duration, err = time.ParseDuration(v)
		case "start":
			o.Start, err = time.ParseDuration(v)
		case "gop":
			o.GOP, err = strconv.Atoi(v)
		case "video":
			o.Video, err = strconv.ParseBool(v)
		case "audio":
			o.Audio, err = strconv.ParseBool(v)
		case "tone":
			o.Tone, err = strconv.ParseFloat(v, 64)
		case "spp":
			o.SamplesPerPacket, err = strconv.Atoi(v)
		case "fpp":
			o.FramesPerPacket, err = strconv.Atoi(v)
		case "fault":
			o.FaultAt, err = time.ParseDuration(v)
		case "transient":
			o.TransientEvery, err = strconv.Atoi(v)
		case "decodeerr":
			o.DecodeErrorEvery, err = strconv.Atoi(v)
		case "unknown":
			o.UnknownEvery, err = strconv.Atoi(v)
		case "nopts":
			o.MissingPTSEvery, err = strconv.Atoi(v)
		default:
			err = errors.New("unknown option")
		}
		if err != nil {
			return o, fmt.Errorf("synthetic option %s=%q: %w", key, v, err)
		}
	}
	return o, o.validate()
}

func (o SyntheticOptions) validate() error {
	switch {
	case !o.Video && !o.Audio:
		return errors.New("synthetic source needs at least one stream")
	case o.Video && (o.FrameRate <= 0 || o.Width < 2 || o.Height < 2):
		return fmt.Errorf("invalid video %vfps %dx%d", o.FrameRate, o.Width, o.Height)
	case o.Audio && (o.SampleRate <= 0 || o.Channels <= 0 || o.SampleFormat == media.SampleFormatNone):
		return fmt.Errorf("invalid audio %dHz %dch %s", o.SampleRate, o.Channels, o.SampleFormat)
	case o.Duration <= 0:
		return fmt.Errorf("invalid duration %s", o.Duration)
	case o.GOP <= 0 || o.SamplesPerPacket <= 0 || o.FramesPerPacket <= 0:
		return errors.New("gop, spp and fpp must be positive")
	}
	return nil
}

// Source renders the options back into a synth: source string.
func (o SyntheticOptions) Source() string {
	q := url.Values{}
	q.Set("fps", strconv.FormatFloat(o.FrameRate, 'f', -1, 64))
	q.Set("width", strconv.Itoa(o.Width))
	q.Set("height", strconv.Itoa(o.Height))
	q.Set("rate", strconv.Itoa(o.SampleRate))
	q.Set("channels", strconv.Itoa(o.Channels))
	q.Set("format", o.SampleFormat.String())
	q.Set("duration", o.Duration.String())
	q.Set("start", o.Start.String())
	q.Set("gop", strconv.Itoa(o.GOP))
	q.Set("video", strconv.FormatBool(o.Video))
	q.Set("audio", strconv.FormatBool(o.Audio))
	q.Set("tone", strconv.FormatFloat(o.Tone, 'f', -1, 64))
	q.Set("spp", strconv.Itoa(o.SamplesPerPacket))
	q.Set("fpp", strconv.Itoa(o.FramesPerPacket))
	if o.FaultAt > 0 {
		q.Set("fault", o.FaultAt.String())
	}
	if o.TransientEvery > 0 {
		q.Set("transient", strconv.Itoa(o.TransientEvery))
	}
	if o.DecodeErrorEvery > 0 {
		q.Set("decodeerr", strconv.Itoa(o.DecodeErrorEvery))
	}
	if o.UnknownEvery > 0 {
		q.Set("unknown", strconv.Itoa(o.UnknownEvery))
	}
	if o.MissingPTSEvery > 0 {
		q.Set("nopts", strconv.Itoa(o.MissingPTSEvery))
	}
	return SyntheticScheme + "?" + q.Encode()
}

func parseSampleFormat(s string) (media.SampleFormat, error) {
	for _, f := range []media.SampleFormat{
		media.SampleFormatS16, media.SampleFormatS16P,
		media.SampleFormatF32, media.SampleFormatF32P,
	} {
		if f.String() == s {
			return f, nil
		}
	}
	return media.SampleFormatNone, fmt.Errorf("unknown sample format %q", s)
}

// Synthetic generates a moving test pattern and a sine tone. Its "decoders"
// turn each packet into frames without any codec, which makes it the
// deterministic source for the engine's tests and for trying the player
// without media files.
type Synthetic struct {
	pool *media.FramePool
	opts SyntheticOptions
	open bool

	videoIdx int64
	audioPos int64

	reads      int
	videoSends int

	pending [2][]*media.Frame
	flushed [2]bool
}

// NewSynthetic returns an unopened synthetic backend.
func NewSynthetic(cfg Config) *Synthetic {
	return &Synthetic{pool: cfg.FramePool()}
}

// Open parses source and returns the generated streams' description.
func (s *Synthetic) Open(_ context.Context, source string) (media.Info, error) {
	opts, err := ParseSyntheticSource(source)
	if err != nil {
		return media.Info{}, err
	}
	s.opts = opts
	s.open = true

	info := media.Info{
		Source:   source,
		Format:   "synthetic",
		Duration: opts.Duration,
		Seekable: true,
	}
	if opts.Video {
		info.Video = &media.StreamInfo{
			Index:       SyntheticVideoStream,
			Kind:        media.KindVideo,
			Codec:       "rawvideo",
			TimeBase:    1 / opts.FrameRate,
			FrameRate:   opts.FrameRate,
			Width:       opts.Width,
			Height:      opts.Height,
			PixelFormat: media.PixelFormatYUV420P,
			StartPTS:    media.FromDuration(opts.Start),
		}
		info.Bitrate += int64(float64(opts.Width*opts.Height*3/2*8) * opts.FrameRate)
	}
	if opts.Audio {
		info.Audio = &media.StreamInfo{
			Index:        SyntheticAudioStream,
			Kind:         media.KindAudio,
			Codec:        "pcm_" + opts.SampleFormat.String(),
			TimeBase:     1 / float64(opts.SampleRate),
			SampleRate:   opts.SampleRate,
			Channels:     opts.Channels,
			SampleFormat: opts.SampleFormat,
			StartPTS:     media.FromDuration(opts.Start),
		}
		info.Bitrate += int64(opts.SampleRate * opts.Channels * opts.SampleFormat.BytesPerSample() * 8)
	}
	return info, nil
}

func (s *Synthetic) videoTime(idx int64) time.Duration {
	return time.Duration(float64(idx) * float64(time.Second) / s.opts.FrameRate)
}

func (s *Synthetic) audioTime(pos int64) time.Duration {
	return time.Duration(pos * int64(time.Second) / int64(s.opts.SampleRate))
}

// ReadPacket returns the next packet in presentation order, audio first on
// ties.
func (s *Synthetic) ReadPacket() (*media.Packet, error) {
	if !s.open {
		return nil, fmt.Errorf("%w: synthetic backend not open", ErrFault)
	}
	o := s.opts
	s.reads++
	if o.TransientEvery > 0 && s.reads%o.TransientEvery == 0 {
		return nil, errSyntheticTransient
	}
	if o.UnknownEvery > 0 && s.reads%o.UnknownEvery == 0 {
		return media.NewPacket(SyntheticUnknownStream, media.NoPTS, media.NoPTS, []byte{0}, nil), nil
	}

	vt, at := s.videoTime(s.videoIdx), s.audioTime(s.audioPos)
	videoDone := !o.Video || vt >= o.Duration
	audioDone := !o.Audio || at >= o.Duration
	if videoDone && audioDone {
		return nil, io.EOF
	}

	useAudio := !audioDone && (videoDone || at <= vt)
	next := vt
	if useAudio {
		next = at
	}
	if o.FaultAt > 0 && next >= o.FaultAt {
		return nil, fmt.Errorf("%w: synthetic fault at %s", ErrFault, o.FaultAt)
	}

	if useAudio {
		n := int64(o.SamplesPerPacket)
		if rem := int64(math.Ceil(o.Duration.Seconds()*float64(o.SampleRate))) - s.audioPos; rem < n {
			n = rem
		}
		data := make([]byte, 16)
		binary.BigEndian.PutUint64(data, uint64(s.audioPos))
		binary.BigEndian.PutUint64(data[8:], uint64(n))
		pts := media.FromDuration(o.Start + at)
		pkt := media.NewPacket(SyntheticAudioStream, pts, pts, data, nil)
		pkt.Keyframe = true
		s.audioPos += n
		return pkt, nil
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(s.videoIdx))
	pts := media.FromDuration(o.Start + vt)
	dts := pts
	if o.MissingPTSEvery > 0 && s.videoIdx%int64(o.MissingPTSEvery) == int64(o.MissingPTSEvery-1) {
		pts, dts = media.NoPTS, media.NoPTS
	}
	pkt := media.NewPacket(SyntheticVideoStream, pts, dts, data, nil)
	pkt.Keyframe = s.videoIdx%int64(o.GOP) == 0
	s.videoIdx++
	return pkt, nil
}

// SendPacket decodes pkt into pending frames. A nil packet flushes.
func (s *Synthetic) SendPacket(stream int, pkt *media.Packet) error {
	if stream != SyntheticVideoStream && stream != SyntheticAudioStream {
		return fmt.Errorf("synthetic: no decoder for stream %d", stream)
	}
	if pkt == nil {
		s.flushed[stream] = true
		return nil
	}
	s.flushed[stream] = false

	if stream == SyntheticVideoStream {
		s.videoSends++
		if n := s.opts.DecodeErrorEvery; n > 0 && s.videoSends%n == 0 {
			return errors.New("synthetic: corrupt video packet")
		}
		if len(pkt.Data) < 8 {
			return errors.New("synthetic: short video packet")
		}
		idx := int64(binary.BigEndian.Uint64(pkt.Data))
		s.pending[stream] = append(s.pending[stream], s.renderVideo(idx, pkt))
		return nil
	}

	if len(pkt.Data) < 16 {
		return errors.New("synthetic: short audio packet")
	}
	pos := int64(binary.BigEndian.Uint64(pkt.Data))
	n := int64(binary.BigEndian.Uint64(pkt.Data[8:]))
	parts := int64(s.opts.FramesPerPacket)
	per := (n + parts - 1) / parts
	for off := int64(0); off < n; off += per {
		count := per
		if off+count > n {
			count = n - off
		}
		pts := media.NoPTS
		if pkt.PTS != media.NoPTS {
			pts = pkt.PTS + off*1_000_000/int64(s.opts.SampleRate)
		}
		s.pending[stream] = append(s.pending[stream], s.renderAudio(pos+off, int(count), pts))
	}
	return nil
}

// ReceiveFrame pops the next decoded frame for stream.
func (s *Synthetic) ReceiveFrame(stream int) (*media.Frame, error) {
	if stream != SyntheticVideoStream && stream != SyntheticAudioStream {
		return nil, fmt.Errorf("synthetic: no decoder for stream %d", stream)
	}
	if q := s.pending[stream]; len(q) > 0 {
		f := q[0]
		q[0] = nil
		s.pending[stream] = q[1:]
		return f, nil
	}
	if s.flushed[stream] {
		return nil, io.EOF
	}
	return nil, ErrAgain
}

// renderVideo draws a YUV420P frame with a bright bar that moves four pixels
// per frame, so consecutive frames are distinguishable.
func (s *Synthetic) renderVideo(idx int64, pkt *media.Packet) *media.Frame {
	w, h := s.opts.Width, s.opts.Height
	f := s.pool.Get(media.KindVideo)
	f.PTS, f.DTS = pkt.PTS, pkt.DTS
	f.Width, f.Height = w, h
	f.PixelFormat = media.PixelFormatYUV420P
	f.Keyframe = pkt.Keyframe

	y := s.pool.Buffer(w * h)
	bar := int(idx*4) % w
	for row := 0; row < h; row++ {
		line := y[row*w : (row+1)*w]
		for x := range line {
			if x >= bar && x < bar+w/8 {
				line[x] = 235
			} else {
				line[x] = 60
			}
		}
	}
	cw, ch := (w+1)/2, (h+1)/2
	u := s.pool.Buffer(cw * ch)
	v := s.pool.Buffer(cw * ch)
	for i := range u {
		u[i] = 128
		v[i] = byte(96 + idx%64)
	}
	f.Planes = append(f.Planes, y, u, v)
	f.Strides = append(f.Strides, w, cw, cw)
	return f
}

// renderAudio synthesizes count samples of the tone starting at sample pos.
func (s *Synthetic) renderAudio(pos int64, count int, pts int64) *media.Frame {
	o := s.opts
	f := s.pool.Get(media.KindAudio)
	f.PTS, f.DTS = pts, pts
	f.SampleFormat = o.SampleFormat
	f.SampleRate = o.SampleRate
	f.Channels = o.Channels
	f.Samples = count

	bps := o.SampleFormat.BytesPerSample()
	planes := 1
	if o.SampleFormat.Planar() {
		planes = o.Channels
	}
	perPlane := count * bps
	if !o.SampleFormat.Planar() {
		perPlane *= o.Channels
	}
	for p := 0; p < planes; p++ {
		buf := s.pool.Buffer(perPlane)
		f.Planes = append(f.Planes, buf)
		f.Strides = append(f.Strides, perPlane)
	}

	for i := 0; i < count; i++ {
		val := 0.5 * math.Sin(2*math.Pi*o.Tone*float64(pos+int64(i))/float64(o.SampleRate))
		for c := 0; c < o.Channels; c++ {
			var buf []byte
			var at int
			if o.SampleFormat.Planar() {
				buf, at = f.Planes[c], i*bps
			} else {
				buf, at = f.Planes[0], (i*o.Channels+c)*bps
			}
			switch bps {
			case 2:
				binary.LittleEndian.PutUint16(buf[at:], uint16(int16(val*32767)))
			case 4:
				binary.LittleEndian.PutUint32(buf[at:], math.Float32bits(float32(val)))
			}
		}
	}
	return f
}

// Seek repositions both streams at the keyframe at or before target.
func (s *Synthetic) Seek(target time.Duration) error {
	if !s.open {
		return fmt.Errorf("%w: synthetic backend not open", ErrFault)
	}
	o := s.opts
	if target < 0 {
		target = 0
	}
	if target > o.Duration {
		target = o.Duration
	}
	keyTime := target
	if o.Video {
		idx := int64(math.Floor(target.Seconds()*o.FrameRate + 1e-9))
		idx -= idx % int64(o.GOP)
		s.videoIdx = idx
		keyTime = s.videoTime(idx)
	}
	if o.Audio {
		// Rounded up so no audio precedes the keyframe.
		rate := int64(o.SampleRate)
		s.audioPos = (int64(keyTime)*rate + int64(time.Second) - 1) / int64(time.Second)
	}
	s.dropPending()
	return nil
}

func (s *Synthetic) dropPending() {
	for i := range s.pending {
		for _, f := range s.pending[i] {
			f.Release()
		}
		s.pending[i] = nil
		s.flushed[i] = false
	}
}

// Close releases undelivered frames.
func (s *Synthetic) Close() error {
	s.dropPending()
	s.open = false
	return nil
}
