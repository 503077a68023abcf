//go:build ffmpeg

// Package ffmpeg is the general-purpose backend: libavformat demuxes and
// libavcodec decodes whatever the other backends do not claim. It is only
// compiled with the ffmpeg build tag since it needs the FFmpeg libraries.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/media"
)

// Name is the backend's registry name.
const Name = "ffmpeg"

func init() {
	astiav.SetLogLevel(astiav.LogLevelError)
	backend.Register(backend.Factory{
		Name:     Name,
		Priority: 100,
		Match:    func(string) bool { return true },
		New:      func(cfg backend.Config) backend.Backend { return New(cfg, nil) },
	})
}

type stream struct {
	index    int
	tb       astiav.Rational
	ctx      *astiav.CodecContext
	frame    *astiav.Frame
	scaler   *scaler
	resample *astiav.SoftwareResampleContext
	s16      *astiav.Frame
}

func (s *stream) free() {
	if s.s16 != nil {
		s.s16.Free()
	}
	if s.resample != nil {
		s.resample.Free()
	}
	s.scaler.close()
	if s.frame != nil {
		s.frame.Free()
	}
	if s.ctx != nil {
		s.ctx.Free()
	}
}

// micros converts a stream timestamp to microseconds.
func (s *stream) micros(ts int64) int64 {
	if ts == astiav.NoPtsValue {
		return media.NoPTS
	}
	return astiav.RescaleQ(ts, s.tb, astiav.NewRational(1, 1_000_000))
}

// Backend wraps one libavformat input.
type Backend struct {
	pool *media.FramePool
	log  *slog.Logger

	fc        *astiav.FormatContext
	interrupt astiav.IOInterrupter
	info      media.Info
	streams   map[int]*stream

	// inflight maps packets handed out by ReadPacket to the libav packets
	// that own their data.
	inflight map[*media.Packet]*astiav.Packet
}

// New returns an unopened backend.
func New(cfg backend.Config, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		pool:     cfg.FramePool(),
		log:      log.With("component", Name),
		streams:  make(map[int]*stream),
		inflight: make(map[*media.Packet]*astiav.Packet),
	}
}

// Open opens src with libavformat, probes its streams and opens a decoder
// for the best video and audio stream.
func (b *Backend) Open(ctx context.Context, src string) (media.Info, error) {
	b.fc = astiav.AllocFormatContext()
	if b.fc == nil {
		return media.Info{}, fmt.Errorf("%w: allocating format context", backend.ErrFault)
	}
	b.interrupt = b.fc.SetInterruptCallback()
	stop := context.AfterFunc(ctx, b.interrupt.Interrupt)
	defer stop()

	if err := b.fc.OpenInput(src, nil, nil); err != nil {
		b.fc.Free()
		b.fc = nil
		return media.Info{}, fmt.Errorf("ffmpeg: open %s: %w", src, err)
	}
	if err := b.fc.FindStreamInfo(nil); err != nil {
		return media.Info{}, fmt.Errorf("ffmpeg: stream info: %w", err)
	}

	info := media.Info{
		Source:   src,
		Format:   b.fc.InputFormat().Name(),
		Bitrate:  b.fc.BitRate(),
		Seekable: b.fc.Duration() > 0,
	}
	if d := b.fc.Duration(); d > 0 {
		info.Duration = time.Duration(d) * time.Microsecond
	}

	for _, st := range b.fc.Streams() {
		par := st.CodecParameters()
		switch par.MediaType() {
		case astiav.MediaTypeVideo:
			if info.Video != nil {
				continue
			}
			s, err := b.openStream(st)
			if err != nil {
				b.log.Warn("skipping video stream", "index", st.Index(), "error", err)
				continue
			}
			info.Video = &media.StreamInfo{
				Index:         st.Index(),
				Kind:          media.KindVideo,
				Codec:         par.CodecID().Name(),
				TimeBase:      st.TimeBase().Float64(),
				FrameRate:     st.RFrameRate().Float64(),
				AvgFrameRate:  st.AvgFrameRate().Float64(),
				Width:         par.Width(),
				Height:        par.Height(),
				PixelFormat:   pixelFormat(par.PixelFormat()),
				StartPTS:      s.micros(st.StartTime()),
				BitrateBitsPS: par.BitRate(),
			}
		case astiav.MediaTypeAudio:
			if info.Audio != nil {
				continue
			}
			s, err := b.openStream(st)
			if err != nil {
				b.log.Warn("skipping audio stream", "index", st.Index(), "error", err)
				continue
			}
			info.Audio = &media.StreamInfo{
				Index:         st.Index(),
				Kind:          media.KindAudio,
				Codec:         par.CodecID().Name(),
				TimeBase:      st.TimeBase().Float64(),
				SampleRate:    par.SampleRate(),
				Channels:      par.ChannelLayout().Channels(),
				SampleFormat:  media.SampleFormatS16,
				StartPTS:      s.micros(st.StartTime()),
				BitrateBitsPS: par.BitRate(),
			}
		}
	}
	if info.Video == nil && info.Audio == nil {
		return media.Info{}, errors.New("ffmpeg: no decodable audio or video stream")
	}
	b.info = info
	b.log.Info("opened", "source", src, "format", info.Format, "duration", info.Duration)
	return info, nil
}

func (b *Backend) openStream(st *astiav.Stream) (*stream, error) {
	par := st.CodecParameters()
	dec := astiav.FindDecoder(par.CodecID())
	if dec == nil {
		return nil, fmt.Errorf("no decoder for %s", par.CodecID())
	}
	cc := astiav.AllocCodecContext(dec)
	if cc == nil {
		return nil, fmt.Errorf("%w: allocating codec context", backend.ErrFault)
	}
	if err := par.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, err
	}
	if err := cc.Open(dec, nil); err != nil {
		cc.Free()
		return nil, err
	}
	s := &stream{
		index:  st.Index(),
		tb:     st.TimeBase(),
		ctx:    cc,
		frame:  astiav.AllocFrame(),
		scaler: &scaler{},
	}
	b.streams[s.index] = s
	return s, nil
}

// ReadPacket returns the next packet of any stream. Packets of streams
// without a decoder are returned too; the engine discards them.
func (b *Backend) ReadPacket() (*media.Packet, error) {
	if b.fc == nil {
		return nil, fmt.Errorf("%w: ffmpeg: not open", backend.ErrFault)
	}
	pkt := astiav.AllocPacket()
	if err := b.fc.ReadFrame(pkt); err != nil {
		pkt.Free()
		switch {
		case errors.Is(err, astiav.ErrEof):
			return nil, io.EOF
		case errors.Is(err, astiav.ErrEagain):
			return nil, fmt.Errorf("ffmpeg: read: %w", err)
		}
		return nil, fmt.Errorf("%w: ffmpeg: read: %v", backend.ErrFault, err)
	}

	idx := pkt.StreamIndex()
	pts, dts := media.NoPTS, media.NoPTS
	if s, ok := b.streams[idx]; ok {
		pts, dts = s.micros(pkt.Pts()), s.micros(pkt.Dts())
	}
	var mp *media.Packet
	mp = media.NewPacket(idx, pts, dts, pkt.Data(), func() {
		// Close may already have freed it.
		if _, ok := b.inflight[mp]; ok {
			delete(b.inflight, mp)
			pkt.Free()
		}
	})
	mp.Keyframe = pkt.Flags().Has(astiav.PacketFlagKey)
	mp.Offset = pkt.Pos()
	b.inflight[mp] = pkt
	return mp, nil
}

// SendPacket feeds a packet returned by ReadPacket to its decoder. A nil
// packet flushes.
func (b *Backend) SendPacket(idx int, pkt *media.Packet) error {
	s, ok := b.streams[idx]
	if !ok {
		return fmt.Errorf("ffmpeg: no decoder for stream %d", idx)
	}
	if pkt == nil {
		return s.ctx.SendPacket(nil)
	}
	av, ok := b.inflight[pkt]
	if !ok {
		return fmt.Errorf("ffmpeg: packet for stream %d was not read by this backend", idx)
	}
	if err := s.ctx.SendPacket(av); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("ffmpeg: decode: %w", err)
	}
	return nil
}

// ReceiveFrame pulls a decoded frame and copies it into a pool frame.
func (b *Backend) ReceiveFrame(idx int) (*media.Frame, error) {
	s, ok := b.streams[idx]
	if !ok {
		return nil, fmt.Errorf("ffmpeg: no decoder for stream %d", idx)
	}
	err := s.ctx.ReceiveFrame(s.frame)
	switch {
	case errors.Is(err, astiav.ErrEagain):
		return nil, backend.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return nil, io.EOF
	case err != nil:
		return nil, fmt.Errorf("ffmpeg: decode: %w", err)
	}
	defer s.frame.Unref()

	if s.ctx.MediaType() == astiav.MediaTypeVideo {
		return b.videoFrame(s)
	}
	return b.audioFrame(s)
}

func (b *Backend) videoFrame(s *stream) (*media.Frame, error) {
	src := s.frame
	f := b.pool.Get(media.KindVideo)
	f.PTS = s.micros(src.Pts())
	f.DTS = f.PTS
	f.Width, f.Height = src.Width(), src.Height()
	f.Keyframe = src.Flags().Has(astiav.FrameFlagKey)

	if src.PixelFormat() == astiav.PixelFormatYuv420P {
		buf, err := imageBytes(src)
		if err != nil {
			f.Release()
			return nil, err
		}
		w, h := src.Width(), src.Height()
		cw, ch := (w+1)/2, (h+1)/2
		f.PixelFormat = media.PixelFormatYUV420P
		b.pool.AddPlane(f, buf[:w*h], w)
		b.pool.AddPlane(f, buf[w*h:w*h+cw*ch], cw)
		b.pool.AddPlane(f, buf[w*h+cw*ch:w*h+2*cw*ch], cw)
		return f, nil
	}

	rgba, err := s.scaler.toRGBA(src)
	if err != nil {
		f.Release()
		return nil, err
	}
	f.PixelFormat = media.PixelFormatRGBA
	b.pool.AddPlane(f, rgba, src.Width()*4)
	return f, nil
}

// audioFrame resamples to packed S16 at the source rate and layout; the
// converter does the rest.
func (b *Backend) audioFrame(s *stream) (*media.Frame, error) {
	src := s.frame
	if s.resample == nil {
		s.resample = astiav.AllocSoftwareResampleContext()
		s.s16 = astiav.AllocFrame()
	}
	s.s16.Unref()
	s.s16.SetSampleFormat(astiav.SampleFormatS16)
	s.s16.SetChannelLayout(src.ChannelLayout())
	s.s16.SetSampleRate(src.SampleRate())
	if err := s.resample.ConvertFrame(src, s.s16); err != nil {
		return nil, fmt.Errorf("ffmpeg: resample: %w", err)
	}
	data, err := s.s16.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: audio samples: %w", err)
	}

	f := b.pool.Get(media.KindAudio)
	f.PTS = s.micros(src.Pts())
	f.DTS = f.PTS
	f.SampleFormat = media.SampleFormatS16
	f.SampleRate = s.s16.SampleRate()
	f.Channels = s.s16.ChannelLayout().Channels()
	f.Samples = s.s16.NbSamples()
	n := f.Samples * f.Channels * 2
	if n > len(data) {
		n = len(data)
	}
	b.pool.AddPlane(f, data[:n], n)
	return f, nil
}

// Seek positions every stream at the keyframe at or before target and
// flushes the decoders.
func (b *Backend) Seek(target time.Duration) error {
	if !b.info.Seekable {
		return backend.ErrNotSeekable
	}
	ts := b.info.Start() + media.FromDuration(target)
	flags := astiav.NewSeekFlags(astiav.SeekFlagBackward)
	if err := b.fc.SeekFrame(-1, ts, flags); err != nil {
		return fmt.Errorf("ffmpeg: seek to %s: %w", target, err)
	}
	for _, s := range b.streams {
		s.ctx.FlushBuffers()
	}
	return nil
}

// Interrupt aborts a blocking read, for network inputs.
func (b *Backend) Interrupt() {
	if b.interrupt != nil {
		b.interrupt.Interrupt()
	}
}

// Close frees the decoders and closes the input.
func (b *Backend) Close() error {
	for mp, pkt := range b.inflight {
		pkt.Free()
		delete(b.inflight, mp)
	}
	for idx, s := range b.streams {
		s.free()
		delete(b.streams, idx)
	}
	if b.fc != nil {
		b.fc.CloseInput()
		b.fc.Free()
		b.fc = nil
	}
	return nil
}

// pixelFormat is the format ReceiveFrame delivers: YUV420P as decoded,
// anything else scaled to RGBA.
func pixelFormat(p astiav.PixelFormat) media.PixelFormat {
	if p == astiav.PixelFormatYuv420P {
		return media.PixelFormatYUV420P
	}
	return media.PixelFormatRGBA
}

func imageBytes(f *astiav.Frame) ([]byte, error) {
	n, err := f.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: image size: %w", err)
	}
	buf := make([]byte, n)
	if _, err := f.ImageCopyToBuffer(buf, 1); err != nil {
		return nil, fmt.Errorf("ffmpeg: image copy: %w", err)
	}
	return buf, nil
}

// scaler converts any decoded picture to packed RGBA, rebuilt whenever the
// source size or format changes.
type scaler struct {
	ssc  *astiav.SoftwareScaleContext
	dst  *astiav.Frame
	w, h int
	pix  astiav.PixelFormat
}

func (s *scaler) close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

func (s *scaler) toRGBA(src *astiav.Frame) ([]byte, error) {
	w, h, pix := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc == nil || w != s.w || h != s.h || pix != s.pix {
		s.close()
		ssc, err := astiav.CreateSoftwareScaleContext(w, h, pix, w, h, astiav.PixelFormatRgba, astiav.NewSoftwareScaleContextFlags())
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: scaler %dx%d %s: %w", w, h, pix, err)
		}
		dst := astiav.AllocFrame()
		dst.SetWidth(w)
		dst.SetHeight(h)
		dst.SetPixelFormat(astiav.PixelFormatRgba)
		if err := dst.AllocBuffer(1); err != nil {
			dst.Free()
			ssc.Free()
			return nil, fmt.Errorf("ffmpeg: scaler buffer: %w", err)
		}
		s.ssc, s.dst, s.w, s.h, s.pix = ssc, dst, w, h, pix
	}
	if err := s.ssc.ScaleFrame(src, s.dst); err != nil {
		return nil, fmt.Errorf("ffmpeg: scale: %w", err)
	}
	return imageBytes(s.dst)
}
