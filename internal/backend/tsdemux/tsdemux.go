// Package tsdemux is the MPEG-TS backend: it plays transport stream files
// (.ts, .m2ts) and live SRT feeds. Files are scanned once on open to learn
// the duration and build a keyframe index for seeking; live sources are
// probed until the program and codec parameters are known, and the probed
// units are replayed so nothing is lost.
package tsdemux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/mpegts"
	"github.com/zsiec/avsync/internal/source"
)

// Name is the backend's registry name.
const Name = "tsdemux"

// DefaultProbeBytes bounds how far into a live source Open looks for the
// program tables and codec parameters.
const DefaultProbeBytes = 8 << 20

// sniffBytes covers three M2TS packets, enough to tell the packet size.
const sniffBytes = 3*mpegts.M2TSPacketSize + 4

var errNoProgram = errors.New("tsdemux: no program with H.264, H.265 or AAC streams")

func init() {
	backend.Register(backend.Factory{
		Name:     Name,
		Priority: 10,
		Match:    Match,
		New:      func(cfg backend.Config) backend.Backend { return New(cfg, Options{}) },
	})
}

// Match reports whether the backend handles src: SRT URLs and files with a
// transport stream extension.
func Match(src string) bool {
	if source.IsSRT(src) {
		return true
	}
	switch strings.ToLower(filepath.Ext(strings.TrimPrefix(src, "file://"))) {
	case ".ts", ".m2ts", ".mts", ".m2t":
		return true
	}
	return false
}

// Options tune a Backend. The zero value is usable.
type Options struct {
	// NewDecoder builds each selected stream's decoder. Defaults to
	// DefaultDecoder.
	NewDecoder NewDecoderFunc
	// ProbeBytes defaults to DefaultProbeBytes.
	ProbeBytes int64
	Log        *slog.Logger
}

// Backend demuxes one transport stream source.
type Backend struct {
	cfg  backend.Config
	opts Options
	pool *media.FramePool
	log  *slog.Logger

	src     *source.Stream
	pktSize int
	ctx     context.Context
	cancel  context.CancelFunc
	demux   *mpegts.Demuxer
	pending []*mpegts.DemuxerData

	info     media.Info
	pmtPIDs  []uint16
	video    *track
	audio    *track
	ts       unwrapper
	index    seekIndex
	decoders [2]Decoder
}

var _ backend.Interrupter = (*Backend)(nil)

// New returns an unopened backend.
func New(cfg backend.Config, opts Options) *Backend {
	if opts.NewDecoder == nil {
		opts.NewDecoder = DefaultDecoder
	}
	if opts.ProbeBytes <= 0 {
		opts.ProbeBytes = DefaultProbeBytes
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Backend{
		cfg:  cfg,
		opts: opts,
		pool: cfg.FramePool(),
		log:  opts.Log.With("component", Name),
		ts:   newUnwrapper(),
	}
}

// Open connects to or opens src and describes its streams.
func (b *Backend) Open(ctx context.Context, src string) (media.Info, error) {
	s, err := source.Open(ctx, src, source.Config{
		Latency:     b.cfg.SRTLatency,
		DialTimeout: b.cfg.DialTimeout,
		Log:         b.log,
	})
	if err != nil {
		return media.Info{}, err
	}
	b.src = s
	b.ctx, b.cancel = context.WithCancel(context.Background())

	// Probing a live source blocks in Read; closing the source unblocks it.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var p *prober
	if s.Seekable() {
		p, err = b.scan(ctx)
	} else {
		p, err = b.probe()
	}
	if err != nil {
		if ctx.Err() != nil {
			return media.Info{}, fmt.Errorf("tsdemux: open %s: %w", src, ctx.Err())
		}
		return media.Info{}, err
	}

	info, err := b.describe(src, p)
	if err != nil {
		return media.Info{}, err
	}
	for _, t := range []*track{b.video, b.audio} {
		if t == nil {
			continue
		}
		si := *t.streamInfo()
		dec, err := b.opts.NewDecoder(si, b.pool)
		if err != nil {
			return media.Info{}, fmt.Errorf("tsdemux: stream %d: %w", t.index, err)
		}
		b.decoders[t.index] = dec
	}
	b.info = info
	b.log.Info("opened",
		"source", src,
		"format", info.Format,
		"duration", info.Duration,
		"seekable", info.Seekable,
		"keyframes", len(b.index.entries),
	)
	return info, nil
}

// scan reads a whole file once, then rewinds for playback.
func (b *Backend) scan(ctx context.Context) (*prober, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(b.src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tsdemux: read: %w", err)
	}
	b.pktSize = detectPacketSize(head[:n])
	if err := b.src.Seek(0); err != nil {
		return nil, fmt.Errorf("tsdemux: rewind: %w", err)
	}

	p := newProber()
	d := b.newDemuxer(ctx, b.src, 0)
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tsdemux: scan: %w", err)
		}
		p.observe(data)
	}
	if n := d.ParseErrors() + d.ContinuityErrors(); n > 0 {
		b.log.Warn("damaged stream",
			"parse_errors", d.ParseErrors(),
			"continuity_errors", d.ContinuityErrors(),
		)
	}

	if err := b.src.Seek(0); err != nil {
		return nil, fmt.Errorf("tsdemux: rewind: %w", err)
	}
	b.demux = b.newDemuxer(b.ctx, b.src, 0)
	return p, nil
}

// probe reads a live source until the program and every selected stream's
// parameters are known, keeping the units for ReadPacket to replay.
func (b *Backend) probe() (*prober, error) {
	br := bufio.NewReaderSize(b.src, 64*mpegts.M2TSPacketSize)
	head, _ := br.Peek(sniffBytes)
	b.pktSize = detectPacketSize(head)
	b.demux = b.newDemuxer(b.ctx, br, 0)

	p := newProber()
	for !p.complete() && b.demux.Offset() < b.opts.ProbeBytes {
		data, err := b.demux.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tsdemux: probe: %w", err)
		}
		p.observe(data)
		b.pending = append(b.pending, data)
	}
	b.log.Debug("probed live source", "bytes", b.demux.Offset(), "units", len(b.pending), "complete", p.complete())
	return p, nil
}

func (b *Backend) describe(src string, p *prober) (media.Info, error) {
	if p.program == nil {
		return media.Info{}, errNoProgram
	}
	if p.audio != nil && !p.audio.ready {
		b.log.Warn("no ADTS header found, ignoring audio", "pid", p.audio.pid)
		p.audio = nil
	}
	if p.video != nil && !p.video.ready {
		b.log.Warn("no sequence parameter set found", "pid", p.video.pid)
	}
	if p.video == nil && p.audio == nil {
		return media.Info{}, errNoProgram
	}
	b.video, b.audio = p.video, p.audio
	b.pmtPIDs = p.pmtPIDs
	b.index = p.index

	info := media.Info{
		Source:   src,
		Format:   "mpegts",
		Seekable: b.src.Seekable() && len(p.index.entries) > 0,
	}
	if b.pktSize == mpegts.M2TSPacketSize {
		info.Format = "m2ts"
	}
	if b.video != nil {
		info.Video = b.video.streamInfo()
	}
	if b.audio != nil {
		info.Audio = b.audio.streamInfo()
	}

	if !b.src.Seekable() {
		for _, si := range []*media.StreamInfo{info.Video, info.Audio} {
			if si != nil {
				info.Bitrate += si.BitrateBitsPS
			}
		}
		return info, nil
	}
	end := media.NoPTS
	for _, t := range []*track{b.video, b.audio} {
		if t != nil && t.end() != media.NoPTS && t.end() > end {
			end = t.end()
		}
	}
	if start := info.Start(); end != media.NoPTS && end > start {
		info.Duration = media.ToDuration(end - start)
		info.Bitrate = b.src.Size() * 8 * 1_000_000 / (end - start)
	}
	return info, nil
}

func (b *Backend) newDemuxer(ctx context.Context, r io.Reader, offset int64) *mpegts.Demuxer {
	return mpegts.NewDemuxer(ctx, r,
		mpegts.DemuxerOptPacketSize(b.pktSize),
		mpegts.DemuxerOptStartOffset(offset),
		mpegts.DemuxerOptPMTPIDs(b.pmtPIDs...),
		mpegts.DemuxerOptOnError(func(err error) {
			b.log.Debug("skipped malformed data", "error", err)
		}),
	)
}

// detectPacketSize looks for sync bytes at 188- and then 192-byte strides,
// falling back to 188 and letting the demuxer resynchronize.
func detectPacketSize(head []byte) int {
	for _, size := range []int{mpegts.PacketSize, mpegts.M2TSPacketSize} {
		hits := 0
		for i := size - mpegts.PacketSize; i < len(head); i += size {
			if head[i] != mpegts.SyncByte {
				hits = 0
				break
			}
			hits++
		}
		if hits > 0 {
			return size
		}
	}
	return mpegts.PacketSize
}

// ReadPacket returns the next unit of a selected stream. Units of other
// PIDs and the program tables are skipped.
func (b *Backend) ReadPacket() (*media.Packet, error) {
	if b.demux == nil {
		return nil, fmt.Errorf("%w: tsdemux: not open", backend.ErrFault)
	}
	for {
		data, err := b.next()
		if err != nil {
			return nil, b.readError(err)
		}
		if data.PES == nil {
			continue
		}
		t := b.track(data.FirstPacket.Header.PID)
		if t == nil {
			continue
		}
		pts, dts := b.ts.timestamps(data.PES)
		pkt := media.NewPacket(t.index, pts, dts, data.PES.Data, nil)
		pkt.Offset = data.FirstPacket.Offset
		pkt.Keyframe = t.keyframe(data.PES.Data, data.FirstPacket.Header.RandomAccessIndicator)
		return pkt, nil
	}
}

func (b *Backend) next() (*mpegts.DemuxerData, error) {
	if len(b.pending) > 0 {
		d := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		return d, nil
	}
	return b.demux.NextData()
}

func (b *Backend) readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case b.ctx.Err() != nil:
		return fmt.Errorf("%w: tsdemux: source closed", backend.ErrFault)
	}
	return fmt.Errorf("%w: tsdemux: read: %v", backend.ErrFault, err)
}

func (b *Backend) track(pid uint16) *track {
	switch {
	case b.video != nil && b.video.pid == pid:
		return b.video
	case b.audio != nil && b.audio.pid == pid:
		return b.audio
	}
	return nil
}

func (b *Backend) decoder(stream int) (Decoder, error) {
	if stream < 0 || stream >= len(b.decoders) || b.decoders[stream] == nil {
		return nil, fmt.Errorf("tsdemux: no decoder for stream %d", stream)
	}
	return b.decoders[stream], nil
}

// SendPacket feeds pkt to the stream's decoder. A nil packet flushes.
func (b *Backend) SendPacket(stream int, pkt *media.Packet) error {
	dec, err := b.decoder(stream)
	if err != nil {
		return err
	}
	return dec.SendPacket(pkt)
}

// ReceiveFrame pops the next decoded frame for stream.
func (b *Backend) ReceiveFrame(stream int) (*media.Frame, error) {
	dec, err := b.decoder(stream)
	if err != nil {
		return nil, err
	}
	return dec.ReceiveFrame()
}

// Seek restarts reading at the last indexed keyframe at or before target,
// measured from the start of the file.
func (b *Backend) Seek(target time.Duration) error {
	if !b.info.Seekable {
		return backend.ErrNotSeekable
	}
	if target < 0 {
		target = 0
	}
	e, ok := b.index.lookup(b.info.Start() + media.FromDuration(target))
	if !ok {
		return backend.ErrNotSeekable
	}
	if err := b.src.Seek(e.offset); err != nil {
		return fmt.Errorf("%w: tsdemux: seek: %v", backend.ErrFault, err)
	}
	b.demux = b.newDemuxer(b.ctx, b.src, e.offset)
	b.ts = e.ts
	b.pending = nil
	for _, d := range b.decoders {
		if d != nil {
			d.Reset()
		}
	}
	b.log.Debug("seek", "target", target, "offset", e.offset, "keyframe_pts", e.pts)
	return nil
}

// Interrupt unblocks a ReadPacket waiting on a live source. File sources
// are left alone.
func (b *Backend) Interrupt() {
	if b.src == nil || b.src.Seekable() {
		return
	}
	b.cancel()
	b.src.Close()
}

// Close releases pending frames and closes the source.
func (b *Backend) Close() error {
	for _, d := range b.decoders {
		if d != nil {
			d.Reset()
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.src == nil {
		return nil
	}
	st := b.src.Stats()
	b.log.Debug("closed", "bytes", st.BytesReceived, "reads", st.ReadCount)
	return b.src.Close()
}

// SourceStats reports the source's read counters, for the control API.
func (b *Backend) SourceStats() source.Stats {
	if b.src == nil {
		return source.Stats{}
	}
	return b.src.Stats()
}
