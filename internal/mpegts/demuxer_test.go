package mpegts_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/avsync/internal/mpegts"
	"github.com/zsiec/avsync/internal/tsmux"
)

type demuxed struct {
	pats, pmts  int
	video       []*mpegts.DemuxerData
	audio       []*mpegts.DemuxerData
	streamTypes map[uint16]uint8
}

func demuxAll(t *testing.T, d *mpegts.Demuxer) demuxed {
	t.Helper()
	out := demuxed{streamTypes: make(map[uint16]uint8)}
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("NextData: %v", err)
		}
		switch {
		case data.PAT != nil:
			out.pats++
		case data.PMT != nil:
			out.pmts++
			for _, es := range data.PMT.ElementaryStreams {
				out.streamTypes[es.ElementaryPID] = es.StreamType
			}
		case data.PES != nil:
			switch data.FirstPacket.Header.PID {
			case tsmux.VideoPID:
				out.video = append(out.video, data)
			case tsmux.AudioPID:
				out.audio = append(out.audio, data)
			}
		}
	}
}

func generate(t *testing.T, o tsmux.GenOptions) ([]byte, tsmux.GenSummary) {
	t.Helper()
	var buf bytes.Buffer
	sum, err := tsmux.Generate(&buf, o)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return buf.Bytes(), sum
}

func TestDemuxGeneratedStream(t *testing.T) {
	t.Parallel()
	o := tsmux.DefaultGenOptions()
	ts, sum := generate(t, o)

	var errs []error
	d := mpegts.NewDemuxer(context.Background(), bytes.NewReader(ts),
		mpegts.DemuxerOptOnError(func(err error) { errs = append(errs, err) }))
	got := demuxAll(t, d)

	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if got.pats != sum.Keyframes || got.pmts != sum.Keyframes {
		t.Errorf("tables: got %d PAT %d PMT, want %d each", got.pats, got.pmts, sum.Keyframes)
	}
	if got.streamTypes[tsmux.VideoPID] != mpegts.StreamTypeH264 || got.streamTypes[tsmux.AudioPID] != mpegts.StreamTypeAAC {
		t.Errorf("stream types: got %v", got.streamTypes)
	}
	if len(got.video) != sum.VideoFrames {
		t.Errorf("video PES: got %d, want %d", len(got.video), sum.VideoFrames)
	}
	if len(got.audio) != sum.AudioFrames {
		t.Errorf("audio PES: got %d, want %d", len(got.audio), sum.AudioFrames)
	}
	if d.Offset() != int64(len(ts)) {
		t.Errorf("offset at EOF: got %d, want %d", d.Offset(), len(ts))
	}

	first := got.video[0]
	if pts := first.PES.Header.OptionalHeader.PTS; pts == nil || pts.Base != o.StartPTS {
		t.Errorf("first video PTS: got %v, want %d", pts, o.StartPTS)
	}
	if !first.FirstPacket.Header.RandomAccessIndicator || !first.FirstPacket.Header.HasPCR {
		t.Error("first video packet: missing random access indicator or PCR")
	}
	second := got.video[1].PES.Header.OptionalHeader.PTS.Base
	if want := o.StartPTS + 3600; second != want {
		t.Errorf("second video PTS: got %d, want %d", second, want)
	}

	var lastOffset int64 = -1
	for _, v := range got.video {
		off := v.FirstPacket.Offset
		if off%mpegts.PacketSize != 0 || off <= lastOffset {
			t.Fatalf("video offsets not increasing packet boundaries: %d after %d", off, lastOffset)
		}
		lastOffset = off
	}
}

func TestDemuxM2TS(t *testing.T) {
	t.Parallel()
	ts, sum := generate(t, tsmux.DefaultGenOptions())

	var m2ts []byte
	for i := 0; i < len(ts); i += mpegts.PacketSize {
		m2ts = append(m2ts, 0x00, 0x00, 0x47, 0x00) // timecode prefix, sync byte inside on purpose
		m2ts = append(m2ts, ts[i:i+mpegts.PacketSize]...)
	}

	d := mpegts.NewDemuxer(context.Background(), bytes.NewReader(m2ts),
		mpegts.DemuxerOptPacketSize(mpegts.M2TSPacketSize))
	got := demuxAll(t, d)
	if len(got.video) != sum.VideoFrames || len(got.audio) != sum.AudioFrames {
		t.Errorf("PES: got %d video %d audio, want %d %d", len(got.video), len(got.audio), sum.VideoFrames, sum.AudioFrames)
	}
	for _, v := range got.video {
		if v.FirstPacket.Offset%mpegts.M2TSPacketSize != 0 {
			t.Fatalf("offset %d not on a 192-byte boundary", v.FirstPacket.Offset)
		}
	}
	if d.ParseErrors() != 0 {
		t.Errorf("parse errors: got %d, want 0", d.ParseErrors())
	}
}

func TestDemuxResync(t *testing.T) {
	t.Parallel()
	ts, sum := generate(t, tsmux.DefaultGenOptions())
	garbage := []byte{0x00, 0x11, 0x22, 0x33, 0x44}

	var corrupted []byte
	corrupted = append(corrupted, garbage...)
	mid := (len(ts) / mpegts.PacketSize / 2) * mpegts.PacketSize
	corrupted = append(corrupted, ts[:mid]...)
	corrupted = append(corrupted, garbage...)
	corrupted = append(corrupted, ts[mid:]...)

	var syncErrs int
	d := mpegts.NewDemuxer(context.Background(), bytes.NewReader(corrupted),
		mpegts.DemuxerOptOnError(func(err error) {
			var pe *mpegts.ParseError
			if errors.As(err, &pe) && errors.Is(err, mpegts.ErrSync) {
				syncErrs++
			}
		}))
	got := demuxAll(t, d)
	if syncErrs != 2 {
		t.Errorf("sync errors: got %d, want 2", syncErrs)
	}
	if len(got.video) != sum.VideoFrames || len(got.audio) != sum.AudioFrames {
		t.Errorf("PES after resync: got %d video %d audio, want %d %d", len(got.video), len(got.audio), sum.VideoFrames, sum.AudioFrames)
	}
	if got.video[0].FirstPacket.Offset%mpegts.PacketSize != int64(len(garbage)) {
		t.Errorf("first video offset %d does not account for leading garbage", got.video[0].FirstPacket.Offset)
	}
}

func TestDemuxContinuityError(t *testing.T) {
	t.Parallel()
	ts, sum := generate(t, tsmux.DefaultGenOptions())

	// Drop the packet that starts the tenth video PES.
	var dropped []byte
	seen := 0
	for i := 0; i < len(ts); i += mpegts.PacketSize {
		pkt := ts[i : i+mpegts.PacketSize]
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		if pid == tsmux.VideoPID && pkt[1]&0x40 != 0 {
			seen++
			if seen == 10 {
				continue
			}
		}
		dropped = append(dropped, pkt...)
	}

	var gaps []*mpegts.ParseError
	d := mpegts.NewDemuxer(context.Background(), bytes.NewReader(dropped),
		mpegts.DemuxerOptOnError(func(err error) {
			var pe *mpegts.ParseError
			if errors.As(err, &pe) {
				gaps = append(gaps, pe)
			}
		}))
	got := demuxAll(t, d)

	if d.ContinuityErrors() != 1 || len(gaps) != 1 {
		t.Fatalf("continuity errors: got %d (%d reported), want 1", d.ContinuityErrors(), len(gaps))
	}
	if gaps[0].PID != tsmux.VideoPID {
		t.Errorf("gap PID: got 0x%X, want 0x%X", gaps[0].PID, tsmux.VideoPID)
	}
	// The lost unit and the one in flight when the gap was seen.
	if want := sum.VideoFrames - 2; len(got.video) != want {
		t.Errorf("video PES: got %d, want %d", len(got.video), want)
	}
	if len(got.audio) != sum.AudioFrames {
		t.Errorf("audio PES: got %d, want %d", len(got.audio), sum.AudioFrames)
	}
}

func TestDemuxStartOffset(t *testing.T) {
	t.Parallel()
	o := tsmux.DefaultGenOptions()
	o.Audio = false
	ts, sum := generate(t, o)

	d := mpegts.NewDemuxer(context.Background(), bytes.NewReader(ts))
	all := demuxAll(t, d)
	key := all.video[o.GOP] // second keyframe
	start := key.FirstPacket.Offset

	d = mpegts.NewDemuxer(context.Background(), bytes.NewReader(ts[start:]),
		mpegts.DemuxerOptStartOffset(start), mpegts.DemuxerOptPMTPIDs(tsmux.PMTPID))
	got := demuxAll(t, d)
	if want := sum.VideoFrames - o.GOP; len(got.video) != want {
		t.Fatalf("video PES: got %d, want %d", len(got.video), want)
	}
	if got.video[0].FirstPacket.Offset != start {
		t.Errorf("first offset: got %d, want %d", got.video[0].FirstPacket.Offset, start)
	}
	if got.video[0].PES.Header.OptionalHeader.PTS.Base != key.PES.Header.OptionalHeader.PTS.Base {
		t.Error("first PTS after seek does not match the keyframe")
	}
}

func TestDemuxSkipsNullPackets(t *testing.T) {
	t.Parallel()
	o := tsmux.DefaultGenOptions()
	o.Duration = 200 * time.Millisecond
	ts, sum := generate(t, o)

	null := make([]byte, mpegts.PacketSize)
	null[0], null[1], null[2], null[3] = mpegts.SyncByte, 0x1F, 0xFF, 0x10
	stream := append(append([]byte(nil), null...), ts...)
	stream = append(stream, null...)

	got := demuxAll(t, mpegts.NewDemuxer(context.Background(), bytes.NewReader(stream)))
	if len(got.video) != sum.VideoFrames || len(got.audio) != sum.AudioFrames {
		t.Errorf("PES: got %d video %d audio, want %d %d", len(got.video), len(got.audio), sum.VideoFrames, sum.AudioFrames)
	}
}

func TestDemuxCanceled(t *testing.T) {
	t.Parallel()
	ts, _ := generate(t, tsmux.DefaultGenOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := mpegts.NewDemuxer(ctx, bytes.NewReader(ts))
	if _, err := d.NextData(); !errors.Is(err, context.Canceled) {
		t.Errorf("NextData: got %v, want %v", err, context.Canceled)
	}
}
