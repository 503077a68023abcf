package tsdemux

import (
	"sort"

	"github.com/zsiec/avsync/internal/codec"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/mpegts"
)

// Stream indices assigned to the selected elementary streams.
const (
	VideoStream = 0
	AudioStream = 1
)

const wrapTicks = int64(1) << 33

// unwrapper extends 33-bit 90 kHz timestamps into a continuous 64-bit
// timeline. A jump of more than half the range is taken as a wrap in that
// direction, so reordered timestamps around a wrap stay ordered.
type unwrapper struct {
	last   int64 // raw ticks, -1 before the first timestamp
	offset int64
}

func newUnwrapper() unwrapper {
	return unwrapper{last: -1}
}

func (u *unwrapper) unwrap(raw int64) int64 {
	if u.last >= 0 {
		switch d := raw - u.last; {
		case d < -wrapTicks/2:
			u.offset += wrapTicks
		case d > wrapTicks/2:
			u.offset -= wrapTicks
		}
	}
	u.last = raw
	return raw + u.offset
}

// timestamps returns the unit's PTS and DTS in microseconds. A missing DTS
// equals the PTS.
func (u *unwrapper) timestamps(pes *mpegts.PESData) (pts, dts int64) {
	pts, dts = media.NoPTS, media.NoPTS
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return pts, dts
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = ticksToMicros(u.unwrap(oh.PTS.Base))
	}
	dts = pts
	if oh.DTS != nil {
		dts = ticksToMicros(u.unwrap(oh.DTS.Base))
	}
	return pts, dts
}

func ticksToMicros(ticks int64) int64 {
	return ticks * 100 / 9
}

// track is one selected elementary stream and what has been learned about
// it from its units.
type track struct {
	pid        uint16
	streamType uint8
	index      int
	kind       media.Kind

	ready      bool
	codec      string
	width      int
	height     int
	fps        float64
	sampleRate int
	channels   int

	units    int64
	bytes    int64
	firstPTS int64
	lastPTS  int64
	lastDur  int64 // µs covered by the unit at lastPTS
}

// newTrack returns nil for stream types the backend cannot play.
func newTrack(es *mpegts.PMTElementaryStream) *track {
	t := &track{
		pid:        es.ElementaryPID,
		streamType: es.StreamType,
		firstPTS:   media.NoPTS,
		lastPTS:    media.NoPTS,
	}
	switch es.StreamType {
	case mpegts.StreamTypeH264:
		t.kind, t.index, t.codec = media.KindVideo, VideoStream, "h264"
	case mpegts.StreamTypeH265:
		t.kind, t.index, t.codec = media.KindVideo, VideoStream, "hevc"
	case mpegts.StreamTypeAAC:
		t.kind, t.index, t.codec = media.KindAudio, AudioStream, "aac"
	default:
		return nil
	}
	return t
}

func (t *track) observe(data []byte, pts int64) {
	t.units++
	t.bytes += int64(len(data))

	var dur int64
	if t.kind == media.KindVideo {
		if !t.ready {
			t.parseSPS(data)
		}
	} else {
		frames, _ := codec.ParseADTS(data)
		samples := 0
		for _, f := range frames {
			if !t.ready {
				t.sampleRate, t.channels, t.ready = f.SampleRate, f.Channels, true
				if t.channels == 0 {
					t.channels = 2 // layout signalled in-band by a PCE
				}
			}
			samples += f.Samples
		}
		if t.sampleRate > 0 {
			dur = int64(samples) * 1_000_000 / int64(t.sampleRate)
		}
	}

	if pts == media.NoPTS {
		return
	}
	if t.firstPTS == media.NoPTS || pts < t.firstPTS {
		t.firstPTS = pts
	}
	if t.lastPTS == media.NoPTS || pts >= t.lastPTS {
		t.lastPTS, t.lastDur = pts, dur
	}
}

func (t *track) parseSPS(au []byte) {
	if t.streamType == mpegts.StreamTypeH265 {
		nal := codec.InspectAccessUnitHEVC(au).SPS
		if nal == nil {
			return
		}
		sps, err := codec.ParseHEVCSPS(nal)
		if err != nil {
			return
		}
		t.width, t.height, t.codec, t.ready = sps.Width, sps.Height, sps.CodecString(), true
		return
	}
	nal := codec.InspectAccessUnit(au).SPS
	if nal == nil {
		return
	}
	sps, err := codec.ParseSPS(nal)
	if err != nil {
		return
	}
	t.width, t.height, t.fps, t.codec, t.ready = sps.Width, sps.Height, sps.FrameRate(), sps.CodecString(), true
}

// keyframe reports whether a unit starts a decodable sequence. Every AAC
// frame does.
func (t *track) keyframe(data []byte, randomAccess bool) bool {
	switch {
	case t.kind == media.KindAudio, randomAccess:
		return true
	case t.streamType == mpegts.StreamTypeH265:
		return codec.InspectAccessUnitHEVC(data).Keyframe
	}
	return codec.InspectAccessUnit(data).Keyframe
}

func (t *track) avgFrameRate() float64 {
	if t.units < 2 || t.firstPTS == media.NoPTS || t.lastPTS <= t.firstPTS {
		return 0
	}
	return float64(t.units-1) * 1e6 / float64(t.lastPTS-t.firstPTS)
}

// end is the timestamp just past the last unit.
func (t *track) end() int64 {
	if t.lastPTS == media.NoPTS {
		return media.NoPTS
	}
	if t.kind == media.KindAudio {
		return t.lastPTS + t.lastDur
	}
	fps := t.fps
	if fps <= 0 {
		fps = t.avgFrameRate()
	}
	if fps <= 0 {
		fps = media.DefaultFrameRate
	}
	return t.lastPTS + int64(1e6/fps)
}

func (t *track) streamInfo() *media.StreamInfo {
	si := &media.StreamInfo{
		Index:    t.index,
		Kind:     t.kind,
		Codec:    t.codec,
		TimeBase: 1.0 / mpegts.ClockRate,
		StartPTS: t.firstPTS,
	}
	if end := t.end(); end != media.NoPTS && end > t.firstPTS {
		si.BitrateBitsPS = t.bytes * 8 * 1_000_000 / (end - t.firstPTS)
	}
	if t.kind == media.KindVideo {
		si.FrameRate = t.fps
		si.AvgFrameRate = t.avgFrameRate()
		si.Width, si.Height = t.width, t.height
		si.PixelFormat = media.PixelFormatH264
		if t.streamType == mpegts.StreamTypeH265 {
			si.PixelFormat = media.PixelFormatH265
		}
		return si
	}
	si.SampleRate = t.sampleRate
	si.Channels = t.channels
	si.SampleFormat = media.SampleFormatS16
	return si
}

// indexEntry is a position playback can restart from: the offset of a unit
// that starts a decodable sequence and the timestamp state just after it.
type indexEntry struct {
	offset int64
	pts    int64
	ts     unwrapper
}

// seekIndex is ordered by pts.
type seekIndex struct {
	entries []indexEntry
}

func (x *seekIndex) add(e indexEntry) {
	if n := len(x.entries); n > 0 && e.pts <= x.entries[n-1].pts {
		return
	}
	x.entries = append(x.entries, e)
}

// lookup returns the last entry at or before pts, or the first entry when
// pts precedes them all.
func (x *seekIndex) lookup(pts int64) (indexEntry, bool) {
	if len(x.entries) == 0 {
		return indexEntry{}, false
	}
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].pts > pts })
	if i > 0 {
		i--
	}
	return x.entries[i], true
}

// prober follows the program tables and the selected streams' units to
// describe a source. Over a whole file it also builds the seek index.
type prober struct {
	pmtPIDs []uint16
	program *mpegts.PMTData
	video   *track
	audio   *track
	ts      unwrapper
	index   seekIndex
}

func newProber() *prober {
	return &prober{ts: newUnwrapper()}
}

func (p *prober) observe(d *mpegts.DemuxerData) {
	switch {
	case d.PAT != nil:
		for _, prog := range d.PAT.Programs {
			if prog.ProgramNumber != 0 && !containsPID(p.pmtPIDs, prog.ProgramMapID) {
				p.pmtPIDs = append(p.pmtPIDs, prog.ProgramMapID)
			}
		}
	case d.PMT != nil:
		if p.program == nil {
			p.selectStreams(d.PMT)
		}
	case d.PES != nil:
		t := p.track(d.FirstPacket.Header.PID)
		if t == nil {
			return
		}
		pts, _ := p.ts.timestamps(d.PES)
		t.observe(d.PES.Data, pts)
		if pts == media.NoPTS {
			return
		}
		indexed := t.kind == media.KindVideo || p.video == nil
		if indexed && t.keyframe(d.PES.Data, d.FirstPacket.Header.RandomAccessIndicator) {
			p.index.add(indexEntry{offset: d.FirstPacket.Offset, pts: pts, ts: p.ts})
		}
	}
}

// selectStreams takes the first video and the first audio stream of the
// program.
func (p *prober) selectStreams(pmt *mpegts.PMTData) {
	var video, audio *track
	for _, es := range pmt.ElementaryStreams {
		t := newTrack(es)
		switch {
		case t == nil:
		case t.kind == media.KindVideo && video == nil:
			video = t
		case t.kind == media.KindAudio && audio == nil:
			audio = t
		}
	}
	if video == nil && audio == nil {
		return
	}
	p.program, p.video, p.audio = pmt, video, audio
}

func (p *prober) track(pid uint16) *track {
	switch {
	case p.video != nil && p.video.pid == pid:
		return p.video
	case p.audio != nil && p.audio.pid == pid:
		return p.audio
	}
	return nil
}

// complete reports whether every selected stream's parameters are known.
func (p *prober) complete() bool {
	return p.program != nil &&
		(p.video == nil || p.video.ready) &&
		(p.audio == nil || p.audio.ready)
}

func containsPID(pids []uint16, pid uint16) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
