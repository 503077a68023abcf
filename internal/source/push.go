package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zsiec/avsync/internal/mpegts"
)

// PushOptions configure Push.
type PushOptions struct {
	Config
	// Rate paces the send in bytes per second. Zero sends as fast as the
	// connection takes it.
	Rate float64
	// Loop resends the stream until ctx is done, shifting its timestamps so
	// they keep increasing across the seam.
	Loop bool
}

// PushStats reports what Push sent.
type PushStats struct {
	Bytes int64
	Loops int
}

// pushChunk is what fits one SRT payload.
const pushChunk = 7 * mpegts.PacketSize

// Push dials the SRT listener named by dst and sends data, a transport
// stream of 188-byte packets. It returns ctx.Err() when cancelled.
func Push(ctx context.Context, data []byte, dst string, o PushOptions) (PushStats, error) {
	u, err := Parse(dst)
	if err != nil {
		return PushStats{}, err
	}
	if u.Kind != KindSRTCaller {
		return PushStats{}, fmt.Errorf("source: push needs an srt:// caller address, got %s", u.Kind)
	}
	if len(data) == 0 || len(data)%mpegts.PacketSize != 0 {
		return PushStats{}, fmt.Errorf("source: push: %d bytes is not whole transport packets", len(data))
	}
	cfg := o.Config.withDefaults()
	if u.Latency > 0 {
		cfg.Latency = u.Latency
	}
	log := cfg.Log.With("component", "srt-push", "address", u.Address)

	conn, err := dialConn(ctx, u, cfg, log)
	if err != nil {
		return PushStats{}, err
	}
	closeConn := sync.OnceValue(conn.Close)
	defer closeConn()
	// Closing unblocks a write stalled on a slow peer.
	stop := context.AfterFunc(ctx, func() { closeConn() })
	defer stop()

	st, err := send(ctx, conn, data, o.Rate, o.Loop)
	log.Info("push finished", "bytes", st.Bytes, "loops", st.Loops, "error", err)
	return st, err
}

func send(ctx context.Context, w io.Writer, data []byte, rate float64, loop bool) (PushStats, error) {
	var st PushStats
	buf := data
	var shift *loopShift
	if loop {
		buf = append([]byte(nil), data...)
		shift = newLoopShift(buf)
	}

	start := time.Now()
	for {
		for i := 0; i < len(buf); i += pushChunk {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			n, err := w.Write(buf[i:min(i+pushChunk, len(buf))])
			st.Bytes += int64(n)
			if err != nil {
				if ctx.Err() != nil {
					return st, ctx.Err()
				}
				return st, fmt.Errorf("source: push: %w", err)
			}
			if rate <= 0 {
				continue
			}
			// Paced against the start so the rate holds across loop seams.
			ahead := time.Duration(float64(st.Bytes)/rate*float64(time.Second)) - time.Since(start)
			if ahead <= 0 {
				continue
			}
			t := time.NewTimer(ahead)
			select {
			case <-ctx.Done():
				t.Stop()
				return st, ctx.Err()
			case <-t.C:
			}
		}
		st.Loops++
		if !loop {
			return st, nil
		}
		if shift.delta == 0 {
			return st, errors.New("source: push: stream has no timestamps to loop on")
		}
		shift.apply(buf)
	}
}

// stampAt is the byte offset of a PES timestamp or an adaptation field PCR.
type stampAt struct {
	offset int
	pcr    bool
}

// loopShift moves every timestamp of a stream forward by its own length.
type loopShift struct {
	stamps     []stampAt
	delta      int64
	firstVideo int64
}

func newLoopShift(data []byte) *loopShift {
	ls := &loopShift{firstVideo: -1}
	var (
		video, all []int64
	)
	for off := 0; off+mpegts.PacketSize <= len(data); off += mpegts.PacketSize {
		pkt := data[off : off+mpegts.PacketSize]
		if pkt[0] != mpegts.SyncByte {
			continue
		}
		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[4])
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				ls.stamps = append(ls.stamps, stampAt{offset: off + 6, pcr: true})
			}
			pos += 1 + afLen
		}
		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+14 > mpegts.PacketSize {
			continue
		}
		pes := pkt[pos:]
		if pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		sid := pes[3]
		isVideo := sid >= 0xE0 && sid <= 0xEF
		if !isVideo && (sid < 0xC0 || sid > 0xDF) {
			continue
		}
		flags := pes[7]
		if flags&0x80 == 0 {
			continue
		}
		ls.stamps = append(ls.stamps, stampAt{offset: off + pos + 9})
		pts := mpegts.DecodeTimestamp(pes[9:])
		all = append(all, pts)
		if isVideo {
			if ls.firstVideo < 0 {
				ls.firstVideo = pts
			}
			video = append(video, pts)
		}
		if flags&0x40 != 0 && pos+19 <= mpegts.PacketSize {
			ls.stamps = append(ls.stamps, stampAt{offset: off + pos + 14})
		}
	}
	ts := video
	if len(ts) < 2 {
		ts = all
	}
	ls.delta = period(ts)
	return ls
}

// period is the span of ts plus one average step, so the next loop's first
// timestamp lands where a further one would have.
func period(ts []int64) int64 {
	if len(ts) < 2 {
		return 0
	}
	lo, hi := ts[0], ts[0]
	for _, v := range ts[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	return span + span/int64(len(ts)-1)
}

func (ls *loopShift) apply(buf []byte) {
	for _, s := range ls.stamps {
		b := buf[s.offset:]
		if s.pcr {
			putPCRBase(b, pcrBase(b)+ls.delta)
			continue
		}
		mpegts.EncodeTimestamp(b, b[0]>>4, mpegts.DecodeTimestamp(b)+ls.delta)
	}
	if ls.firstVideo >= 0 {
		ls.firstVideo = (ls.firstVideo + ls.delta) & 0x1FFFFFFFF
	}
}

func pcrBase(b []byte) int64 {
	return int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
}

// putPCRBase keeps the reserved bits and the 9-bit extension.
func putPCRBase(b []byte, base int64) {
	base &= 0x1FFFFFFFF
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | b[4]&0x7F
}
