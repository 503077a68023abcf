// Package tsmux writes MPEG transport streams: PSI tables and PES packets
// split into 188-byte packets with continuity counters, random access flags
// and PCR. It also builds the H.264 and ADTS framing the generator emits.
package tsmux

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/avsync/internal/mpegts"
)

const payloadSize = mpegts.PacketSize - 4

// Stream is one elementary stream announced in the PMT.
type Stream struct {
	PID  uint16
	Type uint8
}

// Writer packetizes tables and PES packets onto an io.Writer. It is not
// safe for concurrent use.
type Writer struct {
	w       io.Writer
	cc      map[uint16]uint8
	buf     [mpegts.PacketSize]byte
	written int64
	packets int64
}

// NewWriter returns a writer emitting 188-byte packets to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, cc: make(map[uint16]uint8)}
}

// Written is the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Packets is the number of packets written so far.
func (w *Writer) Packets() int64 {
	return w.packets
}

func (w *Writer) nextCC(pid uint16) uint8 {
	cc := w.cc[pid]
	w.cc[pid] = (cc + 1) & 0x0F
	return cc
}

// WriteTables writes a PAT announcing one program and that program's PMT.
func (w *Writer) WriteTables(program, pmtPID, pcrPID uint16, streams []Stream) error {
	if err := w.writeSection(mpegts.PIDPAT, patSection(program, pmtPID)); err != nil {
		return err
	}
	return w.writeSection(pmtPID, pmtSection(program, pcrPID, streams))
}

func (w *Writer) writeSection(pid uint16, section []byte) error {
	if 1+len(section) > payloadSize {
		return fmt.Errorf("tsmux: section of %d bytes does not fit one packet", len(section))
	}
	b := w.buf[:]
	b[0] = mpegts.SyncByte
	b[1] = 0x40 | byte(pid>>8)&0x1F
	b[2] = byte(pid)
	b[3] = 0x10 | w.nextCC(pid)
	b[4] = 0 // pointer field
	n := copy(b[5:], section)
	for i := 5 + n; i < len(b); i++ {
		b[i] = 0xFF
	}
	return w.flush()
}

func patSection(program, pmtPID uint16) []byte {
	const sectionLength = 5 + 4 + 4
	s := make([]byte, 3+sectionLength)
	s[0] = 0x00
	s[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	s[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(s[3:], 1) // transport_stream_id
	s[5] = 0xC1
	binary.BigEndian.PutUint16(s[8:], program)
	binary.BigEndian.PutUint16(s[10:], 0xE000|pmtPID)
	binary.BigEndian.PutUint32(s[12:], mpegts.CRC32(s[:12]))
	return s
}

func pmtSection(program, pcrPID uint16, streams []Stream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	s := make([]byte, 3+sectionLength)
	s[0] = 0x02
	s[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	s[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(s[3:], program)
	s[5] = 0xC1
	binary.BigEndian.PutUint16(s[8:], 0xE000|pcrPID)
	binary.BigEndian.PutUint16(s[10:], 0xF000)
	off := 12
	for _, st := range streams {
		s[off] = st.Type
		binary.BigEndian.PutUint16(s[off+1:], 0xE000|st.PID)
		binary.BigEndian.PutUint16(s[off+3:], 0xF000)
		off += 5
	}
	binary.BigEndian.PutUint32(s[off:], mpegts.CRC32(s[:off]))
	return s
}

// PES describes one PES packet. Timestamps are 90 kHz ticks; a negative
// value omits the field.
type PES struct {
	PID      uint16
	StreamID byte
	PTS      int64
	DTS      int64
	Data     []byte

	// RandomAccess sets the random access indicator on the first packet.
	RandomAccess bool
	// PCR, when non-negative, is carried on the first packet (27 MHz).
	PCR int64
	// Bounded writes PES_packet_length; video usually leaves it zero.
	Bounded bool
}

// WritePES splits p into transport packets.
func (w *Writer) WritePES(p PES) error {
	payload := pesHeader(p)
	payload = append(payload, p.Data...)

	first := true
	for len(payload) > 0 {
		rai, pcr := false, int64(-1)
		if first {
			rai, pcr = p.RandomAccess, p.PCR
		}
		n, err := w.writePacket(p.PID, first, rai, pcr, payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
		first = false
	}
	return nil
}

func pesHeader(p PES) []byte {
	var opt []byte
	var flags byte
	switch {
	case p.PTS >= 0 && p.DTS >= 0 && p.DTS != p.PTS:
		flags = 0xC0
		opt = make([]byte, 10)
		mpegts.EncodeTimestamp(opt[0:5], 0x3, p.PTS)
		mpegts.EncodeTimestamp(opt[5:10], 0x1, p.DTS)
	case p.PTS >= 0:
		flags = 0x80
		opt = make([]byte, 5)
		mpegts.EncodeTimestamp(opt, 0x2, p.PTS)
	}

	h := make([]byte, 9, 9+len(opt)+len(p.Data))
	h[2] = 0x01
	h[3] = p.StreamID
	if n := 3 + len(opt) + len(p.Data); p.Bounded && n <= 0xFFFF {
		binary.BigEndian.PutUint16(h[4:], uint16(n))
	}
	h[6] = 0x80 // marker bits
	h[7] = flags
	h[8] = byte(len(opt))
	return append(h, opt...)
}

// writePacket writes one packet carrying as much of payload as fits and
// returns how many payload bytes it took. The last packet of a unit is
// padded with adaptation field stuffing.
func (w *Writer) writePacket(pid uint16, pusi, rai bool, pcr int64, payload []byte) (int, error) {
	afBody := 0
	if rai || pcr >= 0 {
		afBody = 1
		if pcr >= 0 {
			afBody += 6
		}
	}
	space := payloadSize
	if afBody > 0 {
		space -= 1 + afBody
	}
	n := min(len(payload), space)
	stuffing := space - n

	afSize := 0 // including the length byte
	switch {
	case afBody > 0:
		afSize = 1 + afBody + stuffing
	case stuffing == 1:
		afSize = 1
	case stuffing > 1:
		afBody = 1
		afSize = stuffing
	}

	b := w.buf[:]
	b[0] = mpegts.SyncByte
	b[1] = byte(pid>>8) & 0x1F
	if pusi {
		b[1] |= 0x40
	}
	b[2] = byte(pid)
	b[3] = 0x10 | w.nextCC(pid)
	pos := 4
	if afSize > 0 {
		b[3] |= 0x20
		b[pos] = byte(afSize - 1)
		if afSize > 1 {
			var flags byte
			if rai {
				flags |= 0x40
			}
			if pcr >= 0 {
				flags |= 0x10
			}
			b[pos+1] = flags
			fill := pos + 2
			if pcr >= 0 {
				putPCR(b[pos+2:pos+8], pcr)
				fill = pos + 8
			}
			for i := fill; i < pos+afSize; i++ {
				b[i] = 0xFF
			}
		}
		pos += afSize
	}
	copy(b[pos:], payload[:n])
	if err := w.flush(); err != nil {
		return 0, err
	}
	return n, nil
}

func putPCR(b []byte, pcr int64) {
	base, ext := pcr/300, pcr%300
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)&0x01
	b[5] = byte(ext)
}

func (w *Writer) flush() error {
	n, err := w.w.Write(w.buf[:])
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("tsmux: write: %w", err)
	}
	w.packets++
	return nil
}
