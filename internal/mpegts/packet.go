package mpegts

import "fmt"

const (
	// PacketSize is the size of a transport packet.
	PacketSize = 188
	// M2TSPacketSize is a packet with the 4-byte Blu-ray timecode prefix.
	M2TSPacketSize = 192

	SyncByte = 0x47
)

// parsePacket parses one 188-byte packet. The payload aliases buf.
func parsePacket(buf []byte, offset int64) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("packet size %d, expected %d: %w", len(buf), PacketSize, ErrShort)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("sync byte 0x%02X: %w", buf[0], ErrSync)
	}

	p := &Packet{Offset: offset}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	pos := 4
	if h.HasAdaptationField {
		afLen := int(buf[pos])
		if afLen > 0 && pos+1 < PacketSize {
			flags := buf[pos+1]
			h.DiscontinuityIndicator = flags&0x80 != 0
			h.RandomAccessIndicator = flags&0x40 != 0
			if flags&0x10 != 0 && afLen >= 7 {
				b := buf[pos+2 : pos+8]
				base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
				ext := int64(b[4]&0x01)<<8 | int64(b[5])
				h.HasPCR = true
				h.PCR = base*300 + ext
			}
		}
		pos += 1 + afLen
		if pos > PacketSize {
			pos = PacketSize
		}
	}

	if h.HasPayload && pos < PacketSize {
		p.Payload = buf[pos:]
	}
	return p, nil
}
