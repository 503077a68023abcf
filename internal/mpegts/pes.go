package mpegts

import "fmt"

func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream id carries the PES optional
// header: everything except padding, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and the program stream directory.
func hasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("PES of %d bytes: %w", len(payload), ErrShort)
	}
	if !isPESPayload(payload) {
		return nil, ErrStartCode
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	// A zero length means unbounded, which video streams use.
	end := len(payload)
	if packetLength > 0 && 6+packetLength < end {
		end = 6 + packetLength
	}

	if !hasOptionalHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("PES optional header: %w", ErrShort)
	}

	// [6] marker, scrambling, priority, alignment, copyright, original
	// [7] PTS_DTS_flags(2) ESCR ES_rate DSM_trick copy_info CRC extension
	// [8] PES_header_data_length
	flags := payload[7] >> 6
	start := 9 + int(payload[8])
	if start > end {
		return nil, fmt.Errorf("PES header length %d: %w", payload[8], ErrShort)
	}

	opt := &PESOptionalHeader{}
	switch flags {
	case 2:
		if start >= 14 {
			opt.PTS = parseTimestamp(payload[9:14])
		}
	case 3:
		if start >= 19 {
			opt.PTS = parseTimestamp(payload[9:14])
			opt.DTS = parseTimestamp(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt
	pes.Data = payload[start:end]
	return pes, nil
}

func parseTimestamp(bs []byte) *ClockReference {
	return &ClockReference{Base: DecodeTimestamp(bs)}
}

// DecodeTimestamp reads the 33-bit value spread over five bytes with marker
// bits.
func DecodeTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}

// EncodeTimestamp writes a 33-bit timestamp in the PES layout with the
// given 4-bit prefix (0x2 PTS only, 0x3 PTS of a PTS+DTS pair, 0x1 DTS).
func EncodeTimestamp(dst []byte, prefix byte, ts int64) {
	ts &= 0x1FFFFFFFF
	dst[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	dst[1] = byte(ts >> 22)
	dst[2] = byte(ts>>14)&0xFE | 0x01
	dst[3] = byte(ts >> 7)
	dst[4] = byte(ts<<1)&0xFE | 0x01
}
