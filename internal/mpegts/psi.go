package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// parsePSI walks the sections in a reassembled PSI payload. A section that
// fails its CRC is reported and the rest of the payload is abandoned.
func parsePSI(payload []byte, first *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, ErrShort
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("pointer field out of range: %w", ErrShort)
	}

	var results []*DemuxerData
	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF || offset+3 > len(payload) {
			break
		}
		// Padding after the last section has section_syntax_indicator clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		end := offset + 3 + sectionLength
		if end > len(payload) {
			return results, fmt.Errorf("section of %d bytes: %w", sectionLength, ErrShort)
		}
		section := payload[offset:end]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PMT: pmt})
		}
		offset = end
	}
	return results, nil
}

// parsePATSection parses a PAT section starting at table_id.
//
//	[0]      table_id
//	[1-2]    syntax(1) zero(1) reserved(2) section_length(12)
//	[3-4]    transport_stream_id
//	[5]      reserved(2) version(5) current_next(1)
//	[6-7]    section_number, last_section_number
//	[8..N-4] program_number(16) reserved(3) PID(13)
//	[N-4..N] CRC32
func parsePATSection(data []byte) (*PATData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("PAT: %w", ErrShort)
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}

	pat := &PATData{TransportStreamID: uint16(data[3])<<8 | uint16(data[4])}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		num := uint16(data[i])<<8 | uint16(data[i+1])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{ProgramNumber: num, ProgramMapID: pid})
	}
	return pat, nil
}

// parsePMTSection parses a PMT section starting at table_id.
//
//	[0-7]    as PAT, with program_number in place of transport_stream_id
//	[8-9]    reserved(3) PCR_PID(13)
//	[10-11]  reserved(4) program_info_length(12)
//	[...]    program descriptors, then stream_type(8) reserved(3) PID(13)
//	         reserved(4) ES_info_length(12) descriptors, repeated
//	[N-4..N] CRC32
func parsePMTSection(data []byte) (*PMTData, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("PMT: %w", ErrShort)
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	end := len(data) - 4
	offset := 12 + (int(data[10]&0x0F)<<8 | int(data[11]))
	for offset+5 <= end {
		esInfo := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		})
		offset += 5 + esInfo
	}
	return pmt, nil
}
