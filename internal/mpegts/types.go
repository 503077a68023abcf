// Package mpegts demuxes MPEG transport streams: it finds programs through
// the PAT and PMT, reassembles PES packets per PID and extracts their 90 kHz
// timestamps. Every unit carries the byte offset of its first packet so
// callers can build a seek index.
package mpegts

// Well-known PIDs and stream types.
const (
	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1FFF

	StreamTypeAAC  uint8 = 0x0F
	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
)

// ClockRate is the frequency of PTS and DTS values.
const ClockRate = 90000

// Packet is one transport packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	// Offset is the position of the packet's first byte in the stream.
	Offset int64
}

// PacketHeader holds the fields of the 4-byte packet header and the few
// adaptation field flags the demuxer uses.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
	HasPCR                    bool
	PCR                       int64 // 27 MHz
}

// DemuxerData is one logical unit from the stream. Exactly one of PAT, PMT
// or PES is set.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one stream entry in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData is a reassembled PES packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference is a 33-bit timestamp in 90 kHz ticks.
type ClockReference struct {
	Base int64
}

// Micros converts the timestamp to microseconds.
func (c *ClockReference) Micros() int64 {
	return c.Base * 100 / 9
}
