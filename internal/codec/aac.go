package codec

import "errors"

// ErrInvalidADTS is returned for an ADTS header with a reserved sample rate
// index.
var ErrInvalidADTS = errors.New("codec: invalid ADTS header")

// AAC sampling frequency table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrameSamples is the number of samples in one raw data block.
const AACFrameSamples = 1024

// AACFrame is one ADTS frame.
type AACFrame struct {
	Data       []byte // header and payload
	HeaderSize int
	SampleRate int
	Channels   int
	// Samples is 1024 per raw data block carried in the frame.
	Samples int
}

// Payload returns the raw data blocks after the header.
func (f AACFrame) Payload() []byte {
	return f.Data[f.HeaderSize:]
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync word
// are skipped and a truncated final frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0
	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}
		rateIdx := (data[offset+2] >> 2) & 0x0F
		if int(rateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := (data[offset+2]&0x01)<<2 | (data[offset+3]>>6)&0x03
		frameLen := int(data[offset+3]&0x03)<<11 | int(data[offset+4])<<3 | int(data[offset+5]>>5)
		blocks := int(data[offset+6]&0x03) + 1

		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}
		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			HeaderSize: headerSize,
			SampleRate: aacSampleRates[rateIdx],
			Channels:   int(channels),
			Samples:    blocks * AACFrameSamples,
		})
		offset += frameLen
	}
	return frames, nil
}
