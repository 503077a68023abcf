package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// maxPayload bounds a single record so a corrupt length cannot exhaust
// memory.
const maxPayload = 64 << 20

// VideoSize is a recorded OnVideoSize call.
type VideoSize struct {
	Width, Height int
	FPS           float64
}

// VideoFrame is a recorded presented picture.
type VideoFrame struct {
	PTS           time.Duration
	Width, Height int
	Stride        int
	PixelFormat   string
	CRC           uint32
	Data          []byte
}

// AudioChunk is a recorded audio pull.
type AudioChunk struct {
	Samples int
	Data    []int16
}

// End is the recorded end of playback. Error is empty on completion.
type End struct {
	Duration time.Duration
	Error    string
}

// Record is one decoded record. Exactly one of the pointers matching Type is
// set.
type Record struct {
	Type RecordType
	// Wall is the time since the session started.
	Wall time.Duration

	Size  *VideoSize
	Video *VideoFrame
	Audio *AudioChunk
	End   *End
}

// Reader decodes a capture file.
type Reader struct {
	br     *bufio.Reader
	header Header
}

// NewReader reads the preamble and header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != Magic {
		return nil, ErrBadMagic
	}
	v, err := quicvarint.Read(br)
	if err != nil {
		return nil, ErrBadMagic
	}
	if v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}

	rd := &Reader{br: br}
	t, payload, err := rd.readRecord()
	if err != nil {
		return nil, fmt.Errorf("capture: header: %w", err)
	}
	if t != RecordHeader {
		return nil, fmt.Errorf("capture: first record is %s, want header", t)
	}
	p := payloadReader{data: payload}
	rd.header.Source = p.string()
	rd.header.SampleRate = int(p.varint())
	rd.header.Channels = int(p.varint())
	rd.header.Started = time.UnixMicro(int64(p.varint()))
	if p.err != nil {
		return nil, fmt.Errorf("capture: header: %w", p.err)
	}
	return rd, nil
}

// Header returns the session header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF after the last one. Unknown record
// types are skipped.
func (r *Reader) Next() (Record, error) {
	for {
		t, payload, err := r.readRecord()
		if err != nil {
			return Record{}, err
		}
		rec, known, err := decodeRecord(t, payload)
		if err != nil {
			return Record{}, err
		}
		if known {
			return rec, nil
		}
	}
}

func (r *Reader) readRecord() (RecordType, []byte, error) {
	t, err := quicvarint.Read(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("capture: record type: %w", err)
	}
	n, err := quicvarint.Read(r.br)
	if err != nil {
		return 0, nil, fmt.Errorf("capture: record length: %w", io.ErrUnexpectedEOF)
	}
	if n > maxPayload {
		return 0, nil, fmt.Errorf("capture: %s record of %d bytes", RecordType(t), n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return 0, nil, fmt.Errorf("capture: %s record: %w", RecordType(t), io.ErrUnexpectedEOF)
	}
	return RecordType(t), payload, nil
}

func decodeRecord(t RecordType, payload []byte) (Record, bool, error) {
	p := payloadReader{data: payload}
	rec := Record{Type: t}
	switch t {
	case RecordVideoSize:
		rec.Wall = p.micros()
		rec.Size = &VideoSize{
			Width:  int(p.varint()),
			Height: int(p.varint()),
			FPS:    float64(p.varint()) / 1000,
		}
	case RecordVideo:
		rec.Wall = p.micros()
		rec.Video = &VideoFrame{
			PTS:         time.Duration(unzigzag(p.varint())) * time.Microsecond,
			Width:       int(p.varint()),
			Height:      int(p.varint()),
			Stride:      int(p.varint()),
			PixelFormat: p.string(),
			CRC:         uint32(p.varint()),
			Data:        p.bytes(),
		}
	case RecordAudio:
		rec.Wall = p.micros()
		a := &AudioChunk{Samples: int(p.varint())}
		if raw := p.bytes(); len(raw) > 0 {
			a.Data = make([]int16, len(raw)/2)
			for i := range a.Data {
				a.Data[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
			}
		}
		rec.Audio = a
	case RecordEnd:
		rec.Wall = p.micros()
		rec.End = &End{
			Duration: p.micros(),
			Error:    p.string(),
		}
	default:
		return rec, false, nil
	}
	if p.err != nil {
		return rec, false, fmt.Errorf("capture: %s record: %w", t, p.err)
	}
	return rec, true, nil
}

// payloadReader decodes fields from a record payload. The first failure
// sticks; later reads return zero values.
type payloadReader struct {
	data []byte
	pos  int
	err  error
}

func (p *payloadReader) varint() uint64 {
	if p.err != nil {
		return 0
	}
	v, n, err := quicvarint.Parse(p.data[p.pos:])
	if err != nil {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	p.pos += n
	return v
}

func (p *payloadReader) micros() time.Duration {
	return time.Duration(p.varint()) * time.Microsecond
}

func (p *payloadReader) bytes() []byte {
	n := p.varint()
	if p.err != nil {
		return nil
	}
	if n > uint64(len(p.data)-p.pos) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	if n == 0 {
		return nil
	}
	b := p.data[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return b
}

func (p *payloadReader) string() string {
	return string(p.bytes())
}
