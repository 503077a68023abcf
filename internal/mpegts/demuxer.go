package mpegts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// Demuxer reads transport packets from a reader and produces parsed PAT,
// PMT and PES units. It is not safe for concurrent use.
type Demuxer struct {
	ctx        context.Context
	reader     *bufio.Reader
	readBuf    []byte
	pktSize    int
	offset     int64
	pool       *packetPool
	programMap *programMap
	dataBuffer []*DemuxerData
	eof        bool
	eofData    []*DemuxerData
	inSync     bool

	onError          func(error)
	continuityErrors int64
	parseErrors      int64
}

// NewDemuxer returns a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		pktSize:    PacketSize,
		programMap: pm,
		inSync:     true,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = newPacketPool(pm, d.continuityGap)
	d.readBuf = make([]byte, d.pktSize)
	d.reader = bufio.NewReaderSize(r, 64*d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the packet size: 188, or 192 for M2TS.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// DemuxerOptStartOffset sets the stream position of the reader's first
// byte, for a demuxer created after seeking within a file.
func DemuxerOptStartOffset(off int64) func(*Demuxer) {
	return func(d *Demuxer) {
		d.offset = off
	}
}

// DemuxerOptPMTPIDs marks PIDs as carrying PMT sections before the PAT that
// announces them has been seen.
func DemuxerOptPMTPIDs(pids ...uint16) func(*Demuxer) {
	return func(d *Demuxer) {
		for _, pid := range pids {
			d.programMap.addPMTPID(pid)
		}
	}
}

// DemuxerOptOnError receives every *ParseError the demuxer skips over.
func DemuxerOptOnError(fn func(error)) func(*Demuxer) {
	return func(d *Demuxer) {
		d.onError = fn
	}
}

// Offset is the stream position of the next unread byte.
func (d *Demuxer) Offset() int64 {
	return d.offset
}

// ContinuityErrors counts unsignalled continuity counter jumps.
func (d *Demuxer) ContinuityErrors() int64 {
	return d.continuityErrors
}

// ParseErrors counts malformed packets and units that were skipped.
func (d *Demuxer) ParseErrors() int64 {
	return d.parseErrors
}

func (d *Demuxer) report(off int64, pid uint16, err error) {
	d.parseErrors++
	if d.onError != nil {
		d.onError(&ParseError{Offset: off, PID: pid, Err: err})
	}
}

func (d *Demuxer) continuityGap(p *Packet, expected uint8) {
	d.continuityErrors++
	if d.onError != nil {
		d.onError(&ParseError{
			Offset: p.Offset,
			PID:    p.Header.PID,
			Err:    fmt.Errorf("continuity counter %d, expected %d", p.Header.ContinuityCounter, expected),
		})
	}
}

// NextData returns the next unit. It returns io.EOF once the reader is
// exhausted and every buffered unit has been returned. Malformed data is
// skipped and reported through the error callback; read errors other than
// EOF are returned as is.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.dataBuffer) > 0 {
			data := d.dataBuffer[0]
			d.dataBuffer = d.dataBuffer[1:]
			return data, nil
		}
		if d.eof {
			if len(d.eofData) > 0 {
				data := d.eofData[0]
				d.eofData = d.eofData[1:]
				return data, nil
			}
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			d.drainPool()
			continue
		}
		if err != nil {
			return nil, err
		}
		if pkt == nil {
			continue
		}

		flushed := d.pool.add(pkt)
		if flushed == nil {
			continue
		}
		results := d.processPackets(flushed)
		if len(results) == 0 {
			continue
		}
		d.learnPrograms(results)
		d.dataBuffer = results[1:]
		return results[0], nil
	}
}

// readPacket reads one packet, resynchronizing on the sync byte when it is
// missing. It returns a nil packet for a packet that was skipped.
func (d *Demuxer) readPacket() (*Packet, error) {
	prefix := d.pktSize - PacketSize
	for {
		head, err := d.reader.Peek(prefix + 1)
		if err != nil {
			return nil, err
		}
		if head[prefix] == SyncByte {
			break
		}
		if d.inSync {
			d.inSync = false
			d.report(d.offset, 0, ErrSync)
		}
		d.reader.Discard(1)
		d.offset++
	}
	d.inSync = true

	off := d.offset
	if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
		return nil, err
	}
	d.offset += int64(d.pktSize)

	pkt, err := parsePacket(d.readBuf[prefix:], off)
	if err != nil {
		d.report(off, 0, err)
		return nil, nil
	}
	if pkt.Header.PID == PIDNull {
		return nil, nil
	}
	// readBuf is reused for the next packet.
	pkt.Payload = append([]byte(nil), pkt.Payload...)
	return pkt, nil
}

func (d *Demuxer) learnPrograms(results []*DemuxerData) {
	for _, r := range results {
		if r.PAT == nil {
			continue
		}
		for _, p := range r.PAT.Programs {
			d.programMap.addPMTPID(p.ProgramMapID)
		}
	}
}

func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		results := d.processPackets(packets)
		d.learnPrograms(results)
		d.eofData = append(d.eofData, results...)
	}
}

func (d *Demuxer) processPackets(packets []*Packet) []*DemuxerData {
	first := packets[0]
	pid := first.Header.PID
	payload := concatPayloads(packets)
	if len(payload) == 0 {
		return nil
	}

	if d.programMap.isPSI(pid) {
		results, err := parsePSI(payload, first)
		if err != nil {
			d.report(first.Offset, pid, err)
		}
		return results
	}
	if !isPESPayload(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		d.report(first.Offset, pid, err)
		return nil
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}
}
