package mpegts

import "sort"

// programMap tracks which PIDs carry PMT sections.
type programMap struct {
	m map[uint16]bool
}

func newProgramMap() *programMap {
	return &programMap{m: make(map[uint16]bool)}
}

func (pm *programMap) addPMTPID(pid uint16) {
	pm.m[pid] = true
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	return pm.m[pid]
}

func (pm *programMap) isPSI(pid uint16) bool {
	return pid == PIDPAT || pm.isPMTPID(pid)
}

// packetAccumulator buffers the packets of one PID until the unit they form
// is complete: the next payload unit start for PES, or a full section for
// PSI.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
	last       int // continuity counter of the previous packet, -1 before any
	// onGap is told about unsignalled continuity jumps.
	onGap func(p *Packet, expected uint8)
}

func newPacketAccumulator(pid uint16, pm *programMap, onGap func(*Packet, uint8)) *packetAccumulator {
	return &packetAccumulator{pid: pid, programMap: pm, last: -1, onGap: onGap}
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}
	// The counter only advances on packets with payload.
	if !p.Header.HasPayload {
		return nil
	}

	if pa.last >= 0 && !p.Header.DiscontinuityIndicator {
		prev := uint8(pa.last)
		expected := (prev + 1) & 0x0F
		if p.Header.ContinuityCounter == prev {
			return nil // duplicate
		}
		if p.Header.ContinuityCounter != expected {
			if pa.onGap != nil {
				pa.onGap(p, expected)
			}
			pa.packets = nil
		}
	}
	pa.last = int(p.Header.ContinuityCounter)

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}
	// A unit that lost its start packet can't be parsed.
	if !p.Header.PayloadUnitStartIndicator && len(pa.packets) == 0 {
		return flushed
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.programMap.isPSI(pa.pid) && isPSIComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}
	return flushed
}

func (pa *packetAccumulator) flush() []*Packet {
	if len(pa.packets) == 0 {
		return nil
	}
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

// isPSIComplete reports whether the packets hold every section they start.
func isPSIComplete(packets []*Packet) bool {
	payload := concatPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		n := 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if offset+n > len(payload) {
			return false
		}
		offset += n
	}
	return true
}

func concatPayloads(packets []*Packet) []byte {
	if len(packets) == 1 {
		return packets[0].Payload
	}
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	payload := make([]byte, 0, n)
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// packetPool holds one accumulator per PID.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
	onGap      func(*Packet, uint8)
}

func newPacketPool(pm *programMap, onGap func(*Packet, uint8)) *packetPool {
	return &packetPool{
		accs:       make(map[uint16]*packetAccumulator),
		programMap: pm,
		onGap:      onGap,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = newPacketAccumulator(p.Header.PID, pp.programMap, pp.onGap)
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order, so the PAT comes before the
// PMTs it announces.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}
