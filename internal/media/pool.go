package media

import (
	"sync"
	"sync/atomic"
)

// FramePool recycles frame plane buffers between the decoder and the stages
// that release them, and counts frames that are still checked out so a
// session can prove it tore down without leaking.
type FramePool struct {
	bufs sync.Pool
	live atomic.Int64
}

// NewFramePool returns an empty pool.
func NewFramePool() *FramePool {
	return &FramePool{}
}

// Get returns a zeroed frame of the given kind with no planes.
func (p *FramePool) Get(kind Kind) *Frame {
	p.live.Add(1)
	return &Frame{
		Kind: kind,
		PTS:  NoPTS,
		DTS:  NoPTS,
		pool: p,
	}
}

// Buffer returns a byte slice of length n, reusing a released plane when one
// is large enough.
func (p *FramePool) Buffer(n int) []byte {
	if v, ok := p.bufs.Get().(*[]byte); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]byte, n)
}

// AddPlane appends a copy of src as a new plane of f.
func (p *FramePool) AddPlane(f *Frame, src []byte, stride int) {
	buf := p.Buffer(len(src))
	copy(buf, src)
	f.Planes = append(f.Planes, buf)
	f.Strides = append(f.Strides, stride)
}

// Live reports how many frames have been handed out and not yet released.
func (p *FramePool) Live() int64 {
	return p.live.Load()
}

func (p *FramePool) put(f *Frame) {
	for i, b := range f.Planes {
		b := b[:0]
		p.bufs.Put(&b)
		f.Planes[i] = nil
	}
	f.Planes = nil
	f.Strides = nil
	p.live.Add(-1)
}
