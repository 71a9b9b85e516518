// Package bufpool implements the process-wide packet buffer allocator:
// a fixed-capacity pool of fixed-size buffers with free-list reuse,
// sized to the largest supported MTU plus headroom. The hot RX/TX path
// never calls the system allocator.
package bufpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrExhausted is returned by Acquire when the hard cap has been reached.
// The core never blocks on buffer exhaustion; it drops the frame instead.
var ErrExhausted = errors.New("bufpool: exhausted")

// DefaultBufSize covers the largest Ethernet frame this daemon will ever
// need to hold (jumbo MTU plus the AoE/Ethernet header overhead).
const DefaultBufSize = 9216 + 64

// Buf is an owned packet buffer. It is issued to exactly one component at
// a time; Release returns it to the pool. A Buf must never be referenced
// from two queues simultaneously.
type Buf struct {
	pool *Pool
	data []byte
	// Len is the portion of data currently holding a frame; callers resize
	// it with SetLen rather than reslicing data directly, so the
	// pool's accounting and the invariant above stay easy to audit.
	Len int
}

// Bytes returns the buffer's backing storage, sized to Len.
func (b *Buf) Bytes() []byte { return b.data[:b.Len] }

// Cap returns the full backing capacity, for building a reply in place.
func (b *Buf) Cap() []byte { return b.data }

// SetLen records how much of the backing storage holds a valid frame.
func (b *Buf) SetLen(n int) { b.Len = n }

// Release returns the buffer to its owning pool. Safe to call once; a
// second call is a no-op.
func (b *Buf) Release() {
	if b.pool == nil {
		return
	}
	p := b.pool
	b.pool = nil
	b.Len = 0
	p.free.Put(b)
	atomic.AddInt64(&p.inUse, -1)
}

// Pool is a process-wide allocator of fixed-capacity packet buffers.
type Pool struct {
	free      sync.Pool
	bufSize   int
	maxBufs   int64
	inUse     int64
	highWater int64
}

// New creates a buffer pool capped at maxBufs concurrently issued buffers,
// each bufSize bytes. maxBufs <= 0 means unbounded (acquire never fails).
func New(bufSize, maxBufs int) *Pool {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	p := &Pool{bufSize: bufSize, maxBufs: int64(maxBufs)}
	// Every buffer starts on a 512-byte boundary so it can be used for
	// O_DIRECT I/O against a backing device.
	const sectorAlign = 512
	p.free.New = func() any {
		raw := make([]byte, p.bufSize+sectorAlign)
		off := 0
		if r := int(uintptr(unsafe.Pointer(&raw[0])) % sectorAlign); r != 0 {
			off = sectorAlign - r
		}
		return &Buf{data: raw[off : off+p.bufSize : off+p.bufSize]}
	}
	return p
}

// Acquire returns an owned buffer, or ErrExhausted if the hard cap has
// been reached. The caller never blocks.
func (p *Pool) Acquire() (*Buf, error) {
	if p.maxBufs > 0 {
		n := atomic.AddInt64(&p.inUse, 1)
		if n > p.maxBufs {
			atomic.AddInt64(&p.inUse, -1)
			return nil, ErrExhausted
		}
		if n > atomic.LoadInt64(&p.highWater) {
			atomic.StoreInt64(&p.highWater, n)
		}
	} else {
		n := atomic.AddInt64(&p.inUse, 1)
		if n > atomic.LoadInt64(&p.highWater) {
			atomic.StoreInt64(&p.highWater, n)
		}
	}
	b := p.free.Get().(*Buf)
	b.pool = p
	b.Len = 0
	return b, nil
}

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int64 { return atomic.LoadInt64(&p.inUse) }

// HighWater returns the largest number of buffers ever checked out
// simultaneously, for control-socket reporting.
func (p *Pool) HighWater() int64 { return atomic.LoadInt64(&p.highWater) }

// BufSize returns the fixed size of buffers issued by this pool.
func (p *Pool) BufSize() int { return p.bufSize }
