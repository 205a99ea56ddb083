// Package bufpool implements the fixed-size buffer pool that backs the
// ingress read path. It is the Go realization of the allocate(n)/free(buf)
// contract spec.md §1 calls out as an external collaborator interface,
// grounded on original_source/MauTools.h's BufferAllocator.
//
// Unlike the original's slab allocator, bufpool uses sync.Pool: none of
// the example repos import a third-party buffer-pool library, and
// sync.Pool is the standard idiom across the Go ecosystem for exactly
// this "free list of equally-sized scratch buffers" use case (see
// DESIGN.md for the justification of this one standard-library choice).
package bufpool

import "sync"

// Pool allocates and recycles byte slices of a fixed capacity. The zero
// value is not valid; use [New].
type Pool struct {
	bufSize int
	pool    sync.Pool

	mu   sync.Mutex
	used int
}

// New creates a [Pool] that hands out buffers of bufSize bytes.
func New(bufSize int) *Pool {
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		return make([]byte, p.bufSize)
	}
	return p
}

// Allocate returns a buffer with length n. It returns nil if n exceeds
// the pool's configured buffer size: callers should treat this as an
// allocation failure and silently drop, per spec.md §5's resource policy.
func (p *Pool) Allocate(n int) []byte {
	if n > p.bufSize {
		return nil
	}
	buf := p.pool.Get().([]byte)[:n]
	p.mu.Lock()
	p.used += n
	p.mu.Unlock()
	return buf
}

// Free returns a buffer to the pool. The slice must have been obtained
// from this same [Pool] via [Pool.Allocate].
func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	p.used -= len(buf)
	p.mu.Unlock()
	p.pool.Put(buf[:cap(buf)])
}

// UsedBytes reports the number of bytes currently checked out of the pool.
func (p *Pool) UsedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
