// Package kalloc is a fixed-capacity page pool backing the buffer
// cache. Capping the pool makes allocation failure a real outcome
// rather than a theoretical one, which the cache's failure path
// depends on.
package kalloc

import (
	"sync"

	"github.com/mit-pdos/go-journal/util"
)

type Pool struct {
	mu     sync.Mutex
	pagesz uint64
	npages uint64 // capacity; 0 means unbounded
	inuse  uint64
	free   [][]byte
}

// MkPool creates a pool of npages pages of pagesz bytes each. Pages
// are allocated lazily and recycled through a free list.
func MkPool(pagesz uint64, npages uint64) *Pool {
	return &Pool{pagesz: pagesz, npages: npages}
}

// Alloc returns a zeroed page, or nil if the pool is exhausted. sz
// must equal the pool's page size.
func (p *Pool) Alloc(sz uint64) []byte {
	if sz != p.pagesz {
		panic("kalloc: wrong allocation size")
	}
	p.mu.Lock()
	if p.npages != 0 && p.inuse >= p.npages {
		p.mu.Unlock()
		util.DPrintf(0, "kalloc: out of pages\n")
		return nil
	}
	p.inuse++
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return make([]byte, sz)
	}
	pg := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	for i := range pg {
		pg[i] = 0
	}
	return pg
}

// Free returns a page to the pool. The caller must not touch the
// page afterwards.
func (p *Pool) Free(pg []byte) {
	if uint64(len(pg)) != p.pagesz {
		panic("kalloc: free of foreign page")
	}
	p.mu.Lock()
	if p.inuse == 0 {
		p.mu.Unlock()
		panic("kalloc: free without matching alloc")
	}
	p.inuse--
	p.free = append(p.free, pg)
	p.mu.Unlock()
}

// InUse reports the number of live pages.
func (p *Pool) InUse() uint64 {
	p.mu.Lock()
	n := p.inuse
	p.mu.Unlock()
	return n
}
