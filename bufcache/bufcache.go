// Package bufcache brokers access to disk blocks between concurrent
// tasks and a single block device. Each resident block occupies one
// of a fixed number of slots, pinned by a reference count; a block is
// read from the device at most once per residency, no matter how many
// tasks ask for it concurrently.
//
// Lock order: the cache-wide lock is acquired before a slot lock,
// never after one. GetBlock takes the slot lock under the cache lock
// and then drops the cache lock, so admission for a block is totally
// ordered with its load.
package bufcache

import (
	"io"
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-chkfs/bdev"
	"github.com/mit-pdos/go-chkfs/chkfs"
	"github.com/mit-pdos/go-chkfs/stats"
)

// NumEntries is the fixed slot capacity.
const NumEntries uint64 = 10

const (
	fLoading uint32 = 1 << iota
	fLoaded
)

// A CleanFn is applied to a freshly loaded block exactly once, under
// the slot lock, before any reader observes it. It must be idempotent
// and must not block.
type CleanFn func(blk []byte)

// PageAlloc provides the page buffers slots own while resident.
// Alloc returns nil when no page is available.
type PageAlloc interface {
	Alloc(sz uint64) []byte
	Free(pg []byte)
}

type entry struct {
	mu    sync.Mutex // serializes the load transition and flag word
	bn    common.Bnum
	buf   []byte
	ref   uint32
	flags uint32
}

func (e *entry) clear() {
	e.bn = common.NULLBNUM
	e.buf = nil
	e.flags = 0
}

// holds reports whether buf is this entry's page. Identity is by
// backing array, so any caller-held page matches only its own slot.
func (e *entry) holds(buf []byte) bool {
	return e.buf != nil && &e.buf[0] == &buf[0]
}

type Bufcache struct {
	mu  sync.Mutex // guards bn and ref of every entry
	dev bdev.Device
	mem PageAlloc
	e   [NumEntries]entry

	opGet      stats.Op
	opHit      stats.Op
	opDiskRead stats.Op
	opPut      stats.Op
}

func MkBufcache(dev bdev.Device, mem PageAlloc) *Bufcache {
	return &Bufcache{dev: dev, mem: mem}
}

// GetBlock reads disk block bn into the cache, takes a reference to
// it, and returns its page. May block. If this call loads the block
// from disk and cleaner is non-nil, cleaner is applied to the page
// before it is published. Returns nil if every slot is pinned or no
// page can be allocated.
func (bc *Bufcache) GetBlock(bn common.Bnum, cleaner CleanFn) []byte {
	start := time.Now()
	bc.mu.Lock()

	// look for the slot holding bn
	var i = NumEntries
	for j := uint64(0); j < NumEntries; j++ {
		if bc.e[j].ref != 0 && bc.e[j].bn == bn {
			i = j
			break
		}
	}
	if i != NumEntries {
		bc.opHit.Inc()
	}

	// otherwise claim a free slot
	if i == NumEntries {
		for j := uint64(0); j < NumEntries; j++ {
			if bc.e[j].ref == 0 {
				i = j
				break
			}
		}
		if i == NumEntries {
			bc.mu.Unlock()
			util.DPrintf(0, "bufcache: no room for block %d\n", bn)
			return nil
		}
		bc.e[i].bn = bn
		bc.e[i].buf = nil
		bc.e[i].flags = 0
	}

	e := &bc.e[i]
	e.ref++

	// switch to the slot lock
	e.mu.Lock()
	bc.mu.Unlock()

	// load the block, or wait for the concurrent loader
	for e.flags&fLoaded == 0 {
		if e.flags&fLoading == 0 {
			buf := bc.mem.Alloc(chkfs.BlockSize)
			if buf == nil {
				e.mu.Unlock()
				bc.dropRef(e)
				return nil
			}
			e.flags |= fLoading
			e.mu.Unlock()
			readStart := time.Now()
			bc.dev.Read(buf, chkfs.BlockSize, uint64(bn)*chkfs.BlockSize)
			bc.opDiskRead.Record(readStart)
			e.mu.Lock()
			e.flags = (e.flags &^ fLoading) | fLoaded
			e.buf = buf
			if cleaner != nil {
				cleaner(e.buf)
			}
			bc.dev.Waitq().Wake()
		} else {
			bc.dev.Waitq().BlockUntil(&e.mu, func() bool {
				return e.flags&fLoading == 0
			})
		}
	}

	buf := e.buf
	e.mu.Unlock()
	bc.opGet.Record(start)
	return buf
}

// dropRef undoes a reference taken during a failed load. The caller
// must not hold the slot lock.
func (bc *Bufcache) dropRef(e *entry) {
	bc.mu.Lock()
	e.ref--
	if e.ref == 0 {
		e.mu.Lock()
		if e.buf != nil {
			bc.mem.Free(e.buf)
		}
		e.clear()
		e.mu.Unlock()
	}
	bc.mu.Unlock()
}

// PutBlock drops a reference to a page previously returned by
// GetBlock. When the last reference is dropped the page is freed and
// the slot becomes reusable. Putting a page that is not held is a
// programming error. PutBlock(nil) is a no-op.
func (bc *Bufcache) PutBlock(buf []byte) {
	if buf == nil {
		return
	}
	bc.opPut.Inc()
	bc.mu.Lock()

	var i = NumEntries
	for j := uint64(0); j < NumEntries; j++ {
		e := &bc.e[j]
		if e.ref == 0 {
			continue
		}
		e.mu.Lock()
		ok := e.holds(buf)
		e.mu.Unlock()
		if ok {
			i = j
			break
		}
	}
	if i == NumEntries {
		panic("bufcache: put of a block that is not held")
	}

	e := &bc.e[i]
	e.ref--
	if e.ref == 0 {
		e.mu.Lock()
		bc.mem.Free(e.buf)
		e.clear()
		e.mu.Unlock()
	}
	bc.mu.Unlock()
}

// TotalRefs returns the sum of all slot reference counts.
func (bc *Bufcache) TotalRefs() uint64 {
	bc.mu.Lock()
	var n uint64
	for i := uint64(0); i < NumEntries; i++ {
		n += uint64(bc.e[i].ref)
	}
	bc.mu.Unlock()
	return n
}

// NumPinned returns how many slots are currently pinned.
func (bc *Bufcache) NumPinned() uint64 {
	bc.mu.Lock()
	var n uint64
	for i := uint64(0); i < NumEntries; i++ {
		if bc.e[i].ref != 0 {
			n++
		}
	}
	bc.mu.Unlock()
	return n
}

// WriteStats renders the cache's op table.
func (bc *Bufcache) WriteStats(w io.Writer) {
	names := []string{"get", "get-hit", "disk-read", "put"}
	ops := []*stats.Op{&bc.opGet, &bc.opHit, &bc.opDiskRead, &bc.opPut}
	stats.WriteTable(names, ops, w)
}
