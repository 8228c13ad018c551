// Package bdev adapts a disk to the synchronous byte-addressed read
// interface the buffer cache consumes. A device exposes a wait queue
// that is woken whenever a read completes; cache waiters park on it
// while another task loads the same block.
package bdev

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/util"
)

// Device is a synchronous block device. Read fills dst with count
// bytes starting at byte offset off; count and off must be multiples
// of the disk block size. Read must be called with no locks held and
// wakes the device's wait queue when it completes.
type Device interface {
	Read(dst []byte, count uint64, off uint64)
	Waitq() *Waitq
}

// Disk is a Device over a goose disk.Disk.
type Disk struct {
	d  disk.Disk
	wq *Waitq
}

func MkDisk(d disk.Disk) *Disk {
	return &Disk{d: d, wq: MkWaitq()}
}

func (dk *Disk) Read(dst []byte, count uint64, off uint64) {
	if count%disk.BlockSize != 0 || off%disk.BlockSize != 0 {
		panic("bdev: unaligned read")
	}
	util.DPrintf(5, "bdev: read %d bytes at %d\n", count, off)
	for n := uint64(0); n < count; n += disk.BlockSize {
		blk := dk.d.Read((off + n) / disk.BlockSize)
		copy(dst[n:n+disk.BlockSize], blk)
	}
	dk.wq.Wake()
}

func (dk *Disk) Waitq() *Waitq {
	return dk.wq
}

// Waitq is a broadcast wait queue. A waiter atomically releases its
// own lock while suspended and re-acquires it before re-testing its
// predicate; a generation counter closes the window between the
// predicate test and the suspension, so wakeups are never lost.
type Waitq struct {
	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

func MkWaitq() *Waitq {
	wq := &Waitq{}
	wq.cond = sync.NewCond(&wq.mu)
	return wq
}

// Wake wakes every waiter on the queue.
func (wq *Waitq) Wake() {
	wq.mu.Lock()
	wq.gen++
	wq.mu.Unlock()
	wq.cond.Broadcast()
}

// BlockUntil suspends the caller until pred holds. l must be held on
// entry; pred is always evaluated with l held, and l is released
// while the caller sleeps. On return l is held and pred is true.
func (wq *Waitq) BlockUntil(l *sync.Mutex, pred func() bool) {
	for {
		wq.mu.Lock()
		if pred() {
			wq.mu.Unlock()
			return
		}
		g := wq.gen
		l.Unlock()
		for wq.gen == g {
			wq.cond.Wait()
		}
		wq.mu.Unlock()
		l.Lock()
	}
}
