package bdev

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"
)

func TestDiskRead(t *testing.T) {
	d := disk.NewMemDisk(8)
	blk := make([]byte, disk.BlockSize)
	for i := range blk {
		blk[i] = 'd'
	}
	d.Write(3, blk)

	dev := MkDisk(d)
	dst := make([]byte, disk.BlockSize)
	dev.Read(dst, disk.BlockSize, 3*disk.BlockSize)
	require.Equal(t, blk, dst)
}

func TestDiskReadMultiBlock(t *testing.T) {
	d := disk.NewMemDisk(8)
	for bn := uint64(0); bn < 4; bn++ {
		blk := make([]byte, disk.BlockSize)
		for i := range blk {
			blk[i] = byte('0' + bn)
		}
		d.Write(bn, blk)
	}
	dev := MkDisk(d)
	dst := make([]byte, 2*disk.BlockSize)
	dev.Read(dst, 2*disk.BlockSize, disk.BlockSize)
	require.Equal(t, byte('1'), dst[0])
	require.Equal(t, byte('2'), dst[disk.BlockSize])
}

func TestDiskReadUnalignedPanics(t *testing.T) {
	dev := MkDisk(disk.NewMemDisk(8))
	require.Panics(t, func() {
		dev.Read(make([]byte, 8), 8, 0)
	})
}

func TestBlockUntilImmediate(t *testing.T) {
	wq := MkWaitq()
	var mu sync.Mutex
	mu.Lock()
	wq.BlockUntil(&mu, func() bool { return true })
	// the lock must still be held
	require.False(t, mu.TryLock())
	mu.Unlock()
}

func TestBlockUntilWaitsForWake(t *testing.T) {
	wq := MkWaitq()
	var mu sync.Mutex
	var ready bool

	done := make(chan struct{})
	go func() {
		mu.Lock()
		wq.BlockUntil(&mu, func() bool { return ready })
		if !ready {
			t.Error("BlockUntil returned with predicate false")
		}
		mu.Unlock()
		close(done)
	}()

	// waker: wakes are harmless while the predicate stays false
	time.Sleep(5 * time.Millisecond)
	wq.Wake()
	time.Sleep(5 * time.Millisecond)

	mu.Lock()
	ready = true
	mu.Unlock()
	wq.Wake()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBlockUntilManyWaiters(t *testing.T) {
	wq := MkWaitq()
	var mu sync.Mutex
	var ready bool

	const K = 8
	var wg sync.WaitGroup
	for i := 0; i < K; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			wq.BlockUntil(&mu, func() bool { return ready })
			mu.Unlock()
		}()
	}

	time.Sleep(5 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	wq.Wake()

	ch := make(chan struct{})
	go func() { wg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("some waiters never woke")
	}
}
