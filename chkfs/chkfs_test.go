package chkfs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-journal/common"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &Superblock{
		Magic:     Magic,
		NBlocks:   1024,
		NSwap:     0,
		NInodes:   66,
		NJournal:  0,
		SwapBn:    1,
		FbbBn:     1,
		InodeBn:   2,
		DataBn:    4,
		JournalBn: 1024,
	}
	blk := make([]byte, BlockSize)
	sb.Encode(blk)
	got := DecodeSuperblock(blk)
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Fatalf("superblock mismatch (-want +got):\n%s", diff)
	}
}

func TestSuperblockLayout(t *testing.T) {
	sb := &Superblock{Magic: 0x1122334455667788, InodeBn: 0xAABBCCDD, NInodes: 0x01020304}
	blk := make([]byte, BlockSize)
	sb.Encode(blk)

	// magic is the first 8 bytes at the superblock offset,
	// little-endian; ninodes and inode_bn sit at fixed offsets
	require.Equal(t, byte(0x88), blk[SuperblockOffset])
	require.Equal(t, byte(0x11), blk[SuperblockOffset+7])
	require.Equal(t, uint32(0x01020304), machine.UInt32Get(blk[SuperblockOffset+16:]))
	require.Equal(t, uint32(0xAABBCCDD), machine.UInt32Get(blk[SuperblockOffset+32:]))
}

// mkInodeBlock builds an inode block with one crafted record.
func mkInodeBlock(slot uint64, rec []byte) []byte {
	blk := make([]byte, BlockSize)
	copy(blk[slot*InodeSize:], rec)
	return blk
}

func TestInodeView(t *testing.T) {
	rec := make([]byte, InodeSize)
	machine.UInt32Put(rec[0:], TypeRegular)
	machine.UInt32Put(rec[4:], 12345)     // size
	machine.UInt32Put(rec[8:], 1)         // nlink
	machine.UInt32Put(rec[20:], 77)       // direct[0]
	machine.UInt32Put(rec[20+8*4:], 99)   // direct[8]
	machine.UInt32Put(rec[56:], 1000)     // indirect
	machine.UInt32Put(rec[60:], 2000)     // indirect2

	blk := mkInodeBlock(3, rec)
	ino := InodeAt(blk, 3)
	require.Equal(t, TypeRegular, ino.Ftype())
	require.Equal(t, uint64(12345), ino.Size())
	require.Equal(t, uint32(1), ino.Nlink())
	require.Equal(t, common.Bnum(77), ino.Direct(0))
	require.Equal(t, common.Bnum(99), ino.Direct(8))
	require.Equal(t, common.Bnum(1000), ino.Indirect())
	require.Equal(t, common.Bnum(2000), ino.Indirect2())
}

func TestInodeAtOutOfRangePanics(t *testing.T) {
	blk := make([]byte, BlockSize)
	require.Panics(t, func() { InodeAt(blk, InodesPerBlock) })
}

func TestClearInodeMeta(t *testing.T) {
	blk := make([]byte, BlockSize)
	for i := uint64(0); i < InodesPerBlock; i++ {
		machine.UInt32Put(blk[i*InodeSize+12:], 0xdeadbeef) // mlock
		machine.UInt32Put(blk[i*InodeSize+16:], 0xfeedface) // mref
		machine.UInt32Put(blk[i*InodeSize+4:], 42)          // size untouched
	}
	ClearInodeMeta(blk)
	for i := uint64(0); i < InodesPerBlock; i++ {
		ino := InodeAt(blk, i)
		require.Equal(t, uint64(42), ino.Size())
		require.Equal(t, uint32(0), machine.UInt32Get(blk[i*InodeSize+12:]))
		require.Equal(t, uint32(0), machine.UInt32Get(blk[i*InodeSize+16:]))
	}
	// idempotent
	ClearInodeMeta(blk)
	require.Equal(t, uint32(0), machine.UInt32Get(blk[12:]))
}

func TestDirentRoundTrip(t *testing.T) {
	de := EncodeDirent(42, "hello")
	require.Equal(t, uint64(DirentSize), uint64(len(de)))
	require.Equal(t, common.Inum(42), DirentInum(de))
	require.Equal(t, "hello", DirentName(de))

	require.True(t, DirentNameIs(de, []byte("hello")))
	require.False(t, DirentNameIs(de, []byte("hell")))
	require.False(t, DirentNameIs(de, []byte("hellp")))
	require.False(t, DirentNameIs(de, []byte("hello!")))
}

func TestDirentMaxName(t *testing.T) {
	long := make([]byte, MaxNameLen)
	for i := range long {
		long[i] = 'n'
	}
	de := EncodeDirent(7, string(long))
	require.Equal(t, string(long), DirentName(de))
	require.True(t, DirentNameIs(de, long))

	tooLong := append(append([]byte{}, long...), 'n')
	require.False(t, DirentNameIs(de, tooLong))
	require.Panics(t, func() { EncodeDirent(7, string(tooLong)) })
}
