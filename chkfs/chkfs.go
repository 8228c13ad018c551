// Package chkfs defines the on-disk format of chickadeefs: the
// superblock, the packed inode table, and directory entries. Inodes
// are never copied out of the buffer cache; Inode is a typed view
// into a resident page, valid only while the caller holds a cache
// reference on that page.
package chkfs

import (
	"github.com/goose-lang/std"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/common"
)

const (
	// BlockSize is the unit of disk I/O and cache residency.
	BlockSize uint64 = disk.BlockSize

	// SuperblockOffset is the byte offset of the superblock within
	// block 0.
	SuperblockOffset uint64 = 512

	Magic uint64 = 0xFBBFBB003EE9BEEF

	// NDirect direct pointers, then a single-indirect block of
	// NIndirect entries, then a double-indirect block.
	NDirect   uint64 = 9
	NIndirect uint64 = BlockSize / 4

	InodeSize      uint64 = 64
	InodesPerBlock uint64 = BlockSize / InodeSize

	// MaxNameLen is the longest representable file name; the name
	// field is MaxNameLen+1 bytes and always NUL-terminated.
	MaxNameLen uint64 = 123
	DirentSize uint64 = 128
)

// Inode types.
const (
	TypeRegular   uint32 = 1
	TypeDirectory uint32 = 2
)

// Byte offsets of inode fields within the 64-byte on-disk record.
const (
	inoFtype     uint64 = 0
	inoSize      uint64 = 4
	inoNlink     uint64 = 8
	inoMlock     uint64 = 12
	inoMref      uint64 = 16
	inoDirect    uint64 = 20
	inoIndirect  uint64 = 56
	inoIndirect2 uint64 = 60
)

// MaxFileSize is the largest byte size the address map can cover.
func MaxFileSize() uint64 {
	return (NDirect + NIndirect + NIndirect*NIndirect) * BlockSize
}

// Superblock is the decoded block-0 superblock. The read path uses
// only InodeBn and NInodes; the rest matters to mkfs and check.
type Superblock struct {
	Magic     uint64
	NBlocks   common.Bnum
	NSwap     common.Bnum
	NInodes   common.Inum
	NJournal  common.Bnum
	SwapBn    common.Bnum
	FbbBn     common.Bnum
	InodeBn   common.Bnum
	DataBn    common.Bnum
	JournalBn common.Bnum
}

// DecodeSuperblock interprets the superblock stored in block 0.
// blk must be the full BlockSize page.
func DecodeSuperblock(blk []byte) *Superblock {
	dec := marshal.NewDec(blk[SuperblockOffset:])
	sb := &Superblock{}
	sb.Magic = dec.GetInt()
	sb.NBlocks = common.Bnum(dec.GetInt32())
	sb.NSwap = common.Bnum(dec.GetInt32())
	sb.NInodes = common.Inum(dec.GetInt32())
	sb.NJournal = common.Bnum(dec.GetInt32())
	sb.SwapBn = common.Bnum(dec.GetInt32())
	sb.FbbBn = common.Bnum(dec.GetInt32())
	sb.InodeBn = common.Bnum(dec.GetInt32())
	sb.DataBn = common.Bnum(dec.GetInt32())
	sb.JournalBn = common.Bnum(dec.GetInt32())
	return sb
}

// Encode writes the superblock into blk at SuperblockOffset.
func (sb *Superblock) Encode(blk []byte) {
	enc := marshal.NewEnc(BlockSize - SuperblockOffset)
	enc.PutInt(sb.Magic)
	enc.PutInt32(uint32(sb.NBlocks))
	enc.PutInt32(uint32(sb.NSwap))
	enc.PutInt32(uint32(sb.NInodes))
	enc.PutInt32(uint32(sb.NJournal))
	enc.PutInt32(uint32(sb.SwapBn))
	enc.PutInt32(uint32(sb.FbbBn))
	enc.PutInt32(uint32(sb.InodeBn))
	enc.PutInt32(uint32(sb.DataBn))
	enc.PutInt32(uint32(sb.JournalBn))
	copy(blk[SuperblockOffset:], enc.Finish())
}

// BnumAt reads the i'th 4-byte block number from an indirect block.
func BnumAt(blk []byte, i uint64) common.Bnum {
	return common.Bnum(machine.UInt32Get(blk[i*4:]))
}

// BnumPut stores a block number as the i'th entry of an indirect
// block; used by mkfs.
func BnumPut(blk []byte, i uint64, bn common.Bnum) {
	machine.UInt32Put(blk[i*4:], uint32(bn))
}

// Inode is a view of one on-disk inode inside a resident page. The
// view (and any lock taken through it) is valid only while the page's
// cache reference is held.
type Inode struct {
	page []byte
	off  uint64
}

// InodeAt returns the view of inode slot i of an inode block.
func InodeAt(page []byte, i uint64) *Inode {
	if i >= InodesPerBlock {
		panic("chkfs: inode slot out of range")
	}
	return &Inode{page: page, off: i * InodeSize}
}

// Page returns the containing cache page, for release.
func (ino *Inode) Page() []byte {
	return ino.page
}

func (ino *Inode) Ftype() uint32 {
	return machine.UInt32Get(ino.page[ino.off+inoFtype:])
}

func (ino *Inode) Size() uint64 {
	return uint64(machine.UInt32Get(ino.page[ino.off+inoSize:]))
}

func (ino *Inode) Nlink() uint32 {
	return machine.UInt32Get(ino.page[ino.off+inoNlink:])
}

func (ino *Inode) Direct(i uint64) common.Bnum {
	if i >= NDirect {
		panic("chkfs: direct index out of range")
	}
	return common.Bnum(machine.UInt32Get(ino.page[ino.off+inoDirect+i*4:]))
}

func (ino *Inode) Indirect() common.Bnum {
	return common.Bnum(machine.UInt32Get(ino.page[ino.off+inoIndirect:]))
}

func (ino *Inode) Indirect2() common.Bnum {
	return common.Bnum(machine.UInt32Get(ino.page[ino.off+inoIndirect2:]))
}

// ClearInodeMeta zeroes the in-memory-only mlock and mref words of
// every inode in a freshly loaded inode block. It is the cleaner
// passed to the buffer cache: it runs under the slot lock before any
// reader observes the block, is idempotent, and never blocks.
func ClearInodeMeta(blk []byte) {
	for i := uint64(0); i < InodesPerBlock; i++ {
		machine.UInt32Put(blk[i*InodeSize+inoMlock:], 0)
		machine.UInt32Put(blk[i*InodeSize+inoMref:], 0)
	}
}

// DirentName extracts the NUL-terminated name of a 128-byte directory
// entry.
func DirentName(de []byte) string {
	name := de[4 : 4+MaxNameLen+1]
	n := uint64(0)
	for n < uint64(len(name)) && name[n] != 0 {
		n++
	}
	return string(name[:n])
}

// DirentInum reads a directory entry's inode number; 0 marks an
// unused entry.
func DirentInum(de []byte) common.Inum {
	return common.Inum(machine.UInt32Get(de[0:4]))
}

// DirentNameIs reports whether the entry's name equals name, without
// allocating. Names longer than MaxNameLen can never match.
func DirentNameIs(de []byte, name []byte) bool {
	if uint64(len(name)) > MaxNameLen {
		return false
	}
	stored := de[4 : 4+uint64(len(name))]
	if de[4+uint64(len(name))] != 0 {
		return false
	}
	return std.BytesEqual(stored, name)
}

// EncodeDirent packs an entry for mkfs. The name must fit in
// MaxNameLen bytes.
func EncodeDirent(inum common.Inum, name string) []byte {
	if uint64(len(name)) > MaxNameLen {
		panic("chkfs: dirent name too long")
	}
	de := make([]byte, DirentSize)
	machine.UInt32Put(de[0:4], uint32(inum))
	copy(de[4:], name)
	return de
}
