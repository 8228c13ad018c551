package check

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-chkfs/chkfs"
	"github.com/mit-pdos/go-chkfs/mkfs"
)

func mkGoodImage(t *testing.T) (disk.Disk, *chkfs.Superblock) {
	im := mkfs.MkImage(64)
	im.AddFile("hello", []byte("hello world"))
	f := im.AddSparseFile("ind", 0)
	f.WriteAt([]byte("x"), chkfs.NDirect*chkfs.BlockSize)
	d := disk.NewMemDisk(64)
	sb, err := im.Write(d)
	require.NoError(t, err)
	return d, sb
}

func TestGoodImagePasses(t *testing.T) {
	d, _ := mkGoodImage(t)
	require.NoError(t, Image(d))
}

func TestBadMagic(t *testing.T) {
	d, _ := mkGoodImage(t)
	blk := d.Read(0)
	blk[chkfs.SuperblockOffset] ^= 0xff
	d.Write(0, blk)
	err := Image(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "magic")
}

func TestBadDirectPointer(t *testing.T) {
	d, sb := mkGoodImage(t)
	blk := d.Read(uint64(sb.InodeBn))
	// point inode 2's direct[0] past the end of the disk
	machine.UInt32Put(blk[2*chkfs.InodeSize+20:], 9999)
	d.Write(uint64(sb.InodeBn), blk)
	err := Image(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "inode 2")
	require.Contains(t, err.Error(), "direct")
}

func TestBadIndirectEntry(t *testing.T) {
	d, sb := mkGoodImage(t)
	iblk := d.Read(uint64(sb.InodeBn))
	ino := chkfs.InodeAt(iblk, 3)
	indbn := ino.Indirect()
	require.NotZero(t, indbn)

	ind := d.Read(uint64(indbn))
	chkfs.BnumPut(ind, 5, 12345)
	d.Write(uint64(indbn), ind)
	err := Image(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "indirect entry")
}

func TestMultipleFindingsAggregated(t *testing.T) {
	d, sb := mkGoodImage(t)
	blk := d.Read(0)
	blk[chkfs.SuperblockOffset] ^= 0xff
	d.Write(0, blk)
	iblk := d.Read(uint64(sb.InodeBn))
	machine.UInt32Put(iblk[2*chkfs.InodeSize+20:], 9999)
	d.Write(uint64(sb.InodeBn), iblk)

	err := Image(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "magic")
	require.Contains(t, err.Error(), "inode 2")
}
