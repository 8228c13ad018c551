// Package check validates a chickadeefs image without mutating it.
// All findings are collected rather than stopping at the first one.
package check

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/common"

	"github.com/mit-pdos/go-chkfs/bdev"
	"github.com/mit-pdos/go-chkfs/bufcache"
	"github.com/mit-pdos/go-chkfs/chkfs"
	"github.com/mit-pdos/go-chkfs/kalloc"
)

// Image verifies the superblock geometry and every allocated inode's
// block pointers, returning nil or an aggregate of everything wrong.
func Image(d disk.Disk) error {
	bc := bufcache.MkBufcache(bdev.MkDisk(d),
		kalloc.MkPool(chkfs.BlockSize, bufcache.NumEntries))
	var errs *multierror.Error

	sbdata := bc.GetBlock(0, nil)
	if sbdata == nil {
		return fmt.Errorf("check: cannot read block 0")
	}
	sb := chkfs.DecodeSuperblock(sbdata)
	bc.PutBlock(sbdata)

	if sb.Magic != chkfs.Magic {
		errs = multierror.Append(errs,
			fmt.Errorf("superblock magic %#x, want %#x", sb.Magic, chkfs.Magic))
	}
	if uint64(sb.NBlocks) > d.Size() {
		errs = multierror.Append(errs,
			fmt.Errorf("superblock claims %d blocks, disk holds %d",
				sb.NBlocks, d.Size()))
	}
	if sb.InodeBn == common.NULLBNUM || sb.InodeBn >= sb.NBlocks {
		errs = multierror.Append(errs,
			fmt.Errorf("inode table starts at invalid block %d", sb.InodeBn))
		return errs.ErrorOrNil()
	}
	if sb.NInodes == common.NULLINUM {
		errs = multierror.Append(errs, fmt.Errorf("no inodes"))
	}

	for inum := common.Inum(1); inum < sb.NInodes; inum++ {
		errs = multierror.Append(errs, checkInode(bc, sb, inum))
	}
	if n := bc.TotalRefs(); n != 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("check leaked %d cache references", n))
	}
	return errs.ErrorOrNil()
}

func checkInode(bc *bufcache.Bufcache, sb *chkfs.Superblock, inum common.Inum) error {
	page := bc.GetBlock(sb.InodeBn+common.Bnum(uint64(inum)/chkfs.InodesPerBlock),
		chkfs.ClearInodeMeta)
	if page == nil {
		return fmt.Errorf("inode %d: cannot read inode block", inum)
	}
	defer bc.PutBlock(page)
	ino := chkfs.InodeAt(page, uint64(inum)%chkfs.InodesPerBlock)

	if ino.Ftype() == 0 {
		return nil // unallocated
	}
	var errs *multierror.Error
	if ino.Ftype() != chkfs.TypeRegular && ino.Ftype() != chkfs.TypeDirectory {
		errs = multierror.Append(errs,
			fmt.Errorf("inode %d: unknown type %d", inum, ino.Ftype()))
	}
	if inum == common.ROOTINUM && ino.Ftype() != chkfs.TypeDirectory {
		errs = multierror.Append(errs,
			fmt.Errorf("inode %d: root is not a directory", inum))
	}

	bad := func(what string, bn common.Bnum) {
		errs = multierror.Append(errs,
			fmt.Errorf("inode %d: %s block %d out of range", inum, what, bn))
	}
	inRange := func(bn common.Bnum) bool {
		return bn < sb.NBlocks
	}
	for i := uint64(0); i < chkfs.NDirect; i++ {
		if !inRange(ino.Direct(i)) {
			bad("direct", ino.Direct(i))
		}
	}
	if !inRange(ino.Indirect()) {
		bad("indirect", ino.Indirect())
	} else if ino.Indirect() != common.NULLBNUM {
		errs = multierror.Append(errs,
			checkIndirect(bc, sb, inum, ino.Indirect(), 1))
	}
	if !inRange(ino.Indirect2()) {
		bad("double-indirect", ino.Indirect2())
	} else if ino.Indirect2() != common.NULLBNUM {
		errs = multierror.Append(errs,
			checkIndirect(bc, sb, inum, ino.Indirect2(), 2))
	}
	return errs.ErrorOrNil()
}

// checkIndirect walks an indirect block at the given level, verifying
// every reachable block number.
func checkIndirect(bc *bufcache.Bufcache, sb *chkfs.Superblock,
	inum common.Inum, bn common.Bnum, level uint64) error {
	blk := bc.GetBlock(bn, nil)
	if blk == nil {
		return fmt.Errorf("inode %d: cannot read indirect block %d", inum, bn)
	}
	defer bc.PutBlock(blk)

	var errs *multierror.Error
	for i := uint64(0); i < chkfs.NIndirect; i++ {
		e := chkfs.BnumAt(blk, i)
		if e >= sb.NBlocks {
			errs = multierror.Append(errs,
				fmt.Errorf("inode %d: indirect entry %d of block %d out of range (%d)",
					inum, i, bn, e))
			continue
		}
		if level > 1 && e != common.NULLBNUM {
			errs = multierror.Append(errs,
				checkIndirect(bc, sb, inum, e, level-1))
		}
	}
	return errs.ErrorOrNil()
}
