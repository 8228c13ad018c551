// Package fs implements the chickadeefs read path over the buffer
// cache: superblock bootstrap, inode acquisition, block-address
// translation, directory lookup, and buffered file reads.
package fs

import (
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-chkfs/bufcache"
	"github.com/mit-pdos/go-chkfs/chkfs"
)

// FsState is the filesystem bound to one buffer cache. It is a
// long-lived object owned by whoever mounted the disk; tests make
// fresh ones.
type FsState struct {
	bc *bufcache.Bufcache
}

func MkFsState(bc *bufcache.Bufcache) *FsState {
	return &FsState{bc: bc}
}

// GetInode returns inode number inum, or nil if there is no such
// inode. The returned view pins the inode's block; it must eventually
// be passed to PutInode.
func (fs *FsState) GetInode(inum common.Inum) *chkfs.Inode {
	sbdata := fs.bc.GetBlock(0, nil)
	if sbdata == nil {
		return nil
	}
	sb := chkfs.DecodeSuperblock(sbdata)
	inodeBn := sb.InodeBn
	ninodes := sb.NInodes
	fs.bc.PutBlock(sbdata)

	if inum == common.NULLINUM || inum >= ninodes {
		return nil
	}
	page := fs.bc.GetBlock(inodeBn+common.Bnum(uint64(inum)/chkfs.InodesPerBlock),
		chkfs.ClearInodeMeta)
	if page == nil {
		return nil
	}
	util.DPrintf(5, "fs: get inode %d\n", inum)
	return chkfs.InodeAt(page, uint64(inum)%chkfs.InodesPerBlock)
}

// PutInode drops the reference to ino. Safe to call with nil.
func (fs *FsState) PutInode(ino *chkfs.Inode) {
	if ino != nil {
		fs.bc.PutBlock(ino.Page())
	}
}

// PutBlock releases a data page returned by GetDataPage.
func (fs *FsState) PutBlock(data []byte) {
	fs.bc.PutBlock(data)
}

// GetDataPage returns the data page at byte offset off of ino, and
// the number of valid bytes in it. off must be a multiple of the
// block size. The caller must hold at least a read lock on ino and
// owns one cache reference on the returned page. A nil page with 0
// valid bytes means off is past EOF or inside a hole.
func (fs *FsState) GetDataPage(ino *chkfs.Inode, off uint64) ([]byte, uint64) {
	if off%chkfs.BlockSize != 0 {
		panic("fs: GetDataPage offset not block-aligned")
	}
	size := ino.Size()
	if off >= size {
		return nil, 0
	}

	// resolve the data block number; indirect pages are released
	// before the data block is fetched, so translation pins at most
	// two blocks at a time
	bi := off / chkfs.BlockSize
	var databn common.Bnum = common.NULLBNUM
	if bi < chkfs.NDirect {
		databn = ino.Direct(bi)
	} else if bi < chkfs.NDirect+chkfs.NIndirect {
		indbn := ino.Indirect()
		if indbn == common.NULLBNUM {
			return nil, 0
		}
		ind := fs.bc.GetBlock(indbn, nil)
		if ind == nil {
			return nil, 0
		}
		databn = chkfs.BnumAt(ind, bi-chkfs.NDirect)
		fs.bc.PutBlock(ind)
	} else if bi < chkfs.NDirect+chkfs.NIndirect+chkfs.NIndirect*chkfs.NIndirect {
		ind2bn := ino.Indirect2()
		if ind2bn == common.NULLBNUM {
			return nil, 0
		}
		ind2 := fs.bc.GetBlock(ind2bn, nil)
		if ind2 == nil {
			return nil, 0
		}
		i := bi - chkfs.NDirect - chkfs.NIndirect
		indbn := chkfs.BnumAt(ind2, i/chkfs.NIndirect)
		if indbn == common.NULLBNUM {
			fs.bc.PutBlock(ind2)
			return nil, 0
		}
		ind := fs.bc.GetBlock(indbn, nil)
		if ind == nil {
			fs.bc.PutBlock(ind2)
			return nil, 0
		}
		databn = chkfs.BnumAt(ind, i%chkfs.NIndirect)
		fs.bc.PutBlock(ind)
		fs.bc.PutBlock(ind2)
	} else {
		return nil, 0
	}

	if databn == common.NULLBNUM {
		// hole
		return nil, 0
	}
	data := fs.bc.GetBlock(databn, nil)
	if data == nil {
		return nil, 0
	}
	return data, util.Min(chkfs.BlockSize, size-off)
}

// Lookup scans the directory inode dirino for name, returning the
// matching inode number or 0. The caller must hold at least a read
// lock on dirino.
func (fs *FsState) Lookup(dirino *chkfs.Inode, name string) common.Inum {
	nameb := []byte(name)
	var in common.Inum = common.NULLINUM
	for diroff := uint64(0); in == common.NULLINUM; diroff += chkfs.BlockSize {
		data, bsz := fs.GetDataPage(dirino, diroff)
		if data == nil {
			break
		}
		for i := uint64(0); i*chkfs.DirentSize < bsz; i++ {
			de := data[i*chkfs.DirentSize : (i+1)*chkfs.DirentSize]
			if chkfs.DirentInum(de) != common.NULLINUM &&
				chkfs.DirentNameIs(de, nameb) {
				in = chkfs.DirentInum(de)
				break
			}
		}
		fs.bc.PutBlock(data)
	}
	util.DPrintf(5, "fs: lookup %q -> %d\n", name, in)
	return in
}

// ReadFileData reads up to len(dst) bytes from the file named
// filename in the root directory, starting at byte offset off, and
// returns the number of bytes copied. Reads stop at EOF or at the
// first hole.
func (fs *FsState) ReadFileData(filename string, dst []byte, off uint64) uint64 {
	sz := uint64(len(dst))
	if util.SumOverflows(off, sz) {
		return 0
	}

	dirino := fs.GetInode(common.ROOTINUM)
	if dirino == nil {
		return 0
	}
	dirino.LockRead()
	inum := fs.Lookup(dirino, filename)
	dirino.UnlockRead()
	fs.PutInode(dirino)

	ino := fs.GetInode(inum)
	if ino == nil {
		return 0
	}
	ino.LockRead()

	var nread uint64 = 0
	for sz > 0 {
		blockoff := off - off%chkfs.BlockSize
		var ncopy uint64 = 0
		data, bsz := fs.GetDataPage(ino, blockoff)
		if data != nil {
			boff := off - blockoff
			if bsz > boff {
				ncopy = util.Min(bsz-boff, sz)
				copy(dst[nread:nread+ncopy], data[boff:boff+ncopy])
			}
			fs.bc.PutBlock(data)
		}
		if ncopy == 0 {
			break
		}
		nread += ncopy
		off += ncopy
		sz -= ncopy
	}

	ino.UnlockRead()
	fs.PutInode(ino)
	return nread
}
