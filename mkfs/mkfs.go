// Package mkfs formats chickadeefs images. Files are described
// sparsely, so images with holes and deep indirect maps stay cheap to
// build; unwritten block ranges become holes (block number 0).
package mkfs

import (
	"fmt"
	"sort"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-chkfs/chkfs"
)

type File struct {
	name  string
	ftype uint32
	size  uint64
	data  map[uint64][]byte // logical block index -> block content
}

type Image struct {
	nblocks uint64
	files   []*File
}

// MkImage starts an image of nblocks blocks.
func MkImage(nblocks uint64) *Image {
	return &Image{nblocks: nblocks}
}

// AddFile adds a regular file whose contents are data.
func (im *Image) AddFile(name string, data []byte) *File {
	f := im.AddSparseFile(name, 0)
	f.WriteAt(data, 0)
	return f
}

// AddSparseFile adds a regular file of the given size with no data
// blocks; every block is a hole until written.
func (im *Image) AddSparseFile(name string, size uint64) *File {
	if uint64(len(name)) > chkfs.MaxNameLen {
		panic("mkfs: file name too long")
	}
	f := &File{
		name:  name,
		ftype: chkfs.TypeRegular,
		size:  size,
		data:  make(map[uint64][]byte),
	}
	im.files = append(im.files, f)
	return f
}

// WriteAt stores p at byte offset off, growing the file if needed.
func (f *File) WriteAt(p []byte, off uint64) {
	for len(p) > 0 {
		bi := off / chkfs.BlockSize
		boff := off % chkfs.BlockSize
		blk := f.data[bi]
		if blk == nil {
			blk = make([]byte, chkfs.BlockSize)
			f.data[bi] = blk
		}
		n := copy(blk[boff:], p)
		p = p[n:]
		off += uint64(n)
	}
	if off > f.size {
		f.size = off
	}
}

// SetSize overrides the file size; blocks past the written data
// read back as holes.
func (f *File) SetSize(sz uint64) {
	f.size = sz
}

type builder struct {
	d      disk.Disk
	blocks map[common.Bnum][]byte
	next   common.Bnum
	limit  common.Bnum
}

func (b *builder) alloc() (common.Bnum, error) {
	if b.next >= b.limit {
		return common.NULLBNUM, fmt.Errorf("mkfs: image full at block %d", b.next)
	}
	bn := b.next
	b.next++
	b.blocks[bn] = make([]byte, chkfs.BlockSize)
	return bn, nil
}

// Write lays the image out on d and returns the resulting superblock.
func (im *Image) Write(d disk.Disk) (*chkfs.Superblock, error) {
	nblocks := im.nblocks
	if nblocks > d.Size() {
		return nil, fmt.Errorf("mkfs: disk holds %d blocks, need %d",
			d.Size(), nblocks)
	}

	ninodes := uint64(2 + len(im.files)) // inode 0 reserved, 1 root
	ninodeblks := (ninodes + chkfs.InodesPerBlock - 1) / chkfs.InodesPerBlock
	nfbb := (nblocks + chkfs.BlockSize*8 - 1) / (chkfs.BlockSize * 8)

	sb := &chkfs.Superblock{
		Magic:   chkfs.Magic,
		NBlocks: common.Bnum(nblocks),
		NInodes: common.Inum(ninodes),
		FbbBn:   1,
		InodeBn: common.Bnum(1 + nfbb),
		DataBn:  common.Bnum(1 + nfbb + ninodeblks),
	}
	sb.SwapBn = sb.FbbBn
	sb.JournalBn = common.Bnum(nblocks)

	b := &builder{
		d:      d,
		blocks: make(map[common.Bnum][]byte),
		next:   sb.DataBn,
		limit:  common.Bnum(nblocks),
	}

	// root directory holds one dirent per file, inums from 2 up
	root := &File{
		name:  "",
		ftype: chkfs.TypeDirectory,
		data:  make(map[uint64][]byte),
	}
	for i, f := range im.files {
		de := chkfs.EncodeDirent(common.Inum(2+i), f.name)
		root.WriteAt(de, uint64(i)*chkfs.DirentSize)
	}

	itable := make([]byte, ninodeblks*chkfs.BlockSize)
	inodes := append([]*File{root}, im.files...)
	for i, f := range inodes {
		inum := common.Inum(1 + i)
		rec, err := b.placeFile(f)
		if err != nil {
			return nil, err
		}
		copy(itable[uint64(inum)*chkfs.InodeSize:], rec)
	}

	// superblock
	sbblk := make([]byte, chkfs.BlockSize)
	sb.Encode(sbblk)
	b.blocks[0] = sbblk

	// free-block bitmap: set bits mark free blocks
	for i := uint64(0); i < nfbb; i++ {
		fbb := make([]byte, chkfs.BlockSize)
		for j := range fbb {
			fbb[j] = 0xff
		}
		b.blocks[sb.FbbBn+common.Bnum(i)] = fbb
	}
	for bn := uint64(0); bn < uint64(b.next); bn++ {
		fbb := b.blocks[sb.FbbBn+common.Bnum(bn/(chkfs.BlockSize*8))]
		fbb[(bn/8)%chkfs.BlockSize] &^= 1 << (bn % 8)
	}

	for i := uint64(0); i < ninodeblks; i++ {
		b.blocks[sb.InodeBn+common.Bnum(i)] = itable[i*chkfs.BlockSize : (i+1)*chkfs.BlockSize]
	}

	for bn, blk := range b.blocks {
		d.Write(uint64(bn), blk)
	}
	d.Barrier()
	util.DPrintf(1, "mkfs: %d blocks, %d inodes, %d used\n",
		nblocks, ninodes, b.next)
	return sb, nil
}

// placeFile allocates and fills the file's data and indirect blocks
// and returns its encoded 64-byte inode record.
func (b *builder) placeFile(f *File) ([]byte, error) {
	var direct [chkfs.NDirect]common.Bnum
	var indirect, indirect2 common.Bnum
	var indBlk []byte
	inner := make(map[uint64][]byte) // outer index -> inner indirect block

	bis := make([]uint64, 0, len(f.data))
	for bi := range f.data {
		bis = append(bis, bi)
	}
	sort.Slice(bis, func(i, j int) bool { return bis[i] < bis[j] })

	for _, bi := range bis {
		bn, err := b.alloc()
		if err != nil {
			return nil, err
		}
		copy(b.blocks[bn], f.data[bi])

		if bi < chkfs.NDirect {
			direct[bi] = bn
		} else if bi < chkfs.NDirect+chkfs.NIndirect {
			if indirect == common.NULLBNUM {
				ibn, err := b.alloc()
				if err != nil {
					return nil, err
				}
				indirect = ibn
				indBlk = b.blocks[ibn]
			}
			chkfs.BnumPut(indBlk, bi-chkfs.NDirect, bn)
		} else {
			i := bi - chkfs.NDirect - chkfs.NIndirect
			if i >= chkfs.NIndirect*chkfs.NIndirect {
				return nil, fmt.Errorf("mkfs: %q: block %d beyond maximum file size",
					f.name, bi)
			}
			if indirect2 == common.NULLBNUM {
				ibn, err := b.alloc()
				if err != nil {
					return nil, err
				}
				indirect2 = ibn
			}
			in := inner[i/chkfs.NIndirect]
			if in == nil {
				ibn, err := b.alloc()
				if err != nil {
					return nil, err
				}
				in = b.blocks[ibn]
				inner[i/chkfs.NIndirect] = in
				chkfs.BnumPut(b.blocks[indirect2], i/chkfs.NIndirect, ibn)
			}
			chkfs.BnumPut(in, i%chkfs.NIndirect, bn)
		}
	}

	enc := marshal.NewEnc(chkfs.InodeSize)
	enc.PutInt32(f.ftype)
	enc.PutInt32(uint32(f.size))
	enc.PutInt32(1) // nlink
	enc.PutInt32(0) // mlock
	enc.PutInt32(0) // mref
	for i := uint64(0); i < chkfs.NDirect; i++ {
		enc.PutInt32(uint32(direct[i]))
	}
	enc.PutInt32(uint32(indirect))
	enc.PutInt32(uint32(indirect2))
	return enc.Finish(), nil
}
