// Command chkfs builds and inspects chickadeefs images.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tchajed/goose/machine/disk"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-chkfs/bdev"
	"github.com/mit-pdos/go-chkfs/bufcache"
	"github.com/mit-pdos/go-chkfs/check"
	"github.com/mit-pdos/go-chkfs/chkfs"
	"github.com/mit-pdos/go-chkfs/fs"
	"github.com/mit-pdos/go-chkfs/kalloc"
	"github.com/mit-pdos/go-chkfs/mkfs"
)

func main() {
	app := &cli.App{
		Name:  "chkfs",
		Usage: "build and inspect chickadeefs images",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "debug",
				Usage: "debug log level",
			},
		},
		Before: func(c *cli.Context) error {
			util.Debug = c.Uint64("debug")
			return nil
		},
		Commands: []*cli.Command{
			mkfsCmd,
			catCmd,
			lsCmd,
			checkCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// openImage maps an existing image file as a disk.
func openImage(path string) (disk.Disk, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	nblocks := uint64(fi.Size()) / chkfs.BlockSize
	if nblocks == 0 {
		return nil, fmt.Errorf("%s: not a chickadeefs image", path)
	}
	return disk.NewFileDisk(path, nblocks)
}

// mount builds the cache and fs state over an image.
func mount(path string) (*bufcache.Bufcache, *fs.FsState, error) {
	d, err := openImage(path)
	if err != nil {
		return nil, nil, err
	}
	bc := bufcache.MkBufcache(bdev.MkDisk(d),
		kalloc.MkPool(chkfs.BlockSize, bufcache.NumEntries))
	return bc, fs.MkFsState(bc), nil
}

var mkfsCmd = &cli.Command{
	Name:      "mkfs",
	Usage:     "format an image containing the named files",
	ArgsUsage: "file...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "output image path"},
		&cli.Uint64Flag{Name: "size", Value: 1024, Usage: "image size in blocks"},
	},
	Action: func(c *cli.Context) error {
		nblocks := c.Uint64("size")
		path := c.String("image")

		im := mkfs.MkImage(nblocks)
		for _, name := range c.Args().Slice() {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			im.AddFile(filepath.Base(name), data)
		}

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := unix.Ftruncate(int(f.Fd()), int64(nblocks*chkfs.BlockSize)); err != nil {
			f.Close()
			return err
		}
		f.Close()

		d, err := disk.NewFileDisk(path, nblocks)
		if err != nil {
			return err
		}
		defer d.Close()
		sb, err := im.Write(d)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d blocks, %d inodes, data at block %d\n",
			path, sb.NBlocks, sb.NInodes, sb.DataBn)
		return nil
	},
}

var catCmd = &cli.Command{
	Name:      "cat",
	Usage:     "copy a root-directory file to stdout",
	ArgsUsage: "name",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "image path"},
		&cli.Uint64Flag{Name: "off", Usage: "starting byte offset"},
		&cli.Uint64Flag{Name: "count", Usage: "bytes to read (default: whole file)"},
		&cli.BoolFlag{Name: "stats", Usage: "print buffer cache stats"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("cat: expected exactly one file name")
		}
		name := c.Args().First()
		bc, st, err := mount(c.String("image"))
		if err != nil {
			return err
		}

		count := c.Uint64("count")
		if !c.IsSet("count") {
			count = chkfs.MaxFileSize()
		}
		off := c.Uint64("off")
		buf := make([]byte, chkfs.BlockSize)
		for count > 0 {
			n := util.Min(count, chkfs.BlockSize)
			nread := st.ReadFileData(name, buf[:n], off)
			if nread == 0 {
				break
			}
			if _, err := os.Stdout.Write(buf[:nread]); err != nil {
				return err
			}
			off += nread
			count -= nread
		}
		if c.Bool("stats") {
			bc.WriteStats(os.Stderr)
		}
		return nil
	},
}

var lsCmd = &cli.Command{
	Name:  "ls",
	Usage: "list the root directory",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "image path"},
	},
	Action: func(c *cli.Context) error {
		_, st, err := mount(c.String("image"))
		if err != nil {
			return err
		}
		root := st.GetInode(common.ROOTINUM)
		if root == nil {
			return fmt.Errorf("ls: no root directory")
		}
		root.LockRead()
		for off := uint64(0); ; off += chkfs.BlockSize {
			data, bsz := st.GetDataPage(root, off)
			if data == nil {
				break
			}
			for i := uint64(0); i*chkfs.DirentSize < bsz; i++ {
				de := data[i*chkfs.DirentSize : (i+1)*chkfs.DirentSize]
				inum := chkfs.DirentInum(de)
				if inum == common.NULLINUM {
					continue
				}
				ino := st.GetInode(inum)
				if ino == nil {
					fmt.Printf("%8d  ?          %s\n", inum, chkfs.DirentName(de))
					continue
				}
				fmt.Printf("%8d  %9d  %s\n", inum, ino.Size(), chkfs.DirentName(de))
				st.PutInode(ino)
			}
			st.PutBlock(data)
		}
		root.UnlockRead()
		st.PutInode(root)
		return nil
	},
}

var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "validate an image's superblock and inode block pointers",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "image path"},
	},
	Action: func(c *cli.Context) error {
		d, err := openImage(c.String("image"))
		if err != nil {
			return err
		}
		if err := check.Image(d); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}
