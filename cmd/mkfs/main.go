// Command mkfs formats a backing image file with the on-disk layout of
// spec §4.C/§6: a superblock, an inode bitmap, a data bitmap, a packed
// inode area, and an empty root directory. It plays the same
// image-tooling role the teacher's cmd/unzipimage plays for disko's
// compressed image format, but for this filesystem's raw layout.
package main

import (
	"fmt"
	"os"

	"github.com/boljen/go-bitmap"
	"github.com/urfave/cli/v2"

	"github.com/rv64os/storage/fs"
)

func main() {
	app := &cli.App{
		Name:  "mkfs",
		Usage: "Format a backing file with the rv64os storage filesystem layout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Required: true, Usage: "path to the image file to create"},
			&cli.Uint64Flag{Name: "block-count", Required: true, Usage: "total blocks in the volume"},
			&cli.Uint64Flag{Name: "inode-bitmap-blocks", Required: true, Usage: "blocks reserved for the inode bitmap"},
			&cli.Uint64Flag{Name: "data-bitmap-blocks", Required: true, Usage: "blocks reserved for the data bitmap"},
			&cli.Uint64Flag{Name: "inode-blocks", Required: true, Usage: "blocks reserved for the inode area"},
			&cli.Uint64Flag{Name: "root-inode", Value: 0, Usage: "inode number of the root directory"},
		},
		Action: format,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %s\n", err)
		os.Exit(1)
	}
}

func format(c *cli.Context) error {
	sb := fs.RawSuperblock{
		BlockCount:            uint32(c.Uint64("block-count")),
		InodeBitmapBlockCount: uint32(c.Uint64("inode-bitmap-blocks")),
		DataBitmapBlockCount:  uint32(c.Uint64("data-bitmap-blocks")),
		InodeBlockCount:       uint32(c.Uint64("inode-blocks")),
		RootDirectoryInode:    uint16(c.Uint64("root-inode")),
	}

	out, err := os.Create(c.String("out"))
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	defer out.Close()

	imageSize := int64(sb.BlockCount) * fs.BlockSize
	if err := out.Truncate(imageSize); err != nil {
		return fmt.Errorf("sizing image file: %w", err)
	}

	if _, err := out.WriteAt(fs.EncodeSuperblock(sb), 0); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	inodeBitmapStart := int64(1) * fs.BlockSize
	inodeBitmap := make([]byte, int64(sb.InodeBitmapBlockCount)*fs.BlockSize)
	bitmap.Bitmap(inodeBitmap).Set(int(sb.RootDirectoryInode), true)
	if _, err := out.WriteAt(inodeBitmap, inodeBitmapStart); err != nil {
		return fmt.Errorf("writing inode bitmap: %w", err)
	}

	inodeAreaStart := inodeBitmapStart +
		int64(sb.InodeBitmapBlockCount)*fs.BlockSize +
		int64(sb.DataBitmapBlockCount)*fs.BlockSize
	rootOffset := inodeAreaStart + int64(sb.RootDirectoryInode)*fs.InodeSize
	if _, err := out.WriteAt(fs.EncodeInode(fs.RawInode{}), rootOffset); err != nil {
		return fmt.Errorf("writing root inode: %w", err)
	}

	fmt.Printf(
		"formatted %s: %d blocks (%d bytes), root directory at inode %d\n",
		c.String("out"), sb.BlockCount, imageSize, sb.RootDirectoryInode,
	)
	return nil
}
