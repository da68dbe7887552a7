package dataset

import (
	"context"

	"github.com/hiliev/go-zfs-rescue/internal/blocktree"
	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// FileObj is a sequential reader over a plain-file (or symlink-content)
// dnode's data blocks, buffering one block at a time.
type FileObj struct {
	dev  vdev.Device
	tree *blocktree.BlockTree

	nextBlkID  int64
	maxBlkID   int64
	dataBlkSz  uint32
	size       uint64

	buf       []byte
	bufPos    int
	filePos   uint64
	corrupted bool

	// badAsZeros makes an unreadable block read back as all-zero bytes
	// instead of truncating the read early.
	badAsZeros bool
}

// NewFileObj opens dn (a DMU plain-file or ZFS znode dnode) for sequential
// reading through dev.
func NewFileObj(dev vdev.Device, dn zfs.DNode, badAsZeros bool) *FileObj {
	var size uint64
	if zn, ok := dn.Bonus.(zfs.BonusZnode); ok {
		size = zn.Size
	}
	var root zfs.BlockPtr
	if len(dn.BlkPtr) > 0 {
		root = dn.BlkPtr[0]
	}
	return &FileObj{
		dev:        dev,
		tree:       blocktree.New(int(dn.Levels), dev, root),
		maxBlkID:   int64(dn.MaxBlkID),
		dataBlkSz:  dn.DataBlockSize(),
		size:       size,
		badAsZeros: badAsZeros,
	}
}

// Corrupted reports whether a prior Read hit an unreadable or missing
// block.
func (f *FileObj) Corrupted() bool { return f.corrupted }

// Tell returns the number of bytes delivered by Read so far.
func (f *FileObj) Tell() uint64 { return f.filePos }

// Read returns up to n bytes of file content, refilling its block buffer as
// needed. It returns fewer than n bytes only at end of file or when a block
// is unreadable and badAsZeros was not requested.
func (f *FileObj) Read(ctx context.Context, n int) []byte {
	avail := len(f.buf) - f.bufPos
	take := n
	if take > avail {
		take = avail
	}
	data := append([]byte(nil), f.buf[f.bufPos:f.bufPos+take]...)
	f.bufPos += take

	for len(data) < n {
		badBlock := false
		if f.nextBlkID > f.maxBlkID {
			badBlock = true
		}
		if !badBlock {
			bp, ok := f.tree.Lookup(ctx, f.nextBlkID)
			f.nextBlkID++
			if !ok {
				badBlock = true
			} else {
				block, err := f.dev.ReadBlock(ctx, bp, 0)
				if err != nil || len(block) == 0 {
					badBlock = true
				} else {
					f.buf = block
				}
			}
		}
		if badBlock {
			f.corrupted = true
			if f.badAsZeros {
				f.buf = make([]byte, f.dataBlkSz)
			} else {
				break
			}
		}
		f.bufPos = 0
		want := n - len(data)
		take := want
		if take > len(f.buf) {
			take = len(f.buf)
		}
		data = append(data, f.buf[:take]...)
		f.bufPos += take
	}
	f.filePos += uint64(len(data))
	return data
}
