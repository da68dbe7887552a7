// Package objset implements the meta-dnode-backed array of dnodes that
// makes up one ZFS object set (the MOS, or a dataset's own object set).
package objset

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/blocktree"
	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// dnodeRecordSize is the fixed on-disk size of one dnode slot.
const dnodeRecordSize = zfs.DNodeSize

// ObjectSet is the dnode array backing one object set: the meta-dnode
// itself (read directly out of the object-set block) plus a block tree
// over its own data, letting any object id be resolved to a DNode.
type ObjectSet struct {
	dev vdev.Device

	metaDNode zfs.DNode
	tree      *blocktree.BlockTree

	dnodesPerBlock int
	maxDNodeID     int64

	blockCache map[int64][]byte
}

// loadDNodeFromBlockPointer reads one block through dev (trying DVA copies
// in order) and parses its first dnodeRecordSize bytes as a dnode; this is
// how an object set locates its own meta-dnode, which lives at a fixed spot
// within the object-set block rather than inside another object set.
func loadDNodeFromBlockPointer(ctx context.Context, dev vdev.Device, bp zfs.BlockPtr, dvas []int) (zfs.DNode, bool) {
	for _, dva := range dvas {
		data, err := dev.ReadBlock(ctx, bp, dva)
		if err == nil && len(data) >= dnodeRecordSize {
			return zfs.ParseDNode(data[:dnodeRecordSize]), true
		}
	}
	return zfs.DNode{}, false
}

// Open loads the object set rooted at osBptr (typically a dataset's or the
// uberblock's root block pointer), reading the meta-dnode off DVA dva.
func Open(ctx context.Context, dev vdev.Device, osBptr zfs.BlockPtr, dva int) (*ObjectSet, error) {
	metaDNode, ok := loadDNodeFromBlockPointer(ctx, dev, osBptr, []int{dva})
	if !ok || !metaDNode.Valid() {
		return nil, xerrors.New("objset: meta-dnode is unreachable")
	}

	datablksize := metaDNode.DataBlockSize()
	if datablksize == 0 {
		return nil, xerrors.New("objset: meta-dnode has zero data block size")
	}
	dnodesPerBlock := int(datablksize / 512)
	maxDNodeID := int64(metaDNode.MaxBlkID+1)*int64(dnodesPerBlock) - 1

	if len(metaDNode.BlkPtr) == 0 {
		return nil, xerrors.New("objset: meta-dnode carries no block pointers")
	}
	tree := blocktree.New(int(metaDNode.Levels), dev, metaDNode.BlkPtr[0])

	return &ObjectSet{
		dev:            dev,
		metaDNode:      metaDNode,
		tree:           tree,
		dnodesPerBlock: dnodesPerBlock,
		maxDNodeID:     maxDNodeID,
		blockCache:     map[int64][]byte{},
	}, nil
}

// DNodesPerBlock is how many 512-byte dnode slots fit in one data block of
// this object set's meta-dnode.
func (os *ObjectSet) DNodesPerBlock() int { return os.dnodesPerBlock }

// Len returns the number of dnode slots addressable in this object set.
func (os *ObjectSet) Len() int64 { return os.maxDNodeID + 1 }

// DNode resolves one object id to its parsed dnode. ok is false if id is
// out of range, the block tree is broken at that path, or the block holding
// the dnode could not be read from any DVA copy — callers should treat the
// object as unrecoverable rather
// than stop the whole walk.
func (os *ObjectSet) DNode(ctx context.Context, id int64) (zfs.DNode, bool) {
	if id < 0 || id > os.maxDNodeID {
		return zfs.DNode{}, false
	}
	blockID := id / int64(os.dnodesPerBlock)

	data, cached := os.blockCache[blockID]
	if !cached {
		bp, ok := os.tree.Lookup(ctx, blockID)
		if !ok {
			os.blockCache[blockID] = nil
			return zfs.DNode{}, false
		}
		var loaded []byte
		for dva := 0; dva < 3; dva++ {
			d, err := os.dev.ReadBlock(ctx, bp, dva)
			if err == nil && len(d) > 0 {
				loaded = d
				break
			}
		}
		os.blockCache[blockID] = loaded
		data = loaded
	}
	if data == nil {
		return zfs.DNode{}, false
	}

	slot := id % int64(os.dnodesPerBlock)
	start := slot * dnodeRecordSize
	end := start + dnodeRecordSize
	if end > int64(len(data)) {
		return zfs.DNode{}, false
	}
	return zfs.ParseDNode(data[start:end]), true
}
