// Package blocktree walks ZFS's indirect block trees: a multi-level array
// of block pointers, each level's blocks holding the block pointers of the
// next level down, bottoming out at the data block pointers themselves.
package blocktree

import (
	"context"
	"strconv"
	"strings"

	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// BlockTree resolves a logical block index to its block pointer, following
// up to Levels-1 indirection hops from a root block pointer.
type BlockTree struct {
	levels int
	dev    vdev.Device
	root   zfs.BlockPtr

	rootArray     zfs.BlockPtrArray
	blocksPerLevel int

	// cache is keyed by the full path of indices leading to a given
	// intermediate block, not merely its depth: original_source's
	// blocktree.py cached by (level, index) alone, which conflates two
	// different parents' children whenever they happen to share an index
	// at the same depth. spec.md requires caching by the whole path.
	cache map[string]zfs.BlockPtrArray
}

// New builds a tree of the given depth (1 means root is itself the only
// data-block pointer, no indirection) rooted at root, resolving indirect
// blocks through dev.
func New(levels int, dev vdev.Device, root zfs.BlockPtr) *BlockTree {
	t := &BlockTree{levels: levels, dev: dev, root: root}
	if levels > 1 {
		t.cache = map[string]zfs.BlockPtrArray{}
	}
	return t
}

// loadIndirect reads an indirect block's data at any of its three DVA
// copies, returning the first one that succeeds.
func loadIndirect(ctx context.Context, dev vdev.Device, bp zfs.BlockPtr) (zfs.BlockPtrArray, bool) {
	for dvaIdx := 0; dvaIdx < 3; dvaIdx++ {
		data, err := dev.ReadBlock(ctx, bp, dvaIdx)
		if err == nil && len(data) > 0 {
			return zfs.ParseBlockPtrArray(data), true
		}
	}
	return nil, false
}

// ensureRoot lazily loads the tree's root indirect block array, which also
// tells us how many block pointers fit in one level (used to decompose a
// block id into per-level indices).
func (t *BlockTree) ensureRoot(ctx context.Context) bool {
	if t.levels == 1 {
		return true
	}
	if t.rootArray != nil {
		return true
	}
	arr, ok := loadIndirect(ctx, t.dev, t.root)
	if !ok {
		return false
	}
	t.rootArray = arr
	t.blocksPerLevel = len(arr)
	return t.blocksPerLevel > 0
}

// levelIndices decomposes blockid into one index per indirection level,
// most-significant level first.
func (t *BlockTree) levelIndices(blockid uint64) []int {
	indices := make([]int, 0, t.levels-1)
	for i := 0; i < t.levels-1; i++ {
		indices = append(indices, int(blockid%uint64(t.blocksPerLevel)))
		blockid /= uint64(t.blocksPerLevel)
	}
	for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices
}

func pathKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, "/")
}

// Lookup resolves blockid to its block pointer. ok is false if blockid is
// negative, the tree has no such leaf, or an intermediate block could not
// be read (a broken path never panics — spec.md's never-raises invariant).
func (t *BlockTree) Lookup(ctx context.Context, blockid int64) (zfs.BlockPtr, bool) {
	if blockid < 0 {
		return zfs.BlockPtr{}, false
	}
	if t.levels == 1 {
		if blockid == 0 {
			return t.root, true
		}
		return zfs.BlockPtr{}, false
	}
	if !t.ensureRoot(ctx) {
		return zfs.BlockPtr{}, false
	}

	indices := t.levelIndices(uint64(blockid))
	bpa := t.rootArray
	for l := 0; l < len(indices)-1; l++ {
		idx := indices[l]
		if idx >= len(bpa) {
			return zfs.BlockPtr{}, false
		}
		key := pathKey(indices[:l+1])
		next, cached := t.cache[key]
		if !cached {
			loaded, ok := loadIndirect(ctx, t.dev, bpa[idx])
			if !ok {
				t.cache[key] = nil
				return zfs.BlockPtr{}, false
			}
			next = loaded
			t.cache[key] = next
		}
		if next == nil {
			return zfs.BlockPtr{}, false
		}
		bpa = next
	}

	last := indices[len(indices)-1]
	if last >= len(bpa) {
		return zfs.BlockPtr{}, false
	}
	return bpa[last], true
}
