package label

import (
	"encoding/binary"
	"testing"

	"github.com/hiliev/go-zfs-rescue/internal/nvlist"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// mkUberblockSlot encodes a single 1024-byte uberblock slot. valid controls
// whether the magic number is written, so slots can be blank/stale.
func mkUberblockSlot(valid bool, txg uint64) []byte {
	b := make([]byte, zfs.UberblockSize)
	if valid {
		binary.LittleEndian.PutUint64(b[0:8], zfs.UberblockMagic)
	}
	binary.LittleEndian.PutUint64(b[16:24], txg)
	return b
}

func mkUberblocks(specs ...struct {
	valid bool
	txg   uint64
}) zfs.UberblockArray {
	arr := make(zfs.UberblockArray, len(specs))
	for i, s := range specs {
		arr[i] = zfs.ParseUberblock(mkUberblockSlot(s.valid, s.txg))
	}
	return arr
}

func TestFindActiveUberblockSeedsFloorFromNVListTXG(t *testing.T) {
	// The nvlist's recorded txg (100) is higher than one stale slot (50)
	// but lower than the freshest slot (150); FindActiveUberblock must
	// pick 150, not fall back to the stale 50 slot.
	l := &Label{
		NVList: nvlist.List{"txg": uint64(100)},
		Uberblocks: mkUberblocks(
			struct {
				valid bool
				txg   uint64
			}{true, 50},
			struct {
				valid bool
				txg   uint64
			}{true, 150},
			struct {
				valid bool
				txg   uint64
			}{false, 200}, // higher TXG but invalid magic, must be skipped
		),
	}

	ub, ok := l.FindActiveUberblock()
	if !ok {
		t.Fatal("FindActiveUberblock ok = false, want true")
	}
	if ub.TXG != 150 {
		t.Errorf("FindActiveUberblock TXG = %d, want 150", ub.TXG)
	}
}

func TestFindActiveUberblockNoneAtOrAboveFloor(t *testing.T) {
	l := &Label{
		NVList: nvlist.List{"txg": uint64(1000)},
		Uberblocks: mkUberblocks(struct {
			valid bool
			txg   uint64
		}{true, 5}),
	}
	if _, ok := l.FindActiveUberblock(); ok {
		t.Error("FindActiveUberblock ok = true, want false when every slot is below the nvlist's txg floor")
	}
}

func TestFindUberblockByTXGExactMatch(t *testing.T) {
	l := &Label{Uberblocks: mkUberblocks(
		struct {
			valid bool
			txg   uint64
		}{true, 10},
		struct {
			valid bool
			txg   uint64
		}{true, 20},
	)}
	ub, ok := l.FindUberblockByTXG(20)
	if !ok || ub.TXG != 20 {
		t.Errorf("FindUberblockByTXG(20) = (%d, %v), want (20, true)", ub.TXG, ok)
	}
	if _, ok := l.FindUberblockByTXG(999); ok {
		t.Error("FindUberblockByTXG(999) ok = true, want false")
	}
}

func TestAshiftDefaultsWhenMissing(t *testing.T) {
	l := &Label{NVList: nvlist.List{}}
	if got := l.Ashift(); got != defaultAshift {
		t.Errorf("Ashift() = %d, want default %d", got, defaultAshift)
	}
	l2 := &Label{NVList: nvlist.List{"ashift": uint64(12)}}
	if got := l2.Ashift(); got != 12 {
		t.Errorf("Ashift() = %d, want 12", got)
	}
}

func TestVdevDisksSingleDiskHasNoChildrenArray(t *testing.T) {
	l := &Label{NVList: nvlist.List{
		"vdev_tree": nvlist.List{"path": "/dev/sda1"},
	}}
	disks, err := l.VdevDisks()
	if err != nil {
		t.Fatalf("VdevDisks: %v", err)
	}
	if len(disks) != 1 || disks[0] != "/dev/sda1" {
		t.Errorf("VdevDisks() = %v, want [/dev/sda1]", disks)
	}
}

func TestVdevDisksMirrorChildren(t *testing.T) {
	l := &Label{NVList: nvlist.List{
		"vdev_tree": nvlist.List{
			"children": []interface{}{
				nvlist.List{"path": "/dev/sda1"},
				nvlist.List{"path": "/dev/sdb1"},
			},
		},
	}}
	disks, err := l.VdevDisks()
	if err != nil {
		t.Fatalf("VdevDisks: %v", err)
	}
	if len(disks) != 2 || disks[0] != "/dev/sda1" || disks[1] != "/dev/sdb1" {
		t.Errorf("VdevDisks() = %v, want [/dev/sda1 /dev/sdb1]", disks)
	}
}

func TestReadRejectsLabelsBeyondOne(t *testing.T) {
	if _, err := Read(nil, nil, "disk0", 2); err == nil {
		t.Error("Read with label index 2 must fail: only labels 0 and 1 are ever read")
	}
}
