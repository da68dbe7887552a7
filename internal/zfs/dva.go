package zfs

import "encoding/binary"

// SectorShift is the base sector size (512 bytes) that asize, offset and
// block pointer lsize/psize fields are expressed in on disk, before this
// package scales them up to byte counts.
const SectorShift = 9

// DVA is a data virtual address: (vdev, offset, asize) locating one physical
// copy of a block. Asize/Offset are already expanded to byte counts.
type DVA struct {
	Asize  uint64 // allocated size in bytes
	Grid   uint8
	VDev   uint32
	Offset uint64 // byte offset within the vdev
	Gang   bool

	// rawAsize24 is the undecoded low-24-bit asize field exactly as it
	// appears on disk, before ParseDVA's permanent "+1 sector" bias. Asize
	// itself can never be 0 for a parsed DVA (the on-disk encoding stores
	// sectors-1, so a raw 0 still means "one sector"), which makes Asize
	// useless for telling an unused, all-zero DVA slot apart from a real
	// allocation at vdev 0 offset 0. Null() checks this field instead.
	rawAsize24 uint32
}

// ParseDVA decodes a 16-byte DVA from its two little-endian qwords.
func ParseDVA(qword0, qword1 uint64) DVA {
	return DVA{
		Asize:      (1 + (qword0 & 0xffffff)) << SectorShift,
		Grid:       uint8(qword0 >> 24),
		VDev:       uint32(qword0 >> 32),
		Offset:     (qword1 & 0x7fffffffffffffff) << SectorShift,
		Gang:       qword1&(1<<63) != 0,
		rawAsize24: uint32(qword0 & 0xffffff),
	}
}

// Null reports whether the DVA carries no physical location at all. Spec
// uses the stricter three-way check (vdev, offset, *and* asize all zero);
// see DESIGN.md for the source variant that checked only vdev+offset. The
// check is against the raw, undecoded asize field, since the decoded Asize
// is always biased to at least one sector and so is never actually zero.
func (d DVA) Null() bool {
	return d.VDev == 0 && d.Offset == 0 && d.rawAsize24 == 0
}

func parseDVABytes(b []byte) DVA {
	return ParseDVA(binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]))
}
