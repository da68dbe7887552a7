package zfs

import (
	"encoding/binary"
	"fmt"
)

// BlockPtrSize is the on-disk size of a block pointer record.
const BlockPtrSize = 128

// embeddedPayloadSpan is the number of leading bytes of a block pointer
// record that an embedded BP repurposes for inline payload (spec.md §3:
// "up to ~112 bytes"). The embedded header is the qword at byte 16 of that
// span: its low 25 bits hold lsize-1 and the next 7 bits hold psize. That
// layout is this reader's own resolution of an encoding
// original_source/zfs/blockptr.py never actually implemented.
const embeddedPayloadSpan = 112

// BlockPtr is a parsed 128-byte block pointer: up to three DVAs plus the
// metadata needed to locate, size and decompress the block(s) it
// references.
type BlockPtr struct {
	DVA [3]DVA

	LSize    uint64 // logical size in bytes
	PSize    uint64 // physical size in bytes
	CompAlg  uint8
	Checksum uint8
	Type     uint8
	Level    uint8
	Endian   uint8
	// Encrypted is always false: the bit layout this reader derives from
	// original_source/zfs/blockptr.py leaves no independent encryption bit
	// once checksum/type/level/endian are packed into the same qword (see
	// DESIGN.md). Native encryption is a non-goal regardless (spec.md §1).
	Encrypted bool

	BirthTXG  uint64
	FillCount uint64
	CksumSum  [32]byte

	Embedded        bool
	EmbeddedPayload []byte // only set when Embedded
}

// ParseBlockPtr decodes a 128-byte block pointer record. The parse never
// fails outright: callers test Empty()/Embedded instead.
func ParseBlockPtr(data []byte) BlockPtr {
	if len(data) < BlockPtrSize {
		return BlockPtr{}
	}
	q := make([]uint64, 16)
	for i := range q {
		q[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}

	props := q[6]
	compByte := uint8(props >> 32)
	embedded := compByte&0x80 != 0
	compAlg := compByte & 0x7f

	bp := BlockPtr{
		LSize:     (1 + (props & 0xffff)) << SectorShift,
		PSize:     (1 + ((props >> 16) & 0xffff)) << SectorShift,
		CompAlg:   compAlg,
		Checksum:  uint8(props >> 40),
		Type:      uint8(props >> 48),
		Level:     uint8((props >> 56) & 0x7f),
		Endian:    uint8(props >> 63),
		BirthTXG:  q[10],
		FillCount: q[11],
		Embedded:  embedded,
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(bp.CksumSum[i*8:i*8+8], q[12+i])
	}

	if embedded {
		header := q[2] // lives where DVA[1]'s first qword would be
		elsize := (header & 0x1ffffff) + 1
		epsize := (header >> 25) & 0x7f
		bp.LSize = elsize
		bp.PSize = uint64(epsize)
		span := embeddedPayloadSpan
		if int(elsize) < span {
			span = int(elsize)
		}
		bp.EmbeddedPayload = append([]byte(nil), data[:span]...)
		return bp
	}

	bp.DVA[0] = parseDVABytes(data[0:16])
	bp.DVA[1] = parseDVABytes(data[16:32])
	bp.DVA[2] = parseDVABytes(data[32:48])
	return bp
}

// GetDVA returns the DVA for the given copy index (0, 1 or 2), clamping out
// of range indices to copy 0 as original_source/zfs/blockptr.py does.
func (bp BlockPtr) GetDVA(n int) DVA {
	if n < 0 || n > 2 {
		n = 0
	}
	return bp.DVA[n]
}

// Empty reports whether the BP carries no live copy (DVA[0] is null and it
// is not an embedded BP).
func (bp BlockPtr) Empty() bool {
	return !bp.Embedded && bp.DVA[0].Null()
}

// Compressed reports whether the block needs decompression before use.
func (bp BlockPtr) Compressed() bool {
	return bp.CompAlg != CompOff
}

func (bp BlockPtr) String() string {
	if bp.Empty() {
		return "empty"
	}
	if bp.Embedded {
		return fmt.Sprintf("<embedded %dL/%dP>", bp.LSize, bp.PSize)
	}
	return fmt.Sprintf("<[L%d %s] %dL/%dP birth=%d fill=%d>",
		bp.Level, TypeCode(bp.Type), bp.LSize, bp.PSize, bp.BirthTXG, bp.FillCount)
}

// BlockPtrArray is a packed array of 128-byte block pointers, as found in
// indirect blocks and inline dnode block pointer slots.
type BlockPtrArray []BlockPtr

// ParseBlockPtrArray slices data into consecutive BlockPtr records.
func ParseBlockPtrArray(data []byte) BlockPtrArray {
	n := len(data) / BlockPtrSize
	out := make(BlockPtrArray, n)
	for i := 0; i < n; i++ {
		out[i] = ParseBlockPtr(data[i*BlockPtrSize : (i+1)*BlockPtrSize])
	}
	return out
}
