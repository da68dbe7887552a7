package zfs

import "encoding/binary"

// DNodeSize is the fixed on-disk size of one dnode record.
const DNodeSize = 512

// blkPtrOffset is where the inline block pointer array starts within a
// dnode record.
const blkPtrOffset = 64

// znodeInlineOffset is where inline symlink/content bytes begin within a
// znode bonus buffer; real znode_phys_t carries reserved fields between the
// parsed scalar attributes (144 bytes) and the inline content area that
// original_source/zfs/dnode.py hard-codes at this offset.
const znodeInlineOffset = 264

const (
	BonusTypeDirectory = 12
	BonusTypeDataset   = 16
	BonusTypeZNode     = 17
)

// BonusDirectory is the bonus payload of a DSL directory dnode (type 12).
type BonusDirectory struct {
	CreationTime      uint64
	HeadDatasetObj    uint64
	ParentObj         uint64
	CloneParentObj    uint64
	ChildDirZapObj    uint64
	UsedBytes         uint64
	CompressedBytes   uint64
	UncompressedBytes uint64
	Quota             uint64
	Reserved          uint64
	PropsZapObj       uint64
}

func parseBonusDirectory(data []byte) BonusDirectory {
	var v [11]uint64
	for i := range v {
		if (i+1)*8 > len(data) {
			break
		}
		v[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return BonusDirectory{
		CreationTime: v[0], HeadDatasetObj: v[1], ParentObj: v[2],
		CloneParentObj: v[3], ChildDirZapObj: v[4], UsedBytes: v[5],
		CompressedBytes: v[6], UncompressedBytes: v[7], Quota: v[8],
		Reserved: v[9], PropsZapObj: v[10],
	}
}

// BonusDataset is the bonus payload of a DSL dataset dnode (type 16); it
// embeds its own block pointer to the dataset's object set root.
type BonusDataset struct {
	DirObj             uint64
	PrevSnapObj        uint64
	PrevSnapTXG        uint64
	PrevNextObj        uint64
	SnapNamesZapObj    uint64
	NumChildren        uint64
	CreationTime       uint64
	CreationTXG        uint64
	DeadlistObj        uint64
	UsedBytes          uint64
	CompressedBytes    uint64
	UncompressedBytes  uint64
	UniqueBytes        uint64
	FSIDGUID           uint64
	GUID               uint64
	Restoring          uint64
	BPtr               BlockPtr
}

func parseBonusDataset(data []byte) BonusDataset {
	var v [16]uint64
	for i := range v {
		if (i+1)*8 > len(data) {
			break
		}
		v[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	bds := BonusDataset{
		DirObj: v[0], PrevSnapObj: v[1], PrevSnapTXG: v[2], PrevNextObj: v[3],
		SnapNamesZapObj: v[4], NumChildren: v[5], CreationTime: v[6],
		CreationTXG: v[7], DeadlistObj: v[8], UsedBytes: v[9],
		CompressedBytes: v[10], UncompressedBytes: v[11], UniqueBytes: v[12],
		FSIDGUID: v[13], GUID: v[14], Restoring: v[15],
	}
	if len(data) >= 16*8+BlockPtrSize {
		bds.BPtr = ParseBlockPtr(data[16*8 : 16*8+BlockPtrSize])
	}
	return bds
}

// BonusZnode is the bonus payload of a ZFS znode dnode (type 17): file
// attributes plus (for symlinks, if short enough) the inline link target.
type BonusZnode struct {
	ATime, ATimeNS uint64
	MTime, MTimeNS uint64
	CTime, CTimeNS uint64
	CRTime, CRTimeNS uint64
	Gen            uint64
	Mode           uint64
	Size           uint64
	Parent         uint64
	Links          uint64
	Xattr          uint64
	RDev           uint64
	Flags          uint64
	UID, GID       uint64

	InlineContent []byte
}

func parseBonusZnode(data []byte) BonusZnode {
	var v [18]uint64
	for i := range v {
		if (i+1)*8 > len(data) {
			break
		}
		v[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	z := BonusZnode{
		ATime: v[0], ATimeNS: v[1], MTime: v[2], MTimeNS: v[3],
		CTime: v[4], CTimeNS: v[5], CRTime: v[6], CRTimeNS: v[7],
		Gen: v[8], Mode: v[9], Size: v[10], Parent: v[11], Links: v[12],
		Xattr: v[13], RDev: v[14], Flags: v[15], UID: v[16], GID: v[17],
	}
	if len(data) > znodeInlineOffset {
		z.InlineContent = data[znodeInlineOffset:]
	}
	return z
}

// DNodeType distinguishes the state of a parsed dnode from its allocated
// status, so callers never have to special-case a "maybe valid" value.
type DNodeType int

const (
	// DNodeInvalid marks a dnode whose fixed header failed a structural
	// invariant (nblkptr > 3, type > 100): spec.md §8 invariant 2.
	DNodeInvalid DNodeType = iota
	DNodeUnallocated
	DNodeAllocated
)

// DNode is a parsed 512-byte object record.
type DNode struct {
	state DNodeType

	Type         uint8
	IndBlkShift  uint8
	Levels       uint8
	NBlkPtr      uint8
	BonusType    uint8
	Checksum     uint8
	Compress     uint8
	DataBlkSzSec uint16
	BonusLen     uint16
	MaxBlkID     uint64
	SecPhys      uint64

	BlkPtr []BlockPtr

	// Bonus holds one of BonusDirectory, BonusDataset, BonusZnode, or a raw
	// []byte for any other bonus type, mirroring
	// original_source/zfs/dnode.py's untyped dispatch.
	Bonus interface{}

	raw []byte
}

// ParseDNode decodes a 512-byte dnode record. Malformed records are
// returned with State() == DNodeInvalid rather than an error, per spec.md
// §7 ("convert to a sentinel invalid value").
func ParseDNode(data []byte) DNode {
	if len(data) < DNodeSize {
		return DNode{state: DNodeInvalid}
	}
	dn := DNode{raw: append([]byte(nil), data[:DNodeSize]...)}
	dn.Type = data[0]
	dn.IndBlkShift = data[1]
	dn.Levels = data[2]
	dn.NBlkPtr = data[3]
	dn.BonusType = data[4]
	dn.Checksum = data[5]
	dn.Compress = data[6]
	// data[7] is explicit padding
	dn.DataBlkSzSec = binary.LittleEndian.Uint16(data[8:10])
	dn.BonusLen = binary.LittleEndian.Uint16(data[10:12])
	// data[12:16] is explicit padding
	dn.MaxBlkID = binary.LittleEndian.Uint64(data[16:24])
	dn.SecPhys = binary.LittleEndian.Uint64(data[24:32])
	// data[32:64] is reserved

	if dn.Type == 0 {
		dn.state = DNodeUnallocated
		return dn
	}
	if dn.Type > DMUTypeInvalidCeiling {
		return DNode{state: DNodeInvalid}
	}
	if dn.NBlkPtr > 3 {
		return DNode{state: DNodeInvalid}
	}

	dn.state = DNodeAllocated
	ptr := blkPtrOffset
	for i := 0; i < int(dn.NBlkPtr); i++ {
		if ptr+BlockPtrSize > len(data) {
			break
		}
		dn.BlkPtr = append(dn.BlkPtr, ParseBlockPtr(data[ptr:ptr+BlockPtrSize]))
		ptr += BlockPtrSize
	}

	end := ptr + int(dn.BonusLen)
	if end > len(data) {
		end = len(data)
	}
	bonusData := data[ptr:end]
	if len(bonusData) > 0 {
		switch dn.BonusType {
		case BonusTypeDirectory:
			dn.Bonus = parseBonusDirectory(bonusData)
		case BonusTypeDataset:
			dn.Bonus = parseBonusDataset(bonusData)
		case BonusTypeZNode:
			dn.Bonus = parseBonusZnode(bonusData)
		default:
			dn.Bonus = append([]byte(nil), bonusData...)
		}
	}
	return dn
}

// State reports whether this dnode is a structurally invalid sentinel,
// unallocated, or holds live data.
func (d DNode) State() DNodeType { return d.state }

// Valid reports whether the dnode parsed successfully (allocated or
// explicitly unallocated, as opposed to structurally corrupt).
func (d DNode) Valid() bool { return d.state != DNodeInvalid }

// DataBlockSize is the size in bytes of each of this dnode's data blocks.
func (d DNode) DataBlockSize() uint32 {
	return uint32(d.DataBlkSzSec) << SectorShift
}

// RawData returns the original 512-byte record, for dump/debug use.
func (d DNode) RawData() []byte { return d.raw }

func (d DNode) String() string {
	switch d.state {
	case DNodeInvalid:
		return "<invalid dnode>"
	case DNodeUnallocated:
		return "<unallocated dnode>"
	}
	return TypeCode(d.Type)
}
