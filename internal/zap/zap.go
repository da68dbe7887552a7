// Package zap decodes ZFS's two on-disk associative-array encodings: the
// compact "micro" ZAP (a flat table of fixed-size entries) and the "fat"
// ZAP (a hash table of leaf blocks, each holding a chunk-linked-list of
// variable-length name/value entries).
package zap

import (
	"context"
	"encoding/binary"
	"sort"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

const (
	microEntrySize = 64
	microNameLen   = microEntrySize - 8 - 4 - 2

	blockTypeMicro  = (uint64(1) << 63) + 3
	blockTypeHeader = (uint64(1) << 63) + 1

	zapLeafArray = 251
	zapLeafEntry = 252

	zapChunkArrayBegin = 0x430
	zapChunkSize       = 24
)

// typeCodes maps a micro-ZAP directory entry's top 4 value bits to the
// single-letter file-type code ls -F style tooling expects.
const typeCodes = "-pc-d-b-f-l-soe-"

// decodeName recovers a ZAP entry name from raw bytes: valid UTF-8 passes
// through, otherwise the bytes are assumed to be CP1251 (the common case
// for pools touched by Windows clients), falling back to Latin-1 — which
// by construction always succeeds — as a last resort.
func decodeName(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if s, err := charmap.Windows1251.NewDecoder().String(string(raw)); err == nil {
		return s
	}
	s, _ := charmap.ISO8859_1.NewDecoder().String(string(raw))
	return s
}

// Zap is either a MicroZap or a FatZap.
type Zap interface {
	// Get returns the named entry's value: a uint64 for single-qword
	// values, or []byte for larger/variable-length ones.
	Get(name string) (interface{}, bool)
	// Keys returns every entry name, sorted for deterministic iteration.
	Keys() []string
}

// MicroZap is the compact ZAP format used when a directory or property
// list is small enough to fit as one block of fixed 64-byte entries.
type MicroZap struct {
	entries map[string]uint64
	cds     map[string]uint32
}

// ParseMicroZap decodes a single micro-ZAP block.
func ParseMicroZap(data []byte) (*MicroZap, error) {
	if len(data) < 128 {
		return nil, xerrors.New("zap: not enough data for a micro ZAP")
	}
	blockType := binary.LittleEndian.Uint64(data[0:8])
	if blockType != blockTypeMicro {
		return nil, xerrors.Errorf("zap: not a micro ZAP (type=%#x)", blockType)
	}

	mz := &MicroZap{entries: map[string]uint64{}, cds: map[string]uint32{}}
	ptr := 64
	for ptr+microEntrySize <= len(data) {
		entry := data[ptr : ptr+microEntrySize]
		value := binary.LittleEndian.Uint64(entry[0:8])
		cd := binary.LittleEndian.Uint32(entry[8:12])
		// entry[12:14] is explicit padding
		nameRaw := entry[14:64]
		nul := len(nameRaw)
		for i, b := range nameRaw {
			if b == 0 {
				nul = i
				break
			}
		}
		name := decodeName(nameRaw[:nul])
		if name != "" {
			mz.entries[name] = value
			mz.cds[name] = cd
		}
		ptr += microEntrySize
	}
	return mz, nil
}

// Get implements Zap.
func (mz *MicroZap) Get(name string) (interface{}, bool) {
	v, ok := mz.entries[name]
	return v, ok
}

// Keys implements Zap.
func (mz *MicroZap) Keys() []string {
	out := make([]string, 0, len(mz.entries))
	for k := range mz.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DirEntry decodes a micro-ZAP directory value into its object id and
// file-type code, the encoding ZFS uses for micro-ZAP'd directories.
func DirEntry(value uint64) (objID uint64, typeCode byte) {
	t := value >> 60
	objID = value &^ (uint64(15) << 60)
	typeCode = typeCodes[t]
	return objID, typeCode
}

// FatZap is the hash-table ZAP format used once a directory or attribute
// list outgrows a single micro-ZAP block.
type FatZap struct {
	entries map[string][]byte
}

// ParseFatZap decodes a fat ZAP from its concatenated header + leaf blocks,
// each of size dbsize (the owning dnode's data block size).
func ParseFatZap(data []byte, dbsize int) (*FatZap, error) {
	if dbsize <= 0 || len(data) < dbsize {
		return nil, xerrors.New("zap: fat ZAP data shorter than one block")
	}
	fz := &FatZap{entries: map[string][]byte{}}

	nblocks := (len(data) - dbsize) / dbsize
	for n := 1; n <= nblocks; n++ {
		block := data[n*dbsize : (n+1)*dbsize]
		if err := fz.parseLeafBlock(block); err != nil {
			return nil, xerrors.Errorf("zap: leaf block %d: %w", n, err)
		}
	}
	return fz, nil
}

func (fz *FatZap) parseLeafBlock(data []byte) error {
	tableEnd := zapChunkArrayBegin
	if tableEnd > len(data) {
		return xerrors.New("leaf block too small for a chunk table")
	}
	tableStart := 0x30
	if tableStart > tableEnd {
		return xerrors.New("leaf block too small for a header")
	}

	chunkArr := data[tableEnd:]
	for off := tableStart; off+2 <= tableEnd; off += 2 {
		c := binary.LittleEndian.Uint16(data[off : off+2])
		if c == 0xffff {
			continue
		}
		fz.followCollisionChain(chunkArr, int(c))
	}
	return nil
}

func (fz *FatZap) followCollisionChain(chunkArr []byte, idx int) {
	begin := idx * zapChunkSize
	if begin < 0 || begin+zapChunkSize > len(chunkArr) {
		return
	}
	chunkType := chunkArr[begin]
	if chunkType != zapLeafEntry {
		return
	}
	// Layout (zap_leaf_entry_t), 23 bytes starting at chunkArr[begin+1]:
	// int_size(1) next_chunk(2) name_chunk(2) name_length(2) value_chunk(2)
	// value_length(2) cd(2) pad(2) hash(8).
	body := chunkArr[begin+1 : begin+zapChunkSize]
	intSize := body[0]
	nextChunk := binary.LittleEndian.Uint16(body[1:3])
	nameChunk := binary.LittleEndian.Uint16(body[3:5])
	nameLength := binary.LittleEndian.Uint16(body[5:7])
	valueChunk := binary.LittleEndian.Uint16(body[7:9])
	valueLength := binary.LittleEndian.Uint16(body[9:11])
	// body[11:13] is cd, body[13:15] is padding, body[15:23] is hash -
	// neither is needed to resolve the entry's name/value.

	nameData := fz.followChunkList(chunkArr, int(nameChunk))
	if nameLength > 0 && int(nameLength)-1 <= len(nameData) {
		nameData = nameData[:nameLength-1]
	}
	valueData := fz.followChunkList(chunkArr, int(valueChunk))
	wantLen := int(valueLength) * int(intSize)
	if wantLen <= len(valueData) {
		valueData = valueData[:wantLen]
	}

	name := decodeName(nameData)
	if name != "" {
		fz.entries[name] = append([]byte(nil), valueData...)
	}

	if nextChunk != 0xffff {
		fz.followCollisionChain(chunkArr, int(nextChunk))
	}
}

func (fz *FatZap) followChunkList(chunkArr []byte, idx int) []byte {
	begin := idx * zapChunkSize
	if begin < 0 || begin+zapChunkSize > len(chunkArr) {
		return nil
	}
	chunk := chunkArr[begin : begin+zapChunkSize]
	if chunk[0] != zapLeafArray {
		return nil
	}
	data := append([]byte(nil), chunk[1:22]...)
	next := binary.LittleEndian.Uint16(chunk[22:24])
	if next == 0xffff {
		return data
	}
	return append(data, fz.followChunkList(chunkArr, int(next))...)
}

// Get implements Zap. Values that decode to exactly 8 bytes are returned as
// a big-endian uint64, matching how ZFS stores single-integer ZAP entries;
// everything else is returned as raw bytes.
func (fz *FatZap) Get(name string) (interface{}, bool) {
	v, ok := fz.entries[name]
	if !ok {
		return nil, false
	}
	if len(v) == 8 {
		return binary.BigEndian.Uint64(v), true
	}
	return v, true
}

// Keys implements Zap.
func (fz *FatZap) Keys() []string {
	out := make([]string, 0, len(fz.entries))
	for k := range fz.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load reads and decodes whichever ZAP encoding backs dn, dispatching on
// the raw block's leading block-type qword. Only one- and two-level dnodes
// are supported (levels == 1: the data blocks are inline in the dnode's own
// block pointers; levels == 2: one indirect block of block pointers);
// deeper ZAP objects do not occur in practice and are reported as an error
// rather than guessed at.
func Load(ctx context.Context, dev vdev.Device, dn zfs.DNode) (Zap, error) {
	if len(dn.BlkPtr) == 0 {
		return nil, xerrors.New("zap: dnode has no block pointers")
	}
	dbsize := int(dn.DataBlockSize())

	var data []byte
	switch dn.Levels {
	case 1:
		for _, bp := range dn.BlkPtr {
			d, err := readAnyCopy(ctx, dev, bp)
			if err != nil {
				return nil, err
			}
			data = append(data, d...)
		}
	case 2:
		indirect, err := readAnyCopy(ctx, dev, dn.BlkPtr[0])
		if err != nil {
			return nil, err
		}
		bpa := zfs.ParseBlockPtrArray(indirect)
		nblocks := int(dn.MaxBlkID) + 1
		if nblocks > len(bpa) {
			nblocks = len(bpa)
		}
		for i := 0; i < nblocks; i++ {
			d, err := readAnyCopy(ctx, dev, bpa[i])
			if err != nil {
				return nil, err
			}
			data = append(data, d...)
		}
	default:
		return nil, xerrors.Errorf("zap: unsupported ZAP dnode depth (levels=%d)", dn.Levels)
	}

	if len(data) < 8 {
		return nil, xerrors.New("zap: not enough data to read a block type")
	}
	blockType := binary.LittleEndian.Uint64(data[0:8])
	switch blockType {
	case blockTypeMicro:
		return ParseMicroZap(data)
	case blockTypeHeader:
		return ParseFatZap(data, dbsize)
	default:
		return nil, xerrors.Errorf("zap: data is not a ZAP object (type=%#x)", blockType)
	}
}

func readAnyCopy(ctx context.Context, dev vdev.Device, bp zfs.BlockPtr) ([]byte, error) {
	var lastErr error
	for dva := 0; dva < 3; dva++ {
		data, err := dev.ReadBlock(ctx, bp, dva)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = xerrors.New("all copies empty")
	}
	return nil, xerrors.Errorf("zap: reading block: %w", lastErr)
}
