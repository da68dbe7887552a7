package zap

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

func mkMicroZapEntry(name string, value uint64, cd uint32) []byte {
	e := make([]byte, microEntrySize)
	binary.LittleEndian.PutUint64(e[0:8], value)
	binary.LittleEndian.PutUint32(e[8:12], cd)
	copy(e[14:], name)
	return e
}

func TestParseMicroZapDirectoryEntry(t *testing.T) {
	data := make([]byte, 128)
	binary.LittleEndian.PutUint64(data[0:8], blockTypeMicro)
	entry := mkMicroZapEntry("subdir", (uint64(4)<<60)|42, 0)
	copy(data[64:], entry)

	mz, err := ParseMicroZap(data)
	if err != nil {
		t.Fatalf("ParseMicroZap: %v", err)
	}
	v, ok := mz.Get("subdir")
	if !ok {
		t.Fatal("Get(\"subdir\") ok = false")
	}
	objID, typeCode := DirEntry(v.(uint64))
	if objID != 42 {
		t.Errorf("objID = %d, want 42", objID)
	}
	if typeCode != 'd' {
		t.Errorf("typeCode = %q, want 'd'", typeCode)
	}
	if keys := mz.Keys(); len(keys) != 1 || keys[0] != "subdir" {
		t.Errorf("Keys() = %v, want [subdir]", keys)
	}
}

func TestParseMicroZapRejectsWrongBlockType(t *testing.T) {
	data := make([]byte, 128)
	binary.LittleEndian.PutUint64(data[0:8], 0xdeadbeef)
	if _, err := ParseMicroZap(data); err == nil {
		t.Error("ParseMicroZap must reject a block whose type isn't blockTypeMicro")
	}
}

// buildFatZapLeaf assembles a single fat-ZAP leaf block with exactly one
// collision chain: a leaf-entry chunk pointing at a name chunk ("bar") and
// a value chunk (one big-endian uint64, 99), reached through the first
// hash-table slot.
func buildFatZapLeaf(dbsize int) []byte {
	leaf := make([]byte, dbsize)
	for off := 0x30; off+2 <= zapChunkArrayBegin; off += 2 {
		binary.LittleEndian.PutUint16(leaf[off:off+2], 0xffff)
	}
	binary.LittleEndian.PutUint16(leaf[0x30:0x32], 0)

	chunkArr := leaf[zapChunkArrayBegin:]

	c0 := chunkArr[0*zapChunkSize : 1*zapChunkSize]
	c0[0] = zapLeafEntry
	c0[1] = 8 // intSize
	binary.LittleEndian.PutUint16(c0[2:4], 0xffff)
	binary.LittleEndian.PutUint16(c0[4:6], 1)
	binary.LittleEndian.PutUint16(c0[6:8], 4) // "bar\0"
	binary.LittleEndian.PutUint16(c0[8:10], 2)
	binary.LittleEndian.PutUint16(c0[10:12], 1)

	c1 := chunkArr[1*zapChunkSize : 2*zapChunkSize]
	c1[0] = zapLeafArray
	copy(c1[1:], "bar\x00")
	binary.LittleEndian.PutUint16(c1[22:24], 0xffff)

	c2 := chunkArr[2*zapChunkSize : 3*zapChunkSize]
	c2[0] = zapLeafArray
	binary.BigEndian.PutUint64(c2[1:9], 99)
	binary.LittleEndian.PutUint16(c2[22:24], 0xffff)

	return leaf
}

func TestParseFatZapSingleEntry(t *testing.T) {
	const dbsize = 1200
	leaf := buildFatZapLeaf(dbsize)
	data := append(make([]byte, dbsize), leaf...) // block 0 (header) + block 1 (leaf)

	fz, err := ParseFatZap(data, dbsize)
	if err != nil {
		t.Fatalf("ParseFatZap: %v", err)
	}
	v, ok := fz.Get("bar")
	if !ok {
		t.Fatal("Get(\"bar\") ok = false")
	}
	got, ok := v.(uint64)
	if !ok || got != 99 {
		t.Errorf("Get(\"bar\") = %v, want uint64(99)", v)
	}
	if _, ok := fz.Get("missing"); ok {
		t.Error("Get(\"missing\") ok = true, want false")
	}
}

func TestLoadRejectsDNodeWithNoBlockPointers(t *testing.T) {
	if _, err := Load(context.Background(), nil, zfs.DNode{}); err == nil {
		t.Error("Load must error on a dnode with no block pointers")
	}
}

func TestLoadRejectsUnsupportedDepth(t *testing.T) {
	dn := zfs.DNode{Levels: 3, BlkPtr: []zfs.BlockPtr{{}}}
	if _, err := Load(context.Background(), nil, dn); err == nil {
		t.Error("Load must reject a ZAP dnode with levels > 2")
	}
}
