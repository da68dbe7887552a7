package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// testMTime/testUID/testGID are the znode bonus values baked into the
// fixture file built by buildTestDataset, used by TestArchiveFileHeaderCarriesOwnershipAndTime
// to check they survive into the tar.Header.
const (
	testMTime = 1700000000
	testUID   = 1001
	testGID   = 1002
)

// buildBPBytes encodes a minimal non-embedded, non-null block pointer whose
// DVA[0] offset is sectorID sectors - used purely as an address tag so the
// fake device below knows which fixture to hand back.
func buildBPBytes(sectorID uint64) []byte {
	b := make([]byte, zfs.BlockPtrSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(9)<<32) // vdev 9, asize 1 sector
	binary.LittleEndian.PutUint64(b[8:16], sectorID)
	return b
}

func bpOffset(sectorID uint64) uint64 { return sectorID << zfs.SectorShift }

// mkDNodeBytes assembles one 512-byte dnode record with a single inline
// block pointer and, for znodes, a bonus buffer carrying mode, size, mtime,
// uid and gid.
func mkDNodeBytes(typ uint8, blkPtr []byte, bonusType uint8, mode, size uint64, maxBlkID uint64, dataBlkSzSec uint16, mtime, uid, gid uint64) []byte {
	b := make([]byte, zfs.DNodeSize)
	b[0] = typ
	b[2] = 1 // levels
	b[3] = 1 // nblkptr
	b[4] = bonusType
	binary.LittleEndian.PutUint16(b[8:10], dataBlkSzSec)
	binary.LittleEndian.PutUint64(b[16:24], maxBlkID)

	ptr := 64
	copy(b[ptr:ptr+zfs.BlockPtrSize], blkPtr)
	ptr += zfs.BlockPtrSize

	if bonusType != 0 {
		const bonusLen = 144 // wide enough to carry BonusZnode's v[0..17]
		binary.LittleEndian.PutUint16(b[10:12], bonusLen)
		binary.LittleEndian.PutUint64(b[ptr+16:ptr+24], mtime)  // BonusZnode.MTime is v[2]
		binary.LittleEndian.PutUint64(b[ptr+72:ptr+80], mode)   // BonusZnode.Mode is v[9]
		binary.LittleEndian.PutUint64(b[ptr+80:ptr+88], size)   // BonusZnode.Size is v[10]
		binary.LittleEndian.PutUint64(b[ptr+128:ptr+136], uid)  // BonusZnode.UID is v[16]
		binary.LittleEndian.PutUint64(b[ptr+136:ptr+144], gid)  // BonusZnode.GID is v[17]
	}
	return b
}

func mkMicroZapBlock(entryName string, value uint64) []byte {
	const blockTypeMicro = (uint64(1) << 63) + 3
	data := make([]byte, 128)
	binary.LittleEndian.PutUint64(data[0:8], blockTypeMicro)
	entry := data[64:128]
	binary.LittleEndian.PutUint64(entry[0:8], value)
	copy(entry[14:], entryName)
	return data
}

// fakeDevice serves every fixture block out of a table keyed by the
// requesting block pointer's DVA[0] offset.
type fakeDevice struct {
	byOffset map[uint64][]byte
}

func (f *fakeDevice) ReadBlock(ctx context.Context, bp zfs.BlockPtr, dvaIndex int) ([]byte, error) {
	return f.byOffset[bp.GetDVA(0).Offset], nil
}

// buildTestDataset assembles a tiny, fully in-memory pool fragment: one
// object set with a master node, a root directory holding a single file
// "file.txt" (object id 3, content "hello").
func buildTestDataset(t *testing.T) *Dataset {
	t.Helper()

	fileBP := buildBPBytes(5)
	dirZapBP := buildBPBytes(4)
	masterZapBP := buildBPBytes(3)
	dnodeArrayBP := buildBPBytes(2)
	osBP := zfs.ParseBlockPtr(buildBPBytes(1))

	fileDNode := mkDNodeBytes(zfs.DMUTypeZNode, fileBP, zfs.BonusTypeZNode, 0o100644, 5, 0, 1, testMTime, testUID, testGID)
	rootDirDNode := mkDNodeBytes(zfs.DMUTypeDirectory, dirZapBP, 0, 0, 0, 0, 1, 0, 0, 0)
	masterDNode := mkDNodeBytes(zfs.DMUTypeMasterNode, masterZapBP, 0, 0, 0, 0, 1, 0, 0, 0)
	emptySlot := make([]byte, zfs.DNodeSize)

	dnodeArrayBlock := append(append(append(emptySlot, masterDNode...), rootDirDNode...), fileDNode...)

	metaDNode := mkDNodeBytes(1, dnodeArrayBP, 0, 0, 0, 0, 4, 0, 0, 0) // 4 dnode slots/block

	fileData := make([]byte, 512)
	copy(fileData, "hello")

	dev := &fakeDevice{byOffset: map[uint64][]byte{
		bpOffset(1): metaDNode,                                  // object-set root -> meta-dnode
		bpOffset(2): dnodeArrayBlock,                             // meta-dnode's data block -> dnode array
		bpOffset(3): mkMicroZapBlock("ROOT", 2),                  // master node ZAP
		bpOffset(4): mkMicroZapBlock("file.txt", (uint64(8)<<60)|3), // root dir ZAP
		bpOffset(5): fileData,                                    // file content
	}}

	ds, err := Open(context.Background(), dev, zfs.BonusDataset{BPtr: osBP}, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ds.Analyse(context.Background()); err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	return ds
}

func TestAnalyseResolvesRootDirID(t *testing.T) {
	ds := buildTestDataset(t)
	if ds.RootDirID != 2 {
		t.Errorf("RootDirID = %d, want 2", ds.RootDirID)
	}
}

func TestTraverseDirListsFileWithMetadata(t *testing.T) {
	ds := buildTestDataset(t)
	var got []Entry
	err := ds.TraverseDir(context.Background(), ds.RootDirID, 2, "/", func(prefix string, e Entry) {
		got = append(got, e)
	})
	if err != nil {
		t.Fatalf("TraverseDir: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(got))
	}
	e := got[0]
	if e.Name != "file.txt" || e.ObjID != 3 || e.TypeCode != 'f' {
		t.Errorf("entry = %+v, want {file.txt 3 'f' ...}", e)
	}
	if e.Size != 5 {
		t.Errorf("Size = %d, want 5", e.Size)
	}
	if !e.Reachable {
		t.Error("Reachable = false, want true")
	}
}

func TestExportFileListWritesTabSeparatedRow(t *testing.T) {
	ds := buildTestDataset(t)
	var buf bytes.Buffer
	if err := ds.ExportFileList(context.Background(), &buf, ds.RootDirID); err != nil {
		t.Fatalf("ExportFileList: %v", err)
	}
	want := "3\t5\t/file.txt\n"
	if buf.String() != want {
		t.Errorf("ExportFileList output = %q, want %q", buf.String(), want)
	}
}

func TestExtractFileReadsContent(t *testing.T) {
	ds := buildTestDataset(t)
	var buf bytes.Buffer
	ok, err := ds.ExtractFile(context.Background(), 3, &buf)
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if !ok {
		t.Error("ExtractFile ok = false, want true")
	}
	if buf.String() != "hello" {
		t.Errorf("ExtractFile content = %q, want %q", buf.String(), "hello")
	}
}

func TestArchiveFileHeaderCarriesOwnershipAndTime(t *testing.T) {
	ds := buildTestDataset(t)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := ds.Archive(context.Background(), tw, ds.RootDirID, nil); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tw.Close: %v", err)
	}

	tr := tar.NewReader(&buf)
	var fileHdr *tar.Header
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Name == "file.txt" {
			fileHdr = hdr
			break
		}
	}
	if fileHdr == nil {
		t.Fatal("archive has no file.txt entry")
	}
	if got, want := fileHdr.Mode, int64(0o644); got != want {
		t.Errorf("Mode = %o, want %o", got, want)
	}
	if got, want := fileHdr.Uid, testUID; got != want {
		t.Errorf("Uid = %d, want %d", got, want)
	}
	if got, want := fileHdr.Gid, testGID; got != want {
		t.Errorf("Gid = %d, want %d", got, want)
	}
	if got, want := fileHdr.ModTime, time.Unix(testMTime, 0); !got.Equal(want) {
		t.Errorf("ModTime = %v, want %v", got, want)
	}
}

func TestRWXString(t *testing.T) {
	if got, want := RWXString(0o644), "rw-r--r--"; got != want {
		t.Errorf("RWXString(0o644) = %q, want %q", got, want)
	}
	if got, want := RWXString(0o755), "rwxr-xr-x"; got != want {
		t.Errorf("RWXString(0o755) = %q, want %q", got, want)
	}
}
