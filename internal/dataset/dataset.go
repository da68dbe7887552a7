// Package dataset implements traversal of one ZFS dataset's (a filesystem
// or zvol's) directory hierarchy: listing, exporting a flat file list,
// extracting individual file content and archiving a whole subtree.
package dataset

import (
	"archive/tar"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/objset"
	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zap"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

const (
	modeMask = 0o777
)

// Dataset is a DSL dataset's own object set, with the dataset-specific
// bookkeeping (root directory id, optional System Attribute tables) that a
// plain ObjectSet doesn't carry.
type Dataset struct {
	*objset.ObjectSet
	dev vdev.Device

	RootDirID int64
	SA        *SystemAttr
}

// Open loads the dataset whose head object set is rooted at bonus.BPtr
// (the DSL dataset bonus buffer's embedded block pointer).
func Open(ctx context.Context, dev vdev.Device, bonus zfs.BonusDataset, dva int) (*Dataset, error) {
	os, err := objset.Open(ctx, dev, bonus.BPtr, dva)
	if err != nil {
		return nil, xerrors.Errorf("dataset: opening object set: %w", err)
	}
	return &Dataset{ObjectSet: os, dev: dev, RootDirID: -1}, nil
}

// Analyse reads the dataset's master node (object id 1) and resolves its
// root directory id and, if present, its System Attribute tables.
func (ds *Dataset) Analyse(ctx context.Context) error {
	master, ok := ds.DNode(ctx, 1)
	if !ok {
		return xerrors.New("dataset: master node is unreachable")
	}
	if master.Type != zfs.DMUTypeMasterNode {
		return xerrors.Errorf("dataset: master node has unexpected type %d", master.Type)
	}

	z, err := zap.Load(ctx, ds.dev, master)
	if err != nil {
		return xerrors.Errorf("dataset: loading master node ZAP: %w", err)
	}
	root, ok := z.Get("ROOT")
	if !ok {
		return xerrors.New("dataset: master node ZAP has no ROOT entry")
	}
	ds.RootDirID = asObjID(root)

	if saID, ok := z.Get("SA_ATTRS"); ok {
		sa, err := LoadSystemAttr(ctx, ds, asObjID(saID))
		if err == nil {
			ds.SA = sa
		}
		// A pool predating System Attributes simply has no SA_ATTRS entry,
		// and a present-but-unparseable one should not abort the analysis:
		// every other field still resolves through the znode bonus buffer.
	}
	return nil
}

// Entry describes one directory entry resolved against its target dnode.
type Entry struct {
	Name      string
	ObjID     int64
	TypeCode  byte
	Size      uint64
	Mode      uint64
	MTime     uint64 // seconds since the epoch, from the znode bonus buffer
	UID       uint64
	GID       uint64
	Reachable bool
}

// RWXString renders the low 9 mode bits as an "rwxr-xr-x" string.
func RWXString(mode uint64) string {
	bits := []uint64{0o400, 0o200, 0o100, 0o040, 0o020, 0o010, 0o004, 0o002, 0o001}
	letters := "rwxrwxrwx"
	var sb strings.Builder
	for i, b := range bits {
		if mode&b != 0 {
			sb.WriteByte(letters[i])
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// listDir resolves dirDnodeID's ZAP and returns its entries sorted by name.
func (ds *Dataset) listDir(ctx context.Context, dirDnodeID int64) ([]Entry, error) {
	dirDNode, ok := ds.DNode(ctx, dirDnodeID)
	if !ok {
		return nil, xerrors.Errorf("dataset: directory dnode %d is unreachable", dirDnodeID)
	}
	z, err := zap.Load(ctx, ds.dev, dirDNode)
	if err != nil {
		return nil, xerrors.Errorf("dataset: loading directory %d ZAP: %w", dirDnodeID, err)
	}

	keys := z.Keys()
	out := make([]Entry, 0, len(keys))
	for _, name := range keys {
		raw, _ := z.Get(name)
		val, ok := raw.(uint64)
		if !ok {
			continue
		}
		objID, typeCode := zap.DirEntry(val)
		e := Entry{Name: name, ObjID: int64(objID), TypeCode: typeCode}
		if entryDNode, ok := ds.DNode(ctx, int64(objID)); ok {
			if zn, ok := entryDNode.Bonus.(zfs.BonusZnode); ok {
				e.Mode = zn.Mode
				e.Size = zn.Size
				e.MTime = zn.MTime
				e.UID = zn.UID
				e.GID = zn.GID
			}
			e.Reachable = true
		}
		out = append(out, e)
	}
	return out, nil
}

// TraverseDir recursively visits dirDnodeID's tree, calling visit for every
// entry found (depth entries below the root) with its slash-terminated
// path prefix. Traversal stops descending past depth directory levels.
func (ds *Dataset) TraverseDir(ctx context.Context, dirDnodeID int64, depth int, prefix string, visit func(prefix string, e Entry)) error {
	entries, err := ds.listDir(ctx, dirDnodeID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		visit(prefix, e)
		if e.TypeCode == 'd' && depth > 0 {
			if err := ds.TraverseDir(ctx, e.ObjID, depth-1, prefix+e.Name+"/", visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExportFileList writes a tab-separated (object id, size, full path) row
// for every file, symlink and directory under rootDirID, recursing into
// directories. Directory rows carry size 0 and a trailing slash; a directory
// that cannot be listed gets a single row with size -1.
func (ds *Dataset) ExportFileList(ctx context.Context, w io.Writer, rootDirID int64) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	defer cw.Flush()
	return ds.exportDir(ctx, cw, rootDirID, "/")
}

func (ds *Dataset) exportDir(ctx context.Context, cw *csv.Writer, dirDnodeID int64, prefix string) error {
	entries, err := ds.listDir(ctx, dirDnodeID)
	if err != nil {
		return cw.Write([]string{strconv.FormatInt(dirDnodeID, 10), "-1", prefix})
	}
	for _, e := range entries {
		full := prefix + e.Name
		switch e.TypeCode {
		case 'f':
			if err := cw.Write([]string{strconv.FormatInt(e.ObjID, 10), strconv.FormatUint(e.Size, 10), full}); err != nil {
				return err
			}
		case 'l':
			if err := cw.Write([]string{strconv.FormatInt(e.ObjID, 10), strconv.FormatUint(e.Size, 10), full + " -> ..."}); err != nil {
				return err
			}
		case 'd':
			if err := cw.Write([]string{strconv.FormatInt(e.ObjID, 10), "0", full + "/"}); err != nil {
				return err
			}
			if err := ds.exportDir(ctx, cw, e.ObjID, full+"/"); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtractFile writes fileNodeID's content to w. ok is false if any block
// was unreadable or missing (the written content is then zero-padded at
// those positions rather than truncated).
func (ds *Dataset) ExtractFile(ctx context.Context, fileNodeID int64, w io.Writer) (ok bool, err error) {
	fileDNode, found := ds.DNode(ctx, fileNodeID)
	if !found {
		return false, xerrors.Errorf("dataset: file dnode %d is unreachable", fileNodeID)
	}
	zn, _ := fileDNode.Bonus.(zfs.BonusZnode)
	if zn.Size == 0 {
		return true, nil
	}

	fo := NewFileObj(ds.dev, fileDNode, true)
	numBlocks := int64(fileDNode.MaxBlkID) + 1
	var total uint64
	for n := int64(0); n < numBlocks && total < zn.Size; n++ {
		want := fileDNode.DataBlockSize()
		block := fo.Read(ctx, int(want))
		remaining := zn.Size - total
		if uint64(len(block)) > remaining {
			block = block[:remaining]
		}
		if _, err := w.Write(block); err != nil {
			return false, xerrors.Errorf("dataset: writing extracted content: %w", err)
		}
		total += uint64(len(block))
	}
	return !fo.Corrupted(), nil
}

// Archive writes dirNodeID's subtree to tw as a tar stream, skipping any
// object id present in skipObjs.
func (ds *Dataset) Archive(ctx context.Context, tw *tar.Writer, dirNodeID int64, skipObjs map[int64]bool) error {
	return ds.archiveDir(ctx, tw, dirNodeID, skipObjs, "")
}

func (ds *Dataset) archiveDir(ctx context.Context, tw *tar.Writer, dirNodeID int64, skipObjs map[int64]bool, prefix string) error {
	entries, err := ds.listDir(ctx, dirNodeID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if skipObjs[e.ObjID] {
			continue
		}
		full := prefix + e.Name
		switch e.TypeCode {
		case 'f':
			if err := ds.archiveFile(ctx, tw, e, full); err != nil {
				return err
			}
		case 'd':
			hdr := &tar.Header{
				Name:     full + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(e.Mode & modeMask),
				ModTime:  time.Unix(int64(e.MTime), 0),
				Uid:      int(e.UID),
				Gid:      int(e.GID),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if err := ds.archiveDir(ctx, tw, e.ObjID, skipObjs, full+"/"); err != nil {
				return err
			}
		case 'l':
			if err := ds.archiveSymlink(ctx, tw, e, full); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ds *Dataset) archiveFile(ctx context.Context, tw *tar.Writer, e Entry, full string) error {
	tmp, err := os.CreateTemp("", "zfsrescue-extract-*")
	if err != nil {
		return xerrors.Errorf("dataset: creating extraction temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	ok, err := ds.ExtractFile(ctx, e.ObjID, tmp)
	if err != nil {
		return err
	}
	name := full
	if !ok {
		name += "._corrupted"
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Size:     size,
		Mode:     int64(e.Mode & modeMask),
		ModTime:  time.Unix(int64(e.MTime), 0),
		Uid:      int(e.UID),
		Gid:      int(e.GID),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(tw, tmp)
	return err
}

func (ds *Dataset) archiveSymlink(ctx context.Context, tw *tar.Writer, e Entry, full string) error {
	fileDNode, ok := ds.DNode(ctx, e.ObjID)
	if !ok {
		return nil
	}
	zn, _ := fileDNode.Bonus.(zfs.BonusZnode)

	var target string
	if zn.Size > uint64(len(zn.InlineContent)) {
		fo := NewFileObj(ds.dev, fileDNode, false)
		target = string(fo.Read(ctx, int(zn.Size)))
	} else if zn.Size <= uint64(len(zn.InlineContent)) {
		target = string(zn.InlineContent[:zn.Size])
	}
	hdr := &tar.Header{
		Name:     full,
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		Mode:     int64(e.Mode & modeMask),
		ModTime:  time.Unix(int64(zn.MTime), 0),
		Uid:      int(zn.UID),
		Gid:      int(zn.GID),
	}
	return tw.WriteHeader(hdr)
}

