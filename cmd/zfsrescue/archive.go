package main

import (
	"archive/tar"
	"context"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/hotplug"
)

// cmdArchive writes a gzip-compressed tar archive of a dataset subtree,
// optionally skipping a set of object ids (useful for excluding a
// known-corrupt file that would otherwise stall the walk).
func cmdArchive(ctx context.Context, args []string) error {
	fs, pf := newPoolFlagSet("zfsrescue archive")
	datasetID := fs.Int64("dataset", -1, "object id of the dataset to archive (default: the pool's only dataset)")
	dir := fs.Int64("dir", -1, "directory object id to archive (default: the dataset root)")
	skip := fs.String("skip", "", "comma-separated object ids to omit from the archive")
	out := fs.String("out", "", "output .tar.gz path (required)")
	fs.Parse(args)

	if *out == "" {
		return xerrors.New("archive: -out is required")
	}

	skipObjs := map[int64]bool{}
	if *skip != "" {
		for _, part := range strings.Split(*skip, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return xerrors.Errorf("archive: parsing -skip id %q: %w", part, err)
			}
			skipObjs[id] = true
		}
	}

	ds, tr, _, err := openRequestedDataset(ctx, pf, *datasetID)
	if err != nil {
		return xerrors.Errorf("archive: %w", err)
	}
	defer tr.Close()

	if pf.watchHotplug {
		hotplug.Watch(ctx)
	}

	root := *dir
	if root < 0 {
		root = ds.RootDirID
	}
	if root < 0 {
		return xerrors.New("archive: dataset has no resolvable root directory")
	}

	pf2, err := renameio.TempFile("", *out)
	if err != nil {
		return xerrors.Errorf("archive: %w", err)
	}
	defer pf2.Cleanup()

	zw, err := pgzip.NewWriterLevel(pf2, pgzip.BestSpeed)
	if err != nil {
		return xerrors.Errorf("archive: %w", err)
	}
	tw := tar.NewWriter(zw)

	progressf("archiving dataset into %s...", *out)
	if err := ds.Archive(ctx, tw, root, skipObjs); err != nil {
		return xerrors.Errorf("archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return xerrors.Errorf("archive: closing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("archive: closing gzip stream: %w", err)
	}
	if err := pf2.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("archive: %w", err)
	}
	progressf("done\n")
	return nil
}
