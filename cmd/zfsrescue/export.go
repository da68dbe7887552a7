package main

import (
	"context"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// cmdExport writes a flat (object id, size, path) file list for a dataset,
// atomically via renameio so a crash or interrupt never leaves a truncated
// file list where a reader might mistake it for a complete one.
func cmdExport(ctx context.Context, args []string) error {
	fs, pf := newPoolFlagSet("zfsrescue export")
	datasetID := fs.Int64("dataset", -1, "object id of the dataset to export (default: the pool's only dataset)")
	out := fs.String("out", "", "output file list path (default: stdout)")
	fs.Parse(args)

	ds, tr, _, err := openRequestedDataset(ctx, pf, *datasetID)
	if err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	defer tr.Close()

	if ds.RootDirID < 0 {
		return xerrors.New("export: dataset has no resolvable root directory")
	}

	if *out == "" {
		return ds.ExportFileList(ctx, os.Stdout, ds.RootDirID)
	}

	pf2, err := renameio.TempFile("", *out)
	if err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	defer pf2.Cleanup()

	if err := ds.ExportFileList(ctx, pf2, ds.RootDirID); err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	return pf2.CloseAtomicallyReplace()
}
