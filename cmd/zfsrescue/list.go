package main

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/dataset"
)

// cmdList walks a dataset's directory tree and prints one line per entry,
// similar in spirit to "ls -lR".
func cmdList(ctx context.Context, args []string) error {
	fs, pf := newPoolFlagSet("zfsrescue list")
	datasetID := fs.Int64("dataset", -1, "object id of the dataset to list (default: the pool's only dataset)")
	dir := fs.Int64("dir", -1, "directory object id to start listing from (default: the dataset root)")
	depth := fs.Int("depth", 1<<20, "maximum recursion depth below the starting directory")
	fs.Parse(args)

	ds, tr, _, err := openRequestedDataset(ctx, pf, *datasetID)
	if err != nil {
		return xerrors.Errorf("list: %w", err)
	}
	defer tr.Close()

	root := *dir
	if root < 0 {
		root = ds.RootDirID
	}
	if root < 0 {
		return xerrors.New("list: dataset has no resolvable root directory")
	}

	return ds.TraverseDir(ctx, root, *depth, "/", func(prefix string, e dataset.Entry) {
		reach := "?"
		if e.Reachable {
			reach = "ok"
		}
		fmt.Printf("%-4s %10d %s %s%s\n", string(e.TypeCode), e.Size, reach, prefix, e.Name)
	})
}
