package main

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// cmdDump prints a summary of the discovered vdev topology, the selected
// uberblock and every dataset found in the meta object set, useful as a
// first look at a damaged pool before committing to an export or archive.
func cmdDump(ctx context.Context, args []string) error {
	fs, pf := newPoolFlagSet("zfsrescue dump")
	uncompressed := fs.Bool("uncompressed", false, "select the first uberblock whose root block pointer uses no compression, for easier raw inspection")
	fs.Parse(args)

	tr, err := pf.openTransport()
	if err != nil {
		return xerrors.Errorf("dump: %w", err)
	}
	defer tr.Close()

	dev, initLabel, disks, err := pf.openPoolDevice(ctx, tr)
	if err != nil {
		return xerrors.Errorf("dump: %w", err)
	}
	fmt.Printf("vdev members (%d):\n", len(disks))
	for i, d := range disks {
		fmt.Printf("  [%d] %s\n", i, d)
	}

	if txg, ok := initLabel.TXG(); ok {
		fmt.Printf("label txg: %d\n", txg)
	}

	var ub zfs.Uberblock
	if *uncompressed {
		var ok bool
		ub, ok = initLabel.FindUncompressedUberblock()
		if !ok {
			return xerrors.New("dump: no uncompressed uberblock found on the initial disk's label")
		}
		fmt.Printf("uncompressed uberblock: txg=%d guid_sum=%#x rootbp=%s\n", ub.TXG, ub.GUIDSum, ub.RootBP)
	} else {
		var err error
		ub, err = pf.selectUberblock(ctx, tr, initLabel, disks)
		if err != nil {
			return xerrors.Errorf("dump: %w", err)
		}
		fmt.Printf("active uberblock: txg=%d guid_sum=%#x rootbp=%s\n", ub.TXG, ub.GUIDSum, ub.RootBP)
	}

	mos, err := openMOS(ctx, dev, ub)
	if err != nil {
		return xerrors.Errorf("dump: %w", err)
	}
	fmt.Printf("meta object set: %d dnode slots\n", mos.Len())

	datasets := findDatasets(ctx, mos)
	fmt.Printf("datasets found: %d\n", len(datasets))
	for id, bds := range datasets {
		fmt.Printf("  objid=%d used_bytes=%d rootbp=%s\n", id, bds.UsedBytes, bds.BPtr)
	}
	return nil
}
