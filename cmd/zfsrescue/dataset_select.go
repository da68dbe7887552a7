package main

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/dataset"
	"github.com/hiliev/go-zfs-rescue/internal/transport"
	"github.com/hiliev/go-zfs-rescue/internal/vdev"
)

// openRequestedDataset assembles the pool device and opens the dataset
// identified by objID (or, when objID is negative, the sole dataset found
// in the meta object set -- erroring out if that is ambiguous).
func openRequestedDataset(ctx context.Context, pf *poolFlags, objID int64) (*dataset.Dataset, transport.Transport, vdev.Device, error) {
	tr, err := pf.openTransport()
	if err != nil {
		return nil, nil, nil, err
	}

	dev, initLabel, disks, err := pf.openPoolDevice(ctx, tr)
	if err != nil {
		tr.Close()
		return nil, nil, nil, err
	}

	ub, err := pf.selectUberblock(ctx, tr, initLabel, disks)
	if err != nil {
		tr.Close()
		return nil, nil, nil, err
	}

	mos, err := openMOS(ctx, dev, ub)
	if err != nil {
		tr.Close()
		return nil, nil, nil, err
	}

	found := findDatasets(ctx, mos)
	if objID < 0 {
		if len(found) != 1 {
			tr.Close()
			return nil, nil, nil, xerrors.Errorf("pool has %d datasets, pass -dataset to pick one", len(found))
		}
		for id := range found {
			objID = id
		}
	}
	bds, ok := found[objID]
	if !ok {
		tr.Close()
		return nil, nil, nil, xerrors.Errorf("no dataset with object id %d", objID)
	}

	var lastErr error
	for dva := 0; dva < 3; dva++ {
		ds, err := dataset.Open(ctx, dev, bds, dva)
		if err != nil {
			lastErr = err
			continue
		}
		if err := ds.Analyse(ctx); err != nil {
			lastErr = err
			continue
		}
		return ds, tr, dev, nil
	}
	tr.Close()
	return nil, nil, nil, xerrors.Errorf("opening dataset %d from any DVA copy: %w", objID, lastErr)
}
