package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/label"
	"github.com/hiliev/go-zfs-rescue/internal/objset"
	"github.com/hiliev/go-zfs-rescue/internal/transport"
	"github.com/hiliev/go-zfs-rescue/internal/vdev"
	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

// poolFlags holds the vdev-topology command-line flags shared by every
// verb, grounded on zfs_rescue.py's top-of-script configuration constants.
type poolFlags struct {
	transportKind string // "file" or "net"
	config        string
	netAddr       string

	initialDisk  string
	topology     string // "single", "mirror" or "raidz1"
	bad          string // comma-separated bad child device indices
	repair       bool
	ashift       uint
	dumpDir      string
	txg          int64 // -1 selects the active uberblock
	label        int
	watchHotplug bool
}

func parseBadList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, xerrors.Errorf("parsing -bad index %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// openTransport builds the configured block transport.
func (pf *poolFlags) openTransport() (transport.Transport, error) {
	switch pf.transportKind {
	case "", "file":
		return transport.NewFileTransport(pf.config)
	case "net":
		addr := pf.netAddr
		if addr == "" {
			addr = fmt.Sprintf("localhost:%d", transport.DefaultPort)
		}
		return transport.NewNetworkTransport(addr, 30*time.Second), nil
	default:
		return nil, xerrors.Errorf("unknown transport kind %q", pf.transportKind)
	}
}

// openPoolDevice reads the initial disk's label, discovers every vdev
// member from its configuration nvlist, and builds the vdev.Device the
// rest of the tool reads blocks through.
func (pf *poolFlags) openPoolDevice(ctx context.Context, tr transport.Transport) (vdev.Device, *label.Label, []string, error) {
	initLabel, err := label.Read(ctx, tr, pf.initialDisk, pf.label)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("reading initial label: %w", err)
	}
	disks, err := initLabel.VdevDisks()
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("resolving vdev disks: %w", err)
	}

	bad, err := parseBadList(pf.bad)
	if err != nil {
		return nil, nil, nil, err
	}

	var dump *vdev.DumpDir
	if pf.dumpDir != "" {
		dump = &vdev.DumpDir{Dir: pf.dumpDir}
	}

	ashift := pf.ashift
	if ashift == 0 {
		ashift = initLabel.Ashift()
	}

	var dev vdev.Device
	switch pf.topology {
	case "", "single", "mirror":
		dev = vdev.NewMirrorDevice(disks, tr, bad, dump)
	case "raidz1":
		dev = vdev.NewRaidzDevice(disks, tr, ashift, bad, pf.repair, dump)
	default:
		return nil, nil, nil, xerrors.Errorf("unknown topology %q", pf.topology)
	}
	return dev, initLabel, disks, nil
}

// selectUberblock picks the uberblock to read the pool from: an explicit
// TXG if one was requested, else the highest-TXG valid uberblock across
// every child's label (falling back to the initial disk's own label).
func (pf *poolFlags) selectUberblock(ctx context.Context, tr transport.Transport, initLabel *label.Label, disks []string) (zfs.Uberblock, error) {
	if pf.txg >= 0 {
		if ub, ok := initLabel.FindUberblockByTXG(uint64(pf.txg)); ok {
			return ub, nil
		}
		return zfs.Uberblock{}, xerrors.Errorf("no uberblock with txg %d", pf.txg)
	}

	var best zfs.Uberblock
	var bestTXG uint64
	if ub, ok := initLabel.FindActiveUberblock(); ok {
		best, bestTXG = ub, ub.TXG
	}
	for _, disk := range disks {
		l, err := label.Read(ctx, tr, disk, 0)
		if err != nil {
			continue
		}
		if ub, ok := l.FindActiveUberblock(); ok && ub.TXG > bestTXG {
			best, bestTXG = ub, ub.TXG
		}
	}
	if bestTXG == 0 {
		return zfs.Uberblock{}, xerrors.New("no active uberblock found on any child vdev")
	}
	return best, nil
}

// openMOS reads the meta-object-set at ub's root block pointer, trying
// every DVA copy in turn the way zfs_rescue.py's driver loop does.
func openMOS(ctx context.Context, dev vdev.Device, ub zfs.Uberblock) (*objset.ObjectSet, error) {
	var lastErr error
	for dva := 0; dva < 3; dva++ {
		mos, err := objset.Open(ctx, dev, ub.RootBP, dva)
		if err == nil {
			return mos, nil
		}
		lastErr = err
	}
	return nil, xerrors.Errorf("opening MOS from any DVA copy: %w", lastErr)
}

// findDatasets scans the MOS's object set for DSL dataset objects (dn_type
// 16), returning object id -> bonus payload.
func findDatasets(ctx context.Context, mos *objset.ObjectSet) map[int64]zfs.BonusDataset {
	out := map[int64]zfs.BonusDataset{}
	for n := int64(0); n < mos.Len(); n++ {
		dn, ok := mos.DNode(ctx, n)
		if !ok || dn.Type != zfs.DMUTypeDSLDataset {
			continue
		}
		if bds, ok := dn.Bonus.(zfs.BonusDataset); ok {
			out[n] = bds
		}
	}
	return out
}
