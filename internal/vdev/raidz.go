package vdev

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/transport"
)

// raidzColumn is one child vdev's share of a single-parity RAID-Z stripe.
type raidzColumn struct {
	devIdx int
	offset uint64
	size   uint64
}

// RaidzDevice implements single-parity (raidz1) reads: it maps one logical
// read onto a set of per-column physical reads, issues them as a single
// vectored request, and can reconstruct one bad column via parity XOR.
type RaidzDevice struct {
	GenericDevice
	ashift  uint
	nparity int
	bad     map[int]bool
	repair  bool
}

// NewRaidzDevice builds a raidz1 device over devs at the given ashift
// (sector size exponent). bad lists child device indices known to be
// unreadable; when repair is true and exactly one bad disk is given, its
// data is reconstructed from parity.
func NewRaidzDevice(devs []string, tr transport.Transport, ashift uint, bad []int, repair bool, dump *DumpDir) *RaidzDevice {
	r := &RaidzDevice{
		GenericDevice: GenericDevice{Devs: devs, Transport: tr, Dump: dump},
		ashift:        ashift,
		nparity:       1,
		bad:           map[int]bool{},
		repair:        repair,
	}
	for _, b := range bad {
		r.bad[b] = true
	}
	r.readPhysical = r.readRaidzStripe
	return r
}

func roundup(x, y int) int { return ((x + y - 1) / y) * y }

// mapAlloc computes the column layout for one I/O, an exact port of ZFS's
// vdev_raidz_map_alloc restricted to nparity == 1.
func (r *RaidzDevice) mapAlloc(ioOffset, ioSize uint64) (cols []raidzColumn, firstDataCol, skipStart int) {
	dcols := len(r.Devs)
	unitShift := r.ashift

	b := ioOffset >> unitShift
	s := ioSize >> unitShift
	f := int(b % uint64(dcols))
	o := (b / uint64(dcols)) << unitShift

	q := s / uint64(dcols-r.nparity)
	rem := s - q*uint64(dcols-r.nparity)
	bc := 0
	if rem != 0 {
		bc = int(rem) + r.nparity
	}

	var acols, scols int
	if q == 0 {
		acols = bc
		scols = dcols
		if v := roundup(bc, r.nparity+1); v < dcols {
			scols = v
		}
	} else {
		acols = dcols
		scols = dcols
	}

	skipStart = bc
	firstDataCol = r.nparity

	type rawCol struct {
		devidx int
		offset uint64
		size   uint64
	}
	raw := make([]rawCol, 0, scols)
	for c := 0; c < scols; c++ {
		col := f + c
		coff := o
		if col >= dcols {
			col -= dcols
			coff += 1 << unitShift
		}
		var size uint64
		switch {
		case c >= acols:
			size = 0
		case c < bc:
			size = (q + 1) << unitShift
		default:
			size = q << unitShift
		}
		if size > 0 {
			raw = append(raw, rawCol{devidx: col, offset: coff, size: size})
		}
	}

	// Parity rotation: when this stripe's starting offset has bit 20 set,
	// swap the first two columns (the single-parity column with the first
	// data column) and make sure the skip-start reflects the rotation.
	if firstDataCol == 1 && ioOffset&(1<<20) != 0 && len(raw) >= 2 {
		raw[0], raw[1] = raw[1], raw[0]
		if skipStart == 0 {
			skipStart = 1
		}
	}

	cols = make([]raidzColumn, len(raw))
	for i, rc := range raw {
		cols[i] = raidzColumn{devIdx: rc.devidx, offset: rc.offset, size: rc.size}
	}
	return cols, firstDataCol, skipStart
}

func (r *RaidzDevice) readRaidzStripe(ctx context.Context, offset, psize uint64, debugPrefix string) ([]byte, error) {
	cols, firstDataCol, _ := r.mapAlloc(offset, psize)
	if len(cols) == 0 {
		return nil, xerrors.New("vdev: raidz map produced no columns")
	}

	blocks := make([]transport.BlockRequest, len(cols))
	for i, c := range cols {
		blocks[i] = transport.BlockRequest{
			Path:   r.Devs[c.devIdx],
			Offset: c.offset + bootReservation,
			Count:  c.size,
		}
	}
	data, err := r.Transport.Readv(ctx, blocks)
	if err != nil {
		return nil, xerrors.Errorf("vdev: raidz vectored read: %w", err)
	}

	colData := make([][]byte, len(cols))
	colInfo := make([]ColumnInfo, len(cols))
	ptr := uint64(0)
	for i, c := range cols {
		colData[i] = data[ptr : ptr+c.size]
		ptr += c.size
		r.Dump.write(debugPrefixFor(debugPrefix, i), colData[i])
		colInfo[i] = ColumnInfo{
			Index:  i,
			DevIdx: c.devIdx,
			Offset: c.offset,
			Size:   c.size,
			Parity: i < firstDataCol,
			Bad:    r.bad[c.devIdx],
		}
	}
	r.Dump.writeColumns(debugPrefix, colInfo)

	if r.repair && len(r.bad) == 1 {
		r.reconstruct(cols, colData)
	}

	out := make([]byte, 0, psize)
	for _, c := range colData[firstDataCol:] {
		out = append(out, c...)
	}
	return out, nil
}

// reconstruct repairs a single bad data column in place by XORing every
// other column against the parity column, per RAID-Z1's single-disk repair
// path. Repairing more than one bad disk is not supported, matching the
// grounded reference.
func (r *RaidzDevice) reconstruct(cols []raidzColumn, colData [][]byte) {
	var badDisk int
	for d := range r.bad {
		badDisk = d
		break
	}
	badCol := -1
	for i, c := range cols {
		if i == 0 {
			continue // parity column itself is never "the" bad data column here
		}
		if c.devIdx == badDisk {
			badCol = i
			break
		}
	}
	if badCol < 0 {
		return
	}

	parity := append([]byte(nil), colData[0]...)
	for i := 1; i < len(colData); i++ {
		if i == badCol {
			continue
		}
		xorInto(parity, colData[i])
	}
	badSize := cols[badCol].size
	if uint64(len(parity)) > badSize {
		parity = parity[:badSize]
	}
	colData[badCol] = parity
}

func xorInto(p, d []byte) {
	n := len(d)
	if len(p) < n {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] ^= d[i]
	}
}
