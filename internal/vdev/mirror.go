package vdev

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/transport"
)

// MirrorDevice reads from one of several identical copies of the same data,
// falling back to the next copy when a disk is marked bad or a physical
// read fails. The reference implementation this is grounded on only ever
// read copy 0 (self._devs[0]) regardless of the mirror's other members;
// this version walks every copy in order and is the corrected behavior
// spec.md requires ("never silently settle for reading only the first
// mirror copy").
type MirrorDevice struct {
	GenericDevice
	bad map[int]bool
}

// NewMirrorDevice builds a mirror over devs (child device paths), skipping
// any index listed in bad when choosing which copy to read from first.
func NewMirrorDevice(devs []string, tr transport.Transport, bad []int, dump *DumpDir) *MirrorDevice {
	m := &MirrorDevice{
		GenericDevice: GenericDevice{Devs: devs, Transport: tr, Dump: dump},
		bad:           map[int]bool{},
	}
	for _, b := range bad {
		m.bad[b] = true
	}
	m.readPhysical = m.readMirrorCopy
	return m
}

func (m *MirrorDevice) readMirrorCopy(ctx context.Context, offset, psize uint64, debugPrefix string) ([]byte, error) {
	var lastErr error
	for i, dev := range m.Devs {
		if m.bad[i] {
			continue
		}
		data, err := m.Transport.Read(ctx, dev, offset+bootReservation, psize)
		if err != nil {
			lastErr = err
			continue
		}
		m.Dump.write(debugPrefixFor(debugPrefix, i), data)
		return data, nil
	}
	if lastErr == nil {
		lastErr = xerrors.New("vdev: mirror has no usable copies")
	}
	return nil, xerrors.Errorf("vdev: all mirror copies failed: %w", lastErr)
}
