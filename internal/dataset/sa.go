package dataset

import (
	"context"
	"encoding/binary"
	"strings"

	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/zap"
)

// SARegistryEntry describes one registered system attribute: its encoded
// length and lower-cased name, keyed by attribute number.
type SARegistryEntry struct {
	Len  uint16
	Name string
}

// SystemAttr resolves the registry/layout ZAPs used by newer ZFS on-disk
// formats to pack file attributes (mode, size, timestamps, ...) compactly
// instead of via the fixed znode_phys_t bonus buffer.
type SystemAttr struct {
	registry map[uint16]SARegistryEntry
	layouts  map[string][]SARegistryEntry
}

// LoadSystemAttr resolves the SA_ATTRS master-node ZAP entry (saAttrsObjID)
// into its registry and layout tables.
func LoadSystemAttr(ctx context.Context, ds *Dataset, saAttrsObjID int64) (*SystemAttr, error) {
	saDNode, ok := ds.DNode(ctx, saAttrsObjID)
	if !ok {
		return nil, xerrors.New("sa: SA_ATTRS dnode is unreachable")
	}
	saZap, err := zap.Load(ctx, ds.dev, saDNode)
	if err != nil {
		return nil, xerrors.Errorf("sa: loading SA_ATTRS ZAP: %w", err)
	}

	layoutID, ok := saZap.Get("LAYOUTS")
	if !ok {
		return nil, xerrors.New("sa: SA_ATTRS ZAP has no LAYOUTS entry")
	}
	registryID, ok := saZap.Get("REGISTRY")
	if !ok {
		return nil, xerrors.New("sa: SA_ATTRS ZAP has no REGISTRY entry")
	}

	registryDNode, ok := ds.DNode(ctx, asObjID(registryID))
	if !ok {
		return nil, xerrors.New("sa: SA registry dnode is unreachable")
	}
	layoutDNode, ok := ds.DNode(ctx, asObjID(layoutID))
	if !ok {
		return nil, xerrors.New("sa: SA layout dnode is unreachable")
	}

	registryZap, err := zap.Load(ctx, ds.dev, registryDNode)
	if err != nil {
		return nil, xerrors.Errorf("sa: loading SA registry ZAP: %w", err)
	}
	layoutZap, err := zap.Load(ctx, ds.dev, layoutDNode)
	if err != nil {
		return nil, xerrors.Errorf("sa: loading SA layout ZAP: %w", err)
	}

	sa := &SystemAttr{
		registry: map[uint16]SARegistryEntry{},
		layouts:  map[string][]SARegistryEntry{},
	}
	for _, name := range registryZap.Keys() {
		v, _ := registryZap.Get(name)
		encoded, ok := v.(uint64)
		if !ok {
			continue
		}
		// Layout: bits 0-15 attr number, bits 24-39 length, rest unused.
		attrNum := uint16(encoded & 0xffff)
		length := uint16((encoded >> 24) & 0xffff)
		sa.registry[attrNum] = SARegistryEntry{Len: length, Name: strings.ToLower(name)}
	}
	for _, name := range layoutZap.Keys() {
		v, _ := layoutZap.Get(name)
		raw, ok := v.([]byte)
		if !ok {
			continue
		}
		entries := make([]SARegistryEntry, 0, len(raw)/2)
		for i := 0; i+2 <= len(raw); i += 2 {
			idx := binary.BigEndian.Uint16(raw[i : i+2])
			if e, ok := sa.registry[idx]; ok {
				entries = append(entries, e)
			}
		}
		sa.layouts[name] = entries
	}
	return sa, nil
}

func asObjID(v interface{}) int64 {
	switch t := v.(type) {
	case uint64:
		return int64(t)
	default:
		return -1
	}
}
