package vdev

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hiliev/go-zfs-rescue/internal/transport"
)

// fakeTransport hands back a fixed number of zero bytes for every request in
// a Readv, concatenated in order - enough to drive the raidz column mapping
// without modelling real on-disk content.
type fakeTransport struct{}

func (fakeTransport) Read(ctx context.Context, path string, offset, count uint64) ([]byte, error) {
	return make([]byte, count), nil
}

func (fakeTransport) Readv(ctx context.Context, blocks []transport.BlockRequest) ([]byte, error) {
	var total uint64
	for _, b := range blocks {
		total += b.Count
	}
	return make([]byte, total), nil
}

func (fakeTransport) Close() error { return nil }

func TestMapAllocBasicLayout(t *testing.T) {
	r := NewRaidzDevice([]string{"d0", "d1", "d2", "d3"}, nil, 9, nil, false, nil)

	cols, firstDataCol, skipStart := r.mapAlloc(0, 3*512)
	if firstDataCol != 1 {
		t.Errorf("firstDataCol = %d, want 1 (single parity column)", firstDataCol)
	}
	if skipStart != 0 {
		t.Errorf("skipStart = %d, want 0 when the stripe divides evenly", skipStart)
	}
	if len(cols) != 4 {
		t.Fatalf("len(cols) = %d, want 4", len(cols))
	}
	for i, c := range cols {
		if c.devIdx != i {
			t.Errorf("cols[%d].devIdx = %d, want %d (no rotation expected)", i, c.devIdx, i)
		}
		if c.size != 512 {
			t.Errorf("cols[%d].size = %d, want 512", i, c.size)
		}
	}
}

func TestMapAllocParityRotationOnBit20(t *testing.T) {
	r := NewRaidzDevice([]string{"d0", "d1", "d2", "d3"}, nil, 9, nil, false, nil)

	offset := uint64(1) << 20
	cols, firstDataCol, skipStart := r.mapAlloc(offset, 3*512)
	if firstDataCol != 1 {
		t.Fatalf("firstDataCol = %d, want 1", firstDataCol)
	}
	if len(cols) != 4 {
		t.Fatalf("len(cols) = %d, want 4", len(cols))
	}
	// Bit 20 of the stripe offset being set must swap the parity column
	// with the first data column relative to the non-rotated layout.
	if cols[0].devIdx != 1 || cols[1].devIdx != 0 {
		t.Errorf("cols[0:2] devIdx = [%d %d], want [1 0] after rotation", cols[0].devIdx, cols[1].devIdx)
	}
	if skipStart != 1 {
		t.Errorf("skipStart = %d, want 1 after a rotation forces it off zero", skipStart)
	}
}

func TestReadRaidzStripeLabelsParityAndBadColumns(t *testing.T) {
	dir := t.TempDir()
	r := NewRaidzDevice([]string{"d0", "d1", "d2", "d3"}, fakeTransport{}, 9, []int{2}, false, &DumpDir{Dir: dir})

	if _, err := r.readRaidzStripe(context.Background(), 0, 3*512, "stripe"); err != nil {
		t.Fatalf("readRaidzStripe: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "stripe.columns.json"))
	if err != nil {
		t.Fatalf("reading column dump: %v", err)
	}
	var cols []ColumnInfo
	if err := json.Unmarshal(raw, &cols); err != nil {
		t.Fatalf("unmarshalling column dump: %v", err)
	}
	if len(cols) != 4 {
		t.Fatalf("len(cols) = %d, want 4", len(cols))
	}
	if !cols[0].Parity {
		t.Error("cols[0].Parity = false, want true (single-parity column comes first)")
	}
	for i := 1; i < len(cols); i++ {
		if cols[i].Parity {
			t.Errorf("cols[%d].Parity = true, want false", i)
		}
	}
	var sawBad bool
	for _, c := range cols {
		if c.DevIdx == 2 {
			if !c.Bad {
				t.Error("column on devIdx 2 must be labelled Bad")
			}
			sawBad = true
		} else if c.Bad {
			t.Errorf("column on devIdx %d labelled Bad unexpectedly", c.DevIdx)
		}
	}
	if !sawBad {
		t.Fatal("no column landed on the bad device index 2 in this layout")
	}
}
