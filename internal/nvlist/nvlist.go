// Package nvlist decodes the XDR-like, big-endian name/value lists used to
// encode pool and vdev configuration inside a label.
package nvlist

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Data type tags, as found on the wire (illumos nvpair.h).
const (
	typeUnknown      = 0
	typeBoolean      = 1
	typeByte         = 2
	typeInt16        = 3
	typeUint16       = 4
	typeInt32        = 5
	typeUint32       = 6
	typeInt64        = 7
	typeUint64       = 8
	typeString       = 9
	typeByteArray    = 10
	typeInt16Array   = 11
	typeUint16Array  = 12
	typeInt32Array   = 13
	typeUint32Array  = 14
	typeInt64Array   = 15
	typeUint64Array  = 16
	typeStringArray  = 17
	typeHRTime       = 18
	typeNVList       = 19
	typeNVListArray  = 20
	typeBooleanValue = 21
	typeInt8         = 22
	typeUint8        = 23
	typeBooleanArray = 24
	typeInt8Array    = 25
	typeUint8Array   = 26
	typeDouble       = 27
)

// List is a decoded name/value list. Recognized scalar and nested-list
// types come back as native Go values (uint32, uint64, string, List); a
// pair holding more than one item, such as an nvlist array, comes back as a
// []interface{} of those values (ListArray turns it into []List). Every
// other type is handed back as the raw opaque bytes of its encoded value,
// so callers never lose data they don't otherwise need.
type List map[string]interface{}

// reader tracks a big-endian, 4-byte-aligned cursor over an nvlist byte
// stream, mirroring original_source/zfs/nvpair.py's TypedBytesIO.
type reader struct {
	*bytes.Reader
}

func (r *reader) uint32() (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func align4(n int) int { return (n + 3) &^ 3 }

// str reads a length-prefixed, 4-byte-aligned ASCII string and returns it
// along with the number of bytes consumed after the length prefix.
func (r *reader) str() (string, int, error) {
	strLen, err := r.uint32()
	if err != nil {
		return "", 0, err
	}
	dataSize := align4(int(strLen))
	buf := make([]byte, dataSize)
	if _, err := r.Read(buf); err != nil {
		return "", 0, err
	}
	return string(buf[:strLen]), dataSize + 4, nil
}

// Parse decodes a complete nvlist, including its leading codec header.
func Parse(data []byte) (List, error) {
	r := &reader{bytes.NewReader(data)}
	header := make([]byte, 8)
	n, err := r.Read(header)
	if err != nil {
		return nil, xerrors.Errorf("nvlist: reading header: %w", err)
	}
	if n != 8 {
		return nil, xerrors.Errorf("nvlist: short header (%d bytes)", n)
	}
	return parseList(r)
}

func parseList(r *reader) (List, error) {
	out := List{}
	for {
		size, err := r.uint32()
		if err != nil {
			return nil, xerrors.Errorf("nvlist: reading pair size: %w", err)
		}
		if _, err := r.uint32(); err != nil { // unpacked size, unused
			return nil, xerrors.Errorf("nvlist: reading pair unpacked size: %w", err)
		}
		if size == 0 {
			return out, nil
		}

		name, nameLen, err := r.str()
		if err != nil {
			return nil, xerrors.Errorf("nvlist: reading pair name: %w", err)
		}
		dataType, err := r.uint32()
		if err != nil {
			return nil, xerrors.Errorf("nvlist: reading pair type: %w", err)
		}
		itemCount, err := r.uint32()
		if err != nil {
			return nil, xerrors.Errorf("nvlist: reading pair item count: %w", err)
		}

		values := make([]interface{}, 0, itemCount)
		for i := uint32(0); i < itemCount; i++ {
			v, err := parseValue(r, dataType, int(size), nameLen)
			if err != nil {
				return nil, xerrors.Errorf("nvlist: reading value of %q: %w", name, err)
			}
			values = append(values, v)
		}

		if itemCount == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
	}
}

func parseValue(r *reader, dataType int, pairSize, nameLen int) (interface{}, error) {
	switch dataType {
	case typeUint32, typeInt32:
		return r.uint32()
	case typeUint64, typeInt64, typeHRTime:
		return r.uint64()
	case typeString:
		s, _, err := r.str()
		return s, err
	case typeNVList, typeNVListArray:
		return parseList(r)
	default:
		raw := make([]byte, pairSize-(16+nameLen))
		if len(raw) <= 0 {
			return []byte{}, nil
		}
		if _, err := r.Read(raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// Uint64 fetches a named uint64 value, returning ok=false if the key is
// absent or holds a different type.
func (l List) Uint64(name string) (uint64, bool) {
	v, found := l[name]
	if !found {
		return 0, false
	}
	u, ok := v.(uint64)
	return u, ok
}

// String fetches a named string value, returning ok=false if the key is
// absent or holds a different type.
func (l List) String(name string) (string, bool) {
	v, found := l[name]
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// List fetches a named nested list, returning ok=false if the key is absent
// or holds a different type.
func (l List) List(name string) (List, bool) {
	v, found := l[name]
	if !found {
		return nil, false
	}
	nested, ok := v.(List)
	return nested, ok
}

// ListArray fetches a named array of nested lists (DATA_TYPE_NVLIST_ARRAY
// items decode individually but are typically accumulated by the caller
// into a slice; this helper supports the common case where the array was
// captured as a single-item list already, for API symmetry with List()).
func (l List) ListArray(name string) ([]List, bool) {
	v, found := l[name]
	if !found {
		return nil, false
	}
	switch t := v.(type) {
	case []interface{}:
		out := make([]List, 0, len(t))
		for _, item := range t {
			if nl, ok := item.(List); ok {
				out = append(out, nl)
			}
		}
		return out, true
	case List:
		return []List{t}, true
	default:
		return nil, false
	}
}
