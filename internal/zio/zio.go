// Package zio implements the block-level decompression codecs a pool may
// apply to on-disk records: LZJB and the ZFS-flavored LZ4 variant.
package zio

import (
	"golang.org/x/xerrors"

	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

const (
	byteBits  = 8
	matchBits = 6
	matchMin  = 3
	matchMax  = (1 << matchBits) + (matchMin - 1)
	offsetMask = (1 << (16 - matchBits)) - 1
)

// DecompressLZJB reverses LZJB compression, a copymap-driven LZ77 variant
// native to ZFS. dlen is the known decompressed length (from the block
// pointer's lsize); decoding never runs past it.
func DecompressLZJB(src []byte, dlen int) ([]byte, error) {
	dst := make([]byte, 0, dlen)
	pos := 0
	dpos := 0
	var copymap byte
	copymask := byte(1 << (byteBits - 1))

	for pos < len(src) {
		copymask <<= 1
		if copymask == 0 { // wrapped past 1<<8
			copymask = 1
			if pos >= len(src) {
				return nil, xerrors.New("lzjb: truncated copymap byte")
			}
			copymap = src[pos]
			pos++
		}
		if copymap&copymask != 0 {
			if pos+1 >= len(src) {
				return nil, xerrors.New("lzjb: truncated match")
			}
			mlen := int(src[pos]>>(byteBits-matchBits)) + matchMin
			offset := ((int(src[pos]) << byteBits) | int(src[pos+1])) & offsetMask
			pos += 2
			cpy := dpos - offset
			if cpy < 0 {
				return nil, xerrors.New("lzjb: back-reference underflows output")
			}
			for mlen > 0 && dpos < dlen {
				dst = append(dst, dst[cpy])
				dpos++
				cpy++
				mlen--
			}
		} else if dpos < dlen {
			if pos >= len(src) {
				return nil, xerrors.New("lzjb: truncated literal")
			}
			dst = append(dst, src[pos])
			dpos++
			pos++
		} else {
			pos++
		}
	}
	return dst, nil
}

const (
	runMask = 0xf
	mlMask  = 0xf
)

// DecompressLZ4 reverses the ZFS pool variant of LZ4 framing: a 4-byte
// big-endian total compressed length prefix followed by standard
// token/literal/offset/match sequences, decoded byte-by-byte so that
// overlapping (offset < length) copies reproduce correctly.
func DecompressLZ4(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, xerrors.New("lz4zfs: input shorter than length prefix")
	}
	iend := int(uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3]))
	if iend > len(src) {
		iend = len(src)
	}
	ip := 4
	dst := make([]byte, 0, len(src)*2)

	for ip < iend {
		token := src[ip]
		ip++

		length := int(token >> 4)
		if length == runMask {
			s := 255
			for ip < iend && s == 255 {
				s = int(src[ip])
				length += s
				ip++
			}
		}
		if ip+length > len(src) {
			return nil, xerrors.New("lz4zfs: literal run overruns input")
		}
		dst = append(dst, src[ip:ip+length]...)
		ip += length

		if ip+2 > len(src) {
			// Trailing literal-only block with no following match; input is
			// fully consumed.
			break
		}
		off := int(src[ip]) | int(src[ip+1])<<8
		ip += 2
		ref := len(dst) - off
		if ref < 0 {
			return nil, xerrors.New("lz4zfs: match offset underflows output")
		}

		length = int(token & mlMask)
		if length == mlMask {
			for ip < len(src) {
				s := int(src[ip])
				ip++
				length += s
				if s == 255 {
					continue
				}
				break
			}
		}
		length += 4

		for i := 0; i < length; i++ {
			dst = append(dst, dst[len(dst)-off])
		}
	}
	return dst, nil
}

// Decompress dispatches on a block pointer's compression algorithm code and
// returns the decompressed block, trimmed to lsize when longer; a shorter
// result is returned as is and padded to lsize by the caller's vdev layer.
// CompOff blocks pass through unchanged; any algorithm other than LZJB (or
// its CompOn alias) and LZ4 is an error.
func Decompress(alg uint8, src []byte, lsize int) ([]byte, error) {
	switch alg {
	case zfs.CompOff:
		return src, nil
	case zfs.CompLZJB, zfs.CompOn:
		out, err := DecompressLZJB(src, lsize)
		if err != nil {
			return nil, xerrors.Errorf("zio: lzjb: %w", err)
		}
		return out, nil
	case zfs.CompLZ4:
		out, err := DecompressLZ4(src)
		if err != nil {
			return nil, xerrors.Errorf("zio: lz4: %w", err)
		}
		if len(out) > lsize {
			out = out[:lsize]
		}
		return out, nil
	default:
		return nil, xerrors.Errorf("zio: unsupported compression algorithm %d (%s)", alg, zfs.CompDesc[alg%uint8(len(zfs.CompDesc))])
	}
}
