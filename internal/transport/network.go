package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// DefaultPort is the zfsrescue-blockserver's listening port.
const DefaultPort = 24892

const (
	opReadSingle = 'r'
	opReadVector = 'v'

	respNext = 'n'
	respErr  = 'e'
	respLast = 'l'
)

// NetworkTransport fetches blocks from a remote zfsrescue-blockserver over
// a length-prefixed, request/response TCP protocol: the client sends a
// single- or vector-read request naming device paths, offsets and counts,
// and the server streams back 'n' (next chunk), 'e' (error) and a final
// 'l' (last) frame per sub-request.
type NetworkTransport struct {
	addr    string
	dialer  net.Dialer
	timeout time.Duration
}

// NewNetworkTransport returns a transport that dials addr (host:port) fresh
// for every request, matching the blockserver's one-shot-connection model.
func NewNetworkTransport(addr string, timeout time.Duration) *NetworkTransport {
	return &NetworkTransport{addr: addr, timeout: timeout}
}

func (nt *NetworkTransport) dial(ctx context.Context) (net.Conn, error) {
	conn, err := nt.dialer.DialContext(ctx, "tcp", nt.addr)
	if err != nil {
		return nil, xerrors.Errorf("transport: dialing %s: %w", nt.addr, err)
	}
	if nt.timeout > 0 {
		conn.SetDeadline(time.Now().Add(nt.timeout))
	}
	return conn, nil
}

// Read implements Transport.
func (nt *NetworkTransport) Read(ctx context.Context, path string, offset, count uint64) ([]byte, error) {
	conn, err := nt.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := make([]byte, 0, 1+1+8+8+1+len(path))
	req = append(req, opReadSingle, 0) // op, reserved pad byte
	req = appendUint64(req, offset)
	req = appendUint64(req, count)
	req = append(req, byte(len(path)))
	req = append(req, path...)
	if _, err := conn.Write(req); err != nil {
		return nil, xerrors.Errorf("transport: sending read request: %w", err)
	}

	return readFrames(conn, count)
}

// Readv implements Transport.
func (nt *NetworkTransport) Readv(ctx context.Context, blocks []BlockRequest) ([]byte, error) {
	if len(blocks) > 255 {
		return nil, xerrors.Errorf("transport: vector read of %d blocks exceeds protocol limit of 255", len(blocks))
	}
	conn, err := nt.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := make([]byte, 0, 2)
	req = append(req, opReadVector, byte(len(blocks)))
	for _, b := range blocks {
		req = appendUint64(req, b.Offset)
		req = appendUint64(req, b.Count)
		req = append(req, byte(len(b.Path)))
		req = append(req, b.Path...)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, xerrors.Errorf("transport: sending vector read request: %w", err)
	}

	// Each requested block yields its own 'n'.../'l' frame sequence from the
	// server, in request order; assemble them into one contiguous buffer.
	ws := &writerseeker.WriterSeeker{}
	for _, b := range blocks {
		chunk, err := readFrames(conn, b.Count)
		if err != nil {
			return nil, err
		}
		if _, err := ws.Write(chunk); err != nil {
			return nil, xerrors.Errorf("transport: assembling vector response: %w", err)
		}
	}
	out, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, xerrors.Errorf("transport: reading assembled vector response: %w", err)
	}
	return out, nil
}

// readFrames consumes 'n' (data follows) and 'e' (error, no data) frames
// from conn until the terminating 'l' frame, returning up to want bytes of
// payload.
func readFrames(conn net.Conn, want uint64) ([]byte, error) {
	out := make([]byte, 0, want)
	hdr := make([]byte, 1+8+8)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return nil, xerrors.Errorf("transport: reading response frame header: %w", err)
		}
		op := hdr[0]
		length := binary.LittleEndian.Uint64(hdr[9:17])

		switch op {
		case respNext:
			chunk := make([]byte, length)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return nil, xerrors.Errorf("transport: reading response payload: %w", err)
			}
			out = append(out, chunk...)
		case respErr:
			return nil, xerrors.New("transport: remote reported a read error")
		case respLast:
			return out, nil
		default:
			return nil, xerrors.Errorf("transport: unexpected response frame opcode %d", op)
		}
	}
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// Close implements Transport; NetworkTransport dials per request so there
// is nothing persistent to release.
func (nt *NetworkTransport) Close() error { return nil }
