// Command zfsrescue-blockserver exposes local disks to a remote zfsrescue
// client over the length-prefixed TCP block protocol implemented by
// internal/transport's NetworkTransport: a client names a device path
// (translated through an optional table) plus an offset and byte count,
// and this server streams the requested bytes back in fixed-size chunks.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"golang.org/x/xerrors"

	zfsrescue "github.com/hiliev/go-zfs-rescue"
)

const (
	opReadSingle = 'r'
	opReadVector = 'v'

	respNext = 'n'
	respErr  = 'e'
	respLast = 'l'

	// chunkSize bounds how much of one requested range is sent per 'n'
	// frame, matching the reference server's CHUNKSIZE.
	chunkSize = 4096 * 64
)

var (
	listen  = flag.String("listen", "localhost:24892", "host:port to listen on")
	config  = flag.String("config", "", "path to a device-path translation table (TSV: local-path<TAB>real-path per line)")
	verbose = flag.Bool("v", false, "log every request")
)

func loadTransTable(path string) (map[string]string, error) {
	table := map[string]string{}
	if path == "" {
		return table, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		table[parts[0]] = parts[1]
	}
	return table, sc.Err()
}

func resolve(table map[string]string, path string) string {
	if real, ok := table[path]; ok {
		return real
	}
	return path
}

func writeFrame(w io.Writer, op byte, offset, length uint64) error {
	var hdr [1 + 8 + 8]byte
	hdr[0] = op
	binary.LittleEndian.PutUint64(hdr[1:9], offset)
	binary.LittleEndian.PutUint64(hdr[9:17], length)
	_, err := w.Write(hdr[:])
	return err
}

// doRead streams count bytes of path starting at offset to conn as a
// sequence of 'n' frames, followed by a final 'l' frame. If the file cannot
// be opened it sends an 'e' frame and then the 'l' frame; a read error
// part-way through ends the 'n' frames early, and the 'l' frame follows.
func doRead(conn net.Conn, table map[string]string, path string, offset, count uint64) {
	real := resolve(table, path)
	if *verbose {
		log.Printf("read %s (-> %s) offset=%d count=%d", path, real, offset, count)
	}

	f, err := os.Open(real)
	if err != nil {
		if *verbose {
			log.Printf("open %s: %v", real, err)
		}
		writeFrame(conn, respErr, offset, 0)
		writeFrame(conn, respLast, offset, count)
		return
	}
	defer f.Close()

	remaining := count
	pos := offset
	for remaining > 0 {
		want := uint64(chunkSize)
		if remaining < want {
			want = remaining
		}
		buf := make([]byte, want)
		n, err := f.ReadAt(buf, int64(pos))
		if n > 0 {
			if werr := writeFrame(conn, respNext, pos, uint64(n)); werr != nil {
				return
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
			pos += uint64(n)
			remaining -= uint64(n)
		}
		if err != nil {
			if err != io.EOF && *verbose {
				log.Printf("reading %s: %v", real, err)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	writeFrame(conn, respLast, pos, count)
}

func readExactly(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handleConn serves exactly one request per connection, mirroring the
// reference server's one-shot-connection protocol.
func handleConn(conn net.Conn, table map[string]string) {
	defer conn.Close()

	opb, err := readExactly(conn, 1)
	if err != nil {
		return
	}
	switch opb[0] {
	case opReadSingle:
		hdr, err := readExactly(conn, 1+8+8+1)
		if err != nil {
			return
		}
		offset := binary.LittleEndian.Uint64(hdr[1:9])
		count := binary.LittleEndian.Uint64(hdr[9:17])
		pathLen := int(hdr[17])
		path, err := readExactly(conn, pathLen)
		if err != nil {
			return
		}
		doRead(conn, table, string(path), offset, count)

	case opReadVector:
		nreqb, err := readExactly(conn, 1)
		if err != nil {
			return
		}
		for i := 0; i < int(nreqb[0]); i++ {
			hdr, err := readExactly(conn, 8+8+1)
			if err != nil {
				return
			}
			offset := binary.LittleEndian.Uint64(hdr[0:8])
			count := binary.LittleEndian.Uint64(hdr[8:16])
			pathLen := int(hdr[16])
			path, err := readExactly(conn, pathLen)
			if err != nil {
				return
			}
			doRead(conn, table, string(path), offset, count)
		}

	default:
		log.Printf("invalid request opcode %d", opb[0])
	}
}

func funcmain() error {
	flag.Parse()

	table, err := loadTransTable(*config)
	if err != nil {
		return xerrors.Errorf("loading translation table: %w", err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return xerrors.Errorf("listening on %s: %w", *listen, err)
	}
	log.Printf("zfsrescue-blockserver listening on %s", ln.Addr())

	ctx, canc := zfsrescue.InterruptibleContext()
	defer canc()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Errorf("accept: %w", err)
			}
		}
		go handleConn(conn, table)
	}
}

func main() {
	if err := funcmain(); err != nil {
		log.Fatal(err)
	}
}
