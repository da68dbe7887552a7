package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// sliceSize is the size of one backing file in a sliced device, chosen to
// match the 1TiB ceiling at which many forensic disk-imaging tools split a
// single source device into separate files.
const sliceSize = 1 << 40 // 1TiB

// sliceConfig names one backing file of a logical device split across
// several files.
type sliceConfig struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// deviceConfig describes one logical device as a JSON config entry: either
// a single file (Slices has one entry) or a sequence of equal-size slices.
type deviceConfig struct {
	Slices []sliceConfig `json:"slices"`
}

// FileTransport serves reads from local files, translating logical device
// paths through a configuration file. Two config formats are accepted:
//
//   - a TSV translation table, one "logical-path<TAB>backing-path" pair per
//     line (lines starting with '#' are comments), for a 1:1 device mapping;
//   - a JSON object mapping each logical device name to an object of the
//     form {"slices": [{"path": ..., "size": ...}, ...]}, for devices imaged
//     as a sequence of pieces, slice i starting at device offset i*1TiB.
//     A bare path string or a plain array of paths is not accepted as a
//     device's value; loading such a config fails.
type FileTransport struct {
	mu     sync.Mutex
	trans  map[string]string
	sliced map[string]deviceConfig
	open   map[string]*mmap.ReaderAt
}

// NewFileTransport loads a translation config (TSV or JSON, auto-detected)
// from configPath. A missing or empty path yields a transport that serves
// device paths verbatim, as original_source/block_proxy/proxy.py does when
// its translation file can't be read.
func NewFileTransport(configPath string) (*FileTransport, error) {
	ft := &FileTransport{
		trans:  map[string]string{},
		sliced: map[string]deviceConfig{},
		open:   map[string]*mmap.ReaderAt{},
	}
	if configPath == "" {
		return ft, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return ft, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var cfg map[string]deviceConfig
		if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
			return nil, xerrors.Errorf("transport: parsing JSON device config: %w", err)
		}
		ft.sliced = cfg
		return ft, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		ft.trans[parts[0]] = parts[1]
	}
	return ft, nil
}

// fileFor memory-maps path (after translation) on first use and reuses the
// mapping for subsequent reads, since a forensic image is read randomly and
// repeatedly across the whole pool scan.
func (ft *FileTransport) fileFor(path string) (*mmap.ReaderAt, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if f, ok := ft.open[path]; ok {
		return f, nil
	}
	real := path
	if sub, ok := ft.trans[path]; ok {
		real = sub
	}
	f, err := mmap.Open(real)
	if err != nil {
		return nil, xerrors.Errorf("transport: opening %q: %w", real, err)
	}
	ft.open[path] = f
	return f, nil
}

// Read implements Transport.
func (ft *FileTransport) Read(ctx context.Context, path string, offset, count uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg, ok := ft.sliced[path]; ok {
		return ft.readSliced(cfg, offset, count)
	}
	f, err := ft.fileFor(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, xerrors.Errorf("transport: reading %q at %d: %w", path, offset, err)
	}
	return buf, nil
}

// readSliced satisfies one read that may span several backing slice files,
// computing each slice's index and intra-slice offset the way a single
// flat device would be addressed.
func (ft *FileTransport) readSliced(cfg deviceConfig, offset, count uint64) ([]byte, error) {
	out := make([]byte, 0, count)
	remaining := count
	pos := offset
	for remaining > 0 {
		idx := int(pos / sliceSize)
		if idx >= len(cfg.Slices) {
			return nil, xerrors.Errorf("transport: offset %d past end of sliced device (%d slices)", offset, len(cfg.Slices))
		}
		slice := cfg.Slices[idx]
		intraOffset := pos % sliceSize
		avail := slice.Size - intraOffset
		n := remaining
		if n > avail {
			n = avail
		}
		f, err := mmap.Open(slice.Path)
		if err != nil {
			return nil, xerrors.Errorf("transport: opening slice %q: %w", slice.Path, err)
		}
		buf := make([]byte, n)
		_, err = f.ReadAt(buf, int64(intraOffset))
		f.Close()
		if err != nil && err != io.EOF {
			return nil, xerrors.Errorf("transport: reading slice %q at %d: %w", slice.Path, intraOffset, err)
		}
		out = append(out, buf...)
		pos += n
		remaining -= n
	}
	return out, nil
}

// Readv implements Transport.
func (ft *FileTransport) Readv(ctx context.Context, blocks []BlockRequest) ([]byte, error) {
	out := make([]byte, 0)
	for _, b := range blocks {
		chunk, err := ft.Read(ctx, b.Path, b.Offset, b.Count)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Close implements Transport.
func (ft *FileTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var firstErr error
	for _, f := range ft.open {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
