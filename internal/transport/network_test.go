package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// fakeBlockServer is a minimal stand-in for zfsrescue-blockserver: it
// accepts one connection, parses a single request frame (op byte, then
// either a single-read or vector-read body) and answers every sub-read with
// one 'n' frame holding canned and then a terminating 'l' frame, matching
// readFrames' expectations.
func fakeBlockServer(t *testing.T, ln net.Listener, payload func(count uint64) []byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("fakeBlockServer: Accept: %v", err)
		return
	}
	defer conn.Close()

	op := make([]byte, 1)
	if _, err := io.ReadFull(conn, op); err != nil {
		t.Errorf("fakeBlockServer: reading op byte: %v", err)
		return
	}

	var counts []uint64
	switch op[0] {
	case opReadSingle:
		rest := make([]byte, 1+8+8+1)
		if _, err := io.ReadFull(conn, rest); err != nil {
			t.Errorf("fakeBlockServer: reading single-read body: %v", err)
			return
		}
		count := binary.LittleEndian.Uint64(rest[9:17])
		pathLen := int(rest[17])
		path := make([]byte, pathLen)
		if _, err := io.ReadFull(conn, path); err != nil {
			t.Errorf("fakeBlockServer: reading path: %v", err)
			return
		}
		counts = []uint64{count}
	case opReadVector:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			t.Errorf("fakeBlockServer: reading vector count: %v", err)
			return
		}
		for i := 0; i < int(n[0]); i++ {
			body := make([]byte, 8+8+1)
			if _, err := io.ReadFull(conn, body); err != nil {
				t.Errorf("fakeBlockServer: reading vector entry %d: %v", i, err)
				return
			}
			count := binary.LittleEndian.Uint64(body[8:16])
			pathLen := int(body[16])
			path := make([]byte, pathLen)
			if _, err := io.ReadFull(conn, path); err != nil {
				t.Errorf("fakeBlockServer: reading vector path %d: %v", i, err)
				return
			}
			counts = append(counts, count)
		}
	default:
		t.Errorf("fakeBlockServer: unexpected op byte %d", op[0])
		return
	}

	for _, count := range counts {
		data := payload(count)
		writeFrame(conn, respNext, data)
		writeFrame(conn, respLast, nil)
	}
}

func writeFrame(conn net.Conn, op byte, data []byte) {
	hdr := make([]byte, 1+8+8)
	hdr[0] = op
	binary.LittleEndian.PutUint64(hdr[9:17], uint64(len(data)))
	conn.Write(hdr)
	if len(data) > 0 {
		conn.Write(data)
	}
}

func TestNetworkTransportReadAssemblesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	want := []byte("hello, disk")
	go fakeBlockServer(t, ln, func(count uint64) []byte { return want })

	nt := NewNetworkTransport(ln.Addr().String(), 5*time.Second)
	got, err := nt.Read(context.Background(), "/dev/sda1", 0, uint64(len(want)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Read = %q, want %q", got, want)
	}
}

func TestNetworkTransportReadvConcatenatesInRequestOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	chunks := [][]byte{[]byte("aaaa"), []byte("bb"), []byte("ccc")}
	i := 0
	go fakeBlockServer(t, ln, func(count uint64) []byte {
		c := chunks[i]
		i++
		return c
	})

	nt := NewNetworkTransport(ln.Addr().String(), 5*time.Second)
	blocks := []BlockRequest{
		{Path: "/dev/sda1", Offset: 0, Count: 4},
		{Path: "/dev/sda1", Offset: 4, Count: 2},
		{Path: "/dev/sda1", Offset: 6, Count: 3},
	}
	got, err := nt.Readv(context.Background(), blocks)
	if err != nil {
		t.Fatalf("Readv: %v", err)
	}
	if want := "aaaabbccc"; string(got) != want {
		t.Errorf("Readv = %q, want %q", got, want)
	}
}

func TestNetworkTransportReadPropagatesRemoteError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeFrame(conn, respErr, nil)
	}()

	nt := NewNetworkTransport(ln.Addr().String(), 5*time.Second)
	if _, err := nt.Read(context.Background(), "/dev/sda1", 0, 4); err == nil {
		t.Error("Read = nil error, want an error on a remote 'e' frame")
	}
}
