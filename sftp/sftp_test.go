// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sftp

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// wire drives a served session from the client side.
type wire struct {
	t    *testing.T
	conn net.Conn
	id   uint32
}

func startSession(t *testing.T) (*wire, string) {
	t.Helper()
	root := t.TempDir()
	us, them := net.Pipe()
	s := NewSession(root, nil)
	go s.Serve(them) //nolint:errcheck
	t.Cleanup(func() { us.Close() })

	w := &wire{t: t, conn: us}
	w.sendRaw(fxpInit, marshalUint32(nil, version))
	typ, _ := w.recv()
	if typ != fxpVersion {
		t.Fatalf("init reply type = %d, want VERSION", typ)
	}
	return w, root
}

// send transmits one request and returns its fresh id.
func (w *wire) send(typ byte, payload []byte) uint32 {
	w.t.Helper()
	w.id++
	buf := marshalUint32(nil, w.id)
	buf = append(buf, payload...)
	w.sendRaw(typ, buf)
	return w.id
}

func (w *wire) sendRaw(typ byte, payload []byte) {
	w.t.Helper()
	if err := writePacket(w.conn, typ, payload); err != nil {
		w.t.Fatalf("write packet: %v", err)
	}
}

func (w *wire) recv() (byte, *parser) {
	w.t.Helper()
	typ, payload, err := readPacket(w.conn)
	if err != nil {
		w.t.Fatalf("read packet: %v", err)
	}
	return typ, &parser{buf: payload}
}

// expectStatus reads one reply and asserts id and status code.
func (w *wire) expectStatus(wantID, wantCode uint32) {
	w.t.Helper()
	typ, p := w.recv()
	if typ != fxpStatus {
		w.t.Fatalf("reply type = %d, want STATUS", typ)
	}
	if id := p.uint32(); id != wantID {
		w.t.Fatalf("reply id = %d, want %d", id, wantID)
	}
	if code := p.uint32(); code != wantCode {
		w.t.Fatalf("status = %d (%s), want %d", code, p.string(), wantCode)
	}
}

// open opens a file and returns its handle.
func (w *wire) open(name string, pflags uint32) string {
	w.t.Helper()
	payload := marshalString(nil, name)
	payload = marshalUint32(payload, pflags)
	payload = marshalUint32(payload, 0) // empty attrs
	id := w.send(fxpOpen, payload)
	return w.expectHandle(id)
}

func (w *wire) opendir(name string) string {
	w.t.Helper()
	id := w.send(fxpOpendir, marshalString(nil, name))
	return w.expectHandle(id)
}

func (w *wire) expectHandle(wantID uint32) string {
	w.t.Helper()
	typ, p := w.recv()
	if typ != fxpHandle {
		w.t.Fatalf("reply type = %d, want HANDLE", typ)
	}
	if id := p.uint32(); id != wantID {
		w.t.Fatalf("reply id = %d, want %d", id, wantID)
	}
	return p.string()
}

func TestReadWriteRoundTrip(t *testing.T) {
	w, _ := startSession(t)
	h := w.open("hello.txt", pflagWrite|pflagCreat|pflagTrunc)

	payload := marshalString(nil, h)
	payload = marshalUint64(payload, 0)
	payload = marshalBytes(payload, []byte("stored bytes"))
	w.expectStatus(w.send(fxpWrite, payload), statusOK)
	w.expectStatus(w.send(fxpClose, marshalString(nil, h)), statusOK)

	h = w.open("hello.txt", pflagRead)
	payload = marshalString(nil, h)
	payload = marshalUint64(payload, 0)
	payload = marshalUint32(payload, 100)
	id := w.send(fxpRead, payload)
	typ, p := w.recv()
	if typ != fxpData {
		t.Fatalf("reply type = %d, want DATA", typ)
	}
	if got := p.uint32(); got != id {
		t.Fatalf("id = %d, want %d", got, id)
	}
	if got := p.string(); got != "stored bytes" {
		t.Errorf("data = %q, want %q", got, "stored bytes")
	}

	// Reading past the end is EOF, not failure.
	payload = marshalString(nil, h)
	payload = marshalUint64(payload, 1000)
	payload = marshalUint32(payload, 10)
	w.expectStatus(w.send(fxpRead, payload), statusEOF)
	w.expectStatus(w.send(fxpClose, marshalString(nil, h)), statusOK)
}

func TestHandleTyping(t *testing.T) {
	w, root := startSession(t)
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}

	// READ on a directory handle fails with a status, not a crash.
	dh := w.opendir("d")
	payload := marshalString(nil, dh)
	payload = marshalUint64(payload, 0)
	payload = marshalUint32(payload, 16)
	w.expectStatus(w.send(fxpRead, payload), statusFailure)

	// WRITE on a directory handle likewise.
	payload = marshalString(nil, dh)
	payload = marshalUint64(payload, 0)
	payload = marshalBytes(payload, []byte("x"))
	w.expectStatus(w.send(fxpWrite, payload), statusFailure)

	// READDIR on a file handle likewise.
	fh := w.open("f.txt", pflagWrite|pflagCreat)
	w.expectStatus(w.send(fxpReaddir, marshalString(nil, fh)), statusFailure)

	// Bogus handle.
	payload = marshalString(nil, "no-such-handle")
	payload = marshalUint64(payload, 0)
	payload = marshalUint32(payload, 16)
	w.expectStatus(w.send(fxpRead, payload), statusFailure)
}

func TestReaddir(t *testing.T) {
	w, root := startSession(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	h := w.opendir("/")
	id := w.send(fxpReaddir, marshalString(nil, h))
	typ, p := w.recv()
	if typ != fxpName {
		t.Fatalf("reply type = %d, want NAME", typ)
	}
	if got := p.uint32(); got != id {
		t.Fatalf("id = %d, want %d", got, id)
	}
	count := p.uint32()
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	seen := map[string]bool{}
	for i := uint32(0); i < count; i++ {
		seen[p.string()] = true
		p.string() // longname
		p.attrs()
	}
	for _, name := range []string{"a", "b", "c"} {
		if !seen[name] {
			t.Errorf("missing entry %q", name)
		}
	}

	// Exhausted directory answers EOF.
	w.expectStatus(w.send(fxpReaddir, marshalString(nil, h)), statusEOF)
}

func TestStatAndErrnoMap(t *testing.T) {
	w, root := startSession(t)
	if err := os.WriteFile(filepath.Join(root, "f"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	id := w.send(fxpStat, marshalString(nil, "f"))
	typ, p := w.recv()
	if typ != fxpAttrs {
		t.Fatalf("reply type = %d, want ATTRS", typ)
	}
	if got := p.uint32(); got != id {
		t.Fatalf("id = %d, want %d", got, id)
	}
	flags := p.uint32()
	if flags&attrSize == 0 {
		t.Fatalf("attrs flags %x missing size", flags)
	}
	if size := p.uint64(); size != 5 {
		t.Errorf("size = %d, want 5", size)
	}

	w.expectStatus(w.send(fxpStat, marshalString(nil, "missing")), statusNoSuchFile)
}

func TestRenameNoClobber(t *testing.T) {
	w, root := startSession(t)
	for _, name := range []string{"src", "dst"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	payload := marshalString(nil, "src")
	payload = marshalString(payload, "dst")
	w.expectStatus(w.send(fxpRename, payload), statusFailure)

	payload = marshalString(nil, "src")
	payload = marshalString(payload, "moved")
	w.expectStatus(w.send(fxpRename, payload), statusOK)
	if _, err := os.Stat(filepath.Join(root, "moved")); err != nil {
		t.Errorf("moved: %v", err)
	}
}

func TestMkdirRmdirRemove(t *testing.T) {
	w, root := startSession(t)
	payload := marshalString(nil, "d")
	payload = marshalUint32(payload, 0)
	w.expectStatus(w.send(fxpMkdir, payload), statusOK)
	if err := os.WriteFile(filepath.Join(root, "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// Wrong remover for the type.
	w.expectStatus(w.send(fxpRemove, marshalString(nil, "d")), statusFailure)
	w.expectStatus(w.send(fxpRmdir, marshalString(nil, "f")), statusFailure)
	w.expectStatus(w.send(fxpRmdir, marshalString(nil, "d")), statusOK)
	w.expectStatus(w.send(fxpRemove, marshalString(nil, "f")), statusOK)
}

func TestPathConfinement(t *testing.T) {
	w, _ := startSession(t)
	// Climbing out resolves inside the root, so the file is absent,
	// not leaked from the host.
	w.expectStatus(w.send(fxpStat, marshalString(nil, "../../etc/passwd")), statusNoSuchFile)
}

func TestRealpath(t *testing.T) {
	w, _ := startSession(t)
	id := w.send(fxpRealpath, marshalString(nil, "a/b/../c"))
	typ, p := w.recv()
	if typ != fxpName {
		t.Fatalf("reply type = %d, want NAME", typ)
	}
	if got := p.uint32(); got != id {
		t.Fatalf("id = %d, want %d", got, id)
	}
	if count := p.uint32(); count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if got := p.string(); got != "/a/c" {
		t.Errorf("realpath = %q, want /a/c", got)
	}
}

func TestUnknownTypeUnsupported(t *testing.T) {
	w, _ := startSession(t)
	w.expectStatus(w.send(200, nil), statusUnsupported)
}

func TestBadPacketLength(t *testing.T) {
	w, _ := startSession(t)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], 0)
	if _, err := w.conn.Write(buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The session drops the connection on a malformed length.
	if _, _, err := readPacket(w.conn); err == nil {
		t.Error("expected read error after malformed packet")
	}
}
