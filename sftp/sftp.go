// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sftp serves SFTP protocol version 3 over an SSH subsystem
// channel. Each session is confined to a root directory; client
// handles map to exactly one open file or directory stream, and every
// request produces exactly one reply.
package sftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

// Protocol version we speak.
const version = 3

// Packet types, draft-ietf-secsh-filexfer-02.
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpSetstat  = 9
	fxpFsetstat = 10
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18
	fxpStatus   = 101
	fxpHandle   = 102
	fxpData     = 103
	fxpName     = 104
	fxpAttrs    = 105
)

// Status codes.
const (
	statusOK          = 0
	statusEOF         = 1
	statusNoSuchFile  = 2
	statusPermDenied  = 3
	statusFailure     = 4
	statusBadMessage  = 5
	statusUnsupported = 8
)

// Open pflags.
const (
	pflagRead   = 0x1
	pflagWrite  = 0x2
	pflagAppend = 0x4
	pflagCreat  = 0x8
	pflagTrunc  = 0x10
	pflagExcl   = 0x20
)

// Attr flags.
const (
	attrSize        = 0x1
	attrUIDGID      = 0x2
	attrPermissions = 0x4
	attrACModTime   = 0x8
)

// maxPacket bounds a single request, including big WRITEs.
const maxPacket = 1 << 18

// handle is one open file or directory stream. The type tag is what
// lets us reject READ on a directory and READDIR on a file.
type handle struct {
	name string
	file *os.File
	dir  bool
	// pending directory entries not yet sent, for paged READDIR.
	pending []os.DirEntry
	eof     bool
}

// Session is one SFTP session over one channel.
type Session struct {
	root   string
	logger hclog.Logger

	handles map[string]*handle
	nextID  int
}

// NewSession returns a session confined to root.
func NewSession(root string, logger hclog.Logger) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Session{
		root:    root,
		logger:  logger.Named("sftp"),
		handles: make(map[string]*handle),
	}
}

// Serve runs the request loop until EOF or a protocol error. All open
// handles are closed on the way out, whether or not the client sent
// CLOSE for them.
func (s *Session) Serve(rw io.ReadWriter) error {
	defer func() {
		for _, h := range s.handles {
			if h.file != nil {
				h.file.Close() //nolint:errcheck
			}
		}
	}()

	for {
		typ, payload, err := readPacket(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if typ == fxpInit {
			if err := writePacket(rw, fxpVersion, marshalUint32(nil, version)); err != nil {
				return err
			}
			continue
		}
		p := &parser{buf: payload}
		id := p.uint32()
		reply := s.handleRequest(typ, p)
		if err := reply.write(rw, id); err != nil {
			return err
		}
	}
}

// reply is exactly one response packet, deferred until the request id
// is prepended.
type reply struct {
	typ     byte
	payload []byte // marshaled after the id
}

func (r reply) write(w io.Writer, id uint32) error {
	buf := marshalUint32(nil, id)
	buf = append(buf, r.payload...)
	return writePacket(w, r.typ, buf)
}

func statusReply(code uint32, msg string) reply {
	b := marshalUint32(nil, code)
	b = marshalString(b, msg)
	b = marshalString(b, "") // language tag
	return reply{typ: fxpStatus, payload: b}
}

// errReply maps an OS error onto an SFTP status.
func errReply(err error) reply {
	switch {
	case errors.Is(err, io.EOF):
		return statusReply(statusEOF, "end of file")
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return statusReply(statusNoSuchFile, "no such file")
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return statusReply(statusPermDenied, "permission denied")
	case errors.Is(err, os.ErrExist), errors.Is(err, syscall.EEXIST):
		return statusReply(statusFailure, "file exists")
	default:
		return statusReply(statusFailure, err.Error())
	}
}

func okReply() reply { return statusReply(statusOK, "") }

// handleRequest produces the single reply for one request. A parse
// failure is a bad message, an unknown type is unsupported; neither
// kills the session.
func (s *Session) handleRequest(typ byte, p *parser) reply {
	var r reply
	switch typ {
	case fxpOpen:
		r = s.open(p)
	case fxpClose:
		r = s.close(p)
	case fxpRead:
		r = s.read(p)
	case fxpWrite:
		r = s.write(p)
	case fxpLstat, fxpStat:
		r = s.stat(p, typ == fxpLstat)
	case fxpFstat:
		r = s.fstat(p)
	case fxpSetstat, fxpFsetstat:
		// Accepted and ignored; clients send these after uploads.
		r = okReply()
	case fxpOpendir:
		r = s.opendir(p)
	case fxpReaddir:
		r = s.readdir(p)
	case fxpRemove:
		r = s.remove(p, false)
	case fxpRmdir:
		r = s.remove(p, true)
	case fxpMkdir:
		r = s.mkdir(p)
	case fxpRealpath:
		r = s.realpath(p)
	case fxpRename:
		r = s.rename(p)
	default:
		return statusReply(statusUnsupported, fmt.Sprintf("type %d", typ))
	}
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	return r
}

// resolve confines a client path to the session root.
func (s *Session) resolve(name string) string {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *Session) open(p *parser) reply {
	name := p.string()
	pflags := p.uint32()
	p.attrs()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}

	flags := 0
	switch {
	case pflags&pflagRead != 0 && pflags&pflagWrite != 0:
		flags = os.O_RDWR
	case pflags&pflagWrite != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if pflags&pflagAppend != 0 {
		flags |= os.O_APPEND
	}
	if pflags&pflagCreat != 0 {
		flags |= os.O_CREATE
	}
	if pflags&pflagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if pflags&pflagExcl != 0 {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(s.resolve(name), flags, 0o644)
	if err != nil {
		return errReply(err)
	}
	return s.newHandle(&handle{name: name, file: f})
}

func (s *Session) opendir(p *parser) reply {
	name := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	f, err := os.Open(s.resolve(name))
	if err != nil {
		return errReply(err)
	}
	fi, err := f.Stat()
	if err != nil || !fi.IsDir() {
		f.Close() //nolint:errcheck
		return statusReply(statusNoSuchFile, "not a directory")
	}
	return s.newHandle(&handle{name: name, file: f, dir: true})
}

func (s *Session) newHandle(h *handle) reply {
	s.nextID++
	key := strconv.Itoa(s.nextID)
	s.handles[key] = h
	return reply{typ: fxpHandle, payload: marshalString(nil, key)}
}

func (s *Session) lookup(p *parser) (*handle, reply, bool) {
	key := p.string()
	if p.err != nil {
		return nil, statusReply(statusBadMessage, "short packet"), false
	}
	h, ok := s.handles[key]
	if !ok {
		return nil, statusReply(statusFailure, "invalid handle"), false
	}
	return h, reply{}, true
}

func (s *Session) close(p *parser) reply {
	key := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	h, ok := s.handles[key]
	if !ok {
		return statusReply(statusFailure, "invalid handle")
	}
	delete(s.handles, key)
	if err := h.file.Close(); err != nil {
		return errReply(err)
	}
	return okReply()
}

func (s *Session) read(p *parser) reply {
	h, r, ok := s.lookup(p)
	if !ok {
		return r
	}
	offset := p.uint64()
	length := p.uint32()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	if h.dir {
		return statusReply(statusFailure, "handle is a directory")
	}
	if length > maxPacket {
		length = maxPacket
	}
	buf := make([]byte, length)
	n, err := h.file.ReadAt(buf, int64(offset))
	if n == 0 && err != nil {
		return errReply(err)
	}
	return reply{typ: fxpData, payload: marshalBytes(nil, buf[:n])}
}

func (s *Session) write(p *parser) reply {
	h, r, ok := s.lookup(p)
	if !ok {
		return r
	}
	offset := p.uint64()
	data := p.bytes()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	if h.dir {
		return statusReply(statusFailure, "handle is a directory")
	}
	if _, err := h.file.WriteAt(data, int64(offset)); err != nil {
		return errReply(err)
	}
	return okReply()
}

func (s *Session) fstat(p *parser) reply {
	h, r, ok := s.lookup(p)
	if !ok {
		return r
	}
	fi, err := h.file.Stat()
	if err != nil {
		return errReply(err)
	}
	return reply{typ: fxpAttrs, payload: marshalAttrs(nil, fi)}
}

func (s *Session) stat(p *parser, lstat bool) reply {
	name := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	var fi os.FileInfo
	var err error
	if lstat {
		fi, err = os.Lstat(s.resolve(name))
	} else {
		fi, err = os.Stat(s.resolve(name))
	}
	if err != nil {
		return errReply(err)
	}
	return reply{typ: fxpAttrs, payload: marshalAttrs(nil, fi)}
}

// readdirPage bounds entries per READDIR reply.
const readdirPage = 64

func (s *Session) readdir(p *parser) reply {
	h, r, ok := s.lookup(p)
	if !ok {
		return r
	}
	if !h.dir {
		return statusReply(statusFailure, "handle is not a directory")
	}
	if len(h.pending) == 0 && !h.eof {
		entries, err := h.file.ReadDir(-1)
		if err != nil {
			return errReply(err)
		}
		h.pending = entries
		h.eof = true
	}
	if len(h.pending) == 0 {
		return statusReply(statusEOF, "end of directory")
	}
	page := h.pending
	if len(page) > readdirPage {
		page = page[:readdirPage]
	}
	h.pending = h.pending[len(page):]

	buf := marshalUint32(nil, uint32(len(page)))
	for _, e := range page {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		buf = marshalString(buf, e.Name())
		buf = marshalString(buf, longName(fi))
		buf = marshalAttrs(buf, fi)
	}
	return reply{typ: fxpName, payload: buf}
}

func (s *Session) remove(p *parser, dir bool) reply {
	name := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	target := s.resolve(name)
	fi, err := os.Lstat(target)
	if err != nil {
		return errReply(err)
	}
	if fi.IsDir() != dir {
		return statusReply(statusFailure, "wrong file type")
	}
	if err := os.Remove(target); err != nil {
		return errReply(err)
	}
	return okReply()
}

func (s *Session) mkdir(p *parser) reply {
	name := p.string()
	p.attrs()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	if err := os.Mkdir(s.resolve(name), 0o755); err != nil {
		return errReply(err)
	}
	return okReply()
}

func (s *Session) realpath(p *parser) reply {
	name := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	clean := path.Clean("/" + name)
	buf := marshalUint32(nil, 1)
	buf = marshalString(buf, clean)
	buf = marshalString(buf, clean)
	buf = marshalAttrs(buf, nil)
	return reply{typ: fxpName, payload: buf}
}

func (s *Session) rename(p *parser) reply {
	oldName := p.string()
	newName := p.string()
	if p.err != nil {
		return statusReply(statusBadMessage, "short packet")
	}
	// v3 RENAME must not clobber an existing target.
	if _, err := os.Lstat(s.resolve(newName)); err == nil {
		return statusReply(statusFailure, "file exists")
	}
	if err := os.Rename(s.resolve(oldName), s.resolve(newName)); err != nil {
		return errReply(err)
	}
	return okReply()
}

// longName renders the ls -l style line v3 NAME replies carry.
func longName(fi os.FileInfo) string {
	return fmt.Sprintf("%s 1 bbs bbs %12d %s %s",
		fi.Mode().String(), fi.Size(),
		fi.ModTime().Format("Jan _2 15:04"), fi.Name())
}

// Wire plumbing.

func readPacket(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxPacket+1024 {
		return 0, nil, fmt.Errorf("packet length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

func writePacket(w io.Writer, typ byte, payload []byte) error {
	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload))+1)
	buf[4] = typ
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func marshalUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func marshalUint64(b []byte, v uint64) []byte {
	b = marshalUint32(b, uint32(v>>32))
	return marshalUint32(b, uint32(v))
}

func marshalString(b []byte, s string) []byte {
	b = marshalUint32(b, uint32(len(s)))
	return append(b, s...)
}

func marshalBytes(b, data []byte) []byte {
	b = marshalUint32(b, uint32(len(data)))
	return append(b, data...)
}

// marshalAttrs encodes size, permissions and times. A nil FileInfo
// encodes the empty attribute set.
func marshalAttrs(b []byte, fi os.FileInfo) []byte {
	if fi == nil {
		return marshalUint32(b, 0)
	}
	b = marshalUint32(b, attrSize|attrPermissions|attrACModTime)
	b = marshalUint64(b, uint64(fi.Size()))
	perm := uint32(fi.Mode().Perm())
	if fi.IsDir() {
		perm |= 0o040000
	} else {
		perm |= 0o100000
	}
	b = marshalUint32(b, perm)
	mtime := uint32(fi.ModTime().Unix())
	b = marshalUint32(b, mtime)
	return marshalUint32(b, mtime)
}

// parser walks a request payload. The first error sticks.
type parser struct {
	buf []byte
	err error
}

func (p *parser) uint32() uint32 {
	if p.err != nil || len(p.buf) < 4 {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.BigEndian.Uint32(p.buf)
	p.buf = p.buf[4:]
	return v
}

func (p *parser) uint64() uint64 {
	hi := p.uint32()
	lo := p.uint32()
	return uint64(hi)<<32 | uint64(lo)
}

func (p *parser) bytes() []byte {
	n := p.uint32()
	if p.err != nil || uint32(len(p.buf)) < n {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[:n]
	p.buf = p.buf[n:]
	return b
}

func (p *parser) string() string { return string(p.bytes()) }

// attrs skips an encoded attribute block.
func (p *parser) attrs() {
	flags := p.uint32()
	if flags&attrSize != 0 {
		p.uint64()
	}
	if flags&attrUIDGID != 0 {
		p.uint32()
		p.uint32()
	}
	if flags&attrPermissions != 0 {
		p.uint32()
	}
	if flags&attrACModTime != 0 {
		p.uint32()
		p.uint32()
	}
}
