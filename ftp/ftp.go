// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ftp is a small RFC959 engine over BBS accounts. Every
// authenticated user is confined to a per-user directory under the
// configured transfer root.
package ftp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

// acceptTimeout bounds how long a PASV listener waits for the client's
// data connection.
const acceptTimeout = 30 * time.Second

// Config is the engine configuration.
type Config struct {
	// RootDir holds one transfer directory per user.
	RootDir string
	// PasvAddr is the IP advertised in PASV replies. Empty means the
	// control connection's local address.
	PasvAddr string
}

// Server is the FTP engine.
type Server struct {
	cfg    Config
	store  *auth.Store
	logger hclog.Logger
}

func NewServer(cfg Config, store *auth.Store, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{cfg: cfg, store: store, logger: logger.Named("ftp")}
}

// conn is one control-connection session.
type conn struct {
	s *Server
	n *node.Node
	w *bufio.Writer

	user *auth.User
	// root is the user's confinement directory, set at login.
	root string
	// cwd is the client-visible working directory, always absolute
	// and always inside root.
	cwd string

	// pendingUser buffers USER until PASS arrives.
	pendingUser string
	// renameFrom buffers RNFR until RNTO arrives.
	renameFrom string

	// pasv is the listener for the next data connection, nil when no
	// PASV is outstanding.
	pasv *net.TCPListener
}

// HandleConn owns the node: greeting, command loop, teardown. It is
// the node's owning goroutine body.
func (s *Server) HandleConn(n *node.Node) error {
	c := &conn{s: s, n: n, w: bufio.NewWriter(n.Conn), cwd: "/"}
	defer c.closePasv()

	c.reply(220, "Driftline FTP service ready")
	r := bufio.NewReader(n.Conn)
	for {
		n.Conn.SetReadDeadline(time.Now().Add(5 * time.Minute)) //nolint:errcheck
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			verb, arg := splitCommand(line)
			if quit := c.dispatch(verb, arg); quit {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

func splitCommand(line string) (verb, arg string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i]), line[i+1:]
	}
	return strings.ToUpper(line), ""
}

func (c *conn) reply(code int, text string) {
	fmt.Fprintf(c.w, "%d %s\r\n", code, text) //nolint:errcheck
	c.w.Flush()                               //nolint:errcheck
}

// dispatch runs one command. It returns true for QUIT.
func (c *conn) dispatch(verb, arg string) bool {
	switch verb {
	case "QUIT":
		c.reply(231, "User logged out")
		return true
	case "NOOP":
		c.reply(200, "OK")
		return false
	case "HELP":
		c.reply(214, "USER PASS PWD CWD CDUP MKD RMD DELE RNFR RNTO TYPE PASV STOR APPE RETR LIST NOOP REIN QUIT")
		return false
	case "SYST":
		c.reply(215, "UNIX Type: L8")
		return false
	case "USER":
		c.cmdUser(arg)
		return false
	case "PASS":
		c.cmdPass(arg)
		return false
	case "REIN":
		// Back to the just-connected state.
		c.user = nil
		c.pendingUser = ""
		c.root = ""
		c.cwd = "/"
		c.renameFrom = ""
		c.closePasv()
		c.reply(220, "Service ready")
		return false
	}

	if c.user == nil {
		c.reply(530, "Please login with USER and PASS")
		return false
	}

	switch verb {
	case "TYPE":
		// Everything is binary underneath; accept A and I alike.
		c.reply(200, "Type set")
	case "PWD":
		c.reply(257, fmt.Sprintf("%q is the current directory", c.cwd))
	case "CWD":
		c.cmdCwd(arg)
	case "CDUP":
		c.cmdCwd("..")
	case "MKD":
		c.cmdMkd(arg)
	case "RMD":
		c.cmdRemove(arg, true)
	case "DELE":
		c.cmdRemove(arg, false)
	case "RNFR":
		c.cmdRnfr(arg)
	case "RNTO":
		c.cmdRnto(arg)
	case "PASV":
		c.cmdPasv()
	case "STOR":
		c.cmdStore(arg, false)
	case "APPE":
		c.cmdStore(arg, true)
	case "RETR":
		c.cmdRetr(arg)
	case "LIST":
		c.cmdList(arg)
	default:
		c.reply(502, "Command not implemented")
	}
	return false
}

func (c *conn) cmdUser(arg string) {
	if arg == "" {
		c.reply(501, "USER requires a name")
		return
	}
	c.pendingUser = arg
	c.reply(331, "Password required")
}

func (c *conn) cmdPass(arg string) {
	if c.pendingUser == "" {
		c.reply(503, "Send USER first")
		return
	}
	user, err := c.s.store.Authenticate(c.pendingUser, arg)
	if err != nil {
		c.s.logger.Warn("login failed", "user", c.pendingUser, "node", c.n.ID)
		c.reply(530, "Login incorrect")
		return
	}
	root := filepath.Join(c.s.cfg.RootDir, strings.ToLower(user.Name))
	if err := os.MkdirAll(root, 0o755); err != nil {
		c.s.logger.Error("transfer root", "dir", root, "err", err)
		c.reply(421, "Service not available")
		return
	}
	c.user = user
	c.root = root
	c.cwd = "/"
	c.n.SetUser(&node.User{ID: user.ID, Name: user.Name, Sysop: user.Sysop})
	c.s.logger.Info("login", "user", user.Name, "node", c.n.ID)
	c.reply(230, "User logged in")
}

// resolve maps a client path to a server path, confined to the user's
// root. The returned visible path is absolute and clean.
func (c *conn) resolve(arg string) (server, visible string) {
	if !strings.HasPrefix(arg, "/") {
		arg = path.Join(c.cwd, arg)
	}
	visible = path.Clean(arg)
	if !strings.HasPrefix(visible, "/") {
		visible = "/"
	}
	// path.Clean has already collapsed any .. segments against the
	// virtual root, so joining cannot escape.
	server = filepath.Join(c.root, filepath.FromSlash(visible))
	return server, visible
}

func (c *conn) cmdCwd(arg string) {
	server, visible := c.resolve(arg)
	fi, err := os.Stat(server)
	if err != nil || !fi.IsDir() {
		c.reply(550, "No such directory")
		return
	}
	c.cwd = visible
	c.reply(250, "Directory changed")
}

func (c *conn) cmdMkd(arg string) {
	server, visible := c.resolve(arg)
	if _, err := os.Stat(server); err == nil {
		c.reply(450, "Already exists")
		return
	}
	if err := os.Mkdir(server, 0o755); err != nil {
		c.reply(550, "Could not create directory")
		return
	}
	c.reply(250, fmt.Sprintf("%q created", visible))
}

func (c *conn) cmdRemove(arg string, dir bool) {
	server, _ := c.resolve(arg)
	fi, err := os.Stat(server)
	if err != nil || fi.IsDir() != dir {
		c.reply(550, "No such file or directory")
		return
	}
	if err := os.Remove(server); err != nil {
		c.reply(550, "Could not remove")
		return
	}
	c.reply(250, "Removed")
}

func (c *conn) cmdRnfr(arg string) {
	server, _ := c.resolve(arg)
	if _, err := os.Stat(server); err != nil {
		c.reply(550, "No such file or directory")
		return
	}
	c.renameFrom = server
	c.reply(350, "Ready for RNTO")
}

func (c *conn) cmdRnto(arg string) {
	if c.renameFrom == "" {
		c.reply(503, "Send RNFR first")
		return
	}
	server, _ := c.resolve(arg)
	err := os.Rename(c.renameFrom, server)
	c.renameFrom = ""
	if err != nil {
		c.reply(550, "Rename failed")
		return
	}
	c.reply(250, "Renamed")
}

func (c *conn) closePasv() {
	if c.pasv != nil {
		c.pasv.Close() //nolint:errcheck
		c.pasv = nil
	}
}

func (c *conn) cmdPasv() {
	c.closePasv()
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero})
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}
	c.pasv = l

	ip := c.s.cfg.PasvAddr
	if ip == "" {
		if host, _, err := net.SplitHostPort(c.n.Conn.LocalAddr().String()); err == nil {
			ip = host
		}
	}
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		v4 = net.IPv4(127, 0, 0, 1).To4()
	}
	port := l.Addr().(*net.TCPAddr).Port
	c.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		v4[0], v4[1], v4[2], v4[3], port/256, port%256))
}

// acceptData takes the pending PASV connection. The listener is spent
// either way.
func (c *conn) acceptData() (net.Conn, error) {
	if c.pasv == nil {
		return nil, fmt.Errorf("no PASV listener")
	}
	l := c.pasv
	c.pasv = nil
	defer l.Close() //nolint:errcheck
	l.SetDeadline(time.Now().Add(acceptTimeout)) //nolint:errcheck
	return l.Accept()
}

func (c *conn) cmdStore(arg string, appendTo bool) {
	server, _ := c.resolve(arg)
	flags := os.O_CREATE | os.O_WRONLY
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(server, flags, 0o644)
	if err != nil {
		c.reply(550, "Could not open file")
		return
	}
	defer f.Close() //nolint:errcheck

	c.reply(150, "Opening data connection")
	data, err := c.acceptData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}
	_, cerr := io.Copy(f, data)
	// Data channel is drained and closed before the completion reply;
	// control and data never interleave for one transfer.
	data.Close() //nolint:errcheck
	if cerr != nil {
		c.reply(550, "Transfer failed")
		return
	}
	c.reply(226, "Transfer complete")
}

func (c *conn) cmdRetr(arg string) {
	server, _ := c.resolve(arg)
	f, err := os.Open(server)
	if err != nil {
		c.reply(550, "No such file")
		return
	}
	defer f.Close() //nolint:errcheck
	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		c.reply(550, "Not a plain file")
		return
	}

	c.reply(150, "Opening data connection")
	data, err := c.acceptData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}
	_, cerr := io.Copy(data, f)
	data.Close() //nolint:errcheck
	if cerr != nil {
		c.reply(550, "Transfer failed")
		return
	}
	c.reply(226, "Transfer complete")
}

func (c *conn) cmdList(arg string) {
	dir := c.cwd
	if arg != "" && !strings.HasPrefix(arg, "-") {
		dir = arg
	}
	server, _ := c.resolve(dir)
	entries, err := os.ReadDir(server)
	if err != nil {
		c.reply(550, "No such directory")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	c.reply(150, "Opening data connection")
	data, err := c.acceptData()
	if err != nil {
		c.reply(425, "Cannot open data connection")
		return
	}
	owner := strings.ToLower(c.user.Name)
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		mode := "-rw-r--r--"
		if fi.IsDir() {
			mode = "drwxr-xr-x"
		}
		fmt.Fprintf(data, "%s 1 %s %s %12d %s %s\r\n",
			mode, owner, owner, fi.Size(),
			fi.ModTime().Format("Jan _2 15:04"), e.Name()) //nolint:errcheck
	}
	data.Close() //nolint:errcheck
	c.reply(226, "Transfer complete")
}
