// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/driftline/driftline/node"
)

// WebSocketHandler bridges browser terminals onto the node registry.
// Each accepted socket is wrapped into a net.Conn carrying binary
// frames and handed to handler like any other transport.
func (s *Server) WebSocketHandler(protocol, modName string, handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			s.logger.Warn("websocket accept", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer c.CloseNow() //nolint:errcheck

		mod := s.mods.Get(modName)
		if mod == nil {
			s.logger.Error("websocket: module not loaded", "module", modName)
			c.Close(websocket.StatusInternalError, "service unavailable") //nolint:errcheck
			return
		}

		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
		n, err := s.registry.Request(conn, protocol, mod)
		if err != nil {
			switch {
			case errors.Is(err, node.ErrFull):
				conn.Write([]byte("All nodes are busy, please try again later.\r\n")) //nolint:errcheck
			case errors.Is(err, node.ErrShuttingDown):
				conn.Write([]byte("The system is going down.\r\n")) //nolint:errcheck
			}
			c.Close(websocket.StatusTryAgainLater, "no free nodes") //nolint:errcheck
			return
		}

		// The HTTP server owns this goroutine; run the session on the
		// node's owning goroutine and wait it out so r.Context stays
		// alive for the wrapped conn.
		s.registry.Go(n, handler)
		<-n.Done()
	}
}
