// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"math"
	"net"
	"strconv"

	"github.com/mdlayher/vsock"
)

// anyCID accepts connections addressed to any context ID.
const anyCID = math.MaxUint32

// listenVsock opens a vsock listener. The addr is just a port.
func listenVsock(addr string) (net.Listener, error) {
	p, err := strconv.ParseUint(addr, 0, 16)
	if err != nil {
		return nil, err
	}
	return vsock.ListenContextID(anyCID, uint32(p), nil)
}
