// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package server

import (
	"errors"
	"net"
)

func listenVsock(addr string) (net.Listener, error) {
	return nil, errors.New("vsock listeners are only supported on linux")
}
