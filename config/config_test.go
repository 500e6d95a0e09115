// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Driftline", cfg.BBS.Name)
	assert.Equal(t, 64, cfg.Nodes.Max)
	assert.Equal(t, 4, cfg.IMAP.MaxUserProxies)
	assert.Equal(t, 2*time.Minute, cfg.IRC.PingInterval.Duration())
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftline.toml")
	body := `
[bbs]
name = "Testline"
idle_timeout = "5m"

[nodes]
max = 8

[irc]
enabled = true
ping_interval = "30s"

[[irc.listeners]]
network = "tcp"
addr = ":16667"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Testline", cfg.BBS.Name)
	assert.Equal(t, 5*time.Minute, cfg.BBS.IdleTimeout.Duration())
	assert.Equal(t, 8, cfg.Nodes.Max)
	require.Len(t, cfg.IRC.Listeners, 1)
	assert.Equal(t, ":16667", cfg.IRC.Listeners[0].Addr)
	assert.Equal(t, 30*time.Second, cfg.IRC.PingInterval.Duration())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BBS_NAME", "Envline")
	t.Setenv("BBS_MAX_NODES", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Envline", cfg.BBS.Name)
	assert.Equal(t, 3, cfg.Nodes.Max)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Nodes.Max = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.IMAP.Enabled = true
	assert.Error(t, cfg.Validate(), "enabled imap needs an upstream")

	cfg.IMAP.UpstreamAddr = "mail.test:143"
	cfg.IMAP.MaxUserProxies = 0
	assert.Error(t, cfg.Validate())

	cfg.IMAP.MaxUserProxies = 4
	assert.NoError(t, cfg.Validate())
}
