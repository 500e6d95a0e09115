// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the bbsd configuration: a TOML file with
// environment-variable overrides (prefix BBS).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// BBS holds identity and global behavior settings.
type BBS struct {
	Name        string   `toml:"name" envconfig:"NAME"`
	Tagline     string   `toml:"tagline" envconfig:"TAGLINE"`
	Hostname    string   `toml:"hostname" envconfig:"HOSTNAME"`
	SysopName   string   `toml:"sysop_name" envconfig:"SYSOP_NAME"`
	MOTDFile    string   `toml:"motd_file" envconfig:"MOTD_FILE"`
	BannerFile  string   `toml:"banner_file" envconfig:"BANNER_FILE"`
	GuestLogin  bool     `toml:"guest_login" envconfig:"GUEST_LOGIN"`
	IdleTimeout duration `toml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	// Shell is the command behind the menu's shell entry. Empty
	// disables it.
	Shell []string `toml:"shell" envconfig:"SHELL"`
}

// Nodes bounds the session registry.
type Nodes struct {
	Max int `toml:"max" envconfig:"MAX_NODES"`
}

// Container configures the isolated execution sandbox.
type Container struct {
	Enabled     bool   `toml:"enabled" envconfig:"CONTAINER_ENABLED"`
	Template    string `toml:"template" envconfig:"CONTAINER_TEMPLATE"`
	RunDir      string `toml:"run_dir" envconfig:"CONTAINER_RUN_DIR"`
	HomeDir     string `toml:"home_dir" envconfig:"CONTAINER_HOME_DIR"`
	Hostname    string `toml:"hostname" envconfig:"CONTAINER_HOSTNAME"`
	MaxMemoryMB int    `toml:"max_memory_mb" envconfig:"CONTAINER_MAX_MEMORY_MB"`
	MaxCPUSecs  int    `toml:"max_cpu_secs" envconfig:"CONTAINER_MAX_CPU_SECS"`
	MinNice     int    `toml:"min_nice" envconfig:"CONTAINER_MIN_NICE"`
}

// Listener is one transport endpoint. Network is tcp, tcp+tls, or vsock.
type Listener struct {
	Network string `toml:"network"`
	Addr    string `toml:"addr"`
}

// IRC configures the IRC engine.
type IRC struct {
	Enabled      bool       `toml:"enabled" envconfig:"IRC_ENABLED"`
	Listeners    []Listener `toml:"listeners"`
	MaxChannels  int        `toml:"max_channels" envconfig:"IRC_MAX_CHANNELS"`
	PingInterval duration   `toml:"ping_interval" envconfig:"IRC_PING_INTERVAL"`
	RequireSASL  bool       `toml:"require_sasl" envconfig:"IRC_REQUIRE_SASL"`
	LogDir       string     `toml:"log_dir" envconfig:"IRC_LOG_DIR"`
}

// FTP configures the FTP engine.
type FTP struct {
	Enabled   bool       `toml:"enabled" envconfig:"FTP_ENABLED"`
	Listeners []Listener `toml:"listeners"`
	RootDir   string     `toml:"root_dir" envconfig:"FTP_ROOT_DIR"`
	// PasvAddr is the address advertised in 227 replies. Defaults to
	// the control connection's local address.
	PasvAddr string `toml:"pasv_addr" envconfig:"FTP_PASV_ADDR"`
}

// SFTP configures the SFTP subsystem on the SSH listener.
type SFTP struct {
	Enabled bool   `toml:"enabled" envconfig:"SFTP_ENABLED"`
	RootDir string `toml:"root_dir" envconfig:"SFTP_ROOT_DIR"`
}

// SSH configures the SSH transport.
type SSH struct {
	Enabled     bool       `toml:"enabled" envconfig:"SSH_ENABLED"`
	Listeners   []Listener `toml:"listeners"`
	HostKeyFile string     `toml:"host_key_file" envconfig:"SSH_HOST_KEY_FILE"`
	// AuthorizedKeysDir holds one authorized_keys file per account.
	// Empty disables public key auth.
	AuthorizedKeysDir string `toml:"authorized_keys_dir" envconfig:"SSH_AUTHORIZED_KEYS_DIR"`
}

// Telnet configures the Telnet transport.
type Telnet struct {
	Enabled   bool       `toml:"enabled" envconfig:"TELNET_ENABLED"`
	Listeners []Listener `toml:"listeners"`
}

// RLogin configures the RLogin transport.
type RLogin struct {
	Enabled   bool       `toml:"enabled" envconfig:"RLOGIN_ENABLED"`
	Listeners []Listener `toml:"listeners"`
}

// WebSocket configures the WebSocket terminal transport.
type WebSocket struct {
	Enabled   bool       `toml:"enabled" envconfig:"WS_ENABLED"`
	Listeners []Listener `toml:"listeners"`
}

// SMTP configures the SMTP ingress.
type SMTP struct {
	Enabled   bool       `toml:"enabled" envconfig:"SMTP_ENABLED"`
	Listeners []Listener `toml:"listeners"`
	SpoolDir  string     `toml:"spool_dir" envconfig:"SMTP_SPOOL_DIR"`
	MaxSize   int64      `toml:"max_size" envconfig:"SMTP_MAX_SIZE"`
}

// IMAP configures the proxy to the upstream mail store.
type IMAP struct {
	Enabled        bool     `toml:"enabled" envconfig:"IMAP_ENABLED"`
	UpstreamAddr   string   `toml:"upstream_addr" envconfig:"IMAP_UPSTREAM_ADDR"`
	MaxUserProxies int      `toml:"max_user_proxies" envconfig:"IMAP_MAX_USER_PROXIES"`
	StaleAfter     duration `toml:"stale_after" envconfig:"IMAP_STALE_AFTER"`
}

// Admin configures the sysop HTTP surface.
type Admin struct {
	Enabled bool   `toml:"enabled" envconfig:"ADMIN_ENABLED"`
	Addr    string `toml:"addr" envconfig:"ADMIN_ADDR"`
}

// Auth configures the user store.
type Auth struct {
	DBFile string `toml:"db_file" envconfig:"AUTH_DB_FILE"`
}

// MDNS configures optional service advertisement.
type MDNS struct {
	Enabled  bool   `toml:"enabled" envconfig:"MDNS_ENABLED"`
	Instance string `toml:"instance" envconfig:"MDNS_INSTANCE"`
	Service  string `toml:"service" envconfig:"MDNS_SERVICE"`
	Domain   string `toml:"domain" envconfig:"MDNS_DOMAIN"`
	Port     int    `toml:"port" envconfig:"MDNS_PORT"`
}

// Config is the full bbsd configuration.
type Config struct {
	BBS       BBS       `toml:"bbs"`
	Nodes     Nodes     `toml:"nodes"`
	Container Container `toml:"container"`
	Telnet    Telnet    `toml:"telnet"`
	SSH       SSH       `toml:"ssh"`
	RLogin    RLogin    `toml:"rlogin"`
	WebSocket WebSocket `toml:"websocket"`
	IRC       IRC       `toml:"irc"`
	FTP       FTP       `toml:"ftp"`
	SFTP      SFTP      `toml:"sftp"`
	SMTP      SMTP      `toml:"smtp"`
	IMAP      IMAP      `toml:"imap"`
	Admin     Admin     `toml:"admin"`
	Auth      Auth      `toml:"auth"`
	MDNS      MDNS      `toml:"mdns"`
}

// duration lets TOML carry values like "5m" while envconfig still
// parses plain Go duration strings.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration bbsd starts from before the file
// and environment are applied.
func Default() *Config {
	return &Config{
		BBS: BBS{
			Name:        "Driftline",
			Hostname:    "bbs.localdomain",
			SysopName:   "sysop",
			GuestLogin:  true,
			IdleTimeout: duration(30 * time.Minute),
			Shell:       []string{"/bin/sh", "-l"},
		},
		Nodes: Nodes{Max: 64},
		Container: Container{
			Template:    "/var/lib/driftline/template",
			RunDir:      "/var/lib/driftline/run",
			HomeDir:     "/home/bbs",
			Hostname:    "bbs",
			MaxMemoryMB: 256,
			MaxCPUSecs:  300,
			MinNice:     10,
		},
		Telnet: Telnet{Enabled: true, Listeners: []Listener{{Network: "tcp", Addr: ":23"}}},
		SSH: SSH{
			Enabled:     true,
			Listeners:   []Listener{{Network: "tcp", Addr: ":22"}},
			HostKeyFile: "/etc/driftline/host_key",
		},
		RLogin:    RLogin{Listeners: []Listener{{Network: "tcp", Addr: ":513"}}},
		WebSocket: WebSocket{Listeners: []Listener{{Network: "tcp", Addr: ":8080"}}},
		IRC: IRC{
			Listeners:    []Listener{{Network: "tcp", Addr: ":6667"}},
			MaxChannels:  50,
			PingInterval: duration(2 * time.Minute),
		},
		FTP: FTP{
			Listeners: []Listener{{Network: "tcp", Addr: ":21"}},
			RootDir:   "/var/lib/driftline/transfers",
		},
		SFTP: SFTP{RootDir: "/var/lib/driftline/transfers"},
		SMTP: SMTP{
			Listeners: []Listener{{Network: "tcp", Addr: ":25"}},
			SpoolDir:  "/var/spool/driftline",
			MaxSize:   10 << 20,
		},
		IMAP: IMAP{
			MaxUserProxies: 4,
			StaleAfter:     duration(10 * time.Second),
		},
		Admin: Admin{Addr: "127.0.0.1:8181"},
		Auth:  Auth{DBFile: "/var/lib/driftline/users.db"},
		MDNS: MDNS{
			Service: "_telnet._tcp",
			Domain:  "local",
			Port:    23,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies BBS_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("bbs", cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	return cfg, nil
}

// LoadReader is Load for an already-open stream, used by tests.
func LoadReader(r interface{ Read([]byte) (int, error) }) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process("bbs", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations bbsd cannot start with.
func (c *Config) Validate() error {
	if c.Nodes.Max < 1 {
		return fmt.Errorf("nodes.max must be at least 1, got %d", c.Nodes.Max)
	}
	if c.Container.Enabled {
		if _, err := os.Stat(c.Container.Template); err != nil {
			return fmt.Errorf("container.template: %w", err)
		}
	}
	if c.IMAP.Enabled {
		if c.IMAP.UpstreamAddr == "" {
			return fmt.Errorf("imap.upstream_addr is required when imap is enabled")
		}
		if c.IMAP.MaxUserProxies < 1 {
			return fmt.Errorf("imap.max_user_proxies must be at least 1, got %d", c.IMAP.MaxUserProxies)
		}
	}
	return nil
}
