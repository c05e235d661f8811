package sshclient

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sammck-go/sshengine/pkg/sshkex"
)

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("30s", "5m") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AlgorithmPreferences overrides the default negotiation preference lists
// per category, most preferred first. Empty lists keep the defaults. Cipher
// and MAC preferences apply to both directions.
type AlgorithmPreferences struct {
	Kex      []string `yaml:"kex,omitempty"`
	HostKeys []string `yaml:"host_keys,omitempty"`
	Ciphers  []string `yaml:"ciphers,omitempty"`
	MACs     []string `yaml:"macs,omitempty"`
}

// Apply folds the overrides into base.
func (p AlgorithmPreferences) Apply(base sshkex.Algorithms) sshkex.Algorithms {
	if len(p.Kex) > 0 {
		base.Kex = p.Kex
	}
	if len(p.HostKeys) > 0 {
		base.HostKeys = p.HostKeys
	}
	if len(p.Ciphers) > 0 {
		base.CiphersCS = p.Ciphers
		base.CiphersSC = p.Ciphers
	}
	if len(p.MACs) > 0 {
		base.MACsCS = p.MACs
		base.MACsSC = p.MACs
	}
	return base
}

// Config describes one client. Server accepts "host:port" for plain TCP or a
// ws:// / wss:// URL for a WebSocket byte-stream transport.
type Config struct {
	Server string `yaml:"server"`
	User   string `yaml:"user"`

	// ClientVersion overrides the identification banner.
	ClientVersion string `yaml:"client_version,omitempty"`

	// DialTimeout bounds each connection and handshake attempt. Zero means
	// DefaultDialTimeout.
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`

	// KeepAlive is the interval between keepalive global requests on an
	// established session. Zero disables keepalives.
	KeepAlive Duration `yaml:"keepalive,omitempty"`

	// MaxRetryCount limits reconnect attempts. Zero means no retries;
	// negative means retry forever.
	MaxRetryCount int `yaml:"max_retry_count,omitempty"`

	// MaxRetryInterval caps the exponential backoff between attempts.
	MaxRetryInterval Duration `yaml:"max_retry_interval,omitempty"`

	Algorithms AlgorithmPreferences `yaml:"algorithms,omitempty"`

	// KnownHostsFile selects a file-backed host key verifier when the
	// caller does not supply one.
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`

	// HostFingerprint pins the server's host key fingerprint (either MD5
	// colon form or "SHA256:..." form) as an alternative to a known-hosts
	// file.
	HostFingerprint string `yaml:"host_fingerprint,omitempty"`
}

// DefaultDialTimeout bounds a dial and handshake when the config is silent.
const DefaultDialTimeout = 30 * time.Second

// DefaultMaxRetryInterval caps reconnect backoff when the config is silent.
const DefaultMaxRetryInterval = 5 * time.Minute

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("sshclient: config requires a server address")
	}
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("sshclient: config requires a user name")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = Duration(DefaultMaxRetryInterval)
	}
	return nil
}

// IsWebSocket reports whether Server names a WebSocket URL.
func (c *Config) IsWebSocket() bool {
	return strings.HasPrefix(c.Server, "ws://") || strings.HasPrefix(c.Server, "wss://")
}

// Hostname returns the host part used for host key trust lookups.
func (c *Config) Hostname() string {
	server := c.Server
	if i := strings.Index(server, "://"); i >= 0 {
		server = server[i+3:]
	}
	if i := strings.IndexAny(server, "/?"); i >= 0 {
		server = server[:i]
	}
	if i := strings.LastIndex(server, ":"); i >= 0 && !strings.Contains(server[i:], "]") {
		server = server[:i]
	}
	return strings.Trim(server, "[]")
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("sshclient: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sshclient: %s: %w", path, err)
	}
	return &cfg, nil
}
