package sshclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/sshengine/pkg/sshkex"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server: gateway.example.com:2022
user: alice
client_version: SSH-2.0-sshengine_test
dial_timeout: 10s
keepalive: 30s
max_retry_count: 3
max_retry_interval: 2m
algorithms:
  kex: [curve25519-sha256]
  ciphers: [aes128-ctr]
known_hosts_file: /etc/ssh/known_hosts
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server != "gateway.example.com:2022" || cfg.User != "alice" {
		t.Errorf("server/user = %q/%q", cfg.Server, cfg.User)
	}
	if cfg.DialTimeout.Std() != 10*time.Second {
		t.Errorf("dial_timeout = %s", cfg.DialTimeout.Std())
	}
	if cfg.KeepAlive.Std() != 30*time.Second {
		t.Errorf("keepalive = %s", cfg.KeepAlive.Std())
	}
	if cfg.MaxRetryInterval.Std() != 2*time.Minute {
		t.Errorf("max_retry_interval = %s", cfg.MaxRetryInterval.Std())
	}
	if len(cfg.Algorithms.Kex) != 1 || cfg.Algorithms.Kex[0] != "curve25519-sha256" {
		t.Errorf("kex override = %v", cfg.Algorithms.Kex)
	}
}

func TestLoadConfigDefaultsAndErrors(t *testing.T) {
	path := writeConfig(t, "server: host:22\nuser: bob\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DialTimeout.Std() != DefaultDialTimeout {
		t.Errorf("default dial timeout = %s", cfg.DialTimeout.Std())
	}
	if cfg.MaxRetryInterval.Std() != DefaultMaxRetryInterval {
		t.Errorf("default retry interval = %s", cfg.MaxRetryInterval.Std())
	}

	if _, err := LoadConfig(writeConfig(t, "user: bob\n")); err == nil {
		t.Errorf("missing server accepted")
	}
	if _, err := LoadConfig(writeConfig(t, "server: host:22\n")); err == nil {
		t.Errorf("missing user accepted")
	}
	if _, err := LoadConfig(writeConfig(t, "server: host:22\nuser: bob\nkeepalive: nonsense\n")); err == nil {
		t.Errorf("bad duration accepted")
	}
}

func TestDurationFromSecondsNumber(t *testing.T) {
	path := writeConfig(t, "server: host:22\nuser: bob\nkeepalive: 45\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.KeepAlive.Std() != 45*time.Second {
		t.Errorf("numeric keepalive = %s, want 45s", cfg.KeepAlive.Std())
	}
}

func TestHostnameExtraction(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"example.com:22", "example.com"},
		{"example.com", "example.com"},
		{"wss://gw.example:8443/tunnel", "gw.example"},
		{"ws://gw.example/path", "gw.example"},
		{"[::1]:2022", "::1"},
	}
	for _, tc := range cases {
		cfg := Config{Server: tc.server}
		if got := cfg.Hostname(); got != tc.want {
			t.Errorf("Hostname(%q) = %q, want %q", tc.server, got, tc.want)
		}
	}
}

func TestIsWebSocket(t *testing.T) {
	if (&Config{Server: "host:22"}).IsWebSocket() {
		t.Errorf("plain address classified as websocket")
	}
	if !(&Config{Server: "wss://host/tunnel"}).IsWebSocket() {
		t.Errorf("wss URL not classified as websocket")
	}
}

func TestAlgorithmPreferencesApply(t *testing.T) {
	base := sshkex.DefaultAlgorithms()
	out := AlgorithmPreferences{
		Kex:     []string{"diffie-hellman-group14-sha256"},
		Ciphers: []string{"aes256-ctr"},
	}.Apply(base)

	if len(out.Kex) != 1 || out.Kex[0] != "diffie-hellman-group14-sha256" {
		t.Errorf("kex = %v", out.Kex)
	}
	if len(out.CiphersCS) != 1 || out.CiphersCS[0] != "aes256-ctr" || len(out.CiphersSC) != 1 {
		t.Errorf("ciphers = %v / %v", out.CiphersCS, out.CiphersSC)
	}
	// Untouched categories keep the defaults.
	if len(out.HostKeys) != len(base.HostKeys) {
		t.Errorf("host keys changed: %v", out.HostKeys)
	}
	if len(out.MACsCS) != len(base.MACsCS) {
		t.Errorf("MACs changed: %v", out.MACsCS)
	}
}
