package config

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"VOXBRIDGE_BIND_ADDR", "VOXBRIDGE_SIP_PORT", "VOXBRIDGE_ENABLE_TCP",
		"VOXBRIDGE_ADVERTISED_HOST", "VOXBRIDGE_RTPPROXY", "VOXBRIDGE_LOG_LEVEL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"voxbridge"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BindAddr != defaultBindAddr {
		t.Errorf("BindAddr = %q, want %q", cfg.BindAddr, defaultBindAddr)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if !cfg.EnableTCP {
		t.Error("EnableTCP = false, want true")
	}
	if cfg.AdvertisedHost != AdvertisedAuto {
		t.Errorf("AdvertisedHost = %q, want %q", cfg.AdvertisedHost, AdvertisedAuto)
	}
	if cfg.RTPProxyAddr != defaultRTPProxyAddr {
		t.Errorf("RTPProxyAddr = %q, want %q", cfg.RTPProxyAddr, defaultRTPProxyAddr)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"voxbridge"}
	t.Setenv("VOXBRIDGE_SIP_PORT", "5080")
	t.Setenv("VOXBRIDGE_ADVERTISED_HOST", "198.51.100.7")
	t.Setenv("VOXBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080", cfg.SIPPort)
	}
	if cfg.AdvertisedHost != "198.51.100.7" {
		t.Errorf("AdvertisedHost = %q, want 198.51.100.7", cfg.AdvertisedHost)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"voxbridge", "--sip-port", "6060", "--log-level", "warn"}
	t.Setenv("VOXBRIDGE_SIP_PORT", "5080")
	t.Setenv("VOXBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 6060 {
		t.Errorf("SIPPort = %d, want 6060 (CLI should override env)", cfg.SIPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"voxbridge", "--sip-port", "99999"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidRTPProxyScheme(t *testing.T) {
	os.Args = []string{"voxbridge", "--rtpproxy", "tcp:127.0.0.1:22222"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported rtpproxy scheme, got nil")
	}
}

func TestValidateInvalidPrivateCIDR(t *testing.T) {
	os.Args = []string{"voxbridge", "--private-cidrs", "not-a-cidr"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid private CIDR, got nil")
	}
}

func TestValidateExpiryBounds(t *testing.T) {
	os.Args = []string{"voxbridge", "--min-expiry", "600", "--max-expiry", "300"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when max-expiry < min-expiry, got nil")
	}
}

func TestRTPProxySocket(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddr    string
		wantErr     bool
	}{
		{"udp:10.0.0.5:22222", "udp", "10.0.0.5:22222", false},
		{"unix:/var/run/rtpproxy.sock", "unix", "/var/run/rtpproxy.sock", false},
		{"bogus", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{RTPProxyAddr: tt.in}
			network, addr, err := cfg.RTPProxySocket()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if network != tt.wantNetwork || addr != tt.wantAddr {
				t.Errorf("got (%q, %q), want (%q, %q)", network, addr, tt.wantNetwork, tt.wantAddr)
			}
		})
	}
}

func TestPrivateNetworksIncludesConfigured(t *testing.T) {
	cfg := &Config{PrivateCIDRs: "100.64.0.0/10"}
	nets, err := cfg.PrivateNetworks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contains := func(ip string) bool {
		for _, n := range nets {
			if n.Contains(net.ParseIP(ip)) {
				return true
			}
		}
		return false
	}
	if !contains("192.168.1.10") {
		t.Error("expected 192.168.1.10 to be private")
	}
	if !contains("100.64.0.1") {
		t.Error("expected configured CIDR 100.64.0.0/10 to apply")
	}
	if contains("203.0.113.5") {
		t.Error("expected 203.0.113.5 to be public")
	}
}

func TestSignalingHostExplicit(t *testing.T) {
	cfg := &Config{AdvertisedHost: "203.0.113.10"}
	if got := cfg.SignalingHost(); got != "203.0.113.10" {
		t.Errorf("SignalingHost() = %q, want explicit value", got)
	}
}

func TestSignalingPortFallsBackToSIPPort(t *testing.T) {
	cfg := &Config{SIPPort: 5060}
	if got := cfg.SignalingPort(); got != 5060 {
		t.Errorf("SignalingPort() = %d, want 5060", got)
	}
	cfg.AdvertisedPort = 5070
	if got := cfg.SignalingPort(); got != 5070 {
		t.Errorf("SignalingPort() = %d, want 5070", got)
	}
}

func TestLoadUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	content := "# comment\nalice:secret1\n\nbob:s:with:colons\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{UsersFile: path}
	users, err := cfg.LoadUsers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if users["alice"] != "secret1" {
		t.Errorf("alice secret = %q, want secret1", users["alice"])
	}
	if users["bob"] != "s:with:colons" {
		t.Errorf("bob secret = %q, want s:with:colons", users["bob"])
	}
	if len(users) != 2 {
		t.Errorf("len(users) = %d, want 2", len(users))
	}
}

func TestLoadUsersMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	if err := os.WriteFile(path, []byte("no-colon-here\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{UsersFile: path}
	if _, err := cfg.LoadUsers(); err == nil {
		t.Fatal("expected error for malformed users file, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
