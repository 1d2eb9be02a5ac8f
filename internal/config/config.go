package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// AdvertisedAuto is the sentinel value for -advertised-host that enables
// automatic public address detection.
const AdvertisedAuto = "AUTO"

// Config holds all runtime configuration for the voxbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	BindAddr       string // local address SIP listeners bind to
	SIPPort        int    // SIP UDP/TCP listen port
	EnableTCP      bool   // also listen on TCP
	AdvertisedHost string // address placed in Via/Contact/SDP, or AUTO
	AdvertisedPort int    // port advertised alongside AdvertisedHost (0 = SIPPort)
	RTPProxyAddr   string // rtpproxy control socket: "udp:host:port" or "unix:/path"
	PrivateCIDRs   string // comma-separated CIDRs treated as behind-NAT, on top of RFC1918
	UsersFile      string // path to file of "user:secret" lines for digest auth
	Realm          string // digest auth realm
	MinExpiry      int    // lower clamp for registration expiry, seconds
	MaxExpiry      int    // upper clamp for registration expiry, seconds
	DefaultExpiry  int    // expiry when the REGISTER carries none, seconds
	MetricsAddr    string // prometheus scrape endpoint listen address ("" disables)
	LogLevel       string // debug, info, warn, error
	LogFormat      string // text or json
	SIPTrace       string // raw SIP message tracing: off, headers, full
}

// defaults
const (
	defaultBindAddr      = "0.0.0.0"
	defaultSIPPort       = 5060
	defaultRTPProxyAddr  = "udp:127.0.0.1:22222"
	defaultRealm         = "voxbridge"
	defaultMinExpiry     = 60
	defaultMaxExpiry     = 3600
	defaultDefaultExpiry = 3600
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultSIPTrace      = "off"
)

// envPrefix is the prefix for all voxbridge environment variables.
const envPrefix = "VOXBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.BindAddr, "bind-addr", defaultBindAddr, "local address for SIP listeners")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.BoolVar(&cfg.EnableTCP, "enable-tcp", true, "listen for SIP over TCP in addition to UDP")
	fs.StringVar(&cfg.AdvertisedHost, "advertised-host", AdvertisedAuto, "address advertised in Via/Contact/SDP (AUTO = detect)")
	fs.IntVar(&cfg.AdvertisedPort, "advertised-port", 0, "port advertised alongside advertised-host (0 = sip-port)")
	fs.StringVar(&cfg.RTPProxyAddr, "rtpproxy", defaultRTPProxyAddr, "rtpproxy control socket (udp:host:port or unix:/path)")
	fs.StringVar(&cfg.PrivateCIDRs, "private-cidrs", "", "comma-separated CIDRs treated as private for NAT detection")
	fs.StringVar(&cfg.UsersFile, "users", "", "path to file of user:secret lines for digest auth")
	fs.StringVar(&cfg.Realm, "realm", defaultRealm, "digest authentication realm")
	fs.IntVar(&cfg.MinExpiry, "min-expiry", defaultMinExpiry, "minimum registration expiry in seconds")
	fs.IntVar(&cfg.MaxExpiry, "max-expiry", defaultMaxExpiry, "maximum registration expiry in seconds")
	fs.IntVar(&cfg.DefaultExpiry, "default-expiry", defaultDefaultExpiry, "registration expiry when the request carries none")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for the prometheus metrics endpoint (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "raw SIP message tracing (off, headers, full)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"bind-addr":       envPrefix + "BIND_ADDR",
		"sip-port":        envPrefix + "SIP_PORT",
		"enable-tcp":      envPrefix + "ENABLE_TCP",
		"advertised-host": envPrefix + "ADVERTISED_HOST",
		"advertised-port": envPrefix + "ADVERTISED_PORT",
		"rtpproxy":        envPrefix + "RTPPROXY",
		"private-cidrs":   envPrefix + "PRIVATE_CIDRS",
		"users":           envPrefix + "USERS",
		"realm":           envPrefix + "REALM",
		"min-expiry":      envPrefix + "MIN_EXPIRY",
		"max-expiry":      envPrefix + "MAX_EXPIRY",
		"default-expiry":  envPrefix + "DEFAULT_EXPIRY",
		"metrics-addr":    envPrefix + "METRICS_ADDR",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
		"sip-trace":       envPrefix + "SIP_TRACE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "bind-addr":
			cfg.BindAddr = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "enable-tcp":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableTCP = v
			}
		case "advertised-host":
			cfg.AdvertisedHost = val
		case "advertised-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdvertisedPort = v
			}
		case "rtpproxy":
			cfg.RTPProxyAddr = val
		case "private-cidrs":
			cfg.PrivateCIDRs = val
		case "users":
			cfg.UsersFile = val
		case "realm":
			cfg.Realm = val
		case "min-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MinExpiry = v
			}
		case "max-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxExpiry = v
			}
		case "default-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DefaultExpiry = v
			}
		case "metrics-addr":
			cfg.MetricsAddr = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sip-trace":
			cfg.SIPTrace = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.AdvertisedPort < 0 || c.AdvertisedPort > 65535 {
		return fmt.Errorf("advertised-port must be between 0 and 65535, got %d", c.AdvertisedPort)
	}
	if c.BindAddr != "" && net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("bind-addr must be an IP address, got %q", c.BindAddr)
	}
	scheme, _, err := c.RTPProxySocket()
	if err != nil {
		return err
	}
	if scheme != "udp" && scheme != "unix" {
		return fmt.Errorf("rtpproxy scheme must be udp or unix, got %q", scheme)
	}
	if c.MinExpiry < 1 {
		return fmt.Errorf("min-expiry must be positive, got %d", c.MinExpiry)
	}
	if c.MaxExpiry < c.MinExpiry {
		return fmt.Errorf("max-expiry must be >= min-expiry, got %d < %d", c.MaxExpiry, c.MinExpiry)
	}
	if c.DefaultExpiry < c.MinExpiry || c.DefaultExpiry > c.MaxExpiry {
		return fmt.Errorf("default-expiry must be within [min-expiry, max-expiry], got %d", c.DefaultExpiry)
	}
	if _, err := c.PrivateNetworks(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	return nil
}

// RTPProxySocket splits the rtpproxy flag into network scheme and address.
// "udp:10.0.0.5:22222" yields ("udp", "10.0.0.5:22222") and
// "unix:/var/run/rtpproxy.sock" yields ("unix", "/var/run/rtpproxy.sock").
func (c *Config) RTPProxySocket() (network, addr string, err error) {
	scheme, rest, ok := strings.Cut(c.RTPProxyAddr, ":")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("rtpproxy must be udp:host:port or unix:/path, got %q", c.RTPProxyAddr)
	}
	return scheme, rest, nil
}

// PrivateNetworks returns the CIDR set used for NAT detection: the standard
// private ranges plus any configured via private-cidrs.
func (c *Config) PrivateNetworks() ([]*net.IPNet, error) {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
	}
	if c.PrivateCIDRs != "" {
		for _, s := range strings.Split(c.PrivateCIDRs, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cidrs = append(cidrs, s)
			}
		}
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid private CIDR %q: %w", s, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// SignalingHost resolves the address to advertise in Via, Contact and SDP.
// An explicit advertised-host is returned as-is. AUTO prefers the first
// non-private interface address, then any non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) SignalingHost() string {
	if c.AdvertisedHost != "" && c.AdvertisedHost != AdvertisedAuto {
		return c.AdvertisedHost
	}
	nets, err := c.PrivateNetworks()
	if err != nil {
		nets = nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	var fallback string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		if fallback == "" {
			fallback = ipNet.IP.String()
		}
		private := false
		for _, n := range nets {
			if n.Contains(ipNet.IP) {
				private = true
				break
			}
		}
		if !private {
			return ipNet.IP.String()
		}
	}
	if fallback != "" {
		return fallback
	}
	return "127.0.0.1"
}

// SignalingPort returns the port to advertise alongside SignalingHost.
func (c *Config) SignalingPort() int {
	if c.AdvertisedPort != 0 {
		return c.AdvertisedPort
	}
	return c.SIPPort
}

// LoadUsers reads the users file into a user to secret map. Lines are
// "user:secret"; blank lines and lines starting with # are skipped.
// An empty UsersFile yields an empty map.
func (c *Config) LoadUsers() (map[string]string, error) {
	users := make(map[string]string)
	if c.UsersFile == "" {
		return users, nil
	}
	f, err := os.Open(c.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("opening users file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, secret, ok := strings.Cut(text, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("users file line %d: expected user:secret", line)
		}
		users[user] = secret
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	return users, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
