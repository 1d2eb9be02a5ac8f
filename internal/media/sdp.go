package media

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SDP field type prefixes per RFC 4566.
const (
	sdpVersion    = "v="
	sdpOrigin     = "o="
	sdpSession    = "s="
	sdpConnection = "c="
	sdpMedia      = "m="
	sdpAttribute  = "a="
)

// Connection holds SDP connection data from a c= line.
// Format: c=<nettype> <addrtype> <connection-address>
type Connection struct {
	NetType  string // e.g. "IN"
	AddrType string // e.g. "IP4" or "IP6"
	Address  string // e.g. "192.168.1.10"
}

// String returns the SDP c= line value (without the "c=" prefix).
func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds SDP origin data from an o= line.
// Format: o=<username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

// Codec represents a codec declared by an a=rtpmap attribute.
type Codec struct {
	PayloadType int
	Name        string // e.g. "PCMU", "opus"
	ClockRate   int
	Channels    int // 0 means not specified
}

// MediaDescription holds a parsed SDP m= section.
// Formats are kept as raw strings so non-numeric entries pass through intact.
type MediaDescription struct {
	Type       string // "audio", "video", etc.
	Port       int
	NumPorts   int // number of ports (0 means 1)
	Proto      string
	Formats    []string
	Connection *Connection // media-level c= line (overrides session-level)
	Codecs     []Codec     // parsed from a=rtpmap lines
}

// CodecByName returns the first codec with the given name, case-insensitive,
// or nil.
func (m *MediaDescription) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

// SessionDescription is a parsed SDP body. The original bytes are retained
// so rewrites can leave untouched lines byte-identical.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection // session-level c= line
	Media       []MediaDescription

	raw []byte
}

// MediaByType returns the first media section of the given type, or nil.
func (s *SessionDescription) MediaByType(typ string) *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == typ {
			return &s.Media[i]
		}
	}
	return nil
}

// ConnectionAddress returns the effective connection address for a media
// section, preferring its own c= line over the session-level one.
func (s *SessionDescription) ConnectionAddress(m *MediaDescription) string {
	if m.Connection != nil {
		return m.Connection.Address
	}
	if s.Connection != nil {
		return s.Connection.Address
	}
	return ""
}

// RTPEndpoint returns the declared address and port of the first media
// section of the given type.
func (s *SessionDescription) RTPEndpoint(typ string) (addr string, port int, ok bool) {
	m := s.MediaByType(typ)
	if m == nil {
		return "", 0, false
	}
	return s.ConnectionAddress(m), m.Port, true
}

// ParseSDP parses an SDP body. It either succeeds fully or reports the body
// as malformed; no partial result is returned.
func ParseSDP(data []byte) (*SessionDescription, error) {
	sd := &SessionDescription{raw: append([]byte(nil), data...)}

	sawVersion := false
	var currentMedia *MediaDescription

	err := forEachLine(data, func(line string) error {
		if len(line) < 2 || line[1] != '=' {
			if strings.TrimSpace(line) == "" {
				return nil
			}
			return fmt.Errorf("malformed sdp line %q", line)
		}

		switch {
		case strings.HasPrefix(line, sdpVersion):
			v, err := strconv.Atoi(line[2:])
			if err != nil {
				return fmt.Errorf("invalid sdp version: %w", err)
			}
			sd.Version = v
			sawVersion = true

		case strings.HasPrefix(line, sdpOrigin):
			origin, err := parseOrigin(line[2:])
			if err != nil {
				return fmt.Errorf("invalid sdp origin: %w", err)
			}
			sd.Origin = origin

		case strings.HasPrefix(line, sdpSession):
			sd.SessionName = line[2:]

		case strings.HasPrefix(line, sdpConnection):
			conn, err := parseConnection(line[2:])
			if err != nil {
				return fmt.Errorf("invalid sdp connection: %w", err)
			}
			if currentMedia != nil {
				currentMedia.Connection = &conn
			} else {
				sd.Connection = &conn
			}

		case strings.HasPrefix(line, sdpMedia):
			md, err := parseMediaLine(line[2:])
			if err != nil {
				return fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			currentMedia = &sd.Media[len(sd.Media)-1]

		case strings.HasPrefix(line, sdpAttribute):
			// Only rtpmap is extracted; anything else passes through as
			// opaque bytes. Malformed rtpmaps are skipped, not fatal.
			if currentMedia == nil {
				break
			}
			if value, ok := strings.CutPrefix(line[2:], "rtpmap:"); ok {
				if codec, err := parseRtpmap(value); err == nil {
					currentMedia.Codecs = append(currentMedia.Codecs, codec)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !sawVersion {
		return nil, fmt.Errorf("sdp body missing v= line")
	}
	if len(sd.Media) == 0 {
		return nil, fmt.Errorf("sdp body has no media sections")
	}
	return sd, nil
}

// RewriteForRelay returns a copy of the body with every connection address
// replaced by addr and the port of each media section present in ports
// (keyed by section index) replaced. All other lines, including attribute
// lines and line terminators, are byte-identical to the original.
func (s *SessionDescription) RewriteForRelay(addr string, ports map[int]int) []byte {
	mediaIdx := -1
	return rewriteLines(s.raw, func(line string) (string, bool) {
		switch {
		case strings.HasPrefix(line, sdpConnection):
			conn, err := parseConnection(line[2:])
			if err != nil {
				return "", false
			}
			conn.Address = addr
			return sdpConnection + conn.String(), true

		case strings.HasPrefix(line, sdpMedia):
			mediaIdx++
			port, ok := ports[mediaIdx]
			if !ok {
				return "", false
			}
			md, err := parseMediaLine(line[2:])
			if err != nil {
				return "", false
			}
			md.Port = port
			return sdpMedia + md.value(), true
		}
		return "", false
	})
}

// RewriteConnectionAddrs returns a copy of body where each c= line address
// for which replace returns a substitute is rewritten. Lines left alone are
// byte-identical. Used for NAT correction, where only private addresses are
// swapped for the observed source.
func RewriteConnectionAddrs(body []byte, replace func(addr string) (string, bool)) []byte {
	return rewriteLines(body, func(line string) (string, bool) {
		if !strings.HasPrefix(line, sdpConnection) {
			return "", false
		}
		conn, err := parseConnection(line[2:])
		if err != nil {
			return "", false
		}
		newAddr, ok := replace(conn.Address)
		if !ok {
			return "", false
		}
		conn.Address = newAddr
		return sdpConnection + conn.String(), true
	})
}

// value rebuilds the m= line value from its parsed parts.
func (m *MediaDescription) value() string {
	portStr := strconv.Itoa(m.Port)
	if m.NumPorts > 0 {
		portStr += "/" + strconv.Itoa(m.NumPorts)
	}
	return m.Type + " " + portStr + " " + m.Proto + " " + strings.Join(m.Formats, " ")
}

// forEachLine invokes fn for each line of data with terminators stripped.
func forEachLine(data []byte, fn func(line string) error) error {
	for len(data) > 0 {
		var chunk []byte
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			chunk = data[:idx+1]
			data = data[idx+1:]
		} else {
			chunk = data
			data = nil
		}
		line := strings.TrimRight(string(chunk), "\r\n")
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// rewriteLines copies data line by line. For each line (terminator stripped)
// fn may return a replacement; the original terminator is reattached so
// untouched lines round-trip exactly.
func rewriteLines(data []byte, fn func(line string) (string, bool)) []byte {
	var out bytes.Buffer
	for len(data) > 0 {
		var chunk []byte
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			chunk = data[:idx+1]
			data = data[idx+1:]
		} else {
			chunk = data
			data = nil
		}
		line := strings.TrimRight(string(chunk), "\r\n")
		if repl, ok := fn(line); ok {
			out.WriteString(repl)
			out.Write(chunk[len(line):])
		} else {
			out.Write(chunk)
		}
	}
	return out.Bytes()
}

// parseConnection parses a connection data value: <nettype> <addrtype> <address>
func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}

	addr := parts[2]
	// Strip TTL/multicast suffix if present (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}

	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}

	return Connection{
		NetType:  parts[0],
		AddrType: parts[1],
		Address:  addr,
	}, nil
}

// parseOrigin parses an origin value:
// <username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
func parseOrigin(value string) (Origin, error) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	return Origin{
		Username:       parts[0],
		SessionID:      parts[1],
		SessionVersion: parts[2],
		NetType:        parts[3],
		AddrType:       parts[4],
		Address:        parts[5],
	}, nil
}

// parseRtpmap parses an rtpmap attribute value:
// <payload type> <encoding name>/<clock rate>[/<channels>]
func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}

	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}

	encParts := strings.Split(parts[1], "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}
	clockRate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}

	codec := Codec{
		PayloadType: pt,
		Name:        encParts[0],
		ClockRate:   clockRate,
	}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			codec.Channels = ch
		}
	}
	return codec, nil
}

// parseMediaLine parses a media description line value:
// <media> <port>[/<number of ports>] <proto> <fmt> ...
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:    parts[0],
		Proto:   parts[2],
		Formats: parts[3:],
	}

	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		numPorts, err := strconv.Atoi(portStr[idx+1:])
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid port count: %w", err)
		}
		md.NumPorts = numPorts
		portStr = portStr[:idx]
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	return md, nil
}
