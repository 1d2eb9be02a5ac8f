package sip

import (
	"log/slog"
	"net"

	"github.com/emiago/sipgo/sip"

	"github.com/voxbridge/voxbridge/internal/media"
)

// NATHelper detects endpoints signalling from behind NAT and corrects their
// Contact and SDP so responses and media reach the address we actually see.
type NATHelper struct {
	logger      *slog.Logger
	privateNets []*net.IPNet
}

// NewNATHelper creates a helper that treats the given networks as private.
func NewNATHelper(privateNets []*net.IPNet, logger *slog.Logger) *NATHelper {
	return &NATHelper{
		logger:      logger.With("component", "nat"),
		privateNets: privateNets,
	}
}

// IsPrivate reports whether host is an IP inside one of the private networks.
// Hostnames are never considered private.
func (n *NATHelper) IsPrivate(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, pn := range n.privateNets {
		if pn.Contains(ip) {
			return true
		}
	}
	return false
}

// BehindNAT classifies an endpoint from its declared Contact host and the
// transport-observed source. Either a private Contact seen from a public
// source, or a plain mismatch between the two, marks the endpoint as NATed.
func (n *NATHelper) BehindNAT(contactHost, sourceHost string) bool {
	if contactHost == "" {
		return false
	}
	if n.IsPrivate(contactHost) && !n.IsPrivate(sourceHost) {
		return true
	}
	return contactHost != sourceHost
}

// FixContact rewrites the Contact URI host and port to the observed source
// when the endpoint is behind NAT. URI parameters are preserved. Reports
// whether a rewrite happened.
func (n *NATHelper) FixContact(contact *sip.ContactHeader, sourceHost string, sourcePort int) bool {
	if contact == nil {
		return false
	}
	if !n.BehindNAT(contact.Address.Host, sourceHost) {
		return false
	}
	orig := contact.Address.Host
	contact.Address.Host = sourceHost
	contact.Address.Port = sourcePort
	n.logger.Debug("contact rewritten for nat",
		"declared", orig, "source", sourceHost, "port", sourcePort)
	return true
}

// FixSDP rewrites private connection addresses in an SDP body to the
// observed source address. Ports are left to the media layer. Returns the
// (possibly rewritten) body and whether anything changed.
func (n *NATHelper) FixSDP(body []byte, sourceHost string) ([]byte, bool) {
	if len(body) == 0 {
		return body, false
	}
	changed := false
	out := media.RewriteConnectionAddrs(body, func(addr string) (string, bool) {
		if addr == sourceHost || !n.IsPrivate(addr) {
			return "", false
		}
		changed = true
		return sourceHost, true
	})
	if changed {
		n.logger.Debug("sdp connection rewritten for nat", "source", sourceHost)
	}
	return out, changed
}
