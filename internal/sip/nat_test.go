package sip

import (
	"net"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testNATHelper(t *testing.T) *NATHelper {
	t.Helper()
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatalf("parsing cidr %q: %v", cidr, err)
		}
		nets = append(nets, n)
	}
	return NewNATHelper(nets, testLogger())
}

func TestNATHelper_IsPrivate(t *testing.T) {
	n := testNATHelper(t)

	tests := []struct {
		host string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.10", true},
		{"172.20.0.5", true},
		{"127.0.0.1", true},
		{"203.0.113.5", false},
		{"8.8.8.8", false},
		{"phone.example.com", false}, // hostnames are never private
		{"", false},
	}
	for _, tt := range tests {
		if got := n.IsPrivate(tt.host); got != tt.want {
			t.Errorf("IsPrivate(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestNATHelper_BehindNAT(t *testing.T) {
	n := testNATHelper(t)

	tests := []struct {
		name        string
		contactHost string
		sourceHost  string
		want        bool
	}{
		{"private contact public source", "192.168.1.10", "203.0.113.5", true},
		{"matching public addresses", "203.0.113.5", "203.0.113.5", false},
		{"public mismatch", "198.51.100.7", "203.0.113.5", true},
		{"both private matching", "10.0.0.5", "10.0.0.5", false},
		{"empty contact", "", "203.0.113.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.BehindNAT(tt.contactHost, tt.sourceHost); got != tt.want {
				t.Errorf("BehindNAT(%q, %q) = %v, want %v",
					tt.contactHost, tt.sourceHost, got, tt.want)
			}
		})
	}
}

func TestNATHelper_FixContact(t *testing.T) {
	n := testNATHelper(t)

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.1.10", Port: 5060},
	}
	if !n.FixContact(contact, "203.0.113.5", 5062) {
		t.Fatal("private contact from public source should be rewritten")
	}
	if contact.Address.Host != "203.0.113.5" || contact.Address.Port != 5062 {
		t.Errorf("contact rewritten to %s:%d, want 203.0.113.5:5062",
			contact.Address.Host, contact.Address.Port)
	}
	if contact.Address.User != "alice" {
		t.Errorf("contact user changed to %q", contact.Address.User)
	}
}

func TestNATHelper_FixContactNoRewrite(t *testing.T) {
	n := testNATHelper(t)

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "203.0.113.5", Port: 5060},
	}
	if n.FixContact(contact, "203.0.113.5", 5060) {
		t.Fatal("matching contact and source should not be rewritten")
	}
	if n.FixContact(nil, "203.0.113.5", 5060) {
		t.Fatal("nil contact should not be rewritten")
	}
}

func TestNATHelper_FixSDP(t *testing.T) {
	n := testNATHelper(t)

	body := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 192.168.1.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.168.1.10\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n")

	out, changed := n.FixSDP(body, "203.0.113.5")
	if !changed {
		t.Fatal("private connection address should be rewritten")
	}
	s := string(out)
	if !strings.Contains(s, "c=IN IP4 203.0.113.5") {
		t.Errorf("c= line not rewritten:\n%s", s)
	}
	if strings.Contains(s, "c=IN IP4 192.168.1.10") {
		t.Errorf("private c= line survived:\n%s", s)
	}
}

func TestNATHelper_FixSDPPublicUntouched(t *testing.T) {
	n := testNATHelper(t)

	body := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n")

	out, changed := n.FixSDP(body, "203.0.113.5")
	if changed {
		t.Fatal("public connection address should be left alone")
	}
	if string(out) != string(body) {
		t.Error("body changed without rewrite")
	}

	if _, changed := n.FixSDP(nil, "203.0.113.5"); changed {
		t.Error("empty body should not report a rewrite")
	}
}
