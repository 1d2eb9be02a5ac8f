package sip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voxbridge/voxbridge/internal/events"
	"github.com/voxbridge/voxbridge/internal/location"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/rtpp"
)

// fakeSender records the requests a handler sends instead of putting them on
// the wire.
type fakeSender struct {
	mu   sync.Mutex
	reqs []*sip.Request
}

func (f *fakeSender) TransactionRequest(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.record(req)
	return newFakeClientTx(), nil
}

func (f *fakeSender) WriteRequest(req *sip.Request, _ ...sipgo.ClientRequestOption) error {
	f.record(req)
	return nil
}

func (f *fakeSender) record(req *sip.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeSender) byMethod(m sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, req := range f.reqs {
		if req.Method == m {
			out = append(out, req)
		}
	}
	return out
}

// fakeClientTx is the client-side counterpart of fakeServerTx.
type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{
		responses: make(chan *sip.Response, 1),
		done:      make(chan struct{}),
	}
}

func (t *fakeClientTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeClientTx) Done() <-chan struct{}           { return t.done }
func (t *fakeClientTx) Err() error                      { return nil }

func (t *fakeClientTx) OnTerminate(fn sip.FnTxTerminate) bool { return false }

func (t *fakeClientTx) OnRetransmission(fn sip.FnTxResponse) bool { return false }

func (t *fakeClientTx) Terminate() {
	t.once.Do(func() { close(t.done) })
}

func mustParseSDP(t *testing.T, body string) *media.SessionDescription {
	t.Helper()
	sd, err := media.ParseSDP([]byte(body))
	if err != nil {
		t.Fatalf("parsing sdp: %v", err)
	}
	return sd
}

func TestSDPStreamTypes(t *testing.T) {
	sd := mustParseSDP(t, "v=0\r\n"+
		"o=- 1 1 IN IP4 198.51.100.7\r\n"+
		"s=-\r\n"+
		"c=IN IP4 198.51.100.7\r\n"+
		"m=audio 49170 RTP/AVP 0\r\n"+
		"m=video 0 RTP/AVP 96\r\n"+
		"m=video 51372 RTP/AVP 96\r\n")

	types := sdpStreamTypes(sd)
	if len(types) != 2 || types[0] != "audio" || types[1] != "video" {
		t.Errorf("sdpStreamTypes = %v, want [audio video]", types)
	}
}

func TestRelayPortMapSkipsDisabledStreams(t *testing.T) {
	h := &InviteHandler{}
	sd := mustParseSDP(t, "v=0\r\n"+
		"o=- 1 1 IN IP4 198.51.100.7\r\n"+
		"s=-\r\n"+
		"c=IN IP4 198.51.100.7\r\n"+
		"m=audio 49170 RTP/AVP 0\r\n"+
		"m=video 0 RTP/AVP 96\r\n")

	ports := h.relayPortMapByType(sd, map[string]int{"audio": 30000, "video": 30002})

	// Section 0 is the audio stream; the zero-port video section must not be
	// assigned a relay port.
	if got := ports[0]; got != 30000 {
		t.Errorf("ports[0] = %d, want 30000", got)
	}
	if _, ok := ports[1]; ok {
		t.Error("disabled video section should have no relay port")
	}
}

func TestRelayRewriteEndToEnd(t *testing.T) {
	h := &InviteHandler{advertisedHost: "203.0.113.1"}
	sd := mustParseSDP(t, "v=0\r\n"+
		"o=- 1 1 IN IP4 198.51.100.7\r\n"+
		"s=-\r\n"+
		"c=IN IP4 198.51.100.7\r\n"+
		"m=audio 49170 RTP/AVP 0\r\n")

	out := sd.RewriteForRelay("203.0.113.1", h.relayPortMapByType(sd, map[string]int{"audio": 30000}))

	rewritten := mustParseSDP(t, string(out))
	addr, port, ok := rewritten.RTPEndpoint("audio")
	if !ok {
		t.Fatal("rewritten sdp lost its audio stream")
	}
	if addr != "203.0.113.1" || port != 30000 {
		t.Errorf("rewritten endpoint = %s:%d, want 203.0.113.1:30000", addr, port)
	}
}

func TestAddToTag(t *testing.T) {
	req := mustParseRequest(t, inviteRaw, "198.51.100.7:5060")

	res := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	addToTag(res, "local-tag")

	tag, ok := res.To().Params.Get("tag")
	if !ok || tag != "local-tag" {
		t.Fatalf("To tag = %q, want local-tag", tag)
	}

	// Stamping the dialog tag again is stable.
	addToTag(res, "local-tag")
	if tag, _ := res.To().Params.Get("tag"); tag != "local-tag" {
		t.Errorf("To tag = %q after second add, want local-tag", tag)
	}
}

func TestAddToTagReplacesGeneratedTag(t *testing.T) {
	req := mustParseRequest(t, inviteRaw, "198.51.100.7:5060")

	// Response construction may mint its own To tag. The dialog tag has to
	// win, or the caller sees a different dialog on every response.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	to := res.To()
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", "generated-elsewhere")

	addToTag(res, "local-tag")

	if tag, _ := res.To().Params.Get("tag"); tag != "local-tag" {
		t.Errorf("To tag = %q, want local-tag replacing the generated one", tag)
	}
}

func TestSourceHostOf(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"203.0.113.5:5060", "203.0.113.5"},
		{"203.0.113.5", "203.0.113.5"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("input=%q", tt.input), func(t *testing.T) {
			if got := sourceHostOf(tt.input); got != tt.want {
				t.Errorf("sourceHostOf(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMediaFailStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"backend unavailable", fmt.Errorf("relay offer for audio: %w", rtpp.ErrBackendUnavailable), 503},
		{"command refused", fmt.Errorf("relay answer for audio: %w", &rtpp.CommandError{Code: 7}), 488},
		{"other failure", errors.New("connection reset"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := mediaFailStatus(tt.err)
			if code != tt.code {
				t.Errorf("mediaFailStatus(%v) = %d, want %d", tt.err, code, tt.code)
			}
		})
	}
}

func TestMediaFailReason(t *testing.T) {
	if got := mediaFailReason(rtpp.ErrBackendUnavailable); got != events.ReasonMediaUnavailable {
		t.Errorf("unavailable backend mapped to %q, want %q", got, events.ReasonMediaUnavailable)
	}
	wrapped := fmt.Errorf("relay offer for audio: %w", rtpp.ErrBackendUnavailable)
	if got := mediaFailReason(wrapped); got != events.ReasonMediaUnavailable {
		t.Errorf("wrapped unavailable backend mapped to %q, want %q", got, events.ReasonMediaUnavailable)
	}
	if got := mediaFailReason(errors.New("E7")); got != events.ReasonMediaError {
		t.Errorf("command error mapped to %q, want %q", got, events.ReasonMediaError)
	}
}

func TestRetransmit2xxBacksOffUntilAck(t *testing.T) {
	tx := newFakeServerTx()
	call := NewCall("dlg-1", mustParseRequest(t, inviteRaw, "198.51.100.7:5060"), tx, testLogger())
	h := &InviteHandler{logger: testLogger()}

	ok := sip.NewResponseFromRequest(call.CallerReq, 200, "OK", nil)
	addToTag(ok, "aleg-local")

	done := make(chan struct{})
	go func() {
		h.retransmit2xx(call, ok)
		close(done)
	}()

	// First retransmission fires at T1, the second at T1+2*T1. Let both
	// happen, then deliver the ACK.
	time.Sleep(3*sip.T1 + 250*time.Millisecond)
	call.AckReceived()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retransmission loop did not stop on ack")
	}

	times := tx.times()
	if len(times) < 2 {
		t.Fatalf("got %d retransmissions before ack, want at least 2", len(times))
	}
	// The interval doubles after every send, so the second gap must be
	// clearly longer than the initial T1.
	gap := times[1].Sub(times[0])
	if gap < sip.T1+sip.T1/2 {
		t.Errorf("gap between retransmissions = %v, want about %v", gap, 2*sip.T1)
	}
	for _, res := range tx.responses {
		if res.StatusCode != 200 {
			t.Fatalf("retransmitted status = %d, want 200", res.StatusCode)
		}
		if tag, _ := res.To().Params.Get("tag"); tag != "aleg-local" {
			t.Errorf("retransmission To tag = %q, want aleg-local", tag)
		}
	}
}

func TestCancelCallee(t *testing.T) {
	sender := &fakeSender{}
	h := &InviteHandler{client: sender, logger: testLogger()}
	call := newBridgedCall(t)

	h.cancelCallee(call)

	cancels := sender.byMethod(sip.CANCEL)
	if len(cancels) != 1 {
		t.Fatalf("got %d CANCELs, want 1", len(cancels))
	}
	cancel := cancels[0]
	via := cancel.Via()
	if via == nil {
		t.Fatal("missing Via")
	}
	if branch, _ := via.Params.Get("branch"); branch != "z9hG4bKbleg" {
		t.Errorf("Via branch = %q, want the INVITE's z9hG4bKbleg", branch)
	}
	if cancel.Destination() != "192.0.2.20:5062" {
		t.Errorf("destination = %q, want 192.0.2.20:5062", cancel.Destination())
	}
}

func TestBuildBLegInviteCopiesRouteSet(t *testing.T) {
	h := &InviteHandler{advertisedHost: "203.0.113.1", advertisedPort: 5060}

	req := mustParseRequest(t, `
INVITE sip:bob@voxbridge.example.com SIP/2.0
Via: SIP/2.0/UDP 198.51.100.7:5060;branch=z9hG4bKrr1
Record-Route: <sip:p1.example.com;lr>
Record-Route: <sip:p2.example.com;lr>
Max-Forwards: 70
From: "Alice" <sip:alice@voxbridge.example.com>;tag=aleg-from
To: <sip:bob@voxbridge.example.com>
Call-ID: rr-1
CSeq: 1 INVITE
Contact: <sip:alice@198.51.100.7:5060>
Content-Type: application/sdp
Content-Length: 0

`, "198.51.100.7:5060")

	binding := &location.Binding{
		User:       "bob",
		ContactURI: "sip:bob@192.0.2.20:5062",
		SourceHost: "192.0.2.20",
		SourcePort: 5062,
		Transport:  "udp",
	}

	out, err := h.buildBLegInvite(req, binding, "rr-1", []byte("v=0\r\n"))
	if err != nil {
		t.Fatalf("buildBLegInvite: %v", err)
	}

	routes := out.GetHeaders("Route")
	if len(routes) != 2 {
		t.Fatalf("got %d Route headers, want 2", len(routes))
	}
	if !strings.Contains(routes[0].Value(), "p1.example.com") ||
		!strings.Contains(routes[1].Value(), "p2.example.com") {
		t.Errorf("route set [%s, %s] should preserve Record-Route order",
			routes[0].Value(), routes[1].Value())
	}
}
