package sip

import (
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// In-dialog request construction. The bridge acts as a UA on both legs, so
// requests towards the callee reuse the dialog state of the outbound INVITE
// while requests towards the caller swap the roles of the inbound one.

// nextCalleeSeq returns the next CSeq number for requests we originate on
// the outbound leg. The counter starts at the INVITE's sequence number.
func (c *Call) nextCalleeSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calleeSeq++
	return c.calleeSeq
}

// nextCallerSeq returns the next CSeq number for requests we originate
// towards the caller. This direction has its own sequence space.
func (c *Call) nextCallerSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerSeq++
	return c.callerSeq
}

// buildRequestToCallee creates an in-dialog request on the outbound leg.
// The Request-URI is the callee's remote target (Contact from its 2xx),
// falling back to the INVITE recipient.
func buildRequestToCallee(method sip.RequestMethod, c *Call) *sip.Request {
	recipient := &c.CalleeReq.Recipient
	if c.Callee.RemoteTarget != nil {
		recipient = c.Callee.RemoteTarget
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = c.CalleeReq.SipVersion

	// From: our side of the outbound dialog, unchanged from the INVITE.
	if h := c.CalleeReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the answering response so the remote tag is present.
	if c.CalleeRes != nil {
		if h := c.CalleeRes.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := c.CalleeReq.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	if h := c.CalleeReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{
		SeqNo:      c.nextCalleeSeq(),
		MethodName: method,
	}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(c.CalleeReq.Transport())
	if dest := c.CalleeReq.Destination(); dest != "" {
		req.SetDestination(dest)
	}

	return req
}

// buildRequestToCaller creates an in-dialog request on the inbound leg.
// We were the UAS for the caller's INVITE, so From and To are swapped
// relative to it. The Request-URI is the caller's Contact after NAT
// correction; the destination is pinned to the transport-observed source
// for symmetric routing.
func buildRequestToCaller(method sip.RequestMethod, c *Call) *sip.Request {
	recipient := &c.CallerReq.Recipient
	if c.Caller.RemoteTarget != nil {
		recipient = c.Caller.RemoteTarget
	} else if contact := c.CallerReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = c.CallerReq.SipVersion

	// From = original To (our side), To = original From (caller side). The
	// inbound INVITE's To has no tag; ours was minted when the call was
	// created and has to be carried here for the caller to match the dialog.
	if h := c.CallerReq.To(); h != nil {
		from := h.AsFrom()
		if from.Params == nil {
			from.Params = sip.NewParams()
		}
		if _, ok := from.Params.Get("tag"); !ok && c.Caller.ToTag != "" {
			from.Params.Add("tag", c.Caller.ToTag)
		}
		req.AppendHeader(&from)
	}
	if h := c.CallerReq.From(); h != nil {
		to := h.AsTo()
		req.AppendHeader(&to)
	}

	if h := c.CallerReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{
		SeqNo:      c.nextCallerSeq(),
		MethodName: method,
	}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(c.CallerReq.Transport())
	if c.Caller.SourceHost != "" && c.Caller.SourcePort > 0 {
		req.SetDestination(net.JoinHostPort(c.Caller.SourceHost, strconv.Itoa(c.Caller.SourcePort)))
	} else if src := c.CallerReq.Source(); src != "" {
		req.SetDestination(src)
	}

	return req
}

// buildCancelFor creates the CANCEL for a pending outbound INVITE. Per RFC
// 3261 §9.1 it must mirror the INVITE's Request-URI, top Via (same branch),
// From, To, Call-ID and CSeq number so the far end matches it to the
// transaction being cancelled.
func buildCancelFor(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	sip.CopyHeaders("Route", invite, cancel)

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(invite.Transport())
	if dest := invite.Destination(); dest != "" {
		cancel.SetDestination(dest)
	}
	return cancel
}

// buildACKFor2xx creates the end-to-end ACK for a 2xx to our outbound
// INVITE. Per RFC 3261 §13.2.2.4 the ACK for a 2xx is a UA core concern,
// not the transaction layer's. The Request-URI is the Contact from the
// response; Route headers from the INVITE are carried over.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as the INVITE. To: from the response, with remote tag.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number as the INVITE, method ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	if dest := inviteReq.Destination(); dest != "" {
		ack.SetDestination(dest)
	}

	return ack
}

// copyBody carries a request or response body and its Content-Type onto an
// outgoing request.
func copyBody(src interface {
	Body() []byte
	ContentType() *sip.ContentTypeHeader
}, dst *sip.Request) {
	body := src.Body()
	if len(body) == 0 {
		return
	}
	dst.SetBody(body)
	if ct := src.ContentType(); ct != nil {
		dst.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
	}
}
