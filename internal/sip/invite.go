package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voxbridge/voxbridge/internal/events"
	"github.com/voxbridge/voxbridge/internal/location"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/rtpp"
)

const (
	// answerTimeout bounds the wait for the callee to answer; past it the
	// outbound leg is cancelled and the caller gets 480.
	answerTimeout = 32 * time.Second

	// ackTimeout bounds the wait for the caller's ACK after our 2xx; past
	// it the call is torn down with BYE.
	ackTimeout = 5 * time.Second

	// reinviteTimeout bounds the wait for the peer's final response to a
	// forwarded re-INVITE.
	reinviteTimeout = 10 * time.Second
)

// requestSender is the slice of sipgo.Client the bridge sends through.
type requestSender interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// InviteHandler bridges inbound INVITEs to the callee's registered location.
// It owns the whole A-leg/B-leg pairing: media allocation, SDP rewriting,
// provisional relay, the answer path with 2xx retransmission, and failure
// mapping back to the caller.
type InviteHandler struct {
	advertisedHost string
	advertisedPort int

	auth   *Authenticator
	store  *location.Store
	nat    *NATHelper
	media  *media.Manager
	calls  *CallManager
	bus    *events.Bus
	client requestSender
	logger *slog.Logger
}

// NewInviteHandler creates the INVITE bridge handler.
func NewInviteHandler(
	advertisedHost string,
	advertisedPort int,
	auth *Authenticator,
	store *location.Store,
	nat *NATHelper,
	mediaMgr *media.Manager,
	calls *CallManager,
	bus *events.Bus,
	client requestSender,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		advertisedHost: advertisedHost,
		advertisedPort: advertisedPort,
		auth:           auth,
		store:          store,
		nat:            nat,
		media:          mediaMgr,
		calls:          calls,
		bus:            bus,
		client:         client,
		logger:         logger.With("subsystem", "invite"),
	}
}

// HandleInvite processes an INVITE server transaction. Dialog-forming
// INVITEs start a new bridged call; in-dialog ones (To tag present) are
// renegotiations.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			h.handleReInvite(req, tx)
			return
		}
	}

	if mf := req.MaxForwards(); mf != nil && *mf == 0 {
		h.respondError(req, tx, 483, "Too Many Hops")
		return
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if callID == "" {
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	h.logger.Debug("invite received",
		"call_id", callID,
		"request_uri", req.Recipient.User,
		"source", req.Source(),
	)

	// 100 Trying right away so upstream retransmission stops.
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
	}

	_, outcome := h.auth.Authenticate(req, tx)
	if outcome != AuthOK {
		return
	}

	fromUser := ""
	fromTag := ""
	if from := req.From(); from != nil {
		fromUser = from.Address.User
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}
	callee := req.Recipient.User

	h.bus.Publish(events.CallStart(callID, fromUser, callee))

	sourceIP, sourcePort := parseSource(req)

	// NAT correction: the caller's Contact and SDP addresses must point to
	// where its packets actually come from.
	contact := req.Contact()
	h.nat.FixContact(contact, sourceIP, sourcePort)

	body := req.Body()
	if len(body) == 0 {
		h.respondError(req, tx, 488, "Not Acceptable Here")
		h.bus.Publish(events.CallEnd(callID, events.ReasonMediaError))
		return
	}
	natBody, _ := h.nat.FixSDP(body, sourceIP)

	offer, err := media.ParseSDP(natBody)
	if err != nil {
		h.logger.Warn("invite carried malformed sdp",
			"call_id", callID, "error", err)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		h.bus.Publish(events.CallEnd(callID, events.ReasonMediaError))
		return
	}

	binding, registered := h.store.Lookup(callee)
	if !registered {
		h.logger.Info("callee not registered",
			"call_id", callID, "callee", callee)
		h.respondError(req, tx, 404, "Not Found")
		h.bus.Publish(events.CallEnd(callID, events.ReasonNotRegistered))
		return
	}

	call := NewCall(callID, req, tx, h.logger)
	call.Caller = CallLeg{
		User:       fromUser,
		FromTag:    fromTag,
		ToTag:      sip.GenerateTagN(16),
		SourceHost: sourceIP,
		SourcePort: sourcePort,
	}
	if contact != nil {
		call.Caller.ContactURI = contact.Address.String()
		call.Caller.RemoteTarget = contact.Address.Clone()
	}
	call.Callee = CallLeg{
		User:       callee,
		SourceHost: binding.SourceHost,
		SourcePort: binding.SourcePort,
		ContactURI: binding.ContactURI,
	}

	if err := h.calls.Add(call); err != nil {
		h.logger.Warn("duplicate dialog-forming invite",
			"call_id", callID, "error", err)
		h.respondError(req, tx, 482, "Loop Detected")
		return
	}

	// Phase one of the media bridge: allocate offer-side relay ports and
	// point the callee's copy of the SDP at them.
	session, err := h.media.Offer(context.Background(), callID, fromTag, sdpStreamTypes(offer))
	if err != nil {
		h.failMedia(call, err)
		return
	}
	if audioPort, ok := session.OfferPort("audio"); ok {
		h.bus.Publish(events.MediaAlloc(callID, audioPort))
	}

	bLegSDP := offer.RewriteForRelay(h.advertisedHost, h.relayPortMap(offer, session.OfferPort))

	calleeReq, err := h.buildBLegInvite(req, binding, callID, bLegSDP)
	if err != nil {
		h.logger.Error("failed to build outbound invite",
			"call_id", callID, "error", err)
		h.teardownFailed(call, 500, "Server Internal Error", events.ReasonMediaError)
		return
	}

	ringCtx, cancelRing := context.WithCancel(context.Background())
	defer cancelRing()
	call.SetCancelRing(cancelRing)

	calleeTx, err := h.client.TransactionRequest(ringCtx, calleeReq, sipgo.ClientRequestBuild)
	if err != nil {
		h.logger.Error("failed to send outbound invite",
			"call_id", callID, "error", err)
		h.teardownFailed(call, 480, "Temporarily Unavailable", events.ReasonNoAnswer)
		return
	}
	call.CalleeReq = calleeReq
	call.CalleeTx = calleeTx
	if cseq := calleeReq.CSeq(); cseq != nil {
		call.mu.Lock()
		call.calleeSeq = cseq.SeqNo
		call.mu.Unlock()
	}

	h.bridgeRinging(ringCtx, call, calleeTx)
}

// bridgeRinging consumes the outbound leg's responses until answer, failure,
// cancellation or the answer timeout.
func (h *InviteHandler) bridgeRinging(ctx context.Context, call *Call, calleeTx sip.ClientTransaction) {
	callID := call.CallID
	timeout := time.NewTimer(answerTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			// Aborted by the CANCEL handler, which owns the 487 and the
			// media teardown. Cancel the outbound leg and leave.
			h.cancelCallee(call)
			calleeTx.Terminate()
			return

		case <-timeout.C:
			if err := call.Hangup(events.ReasonNoAnswer); err != nil {
				// Lost the race against an answer; keep consuming.
				continue
			}
			h.logger.Info("call answer timeout", "call_id", callID)
			h.cancelCallee(call)
			calleeTx.Terminate()
			h.respondWithTag(call, 480, "Temporarily Unavailable", nil)
			h.finishCall(call, events.ReasonNoAnswer)
			return

		case <-calleeTx.Done():
			if err := call.Hangup(events.ReasonNoAnswer); err != nil {
				return
			}
			h.logger.Warn("outbound leg ended without final response",
				"call_id", callID, "error", calleeTx.Err())
			h.respondWithTag(call, 480, "Temporarily Unavailable", nil)
			h.finishCall(call, events.ReasonNoAnswer)
			return

		case res, ok := <-calleeTx.Responses():
			if !ok {
				continue
			}
			switch {
			case res.StatusCode == 100:
				// We already sent our own 100 Trying.

			case res.StatusCode < 200:
				h.relayProvisional(call, res)

			case res.StatusCode < 300:
				h.completeAnswer(call, calleeTx, res)
				return

			default:
				if err := call.Hangup(events.ReasonRejected); err != nil {
					return
				}
				h.logger.Info("callee rejected call",
					"call_id", callID,
					"status", res.StatusCode,
					"reason", res.Reason,
				)
				calleeTx.Terminate()
				h.respondWithTag(call, res.StatusCode, res.Reason, nil)
				h.finishCall(call, events.ReasonRejected)
				return
			}
		}
	}
}

// relayProvisional maps a B-leg 18x onto the A-leg server transaction. The
// A-leg To tag is ours, establishing the early dialog towards the caller.
func (h *InviteHandler) relayProvisional(call *Call, res *sip.Response) {
	call.Ring()
	h.bus.Publish(events.CallRing(call.CallID))

	var body []byte
	if res.StatusCode == 183 && len(res.Body()) > 0 {
		body = res.Body()
	}
	prov := sip.NewResponseFromRequest(call.CallerReq, res.StatusCode, res.Reason, body)
	if body != nil {
		if ct := res.ContentType(); ct != nil {
			prov.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
		}
	}
	addToTag(prov, call.Caller.ToTag)

	if err := call.CallerTx.Respond(prov); err != nil {
		h.logger.Error("failed to relay provisional to caller",
			"call_id", call.CallID, "status", res.StatusCode, "error", err)
		return
	}
	h.logger.Debug("relayed provisional to caller",
		"call_id", call.CallID, "status", res.StatusCode)
}

// completeAnswer handles the B-leg 2xx: answer-side media allocation, SDP
// rewrite, the A-leg 200 with retransmission until ACK, and the
// CANCEL-versus-2xx race.
func (h *InviteHandler) completeAnswer(call *Call, calleeTx sip.ClientTransaction, res *sip.Response) {
	callID := call.CallID

	call.mu.Lock()
	call.CalleeRes = res
	call.mu.Unlock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			call.Callee.ToTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		call.Callee.RemoteTarget = contact.Address.Clone()
		call.Callee.ContactURI = contact.Address.String()
	}

	if err := call.Answer(); err != nil {
		// The caller cancelled first. Accept the 2xx, then immediately
		// clear the established outbound dialog with BYE.
		h.logger.Info("answer arrived after cancel, clearing callee",
			"call_id", callID)
		h.ackCallee(call)
		h.byeCallee(call)
		calleeTx.Terminate()
		return
	}

	answerBody := res.Body()
	calleeSource := sourceHostOf(res.Source())
	if calleeSource != "" {
		answerBody, _ = h.nat.FixSDP(answerBody, calleeSource)
	}

	answer, err := media.ParseSDP(answerBody)
	if err != nil {
		h.logger.Error("callee answer carried malformed sdp",
			"call_id", callID, "error", err)
		h.ackCallee(call)
		h.byeCallee(call)
		calleeTx.Terminate()
		h.respondWithTag(call, 488, "Not Acceptable Here", nil)
		h.bus.Publish(events.MediaFail(callID, "bad_answer_sdp"))
		h.finishCall(call, events.ReasonMediaError)
		return
	}

	ports, err := h.media.Answer(context.Background(), callID, call.Callee.ToTag)
	if err != nil {
		h.logger.Error("media answer failed", "call_id", callID, "error", err)
		h.ackCallee(call)
		h.byeCallee(call)
		calleeTx.Terminate()
		code, reason := mediaFailStatus(err)
		h.respondWithTag(call, code, reason, nil)
		h.bus.Publish(events.MediaFail(callID, "answer_failed"))
		h.finishCall(call, mediaFailReason(err))
		return
	}

	aLegSDP := answer.RewriteForRelay(h.advertisedHost, h.relayPortMapByType(answer, ports))

	ok := sip.NewResponseFromRequest(call.CallerReq, 200, "OK", aLegSDP)
	addToTag(ok, call.Caller.ToTag)
	ok.AppendHeader(h.advertisedContact())
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := call.CallerTx.Respond(ok); err != nil {
		h.logger.Error("failed to relay 200 to caller",
			"call_id", callID, "error", err)
		h.ackCallee(call)
		h.byeCallee(call)
		calleeTx.Terminate()
		h.finishCall(call, events.ReasonMediaError)
		return
	}

	h.logger.Info("call answered",
		"call_id", callID,
		"caller", call.Caller.User,
		"callee", call.Callee.User,
	)
	h.bus.Publish(events.CallAnswer(callID))

	go h.retransmit2xx(call, ok)
}

// retransmit2xx re-sends the A-leg 200 with T1-doubling backoff capped at
// T2 until the caller's ACK arrives. The 2xx for an INVITE is the dialog
// layer's to deliver reliably; the server transaction terminates on it.
// A missing ACK past the timeout tears the call down.
func (h *InviteHandler) retransmit2xx(call *Call, ok *sip.Response) {
	interval := sip.T1
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()
	retry := time.NewTimer(interval)
	defer retry.Stop()

	for {
		select {
		case <-call.AckChan():
			return

		case <-deadline.C:
			if err := call.Hangup(events.ReasonACKTimeout); err != nil {
				return
			}
			h.logger.Warn("no ack from caller, clearing call",
				"call_id", call.CallID)
			h.byeCallee(call)
			h.finishCall(call, events.ReasonACKTimeout)
			return

		case <-retry.C:
			if err := call.CallerTx.Respond(ok); err != nil {
				h.logger.Debug("2xx retransmission failed",
					"call_id", call.CallID, "error", err)
			}
			interval *= 2
			if interval > sip.T2 {
				interval = sip.T2
			}
			retry.Reset(interval)
		}
	}
}

// handleReInvite renegotiates an established call. The media relay session
// is updated in place; the rewritten offer is forwarded to the opposite leg
// and its answer relayed back. Only one renegotiation may be in flight.
func (h *InviteHandler) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	call := h.calls.Get(callID)
	if call == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if call.State() != CallStateConnected {
		h.respondError(req, tx, 491, "Request Pending")
		return
	}

	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}

	if !call.BeginReoffer(fromTag) {
		h.logger.Info("re-invite glare, refusing second offer",
			"call_id", callID)
		h.respondError(req, tx, 491, "Request Pending")
		return
	}
	defer call.EndReoffer()

	body := req.Body()
	if len(body) == 0 {
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	sourceIP, _ := parseSource(req)
	natBody, _ := h.nat.FixSDP(body, sourceIP)
	offer, err := media.ParseSDP(natBody)
	if err != nil {
		h.logger.Warn("re-invite carried malformed sdp",
			"call_id", callID, "error", err)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	fromCaller := fromTag == call.Caller.FromTag

	// Reuse the existing relay session; the update learns the offerer's
	// new addresses and only allocates when a stream appears.
	peerPorts := make(map[string]int)
	peerAddr := ""
	for i := range offer.Media {
		m := &offer.Media[i]
		if m.Port == 0 {
			continue
		}
		peerPorts[m.Type] = m.Port
		if peerAddr == "" {
			peerAddr = offer.ConnectionAddress(m)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), reinviteTimeout)
	defer cancel()

	ports, err := h.media.Update(ctx, callID, peerAddr, peerPorts)
	if err != nil {
		h.logger.Error("media update failed", "call_id", callID, "error", err)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		h.bus.Publish(events.MediaFail(callID, "update_failed"))
		return
	}

	forwardSDP := offer.RewriteForRelay(h.advertisedHost, h.relayPortMapByType(offer, ports))
	h.forwardReInvite(ctx, call, req, tx, fromCaller, forwardSDP)
}

// forwardReInvite sends the rewritten offer to the opposite leg as an
// in-dialog INVITE and relays its final response to the originator.
func (h *InviteHandler) forwardReInvite(
	ctx context.Context,
	call *Call,
	req *sip.Request,
	tx sip.ServerTransaction,
	fromCaller bool,
	sdp []byte,
) {
	var fwd *sip.Request
	if fromCaller {
		fwd = buildRequestToCallee(sip.INVITE, call)
	} else {
		fwd = buildRequestToCaller(sip.INVITE, call)
	}
	fwd.SetBody(sdp)
	fwd.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	fwd.AppendHeader(h.advertisedContact())

	fwdTx, err := h.client.TransactionRequest(ctx, fwd, sipgo.ClientRequestAddVia)
	if err != nil {
		h.logger.Error("failed to forward re-invite",
			"call_id", call.CallID, "error", err)
		h.respondError(req, tx, 500, "Server Internal Error")
		return
	}
	defer fwdTx.Terminate()

	for {
		select {
		case <-ctx.Done():
			h.respondError(req, tx, 408, "Request Timeout")
			return

		case <-fwdTx.Done():
			h.respondError(req, tx, 480, "Temporarily Unavailable")
			return

		case res, okCh := <-fwdTx.Responses():
			if !okCh {
				continue
			}
			if res.StatusCode < 200 {
				continue
			}

			if res.StatusCode < 300 {
				// Each leg's ACK stays local on renegotiation: the
				// peer's 2xx is acknowledged here, the originator's
				// ACK is absorbed by the ACK handler.
				ack := buildACKFor2xx(fwd, res)
				if err := h.client.WriteRequest(ack); err != nil {
					h.logger.Error("failed to ack re-invite answer",
						"call_id", call.CallID, "error", err)
				}

				relayBody := res.Body()
				if answer, err := media.ParseSDP(relayBody); err == nil {
					session := h.media.Get(call.CallID)
					if session != nil {
						relayBody = answer.RewriteForRelay(h.advertisedHost, h.relayPortMap(answer, func(typ string) (int, bool) {
							if fromCaller {
								return session.AnswerPort(typ)
							}
							return session.OfferPort(typ)
						}))
					}
				}

				okRes := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, relayBody)
				if len(relayBody) > 0 {
					okRes.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
				}
				okRes.AppendHeader(h.advertisedContact())
				if err := tx.Respond(okRes); err != nil {
					h.logger.Error("failed to relay re-invite answer",
						"call_id", call.CallID, "error", err)
				}
				return
			}

			h.respondError(req, tx, res.StatusCode, res.Reason)
			return
		}
	}
}

// buildBLegInvite constructs the outbound INVITE towards the callee's
// registered location. The A-leg Call-ID is reused; the From carries the
// caller's identity re-homed on our advertised address with a fresh tag.
func (h *InviteHandler) buildBLegInvite(
	callerReq *sip.Request,
	binding *location.Binding,
	callID string,
	sdp []byte,
) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(binding.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri %q: %w", binding.ContactURI, err)
	}
	// Route to the address the callee registered from, not what its
	// Contact claims; the phone may be behind NAT.
	if binding.SourceHost != "" && binding.SourcePort > 0 {
		recipient.Host = binding.SourceHost
		recipient.Port = binding.SourcePort
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(binding.Transport))

	req.SetBody(sdp)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	// Same Call-ID on both legs keeps correlation trivial.
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	callerName := ""
	callerUser := ""
	if from := callerReq.From(); from != nil {
		callerName = from.DisplayName
		callerUser = from.Address.User
	}
	from := &sip.FromHeader{
		DisplayName: callerName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   callerUser,
			Host:   h.advertisedHost,
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   binding.User,
			Host:   h.advertisedHost,
		},
		Params: sip.NewParams(),
	}
	req.AppendHeader(to)

	// Proxies on the inbound path that recorded themselves become the
	// route set towards the callee.
	for _, rr := range callerReq.GetHeaders("Record-Route") {
		req.AppendHeader(sip.NewHeader("Route", rr.Value()))
	}

	req.AppendHeader(h.advertisedContact())

	return req, nil
}

// failMedia maps a relay allocation failure onto the right SIP status and
// CDR reason, then tears the call down.
func (h *InviteHandler) failMedia(call *Call, err error) {
	h.logger.Error("media offer failed", "call_id", call.CallID, "error", err)
	h.bus.Publish(events.MediaFail(call.CallID, "offer_failed"))

	code, reason := mediaFailStatus(err)
	h.teardownFailed(call, code, reason, mediaFailReason(err))
}

// mediaFailStatus maps a relay failure onto the status for the caller. A
// relay that gave no reply is down (503); an explicit error reply means it
// refused this session (488).
func mediaFailStatus(err error) (int, string) {
	var cmdErr *rtpp.CommandError
	switch {
	case errors.Is(err, rtpp.ErrBackendUnavailable):
		return 503, "Service Unavailable"
	case errors.As(err, &cmdErr):
		return 488, "Not Acceptable Here"
	}
	return 500, "Server Internal Error"
}

// mediaFailReason maps a relay error to a CDR end reason.
func mediaFailReason(err error) string {
	if errors.Is(err, rtpp.ErrBackendUnavailable) {
		return events.ReasonMediaUnavailable
	}
	return events.ReasonMediaError
}

// teardownFailed rejects the caller and removes a call that never reached
// the connected state.
func (h *InviteHandler) teardownFailed(call *Call, code int, reason, endReason string) {
	call.Hangup(endReason)
	h.respondWithTag(call, code, reason, nil)
	h.finishCall(call, endReason)
}

// finishCall releases media, removes the call and publishes CALL_END.
func (h *InviteHandler) finishCall(call *Call, reason string) {
	h.media.Delete(context.Background(), call.CallID)
	h.calls.Terminate(call.CallID, reason)
	h.bus.Publish(events.CallEnd(call.CallID, reason))
}

// ackCallee sends the end-to-end ACK for the outbound leg's 2xx.
func (h *InviteHandler) ackCallee(call *Call) {
	call.mu.Lock()
	res := call.CalleeRes
	call.mu.Unlock()
	if call.CalleeReq == nil || res == nil {
		return
	}
	ack := buildACKFor2xx(call.CalleeReq, res)
	if err := h.client.WriteRequest(ack); err != nil {
		h.logger.Error("failed to send ack to callee",
			"call_id", call.CallID, "error", err)
	}
}

// cancelCallee aborts the pending outbound INVITE. The CANCEL rides its own
// client transaction but must mirror the INVITE it cancels.
func (h *InviteHandler) cancelCallee(call *Call) {
	if call.CalleeReq == nil {
		return
	}
	cancel := buildCancelFor(call.CalleeReq)
	tx, err := h.client.TransactionRequest(context.Background(), cancel, sipgo.ClientRequestBuild)
	if err != nil {
		h.logger.Debug("cancel of outbound leg failed",
			"call_id", call.CallID, "error", err)
		return
	}
	tx.Terminate()
}

// byeCallee clears the outbound dialog.
func (h *InviteHandler) byeCallee(call *Call) {
	if call.CalleeReq == nil {
		return
	}
	bye := buildRequestToCallee(sip.BYE, call)
	if err := h.client.WriteRequest(bye); err != nil {
		h.logger.Error("failed to send bye to callee",
			"call_id", call.CallID, "error", err)
	}
}

// byeCaller clears the inbound dialog.
func (h *InviteHandler) byeCaller(call *Call) {
	if call.CallerReq == nil {
		return
	}
	bye := buildRequestToCaller(sip.BYE, call)
	if err := h.client.WriteRequest(bye); err != nil {
		h.logger.Error("failed to send bye to caller",
			"call_id", call.CallID, "error", err)
	}
}

// respondWithTag sends a response on the A-leg carrying our To tag.
func (h *InviteHandler) respondWithTag(call *Call, code int, reason string, body []byte) {
	res := sip.NewResponseFromRequest(call.CallerReq, code, reason, body)
	addToTag(res, call.Caller.ToTag)
	if err := call.CallerTx.Respond(res); err != nil {
		h.logger.Error("failed to send response to caller",
			"call_id", call.CallID, "code", code, "error", err)
	}
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code, "error", err)
	}
}

// advertisedContact is the Contact both legs see for in-dialog requests.
func (h *InviteHandler) advertisedContact() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "voxbridge",
			Host:   h.advertisedHost,
			Port:   h.advertisedPort,
		},
	}
}

// relayPortMap builds the media-section-index to relay-port map that
// RewriteForRelay consumes, using lookup to resolve each stream type.
func (h *InviteHandler) relayPortMap(sd *media.SessionDescription, lookup func(typ string) (int, bool)) map[int]int {
	ports := make(map[int]int)
	for i := range sd.Media {
		if sd.Media[i].Port == 0 {
			continue
		}
		if p, ok := lookup(sd.Media[i].Type); ok {
			ports[i] = p
		}
	}
	return ports
}

// relayPortMapByType is relayPortMap over a plain type-to-port map.
func (h *InviteHandler) relayPortMapByType(sd *media.SessionDescription, byType map[string]int) map[int]int {
	return h.relayPortMap(sd, func(typ string) (int, bool) {
		p, ok := byType[typ]
		return p, ok
	})
}

// sdpStreamTypes lists the active stream types of an offer in order.
func sdpStreamTypes(sd *media.SessionDescription) []string {
	seen := make(map[string]bool)
	var types []string
	for i := range sd.Media {
		m := &sd.Media[i]
		if m.Port == 0 || seen[m.Type] {
			continue
		}
		seen[m.Type] = true
		types = append(types, m.Type)
	}
	return types
}

// addToTag stamps our dialog tag on a UAS response, replacing whatever tag
// the response construction generated. Every response on a leg must carry
// the same tag or the peer sees a different dialog each time.
func addToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil || tag == "" {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

// sourceHostOf strips the port from a transport source address.
func sourceHostOf(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}
