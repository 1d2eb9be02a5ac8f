package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/events"
	"github.com/voxbridge/voxbridge/internal/location"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/rtpp"
)

// Server wraps the sipgo stack with the voxbridge registrar and call bridge.
type Server struct {
	cfg           *config.Config
	ua            *sipgo.UserAgent
	srv           *sipgo.Server
	client        *sipgo.Client
	registrar     *Registrar
	inviteHandler *InviteHandler
	auth          *Authenticator
	calls         *CallManager
	store         *location.Store
	mediaMgr      *media.Manager
	relay         *rtpp.Client
	bus           *events.Bus
	tracer        *MessageTracer
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The relay
// client and event bus are owned by the caller; everything else is built
// here.
func NewServer(cfg *config.Config, relay *rtpp.Client, bus *events.Bus) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	advertisedHost := cfg.SignalingHost()
	advertisedPort := cfg.SignalingPort()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voxbridge"),
		sipgo.WithUserAgentHostname(advertisedHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(advertisedHost),
		sipgo.WithClientPort(cfg.SIPPort),
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	users, err := cfg.LoadUsers()
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}

	privateNets, err := cfg.PrivateNetworks()
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}

	auth := NewAuthenticator(users, cfg.Realm, logger)
	nat := NewNATHelper(privateNets, logger)
	store := location.NewStore(logger)
	registrar := NewRegistrar(store, auth, nat, bus, ExpiryBounds{
		Min:     cfg.MinExpiry,
		Max:     cfg.MaxExpiry,
		Default: cfg.DefaultExpiry,
	}, logger)

	mediaMgr := media.NewManager(relay, logger)
	calls := NewCallManager(logger)

	inviteHandler := NewInviteHandler(
		advertisedHost, advertisedPort,
		auth, store, nat, mediaMgr, calls, bus, client, logger,
	)

	s := &Server{
		cfg:           cfg,
		ua:            ua,
		srv:           srv,
		client:        client,
		registrar:     registrar,
		inviteHandler: inviteHandler,
		auth:          auth,
		calls:         calls,
		store:         store,
		mediaMgr:      mediaMgr,
		relay:         relay,
		bus:           bus,
		tracer:        NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPTrace)),
		logger:        logger,
	}

	s.registerHandlers()

	logger.Info("sip server configured",
		"advertised_host", advertisedHost,
		"advertised_port", advertisedPort,
		"users", len(users),
	)
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.inviteHandler.HandleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBYE)
	s.srv.OnCancel(s.handleCANCEL)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.forwardInDialog)
	s.srv.OnUpdate(s.forwardInDialog)
	s.srv.OnMessage(s.forwardInDialog)
	s.srv.OnNotify(s.forwardInDialog)
}

// Start probes the media relay and brings up the configured listeners. It
// returns once the listeners are launched; it does not block.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// A dead relay means every call would fail with 503; surface it at
	// startup instead.
	if version, err := s.relay.Probe(ctx); err != nil {
		s.logger.Warn("media relay not responding at startup", "error", err)
	} else {
		s.logger.Info("media relay reachable", "version", version)
	}

	if s.tracer.Verbosity() != SIPLogOff {
		s.ua.TransportLayer().OnMessage(s.tracer.Trace)
	}

	udpAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	if s.cfg.EnableTCP {
		tcpAddr := udpAddr
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
			if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
				s.logger.Error("sip tcp listener stopped", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	return nil
}

// Stop shuts down the listeners, clears active calls and releases media.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, call := range s.calls.ActiveCalls() {
		s.inviteHandler.byeCallee(call)
		s.inviteHandler.byeCaller(call)
		s.calls.Terminate(call.CallID, events.ReasonNormal)
	}
	s.mediaMgr.DeleteAll(context.Background())

	s.auth.Stop()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Calls exposes the call tracker, used by metrics.
func (s *Server) Calls() *CallManager { return s.calls }

// Store exposes the registration store, used by metrics.
func (s *Server) Store() *location.Store { return s.store }

// Media exposes the media session manager, used by metrics.
func (s *Server) Media() *media.Manager { return s.mediaMgr }

// Auth exposes the authenticator, used by metrics.
func (s *Server) Auth() *Authenticator { return s.auth }

// handleACK confirms the A-leg dialog. The first ACK for the bridged 2xx is
// forwarded end-to-end as a fresh ACK on the B-leg; retransmissions are
// absorbed by the 2xx retransmit state.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	call := s.calls.Get(callID)
	if call == nil {
		s.logger.Debug("ack for unknown call", "call_id", callID)
		return
	}

	if !call.AckReceived() {
		s.logger.Debug("retransmitted ack absorbed", "call_id", callID)
		return
	}

	s.logger.Debug("ack received from caller, forwarding to callee",
		"call_id", callID)
	s.inviteHandler.ackCallee(call)
}

// handleBYE tears down an established call. The leg that sent the BYE is
// identified by its From tag; the opposite leg is cleared with our own BYE.
func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.logger.Info("bye received",
		"call_id", callID, "source", req.Source())

	call := s.calls.Get(callID)
	if call == nil {
		s.logger.Warn("bye for unknown call", "call_id", callID)
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.respond(req, tx, 200, "OK")

	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}

	if fromTag == call.Caller.FromTag || fromTag == "" {
		s.inviteHandler.byeCallee(call)
	} else {
		s.inviteHandler.byeCaller(call)
	}

	s.mediaMgr.Delete(context.Background(), callID)
	s.calls.Terminate(callID, events.ReasonNormal)
	s.bus.Publish(events.CallEnd(callID, events.ReasonNormal))
}

// handleCANCEL aborts an unanswered call with 487. If the callee's 2xx won
// the race the cancel arrives too late to stop the answer, so the call is
// cleared with BYE instead.
func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.logger.Info("cancel received",
		"call_id", callID, "source", req.Source())

	s.respond(req, tx, 200, "OK")

	call := s.calls.Get(callID)
	if call == nil {
		s.logger.Warn("cancel for unknown call", "call_id", callID)
		return
	}

	if err := call.Cancel(events.ReasonCallerCancel); err == nil {
		// Won the race: the bridge loop aborts the outbound leg via the
		// ring context; we answer the INVITE with 487 and clean up.
		res := sip.NewResponseFromRequest(call.CallerReq, 487, "Request Terminated", nil)
		addToTag(res, call.Caller.ToTag)
		if err := call.CallerTx.Respond(res); err != nil {
			s.logger.Error("failed to send 487 to caller",
				"call_id", callID, "error", err)
		}
		s.mediaMgr.Delete(context.Background(), callID)
		s.calls.Terminate(callID, events.ReasonCallerCancel)
		s.bus.Publish(events.CallEnd(callID, events.ReasonCallerCancel))
		return
	}

	// The call is already connected: convert the late CANCEL to BYE. The
	// caller has a confirmed dialog from the 2xx, so it gets a BYE too.
	s.logger.Info("cancel after answer, clearing call with bye",
		"call_id", callID)
	s.inviteHandler.byeCallee(call)
	s.inviteHandler.byeCaller(call)
	s.mediaMgr.Delete(context.Background(), callID)
	s.calls.Terminate(callID, events.ReasonCancelPostAnswer)
	s.bus.Publish(events.CallEnd(callID, events.ReasonCancelPostAnswer))
}

// handleOptions answers keepalive pings from phones.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow",
		"INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, UPDATE, MESSAGE, NOTIFY"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// forwardInDialog relays an in-dialog request (INFO, UPDATE, MESSAGE,
// NOTIFY) to the opposite leg and maps the far end's final response back.
// Requests outside any call get 481.
func (s *Server) forwardInDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	call := s.calls.Get(callID)
	if call == nil || call.State() != CallStateConnected {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}
	fromCaller := fromTag == call.Caller.FromTag

	var fwd *sip.Request
	if fromCaller {
		fwd = buildRequestToCallee(req.Method, call)
	} else {
		fwd = buildRequestToCaller(req.Method, call)
	}
	copyBody(req, fwd)

	s.logger.Debug("forwarding in-dialog request",
		"call_id", callID,
		"method", req.Method,
		"to_caller", !fromCaller,
	)

	ctx, cancel := context.WithTimeout(context.Background(), reinviteTimeout)
	defer cancel()

	fwdTx, err := s.client.TransactionRequest(ctx, fwd, sipgo.ClientRequestAddVia)
	if err != nil {
		s.logger.Error("failed to forward in-dialog request",
			"call_id", callID, "method", req.Method, "error", err)
		s.respond(req, tx, 500, "Server Internal Error")
		return
	}
	defer fwdTx.Terminate()

	for {
		select {
		case <-ctx.Done():
			s.respond(req, tx, 408, "Request Timeout")
			return
		case <-fwdTx.Done():
			s.respond(req, tx, 480, "Temporarily Unavailable")
			return
		case res, ok := <-fwdTx.Responses():
			if !ok {
				continue
			}
			if res.StatusCode < 200 {
				continue
			}
			relay := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, res.Body())
			if len(res.Body()) > 0 {
				if ct := res.ContentType(); ct != nil {
					relay.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
				}
			}
			if err := tx.Respond(relay); err != nil {
				s.logger.Error("failed to relay in-dialog response",
					"call_id", callID, "error", err)
			}
			return
		}
	}
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"code", code, "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
