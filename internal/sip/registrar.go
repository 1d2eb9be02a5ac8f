package sip

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/voxbridge/voxbridge/internal/events"
	"github.com/voxbridge/voxbridge/internal/location"
)

const expiryCleanupPeriod = 30 * time.Second

// ExpiryBounds clamp and default the registration lifetime.
type ExpiryBounds struct {
	Min     int
	Max     int
	Default int
}

// Registrar handles REGISTER requests: digest auth, NAT contact correction,
// and the in-memory binding store.
type Registrar struct {
	store  *location.Store
	auth   *Authenticator
	nat    *NATHelper
	bus    *events.Bus
	bounds ExpiryBounds
	logger *slog.Logger
}

// NewRegistrar creates a REGISTER handler.
func NewRegistrar(store *location.Store, auth *Authenticator, nat *NATHelper, bus *events.Bus, bounds ExpiryBounds, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:  store,
		auth:   auth,
		nat:    nat,
		bus:    bus,
		bounds: bounds,
		logger: logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	user, outcome := r.auth.Authenticate(req, tx)
	switch outcome {
	case AuthChallenged:
		return
	case AuthFailed:
		r.bus.Publish(events.RegisterFail(req.From().Address.User, req.Source(), "auth_failed"))
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"user", user, "source", req.Source())
		r.respondError(req, tx, 400, "Bad Request")
		r.bus.Publish(events.RegisterFail(user, req.Source(), "missing_contact"))
		return
	}

	expiry := r.parseExpiry(req)

	// Un-register: Expires 0 or Contact: *.
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, user)
		return
	}

	// Requested lifetime is honoured up to Max. A request below Min gets
	// 423 so the client retries with an acceptable interval.
	if expiry < r.bounds.Min {
		r.logger.Info("register expiry below minimum",
			"user", user, "requested", expiry, "min", r.bounds.Min)
		res := sip.NewResponseFromRequest(req, 423, "Interval Too Brief", nil)
		res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(r.bounds.Min)))
		if err := tx.Respond(res); err != nil {
			r.logger.Error("failed to send 423 response", "error", err)
		}
		r.bus.Publish(events.RegisterFail(user, req.Source(), "expiry_too_brief"))
		return
	}
	if expiry > r.bounds.Max {
		expiry = r.bounds.Max
	}

	sourceIP, sourcePort := parseSource(req)

	// Correct the Contact before storing so calls route to the address the
	// REGISTER actually came from.
	natRewritten := r.nat.FixContact(contact, sourceIP, sourcePort)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	contactURI := contact.Address.String()
	now := time.Now()
	r.store.Upsert(&location.Binding{
		User:         user,
		ContactURI:   contactURI,
		SourceHost:   sourceIP,
		SourcePort:   sourcePort,
		Transport:    parseTransport(req),
		NATRewritten: natRewritten,
		UserAgent:    userAgent,
		RegisteredAt: now,
		ExpiresAt:    now.Add(time.Duration(expiry) * time.Second),
	})

	r.logger.Info("user registered",
		"user", user,
		"contact", contactURI,
		"expires", expiry,
		"source", req.Source(),
		"nat", natRewritten,
	)

	// 200 OK echoes the bound contact and granted expiry.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{
		Address: contact.Address,
	})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}

	r.bus.Publish(events.RegisterOK(user, contactURI, expiry))
}

// handleUnregister removes the user's binding. With one binding per user a
// wildcard Contact and a specific one are removed the same way.
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, user string) {
	removed := r.store.Remove(user)
	r.logger.Info("user unregistered", "user", user, "had_binding", removed)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", "0"))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}

	r.bus.Publish(events.RegisterOK(user, "", 0))
}

// RunExpiryCleanup periodically removes expired bindings and stale auth state.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started",
		"interval", expiryCleanupPeriod.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			if n := r.store.Sweep(time.Now()); n > 0 {
				r.logger.Info("expired registrations removed", "count", n)
			}
			r.auth.CleanExpiredNonces()
		}
	}
}

// parseExpiry extracts the requested expiry: Contact expires parameter first,
// then the Expires header, then the configured default.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return r.bounds.Default
}

// parseSource splits the transport-observed source into IP and port.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if t := strings.ToLower(via.Transport); t != "" {
			return t
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code, "error", err)
	}
}
