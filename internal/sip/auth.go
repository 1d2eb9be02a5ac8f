package sip

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator handles SIP digest authentication against the static user
// table. An AuthGuard blocks sources that keep failing, and a RateLimiter in
// front of credential processing bounds per-source request rates.
type Authenticator struct {
	users   map[string]string // user -> shared secret
	realm   string
	logger  *slog.Logger
	nonces  sync.Map // map[string]time.Time of issued nonces
	guard   *AuthGuard
	limiter *RateLimiter
}

// NewAuthenticator creates a digest authenticator with brute-force and rate
// protection enabled.
func NewAuthenticator(users map[string]string, realm string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		users:   users,
		realm:   realm,
		logger:  logger.With("subsystem", "auth"),
		guard:   NewAuthGuard(DefaultGuardConfig(), logger),
		limiter: NewRateLimiter(DefaultRateLimiterConfig()),
	}
}

// Challenge sends a 401 Unauthorized with a fresh WWW-Authenticate header.
// stale marks the challenge as caused by an expired or unknown nonce, so
// compliant clients retry with the same credentials instead of re-prompting.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction, stale bool) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
		Stale:     stale,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// AuthOutcome distinguishes a definitive auth failure from a challenge
// round-trip still in progress.
type AuthOutcome int

const (
	AuthOK AuthOutcome = iota
	AuthChallenged
	AuthFailed
)

// Authenticate validates the Authorization header against the user table.
// Returns the authenticated user on AuthOK. In every non-OK case the
// appropriate SIP response has already been sent.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) (user string, outcome AuthOutcome) {
	source := req.Source()

	if !a.limiter.Allow(source) {
		a.logger.Warn("sip auth rejected: source rate limited", "source", source)
		a.respondError(req, tx, 503, "Service Unavailable")
		return "", AuthFailed
	}

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: ip blocked by auth guard", "source", source)
		a.respondError(req, tx, 403, "Forbidden")
		return "", AuthFailed
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx, false)
		return "", AuthChallenged
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return "", AuthFailed
	}

	// Unknown or expired nonces get a stale re-challenge rather than a
	// failure: the client's credentials may still be right.
	nonceTime, known := a.nonces.Load(cred.Nonce)
	if !known {
		a.logger.Debug("unknown nonce, re-challenging",
			"username", cred.Username, "source", source)
		a.Challenge(req, tx, true)
		return "", AuthChallenged
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging",
			"username", cred.Username, "source", source)
		a.Challenge(req, tx, true)
		return "", AuthChallenged
	}

	secret, found := a.users[cred.Username]
	if !found {
		a.logger.Warn("unknown sip username",
			"username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return "", AuthFailed
	}

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: secret,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return "", AuthFailed
	}

	if subtle.ConstantTimeCompare([]byte(cred.Response), []byte(expected.Response)) != 1 {
		a.logger.Warn("digest auth failed",
			"username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return "", AuthFailed
	}

	// Consume the nonce so a captured Authorization header cannot be replayed.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful", "username", cred.Username)
	return cred.Username, AuthOK
}

// CleanExpiredNonces removes nonces older than the expiry window and runs
// guard cleanup to expire old blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// Guard exposes the brute-force guard, used by metrics.
func (a *Authenticator) Guard() *AuthGuard {
	return a.guard
}

// Stop terminates the rate limiter's background cleanup.
func (a *Authenticator) Stop() {
	a.limiter.Stop()
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based nonce.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code, "error", err)
	}
}
