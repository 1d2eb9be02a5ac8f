package sip

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// SIPLogVerbosity controls how much of each SIP message is logged.
type SIPLogVerbosity int32

const (
	// SIPLogOff disables SIP message tracing.
	SIPLogOff SIPLogVerbosity = iota
	// SIPLogHeaders logs the start line and headers without the SDP body.
	SIPLogHeaders
	// SIPLogFull logs the complete message including SDP body.
	SIPLogFull
)

// ParseSIPLogVerbosity converts a string setting to a SIPLogVerbosity value.
func ParseSIPLogVerbosity(s string) SIPLogVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return SIPLogHeaders
	case "full":
		return SIPLogFull
	default:
		return SIPLogOff
	}
}

// String returns the string representation of the verbosity level.
func (v SIPLogVerbosity) String() string {
	switch v {
	case SIPLogHeaders:
		return "headers"
	case SIPLogFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs every SIP message crossing the transport layer. It is
// hooked in through the transport's message callback and can change
// verbosity at runtime.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a SIP message tracer.
func NewMessageTracer(logger *slog.Logger, verbosity SIPLogVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity updates the tracing verbosity at runtime.
func (t *MessageTracer) SetVerbosity(v SIPLogVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current tracing verbosity.
func (t *MessageTracer) Verbosity() SIPLogVerbosity {
	return SIPLogVerbosity(t.verbosity.Load())
}

// Trace logs one message at the configured verbosity. Registered with the
// transport layer's OnMessage hook.
func (t *MessageTracer) Trace(msg sip.Message) {
	v := t.Verbosity()
	if v == SIPLogOff {
		return
	}

	kind := "request"
	detail := ""
	switch m := msg.(type) {
	case *sip.Request:
		detail = string(m.Method)
	case *sip.Response:
		kind = "response"
		detail = m.Reason
	}

	t.logger.Debug("sip message",
		"kind", kind,
		"detail", detail,
		"source", msg.Source(),
		"message", t.format(msg.String(), v),
	)
}

// format strips the body for header-level tracing.
func (t *MessageTracer) format(raw string, v SIPLogVerbosity) string {
	if v == SIPLogFull {
		return raw
	}
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
