// Package events defines the call lifecycle records voxbridge publishes to
// in-process consumers.
package events

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a lifecycle event.
type Kind string

const (
	KindRegisterOK   Kind = "REGISTER_OK"
	KindRegisterFail Kind = "REGISTER_FAIL"
	KindCallStart    Kind = "CALL_START"
	KindCallRing     Kind = "CALL_RING"
	KindCallAnswer   Kind = "CALL_ANSWER"
	KindCallEnd      Kind = "CALL_END"
	KindMediaAlloc   Kind = "MEDIA_ALLOC"
	KindMediaFail    Kind = "MEDIA_FAIL"
)

// End reasons carried in CALL_END events.
const (
	ReasonNormal           = "NORMAL"
	ReasonCallerCancel     = "CALLER_CANCEL"
	ReasonCancelPostAnswer = "CALLER_CANCEL_POST_ANSWER"
	ReasonRejected         = "REJECTED"
	ReasonNoAnswer         = "NO_ANSWER"
	ReasonACKTimeout       = "ACK_TIMEOUT"
	ReasonMediaUnavailable = "MEDIA_UNAVAILABLE"
	ReasonMediaError       = "MEDIA_ERROR"
	ReasonNotRegistered    = "CALLEE_NOT_REGISTERED"
)

// Event is the envelope delivered to every subscriber. Attrs hold
// kind-specific details as flat strings so consumers need no type switches.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	CallID    string            `json:"call_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func newEvent(kind Kind, callID string, attrs map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		CallID:    callID,
		Timestamp: time.Now(),
		Attrs:     attrs,
	}
}

// RegisterOK records a successful registration.
func RegisterOK(user, contact string, expires int) Event {
	return newEvent(KindRegisterOK, "", map[string]string{
		"user":    user,
		"contact": contact,
		"expires": strconv.Itoa(expires),
	})
}

// RegisterFail records a rejected registration attempt.
func RegisterFail(user, source, reason string) Event {
	return newEvent(KindRegisterFail, "", map[string]string{
		"user":   user,
		"source": source,
		"reason": reason,
	})
}

// CallStart records an accepted inbound INVITE.
func CallStart(callID, from, to string) Event {
	return newEvent(KindCallStart, callID, map[string]string{
		"from": from,
		"to":   to,
	})
}

// CallRing records the first provisional ringing response on a call.
func CallRing(callID string) Event {
	return newEvent(KindCallRing, callID, nil)
}

// CallAnswer records the callee answering.
func CallAnswer(callID string) Event {
	return newEvent(KindCallAnswer, callID, nil)
}

// CallEnd records call termination with one of the Reason constants.
func CallEnd(callID, reason string) Event {
	return newEvent(KindCallEnd, callID, map[string]string{
		"reason": reason,
	})
}

// MediaAlloc records a relay session allocation for a call.
func MediaAlloc(callID string, port int) Event {
	return newEvent(KindMediaAlloc, callID, map[string]string{
		"port": strconv.Itoa(port),
	})
}

// MediaFail records a media backend failure affecting a call.
func MediaFail(callID, reason string) Event {
	return newEvent(KindMediaFail, callID, map[string]string{
		"reason": reason,
	})
}
