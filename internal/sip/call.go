package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// CallState is the aggregate lifecycle state of a bridged call.
type CallState string

const (
	CallStateInitiating  CallState = "initiating"
	CallStateRinging     CallState = "ringing"
	CallStateConnected   CallState = "connected"
	CallStateTerminating CallState = "terminating"
	CallStateEnded       CallState = "ended"
)

const (
	callEventRing   = "ring"
	callEventAnswer = "answer"
	callEventCancel = "cancel"
	callEventHangup = "hangup"
	callEventEnd    = "end"
)

// ErrCallExists is returned when a second dialog-forming INVITE arrives for
// a Call-ID that is already being bridged.
var ErrCallExists = errors.New("call already exists for this call-id")

// CallLeg holds the dialog identity of one side of a bridged call.
type CallLeg struct {
	// User is the AoR user part for this leg.
	User string

	// FromTag and ToTag identify the dialog on this leg.
	FromTag string
	ToTag   string

	// ContactURI is the Contact header URI seen on this leg.
	ContactURI string

	// SourceHost and SourcePort are the transport-observed address of the
	// peer, used in preference to the Contact for NAT traversal.
	SourceHost string
	SourcePort int

	// RemoteTarget is where in-dialog requests to this leg are sent
	// (the peer's Contact after any NAT correction).
	RemoteTarget *sip.Uri
}

// Call is one bridged A-leg/B-leg pair. The A-leg is the inbound INVITE
// (caller); the B-leg is the outbound INVITE built towards the callee. Both
// legs share the caller's Call-ID for correlation.
type Call struct {
	CallID string

	Caller CallLeg
	Callee CallLeg

	// CallerTx and CallerReq are the inbound INVITE server transaction
	// and request, kept for building responses and the reverse BYE.
	CallerTx  sip.ServerTransaction
	CallerReq *sip.Request

	// CalleeTx, CalleeReq, CalleeRes are the outbound client transaction,
	// the INVITE we sent, and the answering 2xx. CalleeRes is nil until
	// the callee answers.
	CalleeTx  sip.ClientTransaction
	CalleeReq *sip.Request
	CalleeRes *sip.Response

	ReceivedAt time.Time
	RingingAt  *time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time

	// EndReason is the reason recorded at termination (CDR disposition).
	EndReason string

	machine *fsm.FSM
	logger  *slog.Logger

	mu sync.Mutex
	// calleeSeq and callerSeq are the local CSeq counters for requests we
	// originate on each leg. calleeSeq is seeded from the outbound INVITE.
	calleeSeq uint32
	callerSeq uint32
	// cancelRing aborts the outbound leg while the call is unanswered.
	cancelRing context.CancelFunc
	// reofferFrom is the tag of the leg whose re-INVITE is in flight.
	// A second concurrent re-INVITE is refused with 491.
	reofferFrom string

	ackOnce sync.Once
	ackCh   chan struct{}
}

// NewCall creates a call in the initiating state for an inbound INVITE.
func NewCall(callID string, req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) *Call {
	c := &Call{
		CallID:     callID,
		CallerReq:  req,
		CallerTx:   tx,
		ReceivedAt: time.Now(),
		ackCh:      make(chan struct{}),
		logger:     logger.With("call_id", callID),
	}

	c.machine = fsm.NewFSM(
		string(CallStateInitiating),
		fsm.Events{
			{Name: callEventRing, Src: []string{string(CallStateInitiating)}, Dst: string(CallStateRinging)},
			{Name: callEventAnswer, Src: []string{string(CallStateInitiating), string(CallStateRinging)}, Dst: string(CallStateConnected)},
			{Name: callEventCancel, Src: []string{string(CallStateInitiating), string(CallStateRinging)}, Dst: string(CallStateTerminating)},
			{Name: callEventHangup, Src: []string{string(CallStateInitiating), string(CallStateRinging), string(CallStateConnected)}, Dst: string(CallStateTerminating)},
			{Name: callEventEnd, Src: []string{string(CallStateTerminating)}, Dst: string(CallStateEnded)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state transition",
					"event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// State returns the current aggregate call state.
func (c *Call) State() CallState {
	return CallState(c.machine.Current())
}

// Ring marks the call as ringing after the first provisional from the callee.
// Repeated provisionals are absorbed.
func (c *Call) Ring() {
	if err := c.machine.Event(context.Background(), callEventRing); err != nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.RingingAt = &now
	c.mu.Unlock()
}

// Answer moves the call to connected. It fails if the call was already
// cancelled or hung up, which is how the CANCEL/2xx race is arbitrated:
// exactly one of Answer and Cancel succeeds.
func (c *Call) Answer() error {
	if err := c.machine.Event(context.Background(), callEventAnswer); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	c.AnsweredAt = &now
	c.mu.Unlock()
	return nil
}

// Cancel aborts the call before answer, recording why. It fails once the
// call is connected, which is how the CANCEL side of the race loses: a
// cancel that arrives after the 2xx must clear the call with BYE instead.
func (c *Call) Cancel(reason string) error {
	if err := c.machine.Event(context.Background(), callEventCancel); err != nil {
		return err
	}
	c.mu.Lock()
	c.EndReason = reason
	c.mu.Unlock()
	if cancel := c.takeCancelRing(); cancel != nil {
		cancel()
	}
	return nil
}

// Hangup moves the call to terminating, recording why. It fails if the call
// has already passed into terminating or ended.
func (c *Call) Hangup(reason string) error {
	if err := c.machine.Event(context.Background(), callEventHangup); err != nil {
		return err
	}
	c.mu.Lock()
	c.EndReason = reason
	c.mu.Unlock()
	if cancel := c.takeCancelRing(); cancel != nil {
		cancel()
	}
	return nil
}

// End finalises a terminating call.
func (c *Call) End() {
	if err := c.machine.Event(context.Background(), callEventEnd); err != nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.EndedAt = &now
	c.mu.Unlock()
}

// SetCancelRing installs the cancel function that aborts the outbound leg
// while the call is still unanswered.
func (c *Call) SetCancelRing(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancelRing = cancel
	c.mu.Unlock()
}

func (c *Call) takeCancelRing() context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel := c.cancelRing
	c.cancelRing = nil
	return cancel
}

// AckReceived records the caller's ACK for the 2xx. Returns true on the
// first ACK; retransmitted ACKs are absorbed and return false.
func (c *Call) AckReceived() bool {
	first := false
	c.ackOnce.Do(func() {
		first = true
		close(c.ackCh)
	})
	return first
}

// AckChan is closed once the caller's ACK arrives. The 2xx retransmission
// loop waits on it.
func (c *Call) AckChan() <-chan struct{} {
	return c.ackCh
}

// BeginReoffer claims the single in-flight renegotiation slot for the leg
// identified by fromTag. Returns false if the other leg already holds it,
// in which case the caller must answer 491.
func (c *Call) BeginReoffer(fromTag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reofferFrom != "" && c.reofferFrom != fromTag {
		return false
	}
	c.reofferFrom = fromTag
	return true
}

// EndReoffer releases the renegotiation slot.
func (c *Call) EndReoffer() {
	c.mu.Lock()
	c.reofferFrom = ""
	c.mu.Unlock()
}

// Duration is the total call time from INVITE receipt to end.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.ReceivedAt)
}

// AnsweredDuration is the talk time from answer to end.
func (c *Call) AnsweredDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}

// CallManager tracks every live call by Call-ID, from INVITE receipt until
// the ended state. It is the lookup point for CANCEL, ACK, BYE and all
// other in-dialog requests.
type CallManager struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	logger *slog.Logger
}

// NewCallManager creates an empty in-memory call tracker.
func NewCallManager(logger *slog.Logger) *CallManager {
	return &CallManager{
		calls:  make(map[string]*Call),
		logger: logger.With("subsystem", "calls"),
	}
}

// Add registers a new call. Fails if the Call-ID is already tracked.
func (cm *CallManager) Add(c *Call) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.calls[c.CallID]; ok {
		return ErrCallExists
	}
	cm.calls[c.CallID] = c
	cm.logger.Debug("call added", "call_id", c.CallID, "active", len(cm.calls))
	return nil
}

// Get returns the call for a Call-ID, or nil.
func (cm *CallManager) Get(callID string) *Call {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.calls[callID]
}

// Terminate drives the call to ended, removes it from the manager and
// returns it for CDR emission. Returns nil if the Call-ID is unknown.
// The hangup transition is attempted but not required: a call already in
// terminating just gets finalised.
func (cm *CallManager) Terminate(callID, reason string) *Call {
	cm.mu.Lock()
	c, ok := cm.calls[callID]
	if ok {
		delete(cm.calls, callID)
	}
	cm.mu.Unlock()
	if !ok {
		return nil
	}

	c.Hangup(reason)
	c.End()

	cm.logger.Info("call ended",
		"call_id", callID,
		"reason", c.EndReason,
		"duration_ms", c.Duration().Milliseconds(),
		"talk_ms", c.AnsweredDuration().Milliseconds(),
	)
	return c
}

// ActiveCalls returns a snapshot of all tracked calls.
func (cm *CallManager) ActiveCalls() []*Call {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	calls := make([]*Call, 0, len(cm.calls))
	for _, c := range cm.calls {
		calls = append(calls, c)
	}
	return calls
}

// Count returns the number of tracked calls in any state.
func (cm *CallManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.calls)
}

// ConnectedCount returns the number of calls currently connected.
func (cm *CallManager) ConnectedCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, c := range cm.calls {
		if c.State() == CallStateConnected {
			n++
		}
	}
	return n
}
