package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Session lifecycle states.
const (
	StateNew     = "new"
	StateOffered = "offered"
	StateActive  = "active"
	StateDeleted = "deleted"
)

// RelayControl is the subset of the rtpproxy client the session manager
// drives. Satisfied by *rtpp.Client.
type RelayControl interface {
	Offer(ctx context.Context, callID, fromTag string) (int, error)
	Answer(ctx context.Context, callID, fromTag, toTag string) (int, error)
	Update(ctx context.Context, callID, fromTag, toTag, addr string, port int) (int, error)
	Delete(ctx context.Context, callID, fromTag, toTag string) error
}

// Session tracks the relay state for one call. Each media stream (audio,
// and video when offered) holds its own relay session, distinguished on the
// wire by a suffixed call-id.
type Session struct {
	CallID  string
	FromTag string
	ToTag   string

	mu          sync.Mutex
	machine     *fsm.FSM
	streams     []string
	offerPorts  map[string]int // relay ports handed to the callee side
	answerPorts map[string]int // relay ports handed to the caller side
	createdAt   time.Time
}

// State returns the session's lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Streams returns the media types the session is relaying.
func (s *Session) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.streams))
	copy(out, s.streams)
	return out
}

// OfferPort returns the relay port allocated at offer time for a stream type.
func (s *Session) OfferPort(typ string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.offerPorts[typ]
	return p, ok
}

// AnswerPort returns the relay port allocated at answer time for a stream type.
func (s *Session) AnswerPort(typ string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.answerPorts[typ]
	return p, ok
}

func newSession(callID, fromTag string, logger *slog.Logger) *Session {
	s := &Session{
		CallID:      callID,
		FromTag:     fromTag,
		offerPorts:  make(map[string]int),
		answerPorts: make(map[string]int),
		createdAt:   time.Now(),
	}
	s.machine = fsm.NewFSM(
		StateNew,
		fsm.Events{
			{Name: "offer", Src: []string{StateNew}, Dst: StateOffered},
			{Name: "answer", Src: []string{StateOffered}, Dst: StateActive},
			{Name: "update", Src: []string{StateActive}, Dst: StateActive},
			{Name: "delete", Src: []string{StateNew, StateOffered, StateActive}, Dst: StateDeleted},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.Debug("media session transition",
					"call_id", callID, "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// Manager owns at most one live relay session per call. It translates call
// lifecycle points (INVITE, 200 OK, re-INVITE, termination) into rtpproxy
// commands.
type Manager struct {
	relay  RelayControl
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by call-id
}

// NewManager creates a session manager driving the given relay.
func NewManager(relay RelayControl, logger *slog.Logger) *Manager {
	return &Manager{
		relay:    relay,
		logger:   logger.With("component", "media"),
		sessions: make(map[string]*Session),
	}
}

// streamCallID derives the wire call-id for a stream. Audio uses the SIP
// call-id itself; further streams get a suffix so the relay keeps separate
// sessions per stream.
func streamCallID(callID, typ string) string {
	if typ == "audio" {
		return callID
	}
	return callID + "-" + typ
}

// Offer allocates relay sessions for a new call, one per stream type, and
// returns the session holding the allocated offer-side ports.
func (m *Manager) Offer(ctx context.Context, callID, fromTag string, streams []string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("media session for call %q already exists", callID)
	}
	s := newSession(callID, fromTag, m.logger)
	m.sessions[callID] = s
	m.mu.Unlock()

	s.mu.Lock()
	var allocErr error
	for _, typ := range streams {
		port, err := m.relay.Offer(ctx, streamCallID(callID, typ), fromTag)
		if err != nil {
			allocErr = fmt.Errorf("relay offer for %s: %w", typ, err)
			break
		}
		s.streams = append(s.streams, typ)
		s.offerPorts[typ] = port
	}
	if allocErr == nil {
		allocErr = s.machine.Event(ctx, "offer")
	}
	s.mu.Unlock()

	if allocErr != nil {
		// Reclaim whatever was allocated before the failure.
		m.Delete(context.WithoutCancel(ctx), callID)
		return nil, allocErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.logger.Info("media session offered",
		"call_id", callID, "streams", s.streams)
	return s, nil
}

// Answer completes the relay sessions when the callee answers and returns
// the answer-side ports keyed by stream type.
func (m *Manager) Answer(ctx context.Context, callID, toTag string) (map[string]int, error) {
	s := m.Get(callID)
	if s == nil {
		return nil, fmt.Errorf("no media session for call %q", callID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() != StateOffered {
		return nil, fmt.Errorf("media session for call %q is %s, cannot answer", callID, s.machine.Current())
	}
	s.ToTag = toTag

	ports := make(map[string]int, len(s.streams))
	for _, typ := range s.streams {
		port, err := m.relay.Answer(ctx, streamCallID(callID, typ), s.FromTag, toTag)
		if err != nil {
			return nil, fmt.Errorf("relay answer for %s: %w", typ, err)
		}
		s.answerPorts[typ] = port
		ports[typ] = port
	}
	if err := s.machine.Event(ctx, "answer"); err != nil {
		return nil, err
	}

	m.logger.Info("media session answered", "call_id", callID, "ports", ports)
	return ports, nil
}

// Update renegotiates an active session after a re-INVITE. peerAddr and
// peerPorts describe the new remote endpoint per stream. Streams not seen
// before are allocated fresh; existing streams are updated in place.
func (m *Manager) Update(ctx context.Context, callID, peerAddr string, peerPorts map[string]int) (map[string]int, error) {
	s := m.Get(callID)
	if s == nil {
		return nil, fmt.Errorf("no media session for call %q", callID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() != StateActive {
		return nil, fmt.Errorf("media session for call %q is %s, cannot update", callID, s.machine.Current())
	}

	known := make(map[string]bool, len(s.streams))
	for _, typ := range s.streams {
		known[typ] = true
	}

	ports := make(map[string]int, len(peerPorts))
	for typ, peerPort := range peerPorts {
		if known[typ] {
			port, err := m.relay.Update(ctx, streamCallID(callID, typ), s.FromTag, s.ToTag, peerAddr, peerPort)
			if err != nil {
				return nil, fmt.Errorf("relay update for %s: %w", typ, err)
			}
			ports[typ] = port
			continue
		}
		// Stream count changed; a new stream needs a full offer/answer.
		port, err := m.relay.Offer(ctx, streamCallID(callID, typ), s.FromTag)
		if err != nil {
			return nil, fmt.Errorf("relay offer for added %s: %w", typ, err)
		}
		s.streams = append(s.streams, typ)
		s.offerPorts[typ] = port
		ports[typ] = port
	}
	// The update event is a self-loop on active, which the machine reports
	// as NoTransitionError. The session stays valid either way.
	if err := s.machine.Event(ctx, "update"); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return nil, err
		}
	}

	m.logger.Info("media session updated", "call_id", callID, "ports", ports)
	return ports, nil
}

// Delete tears down the relay sessions for a call. Best-effort and
// idempotent: relay errors are logged, never returned, and a second delete
// for the same call is a no-op.
func (m *Manager) Delete(ctx context.Context, callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, callID)
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, typ := range s.streams {
		if err := m.relay.Delete(ctx, streamCallID(callID, typ), s.FromTag, s.ToTag); err != nil {
			m.logger.Warn("relay delete failed",
				"call_id", callID, "stream", typ, "error", err)
		}
	}
	if err := s.machine.Event(ctx, "delete"); err != nil {
		m.logger.Debug("media session delete transition", "call_id", callID, "error", err)
	}

	m.logger.Info("media session deleted", "call_id", callID)
}

// Get returns the live session for a call, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[callID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeleteAll tears down every live session. Used during shutdown.
func (m *Manager) DeleteAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Delete(ctx, id)
	}
}
