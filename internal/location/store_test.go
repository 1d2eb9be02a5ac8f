package location

import (
	"log/slog"
	"testing"
	"time"
)

func testStore() *Store {
	return NewStore(slog.Default())
}

func testBinding(user string, ttl time.Duration) *Binding {
	now := time.Now()
	return &Binding{
		User:         user,
		ContactURI:   "sip:" + user + "@192.0.2.10:5060",
		SourceHost:   "192.0.2.10",
		SourcePort:   5060,
		Transport:    "udp",
		RegisteredAt: now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestUpsertAndLookup(t *testing.T) {
	s := testStore()
	s.Upsert(testBinding("alice", time.Minute))

	b, ok := s.Lookup("alice")
	if !ok {
		t.Fatal("expected binding for alice")
	}
	if b.SourceHost != "192.0.2.10" || b.SourcePort != 5060 {
		t.Errorf("unexpected source %s:%d", b.SourceHost, b.SourcePort)
	}
}

func TestUpsertSupersedes(t *testing.T) {
	s := testStore()
	s.Upsert(testBinding("alice", time.Minute))

	newer := testBinding("alice", time.Minute)
	newer.SourceHost = "198.51.100.4"
	newer.SourcePort = 40000
	s.Upsert(newer)

	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1 (one binding per user)", s.Count())
	}
	b, _ := s.Lookup("alice")
	if b.SourceHost != "198.51.100.4" || b.SourcePort != 40000 {
		t.Errorf("lookup returned stale binding %s:%d", b.SourceHost, b.SourcePort)
	}
}

func TestLookupUnknown(t *testing.T) {
	s := testStore()
	if _, ok := s.Lookup("nobody"); ok {
		t.Error("expected no binding for unknown user")
	}
}

func TestLookupExpired(t *testing.T) {
	s := testStore()
	s.Upsert(testBinding("alice", -time.Second))

	if _, ok := s.Lookup("alice"); ok {
		t.Error("expected expired binding to be treated as absent")
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0 after lazy removal", s.Count())
	}
}

func TestRemove(t *testing.T) {
	s := testStore()
	s.Upsert(testBinding("alice", time.Minute))

	if !s.Remove("alice") {
		t.Error("Remove should report true for existing binding")
	}
	if s.Remove("alice") {
		t.Error("Remove should report false for absent binding")
	}
	if _, ok := s.Lookup("alice"); ok {
		t.Error("binding should be gone after Remove")
	}
}

func TestSweep(t *testing.T) {
	s := testStore()
	s.Upsert(testBinding("alice", -time.Second))
	s.Upsert(testBinding("bob", time.Minute))

	if n := s.Sweep(time.Now()); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
	if _, ok := s.Lookup("bob"); !ok {
		t.Error("sweep removed a live binding")
	}
}
