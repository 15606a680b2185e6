package tds

import "testing"

func newTestSession() *Session {
	return NewSession(51, "127.0.0.1:1234", DefaultServerContext("test"))
}

func TestSessionAdvanceHappyPath(t *testing.T) {
	s := newTestSession()

	if err := s.Advance(PacketPrelogin); err != nil {
		t.Fatalf("PRELOGIN: %v", err)
	}
	if s.State() != StatePreLoginProcessed {
		t.Fatalf("state = %v, want PreLoginProcessed", s.State())
	}

	if err := s.Advance(PacketLogin7); err != nil {
		t.Fatalf("LOGIN7: %v", err)
	}
	if s.State() != StateLoggedIn {
		t.Fatalf("state = %v, want LoggedIn", s.State())
	}

	if err := s.Advance(PacketSQLBatch); err != nil {
		t.Fatalf("SQL_BATCH: %v", err)
	}
	if s.State() != StateRequestReceived {
		t.Fatalf("state = %v, want RequestReceived", s.State())
	}
}

func TestSessionAdvanceRejectsUnexpectedPacket(t *testing.T) {
	s := newTestSession()
	if err := s.Advance(PacketSQLBatch); err == nil {
		t.Fatal("expected error advancing Initial state with SQL_BATCH")
	}
	if s.State() != StateInitial {
		t.Errorf("state changed after rejected transition: %v", s.State())
	}
}

func TestSessionAttentionLifecycle(t *testing.T) {
	s := newTestSession()
	if s.AttentionRequested() {
		t.Fatal("AttentionRequested true before any request")
	}
	s.RequestAttention()
	if !s.AttentionRequested() {
		t.Fatal("AttentionRequested false after RequestAttention")
	}
	s.ResetAttention()
	if s.AttentionRequested() {
		t.Fatal("AttentionRequested true after ResetAttention")
	}
}

func TestSessionAttentionRequestIsIdempotent(t *testing.T) {
	s := newTestSession()
	s.RequestAttention()
	s.RequestAttention() // must not panic (sync.Once)
	if !s.AttentionRequested() {
		t.Fatal("AttentionRequested false after repeated RequestAttention")
	}
}

func TestSessionVars(t *testing.T) {
	s := newTestSession()
	if _, ok := s.Var(SessionVarDatabase); ok {
		t.Fatal("unset var reported present")
	}

	s.SetVar(SessionVarDatabase, DefaultVar("master"))
	v, ok := s.Var(SessionVarDatabase)
	if !ok || v.Value() != "master" || v.IsExplicit() {
		t.Errorf("got %+v, ok=%v, want default master", v, ok)
	}

	s.SetVar(SessionVarDatabase, SomeVar("appdb"))
	v, ok = s.Var(SessionVarDatabase)
	if !ok || v.Value() != "appdb" || !v.IsExplicit() {
		t.Errorf("got %+v, ok=%v, want explicit appdb", v, ok)
	}
}

func TestSessionForceState(t *testing.T) {
	s := newTestSession()
	s.ForceState(StateLoggedIn)
	if s.State() != StateLoggedIn {
		t.Fatalf("state = %v, want LoggedIn", s.State())
	}
}
