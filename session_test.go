package pqlink

import (
	"testing"

	"pqlink/pgwire"
)

func TestSessionStateParameterStatus(t *testing.T) {
	s := newSessionState()

	s.observe(&pgwire.ParameterStatus{Name: "TimeZone", Value: "UTC"})
	s.observe(&pgwire.ParameterStatus{Name: "TimeZone", Value: "Europe/Berlin"})
	s.observe(&pgwire.ParameterStatus{Name: "server_encoding", Value: "UTF8"})

	params := s.parameterStatus()
	if params["TimeZone"] != "Europe/Berlin" {
		t.Errorf("TimeZone = %q, want last-written value", params["TimeZone"])
	}
	if params["server_encoding"] != "UTF8" {
		t.Errorf("server_encoding = %q", params["server_encoding"])
	}

	// The accessor hands out a copy.
	params["TimeZone"] = "mutated"
	if got := s.parameterStatus()["TimeZone"]; got != "Europe/Berlin" {
		t.Errorf("internal state mutated through accessor copy: %q", got)
	}
}

func TestSessionStateBackendKeyImmutable(t *testing.T) {
	s := newSessionState()

	if _, _, ok := s.backendKey(); ok {
		t.Fatal("backend key set before handshake")
	}

	s.observe(&pgwire.BackendKeyData{ProcessID: 1, SecretKey: 2})
	s.observe(&pgwire.BackendKeyData{ProcessID: 9, SecretKey: 9})

	pid, key, ok := s.backendKey()
	if !ok || pid != 1 || key != 2 {
		t.Errorf("backend key = (%d, %d, %v), want first-written (1, 2, true)", pid, key, ok)
	}
}

func TestSessionStateTransactionStatus(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want TransactionStatus
	}{
		{"idle", pgwire.TxIdle, TransactionIdle},
		{"open", pgwire.TxInTx, TransactionOpen},
		{"failed", pgwire.TxFailed, TransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSessionState()
			s.observe(&pgwire.ReadyForQuery{TxStatus: tt.b})
			if got := s.transactionStatus(); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("unknown byte leaves status unchanged", func(t *testing.T) {
		s := newSessionState()
		s.observe(&pgwire.ReadyForQuery{TxStatus: pgwire.TxInTx})
		s.observe(&pgwire.ReadyForQuery{TxStatus: '?'})
		if got := s.transactionStatus(); got != TransactionOpen {
			t.Errorf("status = %s, want OPEN", got)
		}
	})
}

func TestTransactionStatusString(t *testing.T) {
	if TransactionIdle.String() != "IDLE" || TransactionOpen.String() != "OPEN" || TransactionFailed.String() != "FAILED" {
		t.Errorf("unexpected String values: %s %s %s", TransactionIdle, TransactionOpen, TransactionFailed)
	}
}
