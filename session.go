package pqlink

import (
	"sync"

	"pqlink/pgwire"
)

// TransactionStatus is the backend-reported transaction block state.
type TransactionStatus int

const (
	// TransactionIdle means no transaction block is open.
	TransactionIdle TransactionStatus = iota
	// TransactionOpen means a transaction block is open.
	TransactionOpen
	// TransactionFailed means an open transaction block has failed and
	// must be rolled back.
	TransactionFailed
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionIdle:
		return "IDLE"
	case TransactionOpen:
		return "OPEN"
	case TransactionFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// sessionState holds the connection-level facts reported by the backend.
// Only the read loop writes to it; the lock exists so facade accessors on
// other goroutines see consistent values.
type sessionState struct {
	mu         sync.RWMutex
	processID  uint32
	secretKey  uint32
	keyDataSet bool
	params     map[string]string
	txStatus   TransactionStatus
}

func newSessionState() *sessionState {
	return &sessionState{
		params:   make(map[string]string),
		txStatus: TransactionIdle,
	}
}

// observe applies the side effects of a backend message as it passes through
// the read loop. Messages without session-level meaning are ignored.
func (s *sessionState) observe(msg pgwire.BackendMessage) {
	switch m := msg.(type) {
	case *pgwire.ParameterStatus:
		s.mu.Lock()
		s.params[m.Name] = m.Value
		s.mu.Unlock()
	case *pgwire.BackendKeyData:
		s.mu.Lock()
		// Assigned once at startup, immutable thereafter.
		if !s.keyDataSet {
			s.processID = m.ProcessID
			s.secretKey = m.SecretKey
			s.keyDataSet = true
		}
		s.mu.Unlock()
	case *pgwire.ReadyForQuery:
		status, ok := transactionStatusFromWire(m.TxStatus)
		if !ok {
			return
		}
		s.mu.Lock()
		s.txStatus = status
		s.mu.Unlock()
	}
}

func transactionStatusFromWire(b byte) (TransactionStatus, bool) {
	switch b {
	case pgwire.TxIdle:
		return TransactionIdle, true
	case pgwire.TxInTx:
		return TransactionOpen, true
	case pgwire.TxFailed:
		return TransactionFailed, true
	default:
		return 0, false
	}
}

func (s *sessionState) backendKey() (pid, key uint32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processID, s.secretKey, s.keyDataSet
}

func (s *sessionState) parameterStatus() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *sessionState) transactionStatus() TransactionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txStatus
}
