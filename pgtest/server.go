// Package pgtest provides an in-process PostgreSQL backend speaking enough
// of the wire protocol to exercise a client: startup handshake with
// cleartext password authentication, the post-auth preamble, and a simple
// query loop over fixture tables. Its wire I/O goes through pgproto3 so the
// client under test and the test double never share a codec.
package pgtest

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
)

// PostgreSQL type OIDs for the column types fixtures use.
const (
	OIDInt4 uint32 = 23
	OIDInt8 uint32 = 20
	OIDText uint32 = 25
)

// Column describes one fixture table column.
type Column struct {
	Name     string
	TypeOID  uint32
	TypeSize int16 // -1 for variable length
}

// table holds fixture data. Each row is a slice of text-encoded values; a
// nil entry means NULL.
type table struct {
	cols []Column
	rows [][][]byte
}

// CancelKey records a cancel request received on a side connection.
type CancelKey struct {
	ProcessID uint32
	SecretKey uint32
}

// Config carries the credentials the server authenticates against.
type Config struct {
	User     string
	Password string
	Database string
}

// Server accepts connections on a loopback port and runs each through the
// handshake and query loop on its own goroutine.
type Server struct {
	cfg Config

	mu      sync.Mutex
	ln      net.Listener
	tables  map[string]*table
	cancels []CancelKey
	nextPID uint32

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a server with the given credentials. Call Start before using
// Host/Port.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		tables:  make(map[string]*table),
		nextPID: 4200,
		quit:    make(chan struct{}),
	}
}

// Start begins listening on an OS-assigned loopback port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("pgtest: accept: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).handle()
		}()
	}
}

// Host returns the listen address.
func (s *Server) Host() string { return "127.0.0.1" }

// Port returns the OS-assigned listen port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections and waits for active sessions to end.
func (s *Server) Close() {
	close(s.quit)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

// CreateTable registers an empty fixture table, replacing any previous one
// with the same name.
func (s *Server) CreateTable(name string, cols []Column) {
	s.mu.Lock()
	s.tables[strings.ToLower(name)] = &table{cols: cols}
	s.mu.Unlock()
}

// Insert appends rows to a fixture table. Each row is one text-encoded value
// per column; nil means NULL.
func (s *Server) Insert(name string, rows ...[][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("pgtest: no such table %q", name)
	}
	t.rows = append(t.rows, rows...)
	return nil
}

// DropTable removes a fixture table.
func (s *Server) DropTable(name string) {
	s.mu.Lock()
	delete(s.tables, strings.ToLower(name))
	s.mu.Unlock()
}

// CancelKeys returns the keys of every cancel request received so far.
func (s *Server) CancelKeys() []CancelKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CancelKey(nil), s.cancels...)
}

func (s *Server) lookupTable(name string) (*table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	// Snapshot so the session can stream rows without holding the lock.
	cp := &table{cols: t.cols, rows: append([][][]byte(nil), t.rows...)}
	return cp, true
}

func (s *Server) issueKey() CancelKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	return CancelKey{ProcessID: s.nextPID, SecretKey: rand.Uint32()}
}

func (s *Server) recordCancel(k CancelKey) {
	s.mu.Lock()
	s.cancels = append(s.cancels, k)
	s.mu.Unlock()
}
