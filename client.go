// Package pqlink is a single-connection PostgreSQL wire protocol (v3)
// client. It drives the startup/authentication handshake, then lets callers
// run one exchange at a time: a stream of frontend messages out, a stream of
// backend messages in, terminated by the backend's ready-for-query marker.
// Session facts the backend reports along the way (process id, secret key,
// runtime parameters, transaction status) are tracked and exposed through
// read-only accessors.
package pqlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"pqlink/pgwire"
)

// DialFunc opens the transport to the backend. It exists so tests and
// TLS-wrapping callers can substitute the stream.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config carries everything needed to establish a connection.
type Config struct {
	Host            string
	Port            int    // 0 means 5432
	User            string
	Password        string // sent only if the backend requests cleartext auth
	Database        string // empty means the backend's default
	ApplicationName string // empty means "pqlink"

	// DialFunc overrides the transport dialer. nil means a plain net.Dialer.
	DialFunc DialFunc

	// Logger receives lifecycle and protocol diagnostics. nil disables
	// logging.
	Logger *zap.Logger
}

// connState is the connection lifecycle state. Closed is terminal and
// reachable from every other state.
type connState int

const (
	stateConnecting connState = iota
	stateAwaitingAuth
	stateAuthenticating
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingAuth:
		return "awaiting-auth"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// Client is a single connection to one backend. It is safe for concurrent
// use, but only one exchange may be in flight at a time; overlapping calls
// to Exchange are rejected.
type Client struct {
	cfg     Config
	log     *zap.Logger
	conn    net.Conn
	session *sessionState

	mu      sync.Mutex
	state   connState
	current *Exchange

	// closing is closed exactly once when the connection shuts down; the
	// read loop's delivery and the write path watch it.
	closing  chan struct{}
	readDone chan struct{}
}

// Connect dials the backend and runs the startup/authentication handshake.
// The returned client is ready for exchanges. Cleartext password is the only
// supported authentication method; trust (no authentication) also works.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("host must not be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "pqlink"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := dialFunc(cfg)(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &Client{
		cfg:      cfg,
		log:      logger.With(zap.String("addr", addr)),
		conn:     conn,
		session:  newSessionState(),
		state:    stateConnecting,
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func dialFunc(cfg Config) DialFunc {
	if cfg.DialFunc != nil {
		return cfg.DialFunc
	}
	d := &net.Dialer{}
	return d.DialContext
}

// handshake drives startup and authentication through the same exchange
// machinery as ordinary queries, privileged to run before the ready state.
// It injects messages into the request stream based on what the backend
// asks for: StartupMessage first, then PasswordMessage on a cleartext
// challenge. AuthenticationOk ends the request stream; the backend's first
// ReadyForQuery ends the exchange.
func (c *Client) handshake(ctx context.Context) error {
	requests := make(chan pgwire.FrontendMessage, 1)
	x, err := c.startExchange(ctx, requests, true)
	if err != nil {
		return err
	}

	params := map[string]string{
		"user":             c.cfg.User,
		"application_name": c.cfg.ApplicationName,
	}
	if c.cfg.Database != "" {
		params["database"] = c.cfg.Database
	}
	requests <- &pgwire.StartupMessage{Parameters: params}
	c.setState(stateAwaitingAuth)

	var authErr error
	requestsOpen := true
	endRequests := func() {
		if requestsOpen {
			close(requests)
			requestsOpen = false
		}
	}

loop:
	for {
		var msg pgwire.BackendMessage
		var ok bool
		select {
		case msg, ok = <-x.Messages():
			if !ok {
				break loop
			}
		case <-ctx.Done():
			authErr = ctx.Err()
			break loop
		}

		switch m := msg.(type) {
		case *pgwire.AuthenticationCleartextPassword:
			c.setState(stateAuthenticating)
			requests <- &pgwire.PasswordMessage{Password: c.cfg.Password}
		case *pgwire.AuthenticationOk:
			c.setState(stateAuthenticating)
			endRequests()
		case *pgwire.AuthenticationMD5Password:
			authErr = errors.New("unsupported authentication method: md5")
			break loop
		case *pgwire.AuthenticationUnknown:
			authErr = fmt.Errorf("unsupported authentication method: code %d", m.Code)
			break loop
		case *pgwire.ErrorResponse:
			// The backend closes the connection after a fatal startup
			// error; keep draining so the exchange can end.
			authErr = fmt.Errorf("handshake rejected: %s (SQLSTATE %s)", m.Message, m.Code)
		}
	}

	if authErr != nil {
		x.abandon()
		return authErr
	}
	if err := x.Err(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	pid, _, ok := c.session.backendKey()
	if !ok {
		return errors.New("handshake: backend key data not received before ready-for-query")
	}

	c.setState(stateReady)
	c.log.Info("connected", zap.Uint32("pid", pid),
		zap.Stringer("tx", c.session.transactionStatus()))
	return nil
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// Exchange sends the request stream to the backend and returns the response
// stream. The caller closes requests when it has nothing more to send; the
// exchange completes when the backend reports ready-for-query. Cancelling
// ctx stops forwarding responses and abandons the exchange, but the wire is
// still drained so the connection stays usable.
func (c *Client) Exchange(ctx context.Context, requests <-chan pgwire.FrontendMessage) (*Exchange, error) {
	if requests == nil {
		return nil, ErrNilRequests
	}
	return c.startExchange(ctx, requests, false)
}

func (c *Client) startExchange(ctx context.Context, requests <-chan pgwire.FrontendMessage, privileged bool) (*Exchange, error) {
	c.mu.Lock()
	switch {
	case c.state == stateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case !privileged && c.state != stateReady:
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	case c.current != nil:
		c.mu.Unlock()
		return nil, ErrExchangeInProgress
	}
	x := newExchange()
	c.current = x
	c.mu.Unlock()

	go c.writeRequests(ctx, x, requests)
	return x, nil
}

// writeRequests drains the caller's request stream onto the wire. It is not
// flow-controlled by responses; it stops when the stream is closed, the
// exchange ends, the caller cancels, or the connection shuts down. Nothing
// is written once the exchange has ended.
func (c *Client) writeRequests(ctx context.Context, x *Exchange, requests <-chan pgwire.FrontendMessage) {
	buf := make([]byte, 0, 1024)
	for {
		select {
		case msg, ok := <-requests:
			if !ok {
				return
			}
			// The exchange may have ended between queueing and receipt. A
			// message written after the terminal marker would interleave
			// with the next exchange's stream, so it is dropped instead.
			select {
			case <-x.done:
				c.log.Warn("discarding request queued after exchange completion")
				return
			case <-c.closing:
				return
			default:
			}
			buf = msg.Encode(buf[:0])
			if _, err := c.conn.Write(buf); err != nil {
				c.closeWithError(fmt.Errorf("write: %w", err))
				return
			}
		case <-ctx.Done():
			x.abandon()
			return
		case <-x.done:
			return
		case <-c.closing:
			return
		}
	}
}

// readLoop is the single demultiplexer for inbound bytes. It runs from
// Connect until the connection dies.
func (c *Client) readLoop() {
	defer close(c.readDone)

	var dec pgwire.Decoder
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			if derr := c.dispatch(&dec); derr != nil {
				c.closeWithError(derr)
				return
			}
		}
		if err != nil {
			select {
			case <-c.closing:
				// Shutdown already in progress; the read error is
				// just the socket being torn down.
			default:
				if errors.Is(err, io.EOF) {
					err = errors.New("connection closed by backend")
				} else {
					err = fmt.Errorf("read: %w", err)
				}
				c.closeWithError(err)
			}
			return
		}
	}
}

// dispatch drains every complete message currently buffered in the decoder,
// updating session state and forwarding to the active exchange.
func (c *Client) dispatch(dec *pgwire.Decoder) error {
	for {
		msg, err := dec.Next()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		c.session.observe(msg)

		switch m := msg.(type) {
		case *pgwire.ReadyForQuery:
			c.finishCurrent()
			continue
		case *pgwire.UnknownMessage:
			c.log.Warn("skipping unknown backend message",
				zap.String("tag", string(m.Tag)), zap.Int("len", len(m.Payload)))
		case *pgwire.NoticeResponse:
			c.log.Debug("backend notice", zap.String("message", m.Message))
		}

		c.mu.Lock()
		x := c.current
		c.mu.Unlock()

		if x == nil {
			if asyncOutsideExchange(msg) {
				continue
			}
			return &pgwire.ProtocolError{Reason: fmt.Sprintf("unexpected %T outside an exchange", msg)}
		}
		if !c.deliver(x, msg) {
			return nil
		}
	}
}

// asyncOutsideExchange reports whether the backend may legitimately push msg
// when no exchange is active. Such messages are absorbed (session state has
// already been updated); anything else arriving unsolicited means the stream
// is out of sync.
func asyncOutsideExchange(msg pgwire.BackendMessage) bool {
	switch msg.(type) {
	case *pgwire.ParameterStatus, *pgwire.NoticeResponse,
		*pgwire.NotificationResponse, *pgwire.UnknownMessage:
		return true
	default:
		return false
	}
}

// deliver hands msg to the exchange. The blocking send is the backpressure
// point: a slow consumer holds up socket reads. Returns false when the
// connection is shutting down.
func (c *Client) deliver(x *Exchange, msg pgwire.BackendMessage) bool {
	select {
	case x.messages <- msg:
		return true
	case <-x.abandoned:
		// Caller gave up; drop the message but keep draining the wire.
		return true
	case <-c.closing:
		return false
	}
}

// finishCurrent completes the active exchange after its terminal
// ready-for-query marker.
func (c *Client) finishCurrent() {
	c.mu.Lock()
	x := c.current
	c.current = nil
	c.mu.Unlock()
	if x != nil {
		x.finish(nil)
	}
}

// closeWithError tears the connection down after a fatal transport or
// protocol error, failing any in-flight exchange with the cause.
func (c *Client) closeWithError(cause error) {
	if c.shutdown(cause, false) {
		c.log.Warn("connection failed", zap.Error(cause))
	}
}

// shutdown moves the connection to the closed state. It returns false if the
// connection was already closed. The in-flight exchange, if any, fails with
// cause.
func (c *Client) shutdown(cause error, sendTerminate bool) bool {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = stateClosed
	x := c.current
	c.current = nil
	close(c.closing)
	c.mu.Unlock()

	if sendTerminate {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.Write((&pgwire.Terminate{}).Encode(nil))
	}
	c.conn.Close()

	if x != nil {
		x.finish(cause)
	}
	return true
}

// Close shuts the connection down: a best-effort Terminate message, then the
// transport. It is idempotent; an in-flight exchange fails with ErrClosed
// rather than Close reporting an error. It returns once the read loop has
// stopped.
func (c *Client) Close() error {
	if c.shutdown(ErrClosed, true) {
		c.log.Info("connection closed")
	}
	<-c.readDone
	return nil
}

// CancelRequest asks the backend to cancel whatever is running on this
// connection. It opens a second, short-lived connection and sends the cancel
// frame with the process id and secret key captured during the handshake.
func (c *Client) CancelRequest(ctx context.Context) error {
	pid, key, ok := c.session.backendKey()
	if !ok {
		return errors.New("cancel request: no backend key data available")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := dialFunc(c.cfg)(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("cancel request: connect to %s: %w", addr, err)
	}
	defer conn.Close()

	msg := &pgwire.CancelRequest{ProcessID: pid, SecretKey: key}
	if _, err := conn.Write(msg.Encode(nil)); err != nil {
		return fmt.Errorf("cancel request: write: %w", err)
	}
	// The backend answers a cancel request by closing the connection.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	io.Copy(io.Discard, conn)
	return nil
}

// ProcessID returns the backend process id, once the handshake has captured
// it.
func (c *Client) ProcessID() (uint32, bool) {
	pid, _, ok := c.session.backendKey()
	return pid, ok
}

// SecretKey returns the cancel-request key, once the handshake has captured
// it.
func (c *Client) SecretKey() (uint32, bool) {
	_, key, ok := c.session.backendKey()
	return key, ok
}

// ParameterStatus returns a copy of every runtime parameter the backend has
// reported, most recent value per name.
func (c *Client) ParameterStatus() map[string]string {
	return c.session.parameterStatus()
}

// TransactionStatus returns the transaction block state from the most recent
// ready-for-query marker. It starts at IDLE.
func (c *Client) TransactionStatus() TransactionStatus {
	return c.session.transactionStatus()
}
