package pgtest

import (
	"fmt"
	"io"
	"log"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
)

// session handles the lifecycle of a single client connection: startup
// handshake → authentication → query loop.
type session struct {
	srv      *Server
	conn     net.Conn
	be       *pgproto3.Backend
	key      CancelKey
	txStatus byte
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:      srv,
		conn:     conn,
		be:       pgproto3.NewBackend(conn, conn),
		txStatus: 'I',
	}
}

// handle runs the full connection lifecycle and closes the connection on
// return.
func (c *session) handle() {
	defer c.conn.Close()

	proceed, err := c.startup()
	if err != nil {
		log.Printf("pgtest: %s: startup: %v", c.conn.RemoteAddr(), err)
		return
	}
	if !proceed {
		return // cancel request connection
	}
	c.queryLoop()
}

// startup performs the server side of the handshake: optional SSL refusal,
// cleartext password authentication, then the post-auth preamble. Cancel
// request connections are recorded and dropped.
func (c *session) startup() (proceed bool, err error) {
	for {
		msg, err := c.be.ReceiveStartupMessage()
		if err != nil {
			return false, fmt.Errorf("receive startup: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return false, fmt.Errorf("refuse SSL: %w", err)
			}
			continue

		case *pgproto3.CancelRequest:
			c.srv.recordCancel(CancelKey{ProcessID: m.ProcessID, SecretKey: m.SecretKey})
			return false, nil

		case *pgproto3.StartupMessage:
			user := m.Parameters["user"]
			if user != c.srv.cfg.User {
				c.sendFatal("28000", fmt.Sprintf("authentication failed for user %q", user))
				return false, fmt.Errorf("unknown user: %s", user)
			}

			c.be.Send(&pgproto3.AuthenticationCleartextPassword{})
			if err := c.be.Flush(); err != nil {
				return false, err
			}
			c.be.SetAuthType(pgproto3.AuthTypeCleartextPassword)

			reply, err := c.be.Receive()
			if err != nil {
				return false, fmt.Errorf("receive password: %w", err)
			}
			pw, ok := reply.(*pgproto3.PasswordMessage)
			if !ok {
				return false, fmt.Errorf("expected PasswordMessage, got %T", reply)
			}
			if pw.Password != c.srv.cfg.Password {
				c.sendFatal("28P01", fmt.Sprintf("password authentication failed for user %q", user))
				return false, fmt.Errorf("bad password for user: %s", user)
			}

			c.key = c.srv.issueKey()
			c.be.Send(&pgproto3.AuthenticationOk{})
			params := [][2]string{
				{"server_version", "16.0 (pgtest)"},
				{"server_encoding", "UTF8"},
				{"client_encoding", "UTF8"},
				{"DateStyle", "ISO, MDY"},
			}
			// Real backends echo application_name back as a runtime
			// parameter; clients assert on that.
			if app, ok := m.Parameters["application_name"]; ok {
				params = append(params, [2]string{"application_name", app})
			}
			for _, p := range params {
				c.be.Send(&pgproto3.ParameterStatus{Name: p[0], Value: p[1]})
			}
			c.be.Send(&pgproto3.BackendKeyData{ProcessID: c.key.ProcessID, SecretKey: c.key.SecretKey})
			c.be.Send(&pgproto3.ReadyForQuery{TxStatus: c.txStatus})
			return true, c.be.Flush()

		default:
			return false, fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

// queryLoop reads and responds to client messages until the client
// disconnects.
func (c *session) queryLoop() {
	for {
		msg, err := c.be.Receive()
		if err != nil {
			if err != io.EOF {
				log.Printf("pgtest: %s: receive: %v", c.conn.RemoteAddr(), err)
			}
			return
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := c.handleQuery(m.String); err != nil {
				log.Printf("pgtest: %s: send: %v", c.conn.RemoteAddr(), err)
				return
			}
		case *pgproto3.Terminate:
			return
		default:
			log.Printf("pgtest: %s: unsupported message %T", c.conn.RemoteAddr(), msg)
		}
	}
}

// handleQuery interprets the small statement vocabulary the fixtures need
// and writes the response.
func (c *session) handleQuery(query string) error {
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))

	if query == "" {
		c.be.Send(&pgproto3.EmptyQueryResponse{})
		return c.sendReady()
	}

	verb := strings.ToUpper(firstWord(query))

	// An aborted transaction block refuses everything except its end.
	if c.txStatus == 'E' && verb != "COMMIT" && verb != "ROLLBACK" {
		return c.sendError("25P02", "current transaction is aborted, commands ignored until end of transaction block")
	}

	switch verb {
	case "BEGIN":
		c.txStatus = 'T'
		return c.sendComplete("BEGIN")
	case "COMMIT":
		tag := "COMMIT"
		if c.txStatus == 'E' {
			tag = "ROLLBACK"
		}
		c.txStatus = 'I'
		return c.sendComplete(tag)
	case "ROLLBACK":
		c.txStatus = 'I'
		return c.sendComplete("ROLLBACK")
	case "SET":
		return c.sendComplete("SET")
	case "SELECT":
		return c.handleSelect(query)
	default:
		return c.sendError("42601", fmt.Sprintf("unsupported statement: %s", verb))
	}
}

// handleSelect streams every row of the table named after FROM. Column lists
// and WHERE clauses are ignored; fixtures shape their tables instead.
func (c *session) handleSelect(query string) error {
	name, ok := tableNameAfterFrom(query)
	if !ok {
		return c.sendError("42601", "syntax error: SELECT requires FROM <table>")
	}
	t, ok := c.srv.lookupTable(name)
	if !ok {
		return c.sendError("42P01", fmt.Sprintf("relation %q does not exist", name))
	}

	fields := make([]pgproto3.FieldDescription, len(t.cols))
	for i, col := range t.cols {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name),
			DataTypeOID:  col.TypeOID,
			DataTypeSize: col.TypeSize,
			TypeModifier: -1,
		}
	}
	c.be.Send(&pgproto3.RowDescription{Fields: fields})

	for i, row := range t.rows {
		c.be.Send(&pgproto3.DataRow{Values: row})
		// Periodic flushes keep memory flat on large result sets and let
		// TCP backpressure reach a slow client.
		if i%256 == 255 {
			if err := c.be.Flush(); err != nil {
				return err
			}
		}
	}
	return c.sendComplete(fmt.Sprintf("SELECT %d", len(t.rows)))
}

func (c *session) sendComplete(tag string) error {
	c.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return c.sendReady()
}

// sendError reports a statement-level error. Inside an open transaction
// block the session moves to the aborted state, as a real backend would.
func (c *session) sendError(code, message string) error {
	if c.txStatus == 'T' {
		c.txStatus = 'E'
	}
	c.be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message})
	return c.sendReady()
}

func (c *session) sendReady() error {
	c.be.Send(&pgproto3.ReadyForQuery{TxStatus: c.txStatus})
	return c.be.Flush()
}

// sendFatal writes a FATAL error and flushes. Errors are ignored since the
// connection is about to close.
func (c *session) sendFatal(code, message string) {
	c.be.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message})
	c.be.Flush()
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// tableNameAfterFrom extracts the token following the FROM keyword.
func tableNameAfterFrom(query string) (string, bool) {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.EqualFold(f, "FROM") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], `";`), true
		}
	}
	return "", false
}
