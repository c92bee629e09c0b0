package pgwire

// FrontendMessage is a message sent by the client to the backend. The set of
// implementations is closed; each knows how to append its own wire form.
type FrontendMessage interface {
	// Encode appends the message's wire representation to dst and returns
	// the extended slice.
	Encode(dst []byte) []byte
	frontend()
}

// BackendMessage is a message received from the backend. The set of
// implementations is closed; callers discriminate with a type switch on the
// concrete type, never on the raw wire tag.
type BackendMessage interface {
	backend()
}

// ---------------------------------------------------------------------------
// Frontend messages
// ---------------------------------------------------------------------------

// StartupMessage is the initial message sent after the TCP connection is
// established. It has no leading tag byte. Parameters must include "user";
// "database" and "application_name" are optional.
type StartupMessage struct {
	Parameters map[string]string
}

// PasswordMessage answers a cleartext password authentication request.
type PasswordMessage struct {
	Password string
}

// Query runs a SQL statement through the simple query protocol.
type Query struct {
	Text string
}

// Terminate announces an orderly connection shutdown.
type Terminate struct{}

// CancelRequest is sent on a separate, short-lived connection to request
// cancellation of the query running on the connection identified by
// ProcessID/SecretKey. Like StartupMessage it has no leading tag byte.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

func (*StartupMessage) frontend()  {}
func (*PasswordMessage) frontend() {}
func (*Query) frontend()           {}
func (*Terminate) frontend()       {}
func (*CancelRequest) frontend()   {}

// ---------------------------------------------------------------------------
// Backend messages
// ---------------------------------------------------------------------------

// AuthenticationOk reports that authentication has succeeded.
type AuthenticationOk struct{}

// AuthenticationCleartextPassword requests the password in cleartext.
type AuthenticationCleartextPassword struct{}

// AuthenticationMD5Password requests an MD5-hashed password using Salt.
// Decoded for completeness; the connection lifecycle does not support it.
type AuthenticationMD5Password struct {
	Salt [4]byte
}

// AuthenticationUnknown carries an authentication request whose sub-type
// this package does not model. New methods extend the decoder by adding a
// variant, not by touching the lifecycle state machine.
type AuthenticationUnknown struct {
	Code int32
}

// ParameterStatus reports the current value of a runtime parameter. The
// backend pushes these at startup and whenever a reported parameter changes.
type ParameterStatus struct {
	Name  string
	Value string
}

// BackendKeyData carries the identifiers needed for cancel requests.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

// FieldDescription describes a single column in a RowDescription message.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescription describes the columns of the rows that follow.
type RowDescription struct {
	Fields []FieldDescription
}

// DataRow is one result row. A nil value means SQL NULL.
type DataRow struct {
	Values [][]byte
}

// CommandComplete reports that a statement finished, with its command tag
// (e.g. "SELECT 2", "INSERT 0 1").
type CommandComplete struct {
	Tag string
}

// EmptyQueryResponse substitutes for CommandComplete when the query string
// was empty.
type EmptyQueryResponse struct{}

// ReadyForQuery marks the end of an exchange. TxStatus is one of TxIdle,
// TxInTx, TxFailed.
type ReadyForQuery struct {
	TxStatus byte
}

// ErrorResponse is an error reported by the backend. Severity, Code and
// Message are the 'S', 'C' and 'M' fields; Fields holds every field keyed by
// its single-byte type.
type ErrorResponse struct {
	Severity string
	Code     string
	Message  string
	Fields   map[byte]string
}

// NoticeResponse is a non-error diagnostic from the backend, with the same
// field layout as ErrorResponse.
type NoticeResponse struct {
	Severity string
	Code     string
	Message  string
	Fields   map[byte]string
}

// NotificationResponse delivers a LISTEN/NOTIFY event.
type NotificationResponse struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

// UnknownMessage preserves a correctly framed message whose tag this package
// does not understand. Receiving one is recoverable: the declared length
// keeps the stream in sync.
type UnknownMessage struct {
	Tag     byte
	Payload []byte
}

func (*AuthenticationOk) backend()                {}
func (*AuthenticationCleartextPassword) backend() {}
func (*AuthenticationMD5Password) backend()       {}
func (*AuthenticationUnknown) backend()           {}
func (*ParameterStatus) backend()                 {}
func (*BackendKeyData) backend()                  {}
func (*RowDescription) backend()                  {}
func (*DataRow) backend()                         {}
func (*CommandComplete) backend()                 {}
func (*EmptyQueryResponse) backend()              {}
func (*ReadyForQuery) backend()                   {}
func (*ErrorResponse) backend()                   {}
func (*NoticeResponse) backend()                  {}
func (*NotificationResponse) backend()            {}
func (*UnknownMessage) backend()                  {}
