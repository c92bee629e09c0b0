package pgwire

// Protocol version 3.0.
const ProtocolVersion int32 = 196608 // 3 << 16

// CancelRequestCode is the pseudo protocol version carried by an out-of-band
// cancel request in place of a startup message.
const CancelRequestCode int32 = 80877102

// SSL request code sent by clients before the real startup message.
const SSLRequestCode int32 = 80877103

// Frontend (client → server) message tags.
const (
	TagPasswordMessage byte = 'p'
	TagQuery           byte = 'Q'
	TagTerminate       byte = 'X'
)

// Backend (server → client) message tags.
const (
	TagAuthentication       byte = 'R'
	TagBackendKeyData       byte = 'K'
	TagCommandComplete      byte = 'C'
	TagDataRow              byte = 'D'
	TagEmptyQueryResponse   byte = 'I'
	TagErrorResponse        byte = 'E'
	TagNoticeResponse       byte = 'N'
	TagNotificationResponse byte = 'A'
	TagParameterStatus      byte = 'S'
	TagReadyForQuery        byte = 'Z'
	TagRowDescription       byte = 'T'
)

// Authentication sub-types (carried inside 'R' messages).
const (
	AuthOk                int32 = 0
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
)

// Transaction status indicators carried by ReadyForQuery.
const (
	TxIdle   byte = 'I'
	TxInTx   byte = 'T'
	TxFailed byte = 'E'
)
