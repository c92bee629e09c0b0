package pgwire

import (
	"encoding/binary"
	"fmt"
)

// maxMessageLen bounds the declared length of a single backend message. Real
// messages stay far below it; anything larger means framing is lost.
const maxMessageLen = 1 << 30

// ProtocolError reports a violation of wire framing. It is fatal to the
// connection: once framing is lost the stream cannot be resynchronized.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Decoder turns a byte stream into backend messages. It never blocks: feed
// raw bytes with Write, then drain complete messages with Next. Partial
// frames are retained until the remaining bytes arrive.
type Decoder struct {
	buf []byte
	off int
}

// compactAt is the consumed-prefix size past which Write copies the
// remainder to the front of the buffer instead of growing it.
const compactAt = 4096

// Write appends raw bytes received from the transport.
func (d *Decoder) Write(p []byte) {
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > compactAt {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message. It returns (nil, nil) when more
// bytes are needed, and a *ProtocolError when framing is violated. Unknown
// tags are not an error: they decode to *UnknownMessage and the declared
// length keeps the stream in sync.
func (d *Decoder) Next() (BackendMessage, error) {
	avail := d.buf[d.off:]
	if len(avail) < 5 {
		return nil, nil
	}
	length := int32(binary.BigEndian.Uint32(avail[1:5]))
	if length < 4 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message length too short: %d", length)}
	}
	if length > maxMessageLen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message length too large: %d", length)}
	}
	total := 1 + int(length)
	if len(avail) < total {
		return nil, nil
	}

	tag := avail[0]
	// Copied out so the decoded message never aliases the stream buffer.
	payload := make([]byte, length-4)
	copy(payload, avail[5:total])
	d.off += total

	return decodeBackend(tag, payload)
}

func decodeBackend(tag byte, payload []byte) (BackendMessage, error) {
	switch tag {
	case TagAuthentication:
		return decodeAuthentication(payload)
	case TagParameterStatus:
		return decodeParameterStatus(payload)
	case TagBackendKeyData:
		return decodeBackendKeyData(payload)
	case TagRowDescription:
		return decodeRowDescription(payload)
	case TagDataRow:
		return decodeDataRow(payload)
	case TagCommandComplete:
		tag, _, ok := readCString(payload)
		if !ok {
			return nil, truncated("CommandComplete")
		}
		return &CommandComplete{Tag: tag}, nil
	case TagEmptyQueryResponse:
		return &EmptyQueryResponse{}, nil
	case TagReadyForQuery:
		if len(payload) < 1 {
			return nil, truncated("ReadyForQuery")
		}
		return &ReadyForQuery{TxStatus: payload[0]}, nil
	case TagErrorResponse:
		fields, ok := readDiagnosticFields(payload)
		if !ok {
			return nil, truncated("ErrorResponse")
		}
		return &ErrorResponse{
			Severity: fields['S'],
			Code:     fields['C'],
			Message:  fields['M'],
			Fields:   fields,
		}, nil
	case TagNoticeResponse:
		fields, ok := readDiagnosticFields(payload)
		if !ok {
			return nil, truncated("NoticeResponse")
		}
		return &NoticeResponse{
			Severity: fields['S'],
			Code:     fields['C'],
			Message:  fields['M'],
			Fields:   fields,
		}, nil
	case TagNotificationResponse:
		return decodeNotificationResponse(payload)
	default:
		return &UnknownMessage{Tag: tag, Payload: payload}, nil
	}
}

func decodeAuthentication(payload []byte) (BackendMessage, error) {
	code, rest, ok := readInt32(payload)
	if !ok {
		return nil, truncated("Authentication")
	}
	switch code {
	case AuthOk:
		return &AuthenticationOk{}, nil
	case AuthCleartextPassword:
		return &AuthenticationCleartextPassword{}, nil
	case AuthMD5Password:
		if len(rest) < 4 {
			return nil, truncated("AuthenticationMD5Password")
		}
		m := &AuthenticationMD5Password{}
		copy(m.Salt[:], rest[:4])
		return m, nil
	default:
		return &AuthenticationUnknown{Code: code}, nil
	}
}

func decodeParameterStatus(payload []byte) (BackendMessage, error) {
	name, rest, ok := readCString(payload)
	if !ok {
		return nil, truncated("ParameterStatus")
	}
	value, _, ok := readCString(rest)
	if !ok {
		return nil, truncated("ParameterStatus")
	}
	return &ParameterStatus{Name: name, Value: value}, nil
}

func decodeBackendKeyData(payload []byte) (BackendMessage, error) {
	if len(payload) < 8 {
		return nil, truncated("BackendKeyData")
	}
	return &BackendKeyData{
		ProcessID: binary.BigEndian.Uint32(payload[0:4]),
		SecretKey: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

func decodeRowDescription(payload []byte) (BackendMessage, error) {
	count, rest, ok := readInt16(payload)
	if !ok || count < 0 {
		return nil, truncated("RowDescription")
	}
	fields := make([]FieldDescription, count)
	for i := range fields {
		f := &fields[i]
		if f.Name, rest, ok = readCString(rest); !ok {
			return nil, truncated("RowDescription")
		}
		if len(rest) < 18 {
			return nil, truncated("RowDescription")
		}
		f.TableOID = binary.BigEndian.Uint32(rest[0:4])
		f.ColumnAttr = int16(binary.BigEndian.Uint16(rest[4:6]))
		f.DataTypeOID = binary.BigEndian.Uint32(rest[6:10])
		f.DataTypeSize = int16(binary.BigEndian.Uint16(rest[10:12]))
		f.TypeModifier = int32(binary.BigEndian.Uint32(rest[12:16]))
		f.FormatCode = int16(binary.BigEndian.Uint16(rest[16:18]))
		rest = rest[18:]
	}
	return &RowDescription{Fields: fields}, nil
}

func decodeDataRow(payload []byte) (BackendMessage, error) {
	count, rest, ok := readInt16(payload)
	if !ok || count < 0 {
		return nil, truncated("DataRow")
	}
	values := make([][]byte, count)
	for i := range values {
		var size int32
		if size, rest, ok = readInt32(rest); !ok {
			return nil, truncated("DataRow")
		}
		if size == -1 {
			continue // NULL
		}
		if size < 0 || int(size) > len(rest) {
			return nil, truncated("DataRow")
		}
		values[i] = rest[:size:size]
		rest = rest[size:]
	}
	return &DataRow{Values: values}, nil
}

func decodeNotificationResponse(payload []byte) (BackendMessage, error) {
	pid, rest, ok := readInt32(payload)
	if !ok {
		return nil, truncated("NotificationResponse")
	}
	channel, rest, ok := readCString(rest)
	if !ok {
		return nil, truncated("NotificationResponse")
	}
	body, _, ok := readCString(rest)
	if !ok {
		return nil, truncated("NotificationResponse")
	}
	return &NotificationResponse{ProcessID: uint32(pid), Channel: channel, Payload: body}, nil
}

// readDiagnosticFields parses the field list shared by ErrorResponse and
// NoticeResponse: repeated (type byte, C string) pairs ending with a zero
// byte.
func readDiagnosticFields(payload []byte) (map[byte]string, bool) {
	fields := make(map[byte]string)
	rest := payload
	for {
		if len(rest) == 0 {
			return nil, false
		}
		fieldType := rest[0]
		rest = rest[1:]
		if fieldType == 0 {
			return fields, true
		}
		var value string
		var ok bool
		if value, rest, ok = readCString(rest); !ok {
			return nil, false
		}
		fields[fieldType] = value
	}
}

// readCString reads a null-terminated string from b, returning the string
// and the remaining bytes after the null terminator.
func readCString(b []byte) (string, []byte, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], true
		}
	}
	return "", nil, false
}

func readInt16(b []byte) (int16, []byte, bool) {
	if len(b) < 2 {
		return 0, nil, false
	}
	return int16(binary.BigEndian.Uint16(b)), b[2:], true
}

func readInt32(b []byte) (int32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return int32(binary.BigEndian.Uint32(b)), b[4:], true
}

func truncated(msg string) error {
	return &ProtocolError{Reason: "truncated " + msg + " message"}
}
