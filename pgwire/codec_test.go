package pgwire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

// backendWire renders backend messages through pgproto3, the independent
// codec the decoder is checked against.
func backendWire(t *testing.T, msgs ...pgproto3.BackendMessage) []byte {
	t.Helper()
	var buf bytes.Buffer
	be := pgproto3.NewBackend(strings.NewReader(""), &buf)
	for _, msg := range msgs {
		be.Send(msg)
	}
	if err := be.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.Bytes()
}

func decodeOne(t *testing.T, wire []byte) BackendMessage {
	t.Helper()
	var dec Decoder
	dec.Write(wire)
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg == nil {
		t.Fatalf("Next: incomplete message from %d bytes", len(wire))
	}
	return msg
}

func TestDecodeBackendMessages(t *testing.T) {
	tests := []struct {
		name string
		send pgproto3.BackendMessage
		want BackendMessage
	}{
		{
			name: "AuthenticationOk",
			send: &pgproto3.AuthenticationOk{},
			want: &AuthenticationOk{},
		},
		{
			name: "AuthenticationCleartextPassword",
			send: &pgproto3.AuthenticationCleartextPassword{},
			want: &AuthenticationCleartextPassword{},
		},
		{
			name: "AuthenticationMD5Password",
			send: &pgproto3.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}},
			want: &AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}},
		},
		{
			name: "ParameterStatus",
			send: &pgproto3.ParameterStatus{Name: "application_name", Value: "test-application-name"},
			want: &ParameterStatus{Name: "application_name", Value: "test-application-name"},
		},
		{
			name: "BackendKeyData",
			send: &pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 0xdeadbeef},
			want: &BackendKeyData{ProcessID: 42, SecretKey: 0xdeadbeef},
		},
		{
			name: "RowDescription",
			send: &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{
				Name:         []byte("value"),
				DataTypeOID:  23,
				DataTypeSize: 4,
				TypeModifier: -1,
			}}},
			want: &RowDescription{Fields: []FieldDescription{{
				Name:         "value",
				DataTypeOID:  23,
				DataTypeSize: 4,
				TypeModifier: -1,
			}}},
		},
		{
			name: "DataRow",
			send: &pgproto3.DataRow{Values: [][]byte{[]byte("100"), nil, []byte("")}},
			want: &DataRow{Values: [][]byte{[]byte("100"), nil, {}}},
		},
		{
			name: "CommandComplete",
			send: &pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
			want: &CommandComplete{Tag: "SELECT 1"},
		},
		{
			name: "EmptyQueryResponse",
			send: &pgproto3.EmptyQueryResponse{},
			want: &EmptyQueryResponse{},
		},
		{
			name: "ReadyForQuery",
			send: &pgproto3.ReadyForQuery{TxStatus: 'T'},
			want: &ReadyForQuery{TxStatus: 'T'},
		},
		{
			name: "NotificationResponse",
			send: &pgproto3.NotificationResponse{PID: 7, Channel: "events", Payload: "hi"},
			want: &NotificationResponse{ProcessID: 7, Channel: "events", Payload: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeOne(t, backendWire(t, tt.send))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("decoded %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	wire := backendWire(t, &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "42P01",
		Message:  `relation "missing" does not exist`,
	})

	msg := decodeOne(t, wire)
	er, ok := msg.(*ErrorResponse)
	if !ok {
		t.Fatalf("decoded %T, want *ErrorResponse", msg)
	}
	if er.Severity != "ERROR" || er.Code != "42P01" {
		t.Errorf("got severity %q code %q", er.Severity, er.Code)
	}
	if er.Message != `relation "missing" does not exist` {
		t.Errorf("got message %q", er.Message)
	}
	if er.Fields['C'] != "42P01" {
		t.Errorf("Fields['C'] = %q, want 42P01", er.Fields['C'])
	}
}

func TestDecoderResumesAcrossPartialReads(t *testing.T) {
	wire := backendWire(t,
		&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)

	var dec Decoder
	var got []BackendMessage
	for _, b := range wire {
		dec.Write([]byte{b})
		for {
			msg, err := dec.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if msg == nil {
				break
			}
			got = append(got, msg)
		}
	}

	want := []BackendMessage{
		&ParameterStatus{Name: "TimeZone", Value: "UTC"},
		&ReadyForQuery{TxStatus: 'I'},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("decoded %#v, want %#v", got, want)
	}
}

func TestDecoderDrainsMultipleMessagesPerWrite(t *testing.T) {
	msgs := []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("v"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1}}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("a")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("b")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}

	var dec Decoder
	dec.Write(backendWire(t, msgs...))

	var count int
	for {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if msg == nil {
			break
		}
		count++
	}
	if count != len(msgs) {
		t.Errorf("decoded %d messages, want %d", count, len(msgs))
	}
}

func TestDecoderSkipsUnknownTag(t *testing.T) {
	// A well-framed message with a tag this package does not know,
	// followed by an ordinary one. Framing must survive the skip.
	unknown := []byte{'!', 0, 0, 0, 7, 'a', 'b', 'c'}
	wire := append(unknown, backendWire(t, &pgproto3.ReadyForQuery{TxStatus: 'I'})...)

	var dec Decoder
	dec.Write(wire)

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	um, ok := msg.(*UnknownMessage)
	if !ok {
		t.Fatalf("decoded %T, want *UnknownMessage", msg)
	}
	if um.Tag != '!' || !bytes.Equal(um.Payload, []byte("abc")) {
		t.Errorf("got tag %q payload %q", um.Tag, um.Payload)
	}

	msg, err = dec.Next()
	if err != nil {
		t.Fatalf("Next after unknown: %v", err)
	}
	if _, ok := msg.(*ReadyForQuery); !ok {
		t.Errorf("decoded %T after unknown tag, want *ReadyForQuery", msg)
	}
}

func TestDecoderRejectsBadLength(t *testing.T) {
	var dec Decoder
	dec.Write([]byte{'Z', 0, 0, 0, 3})

	_, err := dec.Next()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Next: %v, want *ProtocolError", err)
	}
}

func TestEncodeFrontendInterop(t *testing.T) {
	t.Run("StartupMessage", func(t *testing.T) {
		wire := (&StartupMessage{Parameters: map[string]string{
			"user":     "alice",
			"database": "db",
		}}).Encode(nil)

		be := pgproto3.NewBackend(bytes.NewReader(wire), io.Discard)
		msg, err := be.ReceiveStartupMessage()
		if err != nil {
			t.Fatalf("ReceiveStartupMessage: %v", err)
		}
		sm, ok := msg.(*pgproto3.StartupMessage)
		if !ok {
			t.Fatalf("received %T, want *pgproto3.StartupMessage", msg)
		}
		if sm.ProtocolVersion != uint32(ProtocolVersion) {
			t.Errorf("protocol version %d, want %d", sm.ProtocolVersion, ProtocolVersion)
		}
		if sm.Parameters["user"] != "alice" || sm.Parameters["database"] != "db" {
			t.Errorf("parameters %v", sm.Parameters)
		}
	})

	t.Run("Query", func(t *testing.T) {
		wire := (&Query{Text: "SELECT 1"}).Encode(nil)
		be := pgproto3.NewBackend(bytes.NewReader(wire), io.Discard)
		msg, err := be.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		q, ok := msg.(*pgproto3.Query)
		if !ok || q.String != "SELECT 1" {
			t.Errorf("received %#v", msg)
		}
	})

	t.Run("PasswordMessage", func(t *testing.T) {
		wire := (&PasswordMessage{Password: "hunter2"}).Encode(nil)
		be := pgproto3.NewBackend(bytes.NewReader(wire), io.Discard)
		be.SetAuthType(pgproto3.AuthTypeCleartextPassword)
		msg, err := be.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok || pw.Password != "hunter2" {
			t.Errorf("received %#v", msg)
		}
	})

	t.Run("Terminate", func(t *testing.T) {
		wire := (&Terminate{}).Encode(nil)
		if want := []byte{'X', 0, 0, 0, 4}; !bytes.Equal(wire, want) {
			t.Fatalf("encoded % x, want % x", wire, want)
		}
	})

	t.Run("CancelRequest", func(t *testing.T) {
		wire := (&CancelRequest{ProcessID: 42, SecretKey: 7}).Encode(nil)
		be := pgproto3.NewBackend(bytes.NewReader(wire), io.Discard)
		msg, err := be.ReceiveStartupMessage()
		if err != nil {
			t.Fatalf("ReceiveStartupMessage: %v", err)
		}
		cr, ok := msg.(*pgproto3.CancelRequest)
		if !ok || cr.ProcessID != 42 || cr.SecretKey != 7 {
			t.Errorf("received %#v", msg)
		}
	})
}

func TestEncodeQueryGolden(t *testing.T) {
	wire := (&Query{Text: "x"}).Encode(nil)
	want := []byte{'Q', 0, 0, 0, 6, 'x', 0}
	if !bytes.Equal(wire, want) {
		t.Errorf("encoded % x, want % x", wire, want)
	}
}

func TestEncodeAppends(t *testing.T) {
	prefix := []byte("prefix")
	wire := (&Terminate{}).Encode(prefix)
	if !bytes.HasPrefix(wire, prefix) {
		t.Fatalf("Encode did not append: % x", wire)
	}
	if !bytes.Equal(wire[len(prefix):], []byte{'X', 0, 0, 0, 4}) {
		t.Errorf("appended % x", wire[len(prefix):])
	}
}
