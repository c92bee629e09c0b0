package pgwire

import (
	"encoding/binary"
	"sort"
)

// Encoding appends to a caller-supplied buffer so a write path can reuse one
// allocation across messages. Tagged messages reserve a length placeholder
// with beginMessage and patch it in finishMessage; the length covers itself
// but not the tag byte.

func (m *StartupMessage) Encode(dst []byte) []byte {
	lenOff := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = appendInt32(dst, ProtocolVersion)

	// Sorted for a deterministic wire form; the backend does not care.
	keys := make([]string, 0, len(m.Parameters))
	for k := range m.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst = appendCString(dst, k)
		dst = appendCString(dst, m.Parameters[k])
	}
	dst = append(dst, 0)
	return finishMessage(dst, lenOff)
}

func (m *PasswordMessage) Encode(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, TagPasswordMessage)
	dst = appendCString(dst, m.Password)
	return finishMessage(dst, lenOff)
}

func (m *Query) Encode(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, TagQuery)
	dst = appendCString(dst, m.Text)
	return finishMessage(dst, lenOff)
}

func (m *Terminate) Encode(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, TagTerminate)
	return finishMessage(dst, lenOff)
}

func (m *CancelRequest) Encode(dst []byte) []byte {
	dst = appendInt32(dst, 16)
	dst = appendInt32(dst, CancelRequestCode)
	dst = binary.BigEndian.AppendUint32(dst, m.ProcessID)
	return binary.BigEndian.AppendUint32(dst, m.SecretKey)
}

// beginMessage appends the tag and a length placeholder, returning the
// offset of the placeholder for finishMessage.
func beginMessage(dst []byte, tag byte) ([]byte, int) {
	dst = append(dst, tag)
	lenOff := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	return dst, lenOff
}

// finishMessage patches the length placeholder. The length covers everything
// from the placeholder to the end of the message, which is the protocol's
// rule for both tagged and untagged (startup) messages.
func finishMessage(dst []byte, lenOff int) []byte {
	binary.BigEndian.PutUint32(dst[lenOff:], uint32(len(dst)-lenOff))
	return dst
}

func appendInt32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}
