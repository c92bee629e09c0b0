package pqlink

import "errors"

// Error conditions with contract-stable message text. Callers may match with
// errors.Is; the text itself is also part of the observable behavior (it
// shows up verbatim in failed exchanges).
var (
	// ErrClosed is returned by Exchange after Close, and injected into an
	// in-flight exchange when the connection shuts down under it. The
	// lowercase first word is intentional, per Go error-string convention;
	// match with errors.Is rather than on exact casing.
	ErrClosed = errors.New("cannot exchange messages because the connection is closed")

	// ErrExchangeInProgress rejects an overlapping exchange. Interleaving
	// two request streams on one wire would corrupt framing, so overlap is
	// refused rather than queued.
	ErrExchangeInProgress = errors.New("an exchange is already in progress")

	// ErrNotReady rejects an exchange before the handshake has completed.
	ErrNotReady = errors.New("connection is not ready to exchange messages")

	// ErrNilRequests rejects a nil request channel before any I/O happens.
	ErrNilRequests = errors.New("requests must not be nil")
)
