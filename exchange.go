package pqlink

import (
	"sync"

	"pqlink/pgwire"
)

// Exchange is one request/response round trip over a connection. Response
// messages arrive on Messages in backend order; the channel is closed when
// the backend's ready-for-query marker is observed or the exchange fails.
// The channel is unbuffered, so a slow consumer pauses socket reads instead
// of growing an internal queue.
type Exchange struct {
	messages chan pgwire.BackendMessage

	// done is closed together with messages; the write path watches it so
	// it can stop when the backend terminates the exchange early.
	done chan struct{}

	// abandoned is closed when the caller cancels its context. Forwarding
	// stops but the read loop keeps draining the wire so the next exchange
	// starts with clean framing.
	abandoned   chan struct{}
	abandonOnce sync.Once

	err error
}

func newExchange() *Exchange {
	return &Exchange{
		messages:  make(chan pgwire.BackendMessage),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// Messages returns the response stream. Consume it until it is closed, then
// check Err.
func (x *Exchange) Messages() <-chan pgwire.BackendMessage {
	return x.messages
}

// Err reports why the exchange ended. It is nil after normal completion and
// must only be consulted once Messages has been closed.
func (x *Exchange) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// finish ends the exchange. Called exactly once, by the read loop or the
// connection's shutdown path.
func (x *Exchange) finish(err error) {
	x.err = err
	close(x.messages)
	close(x.done)
}

func (x *Exchange) abandon() {
	x.abandonOnce.Do(func() { close(x.abandoned) })
}
