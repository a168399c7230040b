// Package router is the user keyed realtime message router.
//
// The Registry indexes live client connections by recipient identifier, the
// Deliverer pushes serialized payloads to the open connections of a recipient
// (or to every connection for a broadcast), the EventAdapter bridges raw
// inbound pub/sub events into the Deliverer, and the LifecycleHandler is the
// only component which adds or removes Registry entries.
package router

import (
	"errors"
	"net/url"
)

// RecipientIDParam is the handshake parameter carrying the recipient identifier
const RecipientIDParam = "user_id"

// RecipientIDField is the top level inbound event field carrying the recipient identifier
const RecipientIDField = "user_id"

// Close codes used when the router terminates a connection
const (
	// CloseNormal normal closure
	CloseNormal = 1000
	// CloseGoingAway server is shutting down
	CloseGoingAway = 1001
	// ClosePolicyViolation connection refused, e.g. no recipient identifier
	ClosePolicyViolation = 1008
)

// MissingRecipientReason is the close reason sent when a handshake has no recipient identifier
const MissingRecipientReason = "Missing user_id parameter"

var (
	// ErrMissingRecipient the handshake or event did not carry a recipient identifier
	ErrMissingRecipient = errors.New("missing recipient identifier")
	// ErrConnectionClosed the connection is no longer open
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull the connection's outbound buffer is full and the payload was dropped
	ErrSendBufferFull = errors.New("connection send buffer full")
)

// ConnectionState transport level state of a connection
type ConnectionState int

const (
	// StateConnecting transport handshake is in progress
	StateConnecting ConnectionState = iota
	// StateOpen connection is able to carry messages
	StateOpen
	// StateClosed terminal
	StateClosed
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a handle to one bidirectional, message framed client session.
// The transport layer owns the session; the router only indexes the handle.
type Connection interface {
	// ID unique identifier of this connection
	ID() string
	// State current transport state
	State() ConnectionState
	// Send queue a serialized payload for transmission. Does not wait for the
	// payload to reach the client.
	Send(payload []byte) error
	// Close terminate the session with a close code and reason
	Close(code int, reason string) error
}

// Handshake describes the connection establishment request
type Handshake struct {
	// Params are the connection parameters, e.g. URL query
	Params url.Values
	// RemoteAddr is the client address
	RemoteAddr string
}

// RecipientID read the recipient identifier from the handshake
func (h Handshake) RecipientID() (string, error) {
	if h.Params == nil {
		return "", ErrMissingRecipient
	}
	recipient := h.Params.Get(RecipientIDParam)
	if recipient == "" {
		return "", ErrMissingRecipient
	}
	return recipient, nil
}
