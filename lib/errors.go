package lib

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionReset   = errors.New("rdt: connection reset by peer")
	ErrConnectionAborted = errors.New("rdt: connection aborted")
	ErrProtocolViolation = errors.New("rdt: protocol violation")
	ErrConnectionClosed  = errors.New("rdt: connection closed")
	ErrNotEstablished    = errors.New("rdt: connection not established")
	ErrEndpointBusy      = errors.New("rdt: endpoint already hosts a connection")
	ErrEndpointClosed    = errors.New("rdt: endpoint closed")
	ErrChecksumMismatch  = errors.New("rdt: checksum mismatch")
	ErrMalformedSegment  = errors.New("rdt: malformed segment")
	ErrSegmentTooLarge   = errors.New("rdt: segment too large")
	ErrPortPoolEmpty     = errors.New("rdt: port pool is empty")
)

// TransportError reports a failure of the underlying datagram socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rdt: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IncompleteError is returned by Receive together with the bytes collected
// so far when the connection did not finish with a clean FIN exchange.
type IncompleteError struct {
	Received int
	Err      error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("rdt: receive incomplete after %d bytes: %v", e.Received, e.Err)
}

func (e *IncompleteError) Unwrap() error {
	return e.Err
}
