package crypto

import (
	"errors"
	"fmt"
)

// Integrity failures are terminal for the affected message or request and
// are never retried; transport failures are retryable.
var (
	ErrUnknownSession       = errors.New("no inbound group session for id")
	ErrReplayDetected       = errors.New("duplicate message index on timeline")
	ErrRoomIDMismatch       = errors.New("session bound to a different room")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrSessionIDMismatch    = errors.New("session id does not match key")
	ErrNotEncrypted         = errors.New("room is not encrypted")
	ErrNotStarted           = errors.New("crypto engine not started")

	ErrWrongPassword = errors.New("incorrect passphrase")
	ErrCorruptExport = errors.New("corrupt key export")
)

// TransportError wraps a home-server round-trip failure. Retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. Fatal to the operation, not to
// the process.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func storeErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
