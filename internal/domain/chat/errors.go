package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("chat: not found")
	ErrRoomClosed      = errors.New("chat: room closed")
	ErrAlreadyOpen     = errors.New("chat: customer already has an open room")
	ErrEmptyBody       = errors.New("chat: message body is empty")
	ErrBodyTooLong     = errors.New("chat: message body too long")
	ErrInvalidArgument = errors.New("chat: invalid argument")
	ErrForbidden       = errors.New("chat: forbidden")
	ErrTransient       = errors.New("chat: transient failure")
)

// AlreadyOpenError is returned by room creation when the customer already
// owns an open room. Room holds that room so callers can redirect to it.
type AlreadyOpenError struct {
	Room Room
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("chat: customer %s already has open room %s", e.Room.CustomerID, e.Room.ID)
}

func (e *AlreadyOpenError) Is(target error) bool {
	return target == ErrAlreadyOpen
}

// Scope tells which collaborator a transient failure came from.
type Scope string

const (
	ScopeStore     Scope = "store"
	ScopeTransport Scope = "transport"
)

// TransientError marks a failure that is safe to retry.
type TransientError struct {
	Scope Scope
	Op    string
	Err   error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat: transient %s failure in %s", e.Scope, e.Op)
	}
	return fmt.Sprintf("chat: transient %s failure in %s: %v", e.Scope, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// StoreUnavailable wraps err as a retryable store failure.
func StoreUnavailable(op string, err error) error {
	return &TransientError{Scope: ScopeStore, Op: op, Err: err}
}

// TransportUnavailable wraps err as a retryable notification failure.
func TransportUnavailable(op string, err error) error {
	return &TransientError{Scope: ScopeTransport, Op: op, Err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
