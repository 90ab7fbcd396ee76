package remote

import (
	"errors"
	"fmt"
)

var ErrAborted = errors.New("Aborted")
var ErrSessionClosed = errors.New("Session closed")

// returned by a `ModelActionHandler` for action types it does not handle
var ErrUnsupportedAction = errors.New("Unsupported action")

type TransportErrorKind string

const (
	// connectivity is lost. The request can be retried once the connection returns.
	TransportErrorOffline TransportErrorKind = "offline"
	// the server answered but the exchange cannot succeed by retrying
	TransportErrorTerminal TransportErrorKind = "terminal"
)

type TransportError struct {
	Kind TransportErrorKind
	// http status, 0 when no response was received
	Status int
	Err    error
}

func NewOfflineError(err error) *TransportError {
	return &TransportError{
		Kind: TransportErrorOffline,
		Err:  err,
	}
}

func NewTerminalError(status int, err error) *TransportError {
	return &TransportError{
		Kind:   TransportErrorTerminal,
		Status: status,
		Err:    err,
	}
}

func (self *TransportError) Error() string {
	if self.Status != 0 {
		return fmt.Sprintf("transport %s (%d): %s", self.Kind, self.Status, self.Err)
	}
	return fmt.Sprintf("transport %s: %s", self.Kind, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

func (self *TransportError) Offline() bool {
	return self.Kind == TransportErrorOffline
}

func IsOfflineError(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Offline()
	}
	return false
}

// Corresponds to the error codes of the server json response
type ApplicationErrorCode int

const (
	ApplicationErrorStartupFailed   ApplicationErrorCode = 5
	ApplicationErrorSessionTimeout  ApplicationErrorCode = 10
	ApplicationErrorUiProcessing    ApplicationErrorCode = 20
	ApplicationErrorUnsafeUpload    ApplicationErrorCode = 30
	ApplicationErrorVersionMismatch ApplicationErrorCode = 40
)

type RecoveryAction string

const (
	RecoveryActionReload      RecoveryAction = "reload"
	RecoveryActionRetry       RecoveryAction = "retry"
	RecoveryActionAcknowledge RecoveryAction = "acknowledge"
)

func (self ApplicationErrorCode) RecoveryAction() RecoveryAction {
	switch self {
	case ApplicationErrorStartupFailed:
		return RecoveryActionRetry
	case ApplicationErrorUnsafeUpload:
		return RecoveryActionAcknowledge
	default:
		return RecoveryActionReload
	}
}

type ApplicationError struct {
	Code    ApplicationErrorCode
	Message string
}

func (self *ApplicationError) Error() string {
	return fmt.Sprintf("application error %d: %s", self.Code, self.Message)
}

type ProtocolErrorKind string

const (
	ProtocolErrorUnresolvedTarget  ProtocolErrorKind = "unresolvedTarget"
	ProtocolErrorSequenceGap       ProtocolErrorKind = "sequenceGap"
	ProtocolErrorInconsistentModel ProtocolErrorKind = "inconsistentModel"
	ProtocolErrorUnknownEventType  ProtocolErrorKind = "unknownEventType"
)

// a locally detected violation of the synchronization contract.
// These are never recovered locally.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Message string
	// adapter ids involved, sorted
	AdapterIds []AdapterId
}

func (self *ProtocolError) Error() string {
	if 0 < len(self.AdapterIds) {
		return fmt.Sprintf("protocol error %s: %s [%s]", self.Kind, self.Message, joinQuoted(self.AdapterIds))
	}
	return fmt.Sprintf("protocol error %s: %s", self.Kind, self.Message)
}

func newUnknownEventTypeError(target AdapterId, eventType EventType) *ProtocolError {
	return &ProtocolError{
		Kind:       ProtocolErrorUnknownEventType,
		Message:    fmt.Sprintf("event type %q is not supported", eventType),
		AdapterIds: []AdapterId{target},
	}
}

// adapters return this when a response contradicts the local model,
// e.g. a row count that does not match the rows the adapter holds
func NewInconsistentModelError(target AdapterId, format string, a ...any) *ProtocolError {
	return &ProtocolError{
		Kind:       ProtocolErrorInconsistentModel,
		Message:    fmt.Sprintf(format, a...),
		AdapterIds: []AdapterId{target},
	}
}
