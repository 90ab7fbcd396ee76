package remote

import (
	"context"
	"errors"
	"net/http"
)

// Sends one request and returns the server response.
// Implementations must return a `*TransportError` for failed exchanges
// and `ErrAborted` when `ctx` was cancelled.
// A response carrying an application `error` is not a transport error.
type Transport interface {
	Send(ctx context.Context, request *Request) (*Response, error)
}

// transports that can deliver a request when the caller is going away
type BeaconTransport interface {
	SendBeacon(request *Request) error
}

// maps a status of a received http response to a transport error.
// Gateway statuses mean the server is unreachable and are treated as offline.
func classifyStatus(status int, err error) *TransportError {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		transportErr := NewOfflineError(err)
		transportErr.Status = status
		return transportErr
	default:
		return NewTerminalError(status, err)
	}
}

// maps an error where no response was received
func classifyCallError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrAborted
	}
	// timeouts and dial errors alike mean the server cannot be reached
	return NewOfflineError(err)
}
