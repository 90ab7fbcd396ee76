package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type CallSettings struct {
	// in place retries of offline errors, before the failure is reported
	RetryIntervals []time.Duration
	CancelTimeout  time.Duration
	PingTimeout    time.Duration
	// 0 means unbounded. Server processing may legitimately take long.
	RequestTimeout time.Duration
	// replaced by polling interval + `PollTimeoutPadding` after startup
	PollTimeout        time.Duration
	PollTimeoutPadding time.Duration
}

func DefaultCallSettings() *CallSettings {
	return &CallSettings{
		RetryIntervals: []time.Duration{
			100 * time.Millisecond,
			500 * time.Millisecond,
			500 * time.Millisecond,
			500 * time.Millisecond,
		},
		CancelTimeout:      5 * time.Second,
		PingTimeout:        5 * time.Second,
		RequestTimeout:     0,
		PollTimeout:        75 * time.Second,
		PollTimeoutPadding: 15 * time.Second,
	}
}

// startup, log and ping report the first failure. Ping is retried by the reconnector.
func retriesKind(kind RequestKind) bool {
	switch kind {
	case RequestKindStartup, RequestKindLog, RequestKindPing:
		return false
	default:
		return true
	}
}

type call struct {
	request *Request
	cancel  context.CancelFunc
	aborted bool
}

// Runs transport calls off the loop and posts their completion back to the loop.
// Every call is registered until it completes so that all calls can be aborted.
type callManager struct {
	ctx       context.Context
	transport Transport
	post      func(func()) bool
	settings  *CallSettings

	// written and read on the loop only
	pollTimeout time.Duration
	calls       map[*call]bool
}

func newCallManager(
	ctx context.Context,
	transport Transport,
	post func(func()) bool,
	settings *CallSettings,
) *callManager {
	return &callManager{
		ctx:         ctx,
		transport:   transport,
		post:        post,
		settings:    settings,
		pollTimeout: settings.PollTimeout,
		calls:       map[*call]bool{},
	}
}

func (self *callManager) setPollingInterval(pollingInterval time.Duration) {
	self.pollTimeout = pollingInterval + self.settings.PollTimeoutPadding
}

// per attempt. Must be called on the loop.
func (self *callManager) timeout(kind RequestKind) time.Duration {
	switch kind {
	case RequestKindCancel:
		return self.settings.CancelTimeout
	case RequestKindPing:
		return self.settings.PingTimeout
	case RequestKindPoll:
		return self.pollTimeout
	default:
		return self.settings.RequestTimeout
	}
}

// Must be called on the loop. `complete` runs on the loop, with `ErrAborted`
// when the call was aborted, regardless of the transport outcome.
func (self *callManager) Call(request *Request, complete func(response *Response, err error)) {
	ctx, cancel := context.WithCancel(self.ctx)
	c := &call{
		request: request,
		cancel:  cancel,
	}
	self.calls[c] = true
	requestSentCount.WithLabelValues(string(request.Kind)).Inc()

	// the loop keeps writing the request state
	snapshot := *request
	timeout := self.timeout(request.Kind)
	retryIntervals := []time.Duration{}
	if retriesKind(request.Kind) {
		retryIntervals = self.settings.RetryIntervals
	}

	go func() {
		defer cancel()

		start := time.Now()
		var response *Response
		var err error
		if glog.V(2) {
			response, err = TraceWithReturnError(fmt.Sprintf("[c]%s", request), func() (*Response, error) {
				return self.send(ctx, &snapshot, timeout, retryIntervals)
			})
		} else {
			response, err = self.send(ctx, &snapshot, timeout, retryIntervals)
		}
		requestDuration.WithLabelValues(string(request.Kind)).Observe(time.Since(start).Seconds())

		self.post(func() {
			delete(self.calls, c)
			if c.aborted {
				response = nil
				err = ErrAborted
			}
			if err != nil {
				requestErrorCount.WithLabelValues(string(request.Kind), errorClass(err)).Inc()
			}
			complete(response, err)
		})
	}()
}

// runs off the loop. Each attempt sends a copy with a new call id.
func (self *callManager) send(
	ctx context.Context,
	request *Request,
	timeout time.Duration,
	retryIntervals []time.Duration,
) (*Response, error) {

	for i := 0; ; i += 1 {
		attempt := *request
		attempt.CallId = NewId()

		response, err := func() (*Response, error) {
			attemptCtx := ctx
			if 0 < timeout {
				var attemptCancel context.CancelFunc
				attemptCtx, attemptCancel = context.WithTimeout(ctx, timeout)
				defer attemptCancel()
			}
			return self.transport.Send(attemptCtx, &attempt)
		}()
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		if !IsOfflineError(err) || len(retryIntervals) <= i {
			return nil, err
		}

		glog.Infof("[c]%s retry %d in %s = %s\n", request, i+1, retryIntervals[i], err)
		select {
		case <-ctx.Done():
			return nil, ErrAborted
		case <-time.After(retryIntervals[i]):
		}
	}
}

// Must be called on the loop. Completions of aborted calls report `ErrAborted`.
func (self *callManager) AbortAll() {
	for c := range self.calls {
		c.aborted = true
		c.cancel()
	}
	if 0 < len(self.calls) {
		glog.Infof("[c]aborted %d calls\n", len(self.calls))
	}
}

func (self *callManager) Len() int {
	return len(self.calls)
}

func errorClass(err error) string {
	var transportErr *TransportError
	switch {
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.As(err, &transportErr):
		return string(transportErr.Kind)
	default:
		return "other"
	}
}
