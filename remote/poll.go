package remote

import (
	"errors"

	"github.com/golang/glog"
)

// poll status is:
// PollStatusStopped
//   -> PollStatusRunning
//     -> PollStatusFailed
//       -> PollStatusRunning (after a successful user request)
//     -> PollStatusStopped (session terminated, terminal)
type PollStatus string

const (
	PollStatusStopped PollStatus = "Stopped"
	PollStatusRunning PollStatus = "Running"
	PollStatusFailed  PollStatus = "Failed"
	// polling is turned off by settings
	PollStatusDisabled PollStatus = "Disabled"
)

// Keeps one long poll open so the server can push events without a user request.
// Must only be used from the session loop.
type backgroundPoller struct {
	session *Session

	status PollStatus
	// set when the server terminated the session
	terminated bool
}

func newBackgroundPoller(session *Session, enabled bool) *backgroundPoller {
	status := PollStatusStopped
	if !enabled {
		status = PollStatusDisabled
	}
	return &backgroundPoller{
		session: session,
		status:  status,
	}
}

func (self *backgroundPoller) Status() PollStatus {
	return self.status
}

func (self *backgroundPoller) setStatus(status PollStatus) {
	if self.status != status {
		glog.Infof("[p]%s -> %s\n", self.status, status)
	}
	self.status = status
}

// Starts polling when not started yet or after a failure.
// A failed poller only resumes through a successful user request, so a degraded
// server is not polled to death.
func (self *backgroundPoller) resume() {
	switch self.status {
	case PollStatusDisabled, PollStatusRunning:
		return
	}
	if self.terminated || self.session.offline || self.session.closed {
		return
	}
	self.poll()
}

func (self *backgroundPoller) poll() {
	self.setStatus(PollStatusRunning)

	request := self.session.scheduler.newRequest(RequestKindPoll)
	self.session.responseQueue.PrepareRequest(request)
	request.transition(RequestStateSending)

	self.session.calls.Call(request, func(response *Response, err error) {
		self.onPollComplete(request, response, err)
	})
}

func (self *backgroundPoller) onPollComplete(request *Request, response *Response, err error) {
	if err != nil {
		request.transition(RequestStateFailed)
		if self.status == PollStatusRunning {
			self.setStatus(PollStatusFailed)
		}
		if !errors.Is(err, ErrAborted) {
			glog.Infof("[p]poll error = %s\n", err)
		}
		self.session.handleRequestError(request, err)
		return
	}

	if response.Error != nil {
		glog.Infof("[p]poll response error %d. Polling is interrupted until the next user request succeeds.\n", response.Error.Code)
		request.transition(RequestStateFailed)
		self.setStatus(PollStatusFailed)
		self.admit(response)
		return
	}

	if response.SessionTerminated {
		glog.Infof("[p]session terminated, polling stopped\n")
		request.transition(RequestStateSucceeded)
		self.terminated = true
		self.setStatus(PollStatusStopped)
		if !self.session.loggedOut {
			self.session.logout(response.RedirectUrl)
		}
		return
	}

	request.transition(RequestStateSucceeded)
	if err := self.admit(response); err != nil {
		self.setStatus(PollStatusFailed)
		return
	}
	self.session.loop.Post(func() {
		if self.status == PollStatusRunning && !self.session.offline && !self.session.closed {
			self.poll()
		}
	})
}

// while a user request is pending the response is only buffered,
// so it cannot overtake the response of the pending request
func (self *backgroundPoller) admit(response *Response) error {
	if self.session.busy.RequestsPending() {
		self.session.responseQueue.Add(response)
		return nil
	}
	err := self.session.responseQueue.Process(response)
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		self.session.handleError(err)
		return err
	}
	return nil
}

// no poll is rescheduled. A poll in flight completes as aborted.
func (self *backgroundPoller) stop() {
	if self.status != PollStatusDisabled {
		self.setStatus(PollStatusStopped)
	}
}
