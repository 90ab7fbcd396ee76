package remote

import (
	"errors"
	"time"

	"github.com/golang/glog"
)

// removes the previous events that `event` supersedes
func coalesceEvents(previousEvents []*RemoteEvent, event *RemoteEvent) []*RemoteEvent {
	if event.Coalesce == nil {
		return previousEvents
	}
	events := make([]*RemoteEvent, 0, len(previousEvents))
	for _, previous := range previousEvents {
		if previous.Target == event.Target && event.Coalesce(previous) {
			eventCoalescedCount.Inc()
			continue
		}
		events = append(events, previous)
	}
	return events
}

// appends `events` in order, each removing the previous events it supersedes
func mergeEvents(previousEvents []*RemoteEvent, events []*RemoteEvent) []*RemoteEvent {
	merged := previousEvents
	for _, event := range events {
		merged = coalesceEvents(merged, event)
	}
	return append(merged, events...)
}

func showsBusyIndicator(events []*RemoteEvent) bool {
	for _, event := range events {
		if event.showsBusyIndicator() {
			return true
		}
	}
	return false
}

// Collects outgoing events and sends them in one request when no user request
// is in flight. Must only be used from the session loop.
type requestScheduler struct {
	session *Session

	asyncEvents []*RemoteEvent
	// the minimal delay of the events waiting for the send timer
	asyncDelay      time.Duration
	cancelSendTimer func()
	// the send timer fired while a request was pending. The completion sends.
	flushDue bool

	requestSequenceNumber int64

	// the request that failed when the session went offline
	retryRequest *Request
	// the events sent while offline, merged into one request
	queuedRequest *Request
}

func newRequestScheduler(session *Session) *requestScheduler {
	return &requestScheduler{
		session:     session,
		asyncEvents: []*RemoteEvent{},
	}
}

// Queues the event and (re)arms the send timer with the minimal delay of all queued events.
// A long delay never holds back an event with a short delay.
func (self *requestScheduler) SendEvent(event *RemoteEvent, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	self.asyncEvents = coalesceEvents(self.asyncEvents, event)
	self.asyncEvents = append(self.asyncEvents, event)
	if self.flushDue && self.session.busy.RequestsPending() {
		// already due, sent with the completion of the pending request
		return
	}
	if self.cancelSendTimer == nil || delay < self.asyncDelay {
		self.asyncDelay = delay
	}

	if self.cancelSendTimer != nil {
		self.cancelSendTimer()
	}
	self.cancelSendTimer = self.session.loop.After(self.asyncDelay, func() {
		self.cancelSendTimer = nil
		self.asyncDelay = 0
		if self.session.busy.RequestsPending() {
			// the completion of the pending request sends the events
			self.flushDue = true
			return
		}
		self.sendNow()
	})
}

func (self *requestScheduler) EventsQueued() bool {
	return 0 < len(self.asyncEvents)
}

func (self *requestScheduler) BusyIndicatedEventsQueued() bool {
	return showsBusyIndicator(self.asyncEvents)
}

func (self *requestScheduler) QueuedEvents() []*RemoteEvent {
	return self.asyncEvents
}

func (self *requestScheduler) newRequest(kind RequestKind) *Request {
	request := &Request{
		UiSessionId: self.session.uiSessionId,
		Kind:        kind,
		State:       RequestStateCreated,
	}
	if kind.sequenced() {
		sequenceNumber := self.requestSequenceNumber
		self.requestSequenceNumber += 1
		request.SequenceNumber = &sequenceNumber
	}
	return request
}

// no request when there are no events
func (self *requestScheduler) sendNow() {
	self.flushDue = false
	if len(self.asyncEvents) == 0 {
		return
	}
	if self.cancelSendTimer != nil {
		self.cancelSendTimer()
		self.cancelSendTimer = nil
	}
	request := self.newRequest(RequestKindNormal)
	request.Events = self.asyncEvents
	request.ShowBusyIndicator = showsBusyIndicator(request.Events)
	self.asyncEvents = []*RemoteEvent{}

	self.session.responseQueue.PrepareRequest(request)
	self.sendRequest(request)
}

func (self *requestScheduler) sendRequest(request *Request) {
	if self.session.offline {
		self.handleSendWhenOffline(request)
		return
	}
	self.performUserRequest(request)
}

// Requests without events are dropped. All others are merged into the queued request.
func (self *requestScheduler) handleSendWhenOffline(request *Request) {
	if !request.HasEvents() {
		if glog.V(1) {
			glog.Infof("[s]offline drop %s\n", request)
		}
		return
	}

	if self.queuedRequest != nil {
		self.queuedRequest.Events = mergeEvents(self.queuedRequest.Events, request.Events)
		self.queuedRequest.ShowBusyIndicator = self.queuedRequest.ShowBusyIndicator || request.ShowBusyIndicator
		self.queuedRequest.transition(RequestStateQueued)
	} else {
		request.transition(RequestStateQueued)
		self.queuedRequest = request
	}
	if glog.V(1) {
		glog.Infof("[s]offline queued %d events\n", len(self.queuedRequest.Events))
	}
}

func (self *requestScheduler) performUserRequest(request *Request) {
	busyHandling := request.ShowBusyIndicator
	if busyHandling {
		self.session.busy.SetBusy(true)
	}
	self.session.busy.setRequestPending(true)

	request.transition(RequestStateSending)
	if glog.V(1) {
		glog.Infof("[s]send %s (%d events)\n", request, len(request.Events))
	}
	self.session.calls.Call(request, func(response *Response, err error) {
		self.onUserRequestComplete(request, busyHandling, response, err)
	})
}

func (self *requestScheduler) onUserRequestComplete(
	request *Request,
	busyHandling bool,
	response *Response,
	err error,
) {
	success := false
	if err == nil {
		// hide the indicator before applying, unless a busy event is about to be sent
		if busyHandling && !self.BusyIndicatedEventsQueued() {
			self.session.busy.SetBusy(false)
		}
		processErr := self.session.responseQueue.Process(response)
		if processErr == nil {
			success = true
			request.transition(RequestStateSucceeded)
		} else {
			request.transition(RequestStateFailed)
			var protocolErr *ProtocolError
			if errors.As(processErr, &protocolErr) {
				self.session.handleError(processErr)
			}
			// application errors are already shown when the response was applied
		}
	} else {
		if busyHandling {
			self.session.busy.SetBusy(false)
		}
		request.transition(RequestStateFailed)
		self.session.handleRequestError(request, err)
	}

	self.session.busy.setRequestPending(false)
	if !self.session.busy.RequestsPending() {
		if err := self.session.responseQueue.Drain(); err != nil {
			self.session.handleError(err)
		}
	}

	if !success {
		return
	}

	self.session.poller.resume()
	self.session.busy.fireRequestFinished(response)

	if self.session.busy.RequestsPending() {
		// the last completion sends the follow up
		return
	}
	if retryRequest := self.retryRequest; retryRequest != nil {
		self.retryRequest = nil
		self.session.responseQueue.PrepareRequest(retryRequest)
		self.sendRequest(retryRequest)
		return
	}
	if queuedRequest := self.queuedRequest; queuedRequest != nil {
		self.queuedRequest = nil
		self.session.responseQueue.PrepareRequest(queuedRequest)
		self.sendRequest(queuedRequest)
		return
	}
	// a delayed send stays delayed unless its timer already fired
	if self.flushDue || self.cancelSendTimer == nil {
		self.sendNow()
	}
}

// Keeps the events of a failed request for the resynchronization after reconnect.
// Must be called when the session is offline.
func (self *requestScheduler) retainForRetry(request *Request) {
	if !request.HasEvents() {
		return
	}
	request.transition(RequestStateRetrying)
	if self.retryRequest == nil {
		self.retryRequest = request
	} else {
		self.handleSendWhenOffline(request)
	}
}

// the single request that resynchronizes after reconnect: the events of the retry request
// followed by the queued events
// The retry request number lets the server skip the retried events when it
// already processed them and only the response was lost.
func (self *requestScheduler) newSyncRequest() *Request {
	request := self.newRequest(RequestKindSyncResponseQueue)

	events := []*RemoteEvent{}
	retried := map[*RemoteEvent]bool{}
	if retryRequest := self.retryRequest; retryRequest != nil {
		self.retryRequest = nil
		events = append(events, retryRequest.Events...)
		for _, event := range retryRequest.Events {
			retried[event] = true
		}
		request.RetrySequenceNumber = retryRequest.SequenceNumber
	}
	if self.queuedRequest != nil {
		events = mergeEvents(events, self.queuedRequest.Events)
		self.queuedRequest = nil
	}
	// the retried events that were not superseded stay a prefix
	for _, event := range events {
		if retried[event] {
			request.RetryEventCount += 1
		}
	}

	if 0 < len(events) {
		request.Events = events
	}
	request.ShowBusyIndicator = showsBusyIndicator(events)
	self.session.responseQueue.PrepareRequest(request)
	return request
}

func (self *requestScheduler) stop() {
	self.flushDue = false
	if self.cancelSendTimer != nil {
		self.cancelSendTimer()
		self.cancelSendTimer = nil
	}
}
