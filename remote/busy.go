package remote

import (
	"fmt"

	"github.com/golang/glog"
)

// Counts user requests in flight and drives the busy indicator of the ui.
// Must only be used from the session loop.
type busyTracker struct {
	session *Session

	requestsPendingCounter int

	busy                bool
	cancelBusyIndicator func()
	busyIndicatorShown  bool
	cancelling          bool

	// event types received since the first `listen`, nil when nobody listens
	listenEventTypes []EventType
	listeners        []func(eventTypes []EventType)
}

func newBusyTracker(session *Session) *busyTracker {
	return &busyTracker{
		session: session,
	}
}

func (self *busyTracker) RequestsPending() bool {
	return 0 < self.requestsPendingCounter
}

func (self *busyTracker) PendingCount() int {
	return self.requestsPendingCounter
}

func (self *busyTracker) setRequestPending(pending bool) {
	if pending {
		self.requestsPendingCounter += 1
	} else {
		if self.requestsPendingCounter == 0 {
			panic(fmt.Errorf("Pending request counter underflow"))
		}
		self.requestsPendingCounter -= 1
	}
	requestsPending.Set(float64(self.requestsPendingCounter))
	if glog.V(1) {
		glog.Infof("[s]requests pending %d\n", self.requestsPendingCounter)
	}
}

// the indicator shows after `BusyIndicatorDelay`, so fast round trips do not flicker
func (self *busyTracker) SetBusy(busy bool) {
	if busy {
		if !self.busy {
			self.renderBusy()
		}
		self.busy = true
	} else {
		if self.busy {
			self.removeBusy()
		}
		self.busy = false
	}
}

func (self *busyTracker) renderBusy() {
	if self.cancelBusyIndicator != nil {
		return
	}
	self.cancelBusyIndicator = self.session.loop.After(self.session.settings.BusyIndicatorDelay, func() {
		self.cancelBusyIndicator = nil
		if self.busyIndicatorShown || !self.session.ready {
			return
		}
		self.busyIndicatorShown = true
		self.cancelling = false
		self.session.ui.ShowBusyIndicator()
	})
}

func (self *busyTracker) removeBusy() {
	if self.cancelBusyIndicator != nil {
		self.cancelBusyIndicator()
		self.cancelBusyIndicator = nil
	}
	if self.busyIndicatorShown {
		self.busyIndicatorShown = false
		self.cancelling = false
		self.session.ui.HideBusyIndicator()
	}
}

func (self *busyTracker) BusyIndicatorShown() bool {
	return self.busyIndicatorShown
}

// Asks the server to cancel the running processing. Advisory only: the response
// of the request in flight is still applied.
func (self *busyTracker) CancelProcessing() {
	if !self.busyIndicatorShown || self.cancelling {
		return
	}
	self.cancelling = true

	self.session.loop.After(self.session.settings.CancellingDelay, func() {
		if self.busyIndicatorShown && self.cancelling {
			self.session.ui.SetBusyIndicatorCancelling()
		}
	})

	request := self.session.scheduler.newRequest(RequestKindCancel)
	request.ShowBusyIndicator = false
	self.session.scheduler.sendRequest(request)
}

// `callback` receives the event types of all responses received since the first listen,
// once no user request is pending
func (self *busyTracker) listen(callback func(eventTypes []EventType)) {
	if self.listenEventTypes == nil {
		self.listenEventTypes = []EventType{}
	}
	self.listeners = append(self.listeners, callback)
}

// runs `callback` now when idle, otherwise once pending requests and queued events are done
func (self *busyTracker) OnRequestsDone(callback func()) {
	if self.RequestsPending() || self.session.scheduler.EventsQueued() {
		self.listen(func(eventTypes []EventType) {
			callback()
		})
	} else {
		callback()
	}
}

func (self *busyTracker) fireRequestFinished(response *Response) {
	self.session.fireSessionEvent(&SessionEvent{
		Type:     SessionEventTypeRequestFinished,
		Response: response,
	})

	if self.listenEventTypes == nil {
		return
	}
	for _, event := range response.Events {
		self.listenEventTypes = append(self.listenEventTypes, event.Type)
	}
	if self.requestsPendingCounter == 0 {
		eventTypes := self.listenEventTypes
		listeners := self.listeners
		self.listenEventTypes = nil
		self.listeners = nil
		for _, listener := range listeners {
			HandleError(func() {
				listener(eventTypes)
			})
		}
	}
}
