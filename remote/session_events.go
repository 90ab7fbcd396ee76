package remote

type SessionEventType string

const (
	SessionEventTypeLocaleSwitch    SessionEventType = "localeSwitch"
	SessionEventTypeLogout          SessionEventType = "logout"
	SessionEventTypeRequestFinished SessionEventType = "requestFinished"
	SessionEventTypeOffline         SessionEventType = "offline"
	SessionEventTypeOnline          SessionEventType = "online"
)

type SessionEvent struct {
	Type SessionEventType

	// localeSwitch
	Locale string
	// logout
	RedirectUrl string
	// requestFinished
	Response *Response
}

// callbacks run on the session loop and must not block
type SessionEventFunction func(event *SessionEvent)

// returns a function that removes the callback
func (self *Session) AddSessionEventCallback(callback SessionEventFunction) func() {
	callbackId := self.sessionEventCallbacks.Add(callback)
	return func() {
		self.sessionEventCallbacks.Remove(callbackId)
	}
}

func (self *Session) fireSessionEvent(event *SessionEvent) {
	for _, callback := range self.sessionEventCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}
