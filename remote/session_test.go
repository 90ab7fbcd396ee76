package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func eventResponse(sequenceNumber int64, events ...*ModelEvent) *Response {
	return &Response{
		SequenceNumber: int64Ptr(sequenceNumber),
		Events:         events,
	}
}

func (self *testSession) waitForFatal(t *testing.T, code string) {
	t.Helper()
	self.waitFor(t, func() bool {
		_, ok := self.fatal.onScreen[code]
		return ok
	})
}

func (self *testSession) startAsync() chan error {
	done := make(chan error, 1)
	go func() {
		done <- self.Start(context.Background())
	}()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("not done")
		return nil
	}
}

func TestSessionStartup(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	ts.storage.Set(clientSessionIdStorageKey, "client-0")
	ts.storage.Set(versionMismatchStorageKey, "yes")

	done := ts.startAsync()
	call := ts.transport.nextKind(t, RequestKindStartup)
	assert.Equal(t, call.request.StartupParams.ClientSessionId, "client-0")
	assert.Equal(t, *call.request.SequenceNumber, int64(0))
	assert.Equal(t, call.request.UiSessionId, "")
	call.respond(testStartupResponse(t))
	err := waitDone(t, done)
	assert.Equal(t, err, nil)

	status := ts.status(t)
	assert.Equal(t, status.Ready, true)
	assert.Equal(t, status.UiSessionId, "ui-1")
	assert.Equal(t, status.ClientSessionId, "client-1")
	assert.Equal(t, status.Locale, "en")
	assert.Equal(t, status.PollStatus, PollStatusDisabled)
	assert.Equal(t, status.ExpectedSequenceNumber, int64(1))
	// the root adapter and the desktop
	assert.Equal(t, status.Adapters, 2)
	assert.Equal(t, status.CachedAdapterData, 0)

	clientSessionId, _ := ts.storage.Get(clientSessionIdStorageKey)
	assert.Equal(t, clientSessionId, "client-1")
	_, ok := ts.storage.Get(versionMismatchStorageKey)
	assert.Equal(t, ok, false)

	desktop := ts.widgetFactory.widgets["3"]
	assert.Equal(t, desktop.rendered, true)
	assert.Equal(t, desktop.parent == Widget(ts.ui.root), true)
}

func TestSessionStartupForceNewClientSession(t *testing.T) {
	settings := testSessionSettings()
	settings.ForceNewClientSession = true
	ts := newTestSession(t, settings)
	ts.storage.Set(clientSessionIdStorageKey, "client-0")

	done := ts.startAsync()
	call := ts.transport.nextKind(t, RequestKindStartup)
	assert.Equal(t, call.request.StartupParams.ClientSessionId, "")
	assert.Equal(t, call.request.StartupParams.ForceNewClientSession, true)
	call.respond(testStartupResponse(t))
	assert.Equal(t, waitDone(t, done), nil)
}

func TestSessionNoRequestWithoutEvents(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.Post(func() {
		ts.scheduler.sendNow()
	})
	ts.transport.expectNoCall(t, 50*time.Millisecond)
}

func TestSessionCoalescesQueuedEvents(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.Post(func() {
		ts.scheduler.SendEvent(NewPropertyEvent("3", "value", "a"), 0)
		ts.scheduler.SendEvent(NewRemoteEvent("3", "click", nil), 0)
		ts.scheduler.SendEvent(NewPropertyEvent("3", "value", "b"), 0)
	})

	call := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, eventTargets(call.request.Events), []string{"3:click", "3:property"})
	assert.Equal(t, call.request.Events[1].Properties["value"], "b")
	assert.Equal(t, call.request.UiSessionId, "ui-1")
	assert.Equal(t, *call.request.SequenceNumber, int64(1))
	assert.Equal(t, *call.request.Ack, int64(0))
	assert.Equal(t, call.request.CallId.IsZero(), false)
	call.respond(&Response{})

	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending()
	})
	ts.transport.expectNoCall(t, 20*time.Millisecond)
}

func TestSessionShortDelaySendsLongDelayedEvents(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.Post(func() {
		ts.scheduler.SendEvent(NewRemoteEvent("3", "typing", nil), 1*time.Hour)
		ts.scheduler.SendEvent(NewRemoteEvent("3", "click", nil), 0)
	})

	call := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, eventTargets(call.request.Events), []string{"3:typing", "3:click"})
	call.respond(&Response{})
}

func TestSessionOneUserRequestInFlight(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	callA := ts.transport.nextKind(t, RequestKindNormal)

	ts.SendEvent(NewRemoteEvent("3", "b", nil), 0)
	ts.SendEvent(NewRemoteEvent("3", "c", nil), 0)
	ts.waitFor(t, func() bool {
		return len(ts.scheduler.QueuedEvents()) == 2 && ts.scheduler.cancelSendTimer == nil
	})
	ts.transport.expectNoCall(t, 20*time.Millisecond)
	assert.Equal(t, ts.status(t).RequestsPending, 1)

	callA.respond(eventResponse(1, newTestModelEvent(t, "3", "refresh", nil)))
	assert.Equal(t, ts.nextAction(t).Type, EventType("refresh"))

	// the completion sends what was queued meanwhile
	callB := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, eventTargets(callB.request.Events), []string{"3:b", "3:c"})
	assert.Equal(t, *callB.request.SequenceNumber, int64(2))
	assert.Equal(t, *callB.request.Ack, int64(1))
	callB.respond(&Response{})

	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending()
	})
	status := ts.status(t)
	assert.Equal(t, status.ExpectedSequenceNumber, int64(2))
	assert.Equal(t, status.QueuedEvents, 0)
}

func TestSessionDueEventNotHeldBackByDelayedEvent(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	callA := ts.transport.nextKind(t, RequestKindNormal)

	ts.SendEvent(NewRemoteEvent("3", "b", nil), 0)
	ts.waitFor(t, func() bool {
		return ts.scheduler.flushDue
	})
	ts.SendEvent(NewRemoteEvent("3", "typing", nil), 1*time.Hour)
	ts.waitFor(t, func() bool {
		return len(ts.scheduler.QueuedEvents()) == 2
	})
	ts.transport.expectNoCall(t, 20*time.Millisecond)

	// b is due, so the completion sends it together with the delayed event
	callA.respond(&Response{})
	callB := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, eventTargets(callB.request.Events), []string{"3:b", "3:typing"})
	callB.respond(&Response{})

	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending() && ts.scheduler.cancelSendTimer == nil && !ts.scheduler.flushDue
	})
	ts.transport.expectNoCall(t, 20*time.Millisecond)
}

func TestSessionOfflineResynchronizes(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.Post(func() {
		ts.scheduler.SendEvent(NewRemoteEvent("3", "a", nil), 0)
		ts.scheduler.SendEvent(NewPropertyEvent("3", "value", "x"), 0)
	})
	callA := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, *callA.request.SequenceNumber, int64(1))
	callA.fail(NewOfflineError(errors.New("down")))

	ping := ts.transport.nextKind(t, RequestKindPing)
	assert.Equal(t, ping.request.SequenceNumber, nil)
	status := ts.status(t)
	assert.Equal(t, status.Offline, true)
	assert.Equal(t, status.Reconnecting, true)
	assert.Equal(t, ts.ui.CallCount("offline"), 1)

	// events sent while offline are queued. The new value supersedes the failed one.
	ts.SendEvent(NewRemoteEvent("3", "b", nil), 0)
	ts.SendEvent(NewPropertyEvent("3", "value", "y"), 0)
	ts.waitFor(t, func() bool {
		return ts.scheduler.queuedRequest != nil && len(ts.scheduler.queuedRequest.Events) == 2
	})
	ts.transport.expectNoCall(t, 20*time.Millisecond)

	ping.respond(&Response{})

	// one request carries the failed events followed by the queued events
	sync := ts.transport.nextKind(t, RequestKindSyncResponseQueue)
	assert.Equal(t, eventTargets(sync.request.Events), []string{"3:a", "3:b", "3:property"})
	assert.Equal(t, sync.request.Events[2].Properties["value"], "y")
	assert.Equal(t, *sync.request.Ack, int64(0))
	// the server can tell the retried events apart
	assert.Equal(t, *sync.request.RetrySequenceNumber, int64(1))
	assert.Equal(t, sync.request.RetryEventCount, 1)

	combined := eventResponse(1, newTestModelEvent(t, "3", "synced", nil))
	combined.Combined = true
	sync.respond(combined)
	assert.Equal(t, ts.nextAction(t).Type, EventType("synced"))

	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending()
	})
	status = ts.status(t)
	assert.Equal(t, status.Offline, false)
	assert.Equal(t, status.Reconnecting, false)
	assert.Equal(t, status.ExpectedSequenceNumber, int64(2))
	assert.Equal(t, ts.ui.CallCount("online"), 1)
	assert.Equal(t, ts.ui.CallCount("reconnectingSucceeded"), 1)
	ts.transport.expectNoCall(t, 20*time.Millisecond)
}

func TestSessionReconnectExhausted(t *testing.T) {
	settings := testSessionSettings()
	settings.ReconnectSettings.MaxAttempts = 2
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).fail(NewOfflineError(errors.New("down")))

	ts.transport.nextKind(t, RequestKindPing).fail(NewOfflineError(errors.New("down")))
	ts.transport.nextKind(t, RequestKindPing).fail(NewOfflineError(errors.New("down")))

	ts.waitForFatal(t, "reconnect")
	ts.transport.expectNoCall(t, 50*time.Millisecond)
	assert.Equal(t, ts.ui.CallCount("reconnectingFailed"), 2)
	status := ts.status(t)
	assert.Equal(t, status.Offline, true)
	assert.Equal(t, status.Reconnecting, false)
}

func TestSessionInPlaceRetry(t *testing.T) {
	settings := testSessionSettings()
	settings.CallSettings.RetryIntervals = []time.Duration{1 * time.Millisecond}
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	first := ts.transport.nextKind(t, RequestKindNormal)
	first.fail(NewOfflineError(errors.New("blip")))

	second := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, *second.request.SequenceNumber, *first.request.SequenceNumber)
	assert.NotEqual(t, second.request.CallId, first.request.CallId)
	second.respond(&Response{})

	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending()
	})
	assert.Equal(t, ts.status(t).Offline, false)
}

func TestSessionPolling(t *testing.T) {
	settings := testSessionSettings()
	settings.BackgroundPollingEnabled = true
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	poll := ts.transport.nextKind(t, RequestKindPoll)
	assert.Equal(t, *poll.request.Ack, int64(0))
	poll.respond(eventResponse(1, newTestModelEvent(t, "3", "pushed", nil)))
	assert.Equal(t, ts.nextAction(t).Type, EventType("pushed"))

	poll = ts.transport.nextKind(t, RequestKindPoll)
	assert.Equal(t, *poll.request.Ack, int64(1))

	// an application error interrupts polling
	poll.respond(&Response{
		Error: &ResponseError{
			Code:    ApplicationErrorUiProcessing,
			Message: "boom",
		},
	})
	ts.waitForFatal(t, "20")
	assert.Equal(t, ts.status(t).PollStatus, PollStatusFailed)
	ts.transport.expectNoCall(t, 30*time.Millisecond)
	fatalMessages := ts.ui.FatalMessages()
	assert.Equal(t, fatalMessages[0].NoButtonText, "Ignore")

	// a successful user request resumes polling
	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(&Response{})
	poll = ts.transport.nextKind(t, RequestKindPoll)
	assert.Equal(t, ts.status(t).PollStatus, PollStatusRunning)

	poll.respond(&Response{
		SessionTerminated: true,
		RedirectUrl:       "/logout",
	})
	ts.waitFor(t, func() bool {
		return 0 < len(ts.ui.Reloads())
	})
	assert.Equal(t, ts.ui.Reloads(), []string{"/logout"})
	status := ts.status(t)
	assert.Equal(t, status.PollStatus, PollStatusStopped)
	assert.Equal(t, status.LoggedOut, true)
	ts.transport.expectNoCall(t, 30*time.Millisecond)
}

func TestSessionPollTransportFailure(t *testing.T) {
	settings := testSessionSettings()
	settings.BackgroundPollingEnabled = true
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.transport.nextKind(t, RequestKindPoll).fail(NewTerminalError(http.StatusInternalServerError, errors.New("server")))
	ts.waitForFatal(t, "500.net")
	assert.Equal(t, ts.status(t).PollStatus, PollStatusFailed)
	assert.Equal(t, ts.status(t).Offline, false)
	// no poll until a user request succeeds
	ts.transport.expectNoCall(t, 30*time.Millisecond)

	// a failed user request does not resume polling
	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(&Response{
		Error: &ResponseError{
			Code:    ApplicationErrorUiProcessing,
			Message: "boom",
		},
	})
	ts.transport.expectNoCall(t, 30*time.Millisecond)
	assert.Equal(t, ts.status(t).PollStatus, PollStatusFailed)

	ts.SendEvent(NewRemoteEvent("3", "b", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(&Response{})
	ts.transport.nextKind(t, RequestKindPoll)
	assert.Equal(t, ts.status(t).PollStatus, PollStatusRunning)
}

func TestSessionPollResponseWaitsForUserResponse(t *testing.T) {
	settings := testSessionSettings()
	settings.BackgroundPollingEnabled = true
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	poll := ts.transport.nextKind(t, RequestKindPoll)
	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	user := ts.transport.nextKind(t, RequestKindNormal)

	// the server answered the user request first, but its response arrives last
	poll.respond(eventResponse(2, newTestModelEvent(t, "3", "fromPoll", nil)))
	ts.transport.nextKind(t, RequestKindPoll)
	assert.Equal(t, ts.status(t).BufferedResponses, 1)

	user.respond(eventResponse(1, newTestModelEvent(t, "3", "fromUser", nil)))
	assert.Equal(t, ts.nextAction(t).Type, EventType("fromUser"))
	assert.Equal(t, ts.nextAction(t).Type, EventType("fromPoll"))
	assert.Equal(t, ts.status(t).ExpectedSequenceNumber, int64(3))
}

func TestSessionBusyIndicatorAndCancel(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "click", nil), 0)
	user := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, user.request.ShowBusyIndicator, true)
	ts.waitFor(t, func() bool {
		return ts.busy.BusyIndicatorShown()
	})
	assert.Equal(t, ts.ui.CallCount("showBusyIndicator"), 1)

	ts.CancelProcessing()
	cancel := ts.transport.nextKind(t, RequestKindCancel)
	ts.waitFor(t, func() bool {
		return ts.ui.CallCount("setBusyIndicatorCancelling") == 1
	})
	// a second cancel is ignored while cancelling
	ts.CancelProcessing()
	cancel.respond(&Response{})
	ts.transport.expectNoCall(t, 20*time.Millisecond)
	assert.Equal(t, ts.status(t).BusyIndicatorShown, true)

	user.respond(&Response{})
	ts.waitFor(t, func() bool {
		return !ts.busy.RequestsPending()
	})
	assert.Equal(t, ts.ui.CallCount("hideBusyIndicator"), 1)
	assert.Equal(t, ts.status(t).BusyIndicatorShown, false)
}

func TestSessionEventWithoutBusyIndicator(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "scroll", nil).WithShowBusyIndicator(false), 0)
	user := ts.transport.nextKind(t, RequestKindNormal)
	assert.Equal(t, user.request.ShowBusyIndicator, false)

	ts.transport.expectNoCall(t, 30*time.Millisecond)
	assert.Equal(t, ts.status(t).BusyIndicatorShown, false)
	assert.Equal(t, ts.ui.CallCount("showBusyIndicator"), 0)

	// nothing to cancel
	ts.CancelProcessing()
	ts.transport.expectNoCall(t, 20*time.Millisecond)
	user.respond(&Response{})
}

func TestSessionListenAndRequestsDone(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	idle := make(chan struct{})
	ts.OnRequestsDone(func() {
		close(idle)
	})
	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatalf("not idle")
	}

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	user := ts.transport.nextKind(t, RequestKindNormal)

	eventTypes := make(chan []EventType, 1)
	ts.Listen(func(types []EventType) {
		eventTypes <- types
	})
	done := make(chan struct{})
	ts.OnRequestsDone(func() {
		close(done)
	})

	user.respond(eventResponse(
		1,
		newTestModelEvent(t, "3", "x", nil),
		newTestModelEvent(t, "3", "y", nil),
	))
	select {
	case types := <-eventTypes:
		assert.Equal(t, types, []EventType{"x", "y"})
	case <-time.After(5 * time.Second):
		t.Fatalf("no listen callback")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("not done")
	}
}

func TestSessionFatalMessages(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.Post(func() {
		ts.handleError(errors.New("boom"))
		ts.handleError(errors.New("boom again"))
	})
	ts.Sync(context.Background())

	// duplicates are suppressed until acknowledged
	fatalMessages := ts.ui.FatalMessages()
	assert.Equal(t, len(fatalMessages), 1)
	assert.Equal(t, fatalMessages[0].Code, "ui")
	assert.Equal(t, fatalMessages[0].YesButtonText, "Reload now")
	assert.Equal(t, fatalMessages[0].NoButtonText, "Ignore")

	ts.AcknowledgeFatalMessage("ui", FatalMessageOptionYes)
	ts.Sync(context.Background())
	assert.Equal(t, ts.ui.Reloads(), []string{""})

	ts.Post(func() {
		ts.handleError(errors.New("boom"))
	})
	ts.AcknowledgeFatalMessage("ui", FatalMessageOptionNo)
	ts.Sync(context.Background())
	assert.Equal(t, len(ts.ui.FatalMessages()), 2)
	assert.Equal(t, ts.ui.Reloads(), []string{""})
	assert.Equal(t, ts.status(t).FatalMessages, 0)

	// aborted calls are not errors
	ts.Post(func() {
		ts.handleError(ErrAborted)
	})
	ts.Sync(context.Background())
	assert.Equal(t, len(ts.ui.FatalMessages()), 2)
}

func TestSessionVersionMismatchReloadsOnce(t *testing.T) {
	storage := NewMemoryStorage()
	versionMismatch := &Response{
		Error: &ResponseError{
			Code:    ApplicationErrorVersionMismatch,
			Message: "new version",
		},
	}

	ts1 := newTestSessionWithStorage(t, testSessionSettings(), storage)
	err := ts1.start(t, versionMismatch)
	var applicationErr *ApplicationError
	assert.Equal(t, errors.As(err, &applicationErr), true)
	assert.Equal(t, applicationErr.Code, ApplicationErrorVersionMismatch)
	assert.Equal(t, ts1.ui.Reloads(), []string{""})
	assert.Equal(t, len(ts1.ui.FatalMessages()), 0)
	_, ok := storage.Get(versionMismatchStorageKey)
	assert.Equal(t, ok, true)

	// still mismatched after the reload
	ts2 := newTestSessionWithStorage(t, testSessionSettings(), storage)
	err = ts2.start(t, versionMismatch)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(ts2.ui.Reloads()), 0)
	fatalMessages := ts2.ui.FatalMessages()
	assert.Equal(t, len(fatalMessages), 1)
	assert.Equal(t, fatalMessages[0].Code, "40")
	assert.Equal(t, fatalMessages[0].Action, RecoveryActionReload)
	_, ok = storage.Get(versionMismatchStorageKey)
	assert.Equal(t, ok, false)
}

func TestSessionStartupFailedRetries(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	err := ts.start(t, &Response{
		Error: &ResponseError{
			Code:    ApplicationErrorStartupFailed,
			Message: "database unavailable",
		},
	})
	assert.NotEqual(t, err, nil)

	fatalMessages := ts.ui.FatalMessages()
	assert.Equal(t, len(fatalMessages), 1)
	assert.Equal(t, fatalMessages[0].Code, "5")
	assert.Equal(t, fatalMessages[0].Header, "database unavailable")
	assert.Equal(t, fatalMessages[0].YesButtonText, "Retry")
	assert.Equal(t, fatalMessages[0].Action, RecoveryActionRetry)
	assert.Equal(t, ts.status(t).Ready, false)

	ts.AcknowledgeFatalMessage("5", FatalMessageOptionYes)
	ts.transport.nextKind(t, RequestKindStartup).respond(testStartupResponse(t))
	ts.waitFor(t, func() bool {
		return ts.ready
	})
	assert.Equal(t, ts.status(t).UiSessionId, "ui-1")
}

func TestSessionStartupNetworkError(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	done := ts.startAsync()
	ts.transport.nextKind(t, RequestKindStartup).fail(NewTerminalError(500, errors.New("internal")))
	err := waitDone(t, done)
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Status, 500)

	fatalMessages := ts.ui.FatalMessages()
	assert.Equal(t, len(fatalMessages), 1)
	assert.Equal(t, fatalMessages[0].Code, "500.net")
	// not ready, so the error cannot be ignored
	assert.Equal(t, fatalMessages[0].NoButtonText, "")

	// an unreachable server at startup does not go offline
	ts2 := newTestSession(t, testSessionSettings())
	done = ts2.startAsync()
	ts2.transport.nextKind(t, RequestKindStartup).fail(NewOfflineError(errors.New("refused")))
	assert.NotEqual(t, waitDone(t, done), nil)
	fatalMessages = ts2.ui.FatalMessages()
	assert.Equal(t, fatalMessages[0].Code, "0.net")
	assert.Equal(t, fatalMessages[0].Body, "Connection interrupted")
	assert.Equal(t, ts2.status(t).Offline, false)
}

func TestSessionProtocolErrorIsLogged(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(eventResponse(1, newTestModelEvent(t, "99", "x", nil)))

	log := ts.transport.nextKind(t, RequestKindLog)
	assert.Equal(t, log.request.SequenceNumber, nil)
	assert.Equal(t, strings.Contains(log.request.Message, string(ProtocolErrorUnresolvedTarget)), true)
	assert.Equal(t, strings.Contains(log.request.Message, `"99"`), true)
	log.respond(&Response{})

	ts.waitForFatal(t, "protocol.unresolvedTarget")
	fatalMessages := ts.ui.FatalMessages()
	assert.Equal(t, fatalMessages[0].Action, RecoveryActionReload)
	assert.Equal(t, fatalMessages[0].NoButtonText, "")
}

func TestSessionSequenceGapTimeout(t *testing.T) {
	settings := testSessionSettings()
	settings.GapTimeout = 20 * time.Millisecond
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	// #1 never arrives
	ts.transport.nextKind(t, RequestKindNormal).respond(eventResponse(2, newTestModelEvent(t, "3", "late", nil)))

	ts.transport.nextKind(t, RequestKindLog).respond(&Response{})
	ts.waitForFatal(t, "protocol.sequenceGap")
	status := ts.status(t)
	assert.Equal(t, status.ExpectedSequenceNumber, int64(1))
	assert.Equal(t, status.BufferedResponses, 1)
}

func TestSessionLogRequestRateLimit(t *testing.T) {
	settings := testSessionSettings()
	settings.LogRequestRate = 0
	settings.LogRequestBurst = 1
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendLogRequest("first")
	ts.SendLogRequest("second")
	log := ts.transport.nextKind(t, RequestKindLog)
	assert.Equal(t, log.request.Message, "first")
	assert.Equal(t, log.request.UiSessionId, "ui-1")
	log.respond(&Response{})
	ts.transport.expectNoCall(t, 30*time.Millisecond)
}

func TestSessionRootAdapterEvents(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	sessionEventTypes := []SessionEventType{}
	ts.Post(func() {
		ts.AddSessionEventCallback(func(event *SessionEvent) {
			sessionEventTypes = append(sessionEventTypes, event.Type)
		})
	})

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(eventResponse(
		1,
		newTestModelEvent(t, RootAdapterId, EventTypeLocaleChanged, map[string]any{
			"locale":  map[string]any{"languageTag": "de"},
			"textMap": map[string]string{"ui.Reload": "Neu laden"},
		}),
		newTestModelEvent(t, RootAdapterId, EventTypeDisposeAdapter, map[string]any{
			"adapter": "3",
		}),
		// never reached the client
		newTestModelEvent(t, RootAdapterId, EventTypeDisposeAdapter, map[string]any{
			"adapter": "42",
		}),
		newTestModelEvent(t, RootAdapterId, EventTypeLogout, map[string]any{
			"redirectUrl": "/bye",
		}),
	))

	ts.waitFor(t, func() bool {
		return 0 < len(ts.ui.Reloads())
	})
	assert.Equal(t, ts.ui.Reloads(), []string{"/bye"})

	ts.waitFor(t, func() bool {
		return ts.texts.OptText("ui.Reload", "") == "Neu laden"
	})
	status := ts.status(t)
	assert.Equal(t, status.Locale, "de")
	assert.Equal(t, status.LoggedOut, true)
	assert.Equal(t, status.Adapters, 1)

	var removed []AdapterId
	var eventTypes []SessionEventType
	ts.loop.Call(context.Background(), func() {
		removed = append(removed, ts.widgetFactory.removed...)
		eventTypes = append(eventTypes, sessionEventTypes...)
	})
	assert.Equal(t, removed, []AdapterId{"3"})
	assert.Equal(t, eventTypes, []SessionEventType{
		SessionEventTypeLocaleSwitch,
		SessionEventTypeLogout,
		SessionEventTypeRequestFinished,
	})
}

func TestSessionUnknownRootEvent(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	ts.transport.nextKind(t, RequestKindNormal).respond(eventResponse(1, newTestModelEvent(t, RootAdapterId, "explode", nil)))
	ts.transport.nextKind(t, RequestKindLog).respond(&Response{})
	ts.waitForFatal(t, "protocol.unknownEventType")
}

func TestSessionUnload(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	done := make(chan error, 1)
	go func() {
		done <- ts.Unload(context.Background())
	}()
	unload := ts.transport.nextKind(t, RequestKindUnload)
	assert.Equal(t, unload.request.UiSessionId, "ui-1")
	unload.respond(&Response{})
	assert.Equal(t, waitDone(t, done), nil)

	// at most once
	err := ts.Unload(context.Background())
	assert.Equal(t, err, nil)
	ts.transport.expectNoCall(t, 20*time.Millisecond)
}

func TestSessionUnloadAfterLogout(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	startupResponse := testStartupResponse(t)
	startupResponse.StartupData.Persistent = true
	assert.Equal(t, ts.start(t, startupResponse), nil)
	_, ok := ts.storage.Get(clientSessionIdStorageKey)
	assert.Equal(t, ok, true)

	ts.Post(func() {
		ts.logout("")
	})
	err := ts.Unload(context.Background())
	assert.Equal(t, err, nil)
	ts.transport.expectNoCall(t, 20*time.Millisecond)
	// a logged out persistent session is not resumed
	_, ok = ts.storage.Get(clientSessionIdStorageKey)
	assert.Equal(t, ok, false)
}

func TestSessionClose(t *testing.T) {
	ts := newTestSession(t, testSessionSettings())
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	ts.SendEvent(NewRemoteEvent("3", "a", nil), 0)
	user := ts.transport.nextKind(t, RequestKindNormal)

	ts.Close()
	select {
	case <-ts.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("not closed")
	}
	assert.Equal(t, ts.widgetFactory.removed, []AdapterId{"3"})

	// the call in flight was aborted
	select {
	case <-user.ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("call not aborted")
	}

	assert.Equal(t, ts.Start(context.Background()), ErrSessionClosed)
	_, err := ts.Status(context.Background())
	assert.Equal(t, err, ErrSessionClosed)
}

func TestSessionExportAdapterData(t *testing.T) {
	settings := testSessionSettings()
	settings.AdapterExportEnabled = true
	ts := newTestSession(t, settings)
	assert.Equal(t, ts.start(t, testStartupResponse(t)), nil)

	export, err := ts.ExportAdapterData(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(export), 2)
	adapterData, err := ParseAdapterData("3", export["3"])
	assert.Equal(t, err, nil)
	assert.Equal(t, adapterData.ObjectType, "Desktop")
}
