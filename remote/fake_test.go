package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// timers that only fire when the test says so
type testTimers struct {
	timers []*testTimer
}

type testTimer struct {
	timeout   time.Duration
	callback  func()
	cancelled bool
}

func (self *testTimers) After(timeout time.Duration, callback func()) func() {
	timer := &testTimer{
		timeout:  timeout,
		callback: callback,
	}
	self.timers = append(self.timers, timer)
	return func() {
		timer.cancelled = true
	}
}

func (self *testTimers) active() int {
	count := 0
	for _, timer := range self.timers {
		if !timer.cancelled {
			count += 1
		}
	}
	return count
}

func (self *testTimers) fire() {
	timers := self.timers
	self.timers = nil
	for _, timer := range timers {
		if !timer.cancelled {
			timer.callback()
		}
	}
}

type testWidget struct {
	factory     *testWidgetFactory
	adapterData *AdapterData
	parent      Widget
	properties  map[string]json.RawMessage
	rendered    bool
	removed     bool
}

func (self *testWidget) Render() error {
	self.rendered = true
	return nil
}

func (self *testWidget) Remove() {
	self.removed = true
	self.factory.removed = append(self.factory.removed, self.adapterData.Id)
}

func (self *testWidget) SetProperty(name string, value json.RawMessage) error {
	self.properties[name] = value
	return nil
}

type testWidgetFactory struct {
	widgets map[AdapterId]*testWidget
	removed []AdapterId
	// object types that fail to create
	failTypes map[string]bool
}

func newTestWidgetFactory() *testWidgetFactory {
	return &testWidgetFactory{
		widgets:   map[AdapterId]*testWidget{},
		removed:   []AdapterId{},
		failTypes: map[string]bool{},
	}
}

func (self *testWidgetFactory) CreateWidget(adapterData *AdapterData, parent Widget) (Widget, error) {
	if self.failTypes[adapterData.ObjectType] {
		return nil, fmt.Errorf("cannot create %s", adapterData.ObjectType)
	}
	widget := &testWidget{
		factory:     self,
		adapterData: adapterData,
		parent:      parent,
		properties:  map[string]json.RawMessage{},
	}
	self.widgets[adapterData.Id] = widget
	return widget, nil
}

type testEventSender struct {
	events []*RemoteEvent
}

func (self *testEventSender) SendEvent(event *RemoteEvent, delay time.Duration) {
	self.events = append(self.events, event)
}

// records the ui calls. The session calls from its loop, the test reads from its own goroutine.
type testUi struct {
	root *testWidget

	stateLock     sync.Mutex
	calls         []string
	fatalMessages []*FatalMessage
	reloads       []string
}

func newTestUi() *testUi {
	factory := newTestWidgetFactory()
	return &testUi{
		root: &testWidget{
			factory: factory,
			adapterData: &AdapterData{
				Id:         RootAdapterId,
				ObjectType: "Root",
			},
			properties: map[string]json.RawMessage{},
		},
		calls:         []string{},
		fatalMessages: []*FatalMessage{},
		reloads:       []string{},
	}
}

func (self *testUi) record(call string) {
	self.stateLock.Lock()
	self.calls = append(self.calls, call)
	self.stateLock.Unlock()
}

func (self *testUi) Calls() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	calls := make([]string, len(self.calls))
	copy(calls, self.calls)
	return calls
}

func (self *testUi) CallCount(call string) int {
	count := 0
	for _, c := range self.Calls() {
		if c == call {
			count += 1
		}
	}
	return count
}

func (self *testUi) FatalMessages() []*FatalMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	fatalMessages := make([]*FatalMessage, len(self.fatalMessages))
	copy(fatalMessages, self.fatalMessages)
	return fatalMessages
}

func (self *testUi) Reloads() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	reloads := make([]string, len(self.reloads))
	copy(reloads, self.reloads)
	return reloads
}

func (self *testUi) RootWidget() Widget {
	return self.root
}

func (self *testUi) ShowBusyIndicator() {
	self.record("showBusyIndicator")
}

func (self *testUi) HideBusyIndicator() {
	self.record("hideBusyIndicator")
}

func (self *testUi) SetBusyIndicatorCancelling() {
	self.record("setBusyIndicatorCancelling")
}

func (self *testUi) ShowFatalMessage(message *FatalMessage) {
	self.stateLock.Lock()
	self.fatalMessages = append(self.fatalMessages, message)
	self.stateLock.Unlock()
	self.record("showFatalMessage")
}

func (self *testUi) Offline() {
	self.record("offline")
}

func (self *testUi) Online() {
	self.record("online")
}

func (self *testUi) Reconnecting() {
	self.record("reconnecting")
}

func (self *testUi) ReconnectingSucceeded() {
	self.record("reconnectingSucceeded")
}

func (self *testUi) ReconnectingFailed() {
	self.record("reconnectingFailed")
}

func (self *testUi) Reload(redirectUrl string) {
	self.stateLock.Lock()
	self.reloads = append(self.reloads, redirectUrl)
	self.stateLock.Unlock()
	self.record("reload")
}

// one transport call, answered by the test
type fakeCall struct {
	ctx     context.Context
	request *Request
	result  chan fakeResult
}

type fakeResult struct {
	response *Response
	err      error
}

func (self *fakeCall) respond(response *Response) {
	self.result <- fakeResult{response: response}
}

func (self *fakeCall) fail(err error) {
	self.result <- fakeResult{err: err}
}

// hands every call to the test
type fakeTransport struct {
	calls chan *fakeCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls: make(chan *fakeCall, 32),
	}
}

func (self *fakeTransport) Send(ctx context.Context, request *Request) (*Response, error) {
	call := &fakeCall{
		ctx:     ctx,
		request: request,
		result:  make(chan fakeResult, 1),
	}
	self.calls <- call
	select {
	case <-ctx.Done():
		return nil, classifyCallError(ctx, ctx.Err())
	case result := <-call.result:
		return result.response, result.err
	}
}

func (self *fakeTransport) next(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case call := <-self.calls:
		return call
	case <-time.After(5 * time.Second):
		t.Fatalf("no call")
		return nil
	}
}

// next call of `kind`. Calls of other kinds fail the test.
func (self *fakeTransport) nextKind(t *testing.T, kind RequestKind) *fakeCall {
	t.Helper()
	call := self.next(t)
	if call.request.Kind != kind {
		t.Fatalf("expected %s call but got %s", kind, call.request)
	}
	return call
}

func (self *fakeTransport) expectNoCall(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case call := <-self.calls:
		t.Fatalf("unexpected call %s", call.request)
	case <-time.After(timeout):
	}
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.BackgroundPollingEnabled = false
	settings.BusyIndicatorDelay = 10 * time.Millisecond
	settings.CancellingDelay = 5 * time.Millisecond
	settings.OfflineSettleDelay = 5 * time.Millisecond
	settings.LogRequestRate = rate.Inf
	settings.CallSettings.RetryIntervals = []time.Duration{}
	settings.ReconnectSettings.InitialBackoff = 10 * time.Millisecond
	settings.ReconnectSettings.MaxBackoff = 20 * time.Millisecond
	settings.ReconnectSettings.JitterFactor = 0
	settings.ReconnectSettings.PingRate = rate.Inf
	return settings
}

func int64Ptr(v int64) *int64 {
	return &v
}

func rawJson(t *testing.T, value any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestModelEvent(t *testing.T, target AdapterId, eventType EventType, properties map[string]any) *ModelEvent {
	t.Helper()
	event := &ModelEvent{
		Target:     target,
		Type:       eventType,
		Properties: map[string]json.RawMessage{},
	}
	for name, value := range properties {
		event.Properties[name] = rawJson(t, value)
	}
	return event
}

// the startup response of a session with a client session adapter "2" and a desktop "3"
func testStartupResponse(t *testing.T) *Response {
	return &Response{
		AdapterData: map[AdapterId]json.RawMessage{
			"2": rawJson(t, map[string]any{"id": "2", "objectType": "ClientSession", "desktop": "3"}),
			"3": rawJson(t, map[string]any{"id": "3", "objectType": "Desktop"}),
		},
		StartupData: &StartupData{
			UiSessionId:     "ui-1",
			ClientSessionId: "client-1",
			ClientSession:   "2",
			Locale:          "en",
			TextMap: map[string]string{
				"ui.Reload": "Reload now",
			},
		},
	}
}

type testSession struct {
	*Session
	transport     *fakeTransport
	ui            *testUi
	widgetFactory *testWidgetFactory
	storage       *MemoryStorage
	// model actions received by the desktop
	actions chan *ModelEvent
}

func newTestSession(t *testing.T, settings *SessionSettings) *testSession {
	return newTestSessionWithStorage(t, settings, NewMemoryStorage())
}

func newTestSessionWithStorage(t *testing.T, settings *SessionSettings, storage *MemoryStorage) *testSession {
	transport := newFakeTransport()
	ui := newTestUi()
	widgetFactory := newTestWidgetFactory()
	session := NewSession(context.Background(), transport, ui, widgetFactory, storage, settings)
	t.Cleanup(session.Close)

	testSession := &testSession{
		Session:       session,
		transport:     transport,
		ui:            ui,
		widgetFactory: widgetFactory,
		storage:       storage,
		actions:       make(chan *ModelEvent, 32),
	}
	session.RegisterAdapterKind("Desktop", func(adapterData *AdapterData) ModelActionHandler {
		return ModelActionHandlerFunc(func(adapter *Adapter, event *ModelEvent) error {
			testSession.actions <- event
			return nil
		})
	})
	return testSession
}

// starts the session and answers the startup request with `response`
func (self *testSession) start(t *testing.T, response *Response) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- self.Start(context.Background())
	}()
	self.transport.nextKind(t, RequestKindStartup).respond(response)
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("startup did not complete")
		return nil
	}
}

func (self *testSession) status(t *testing.T) *SessionStatus {
	t.Helper()
	status, err := self.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return status
}

// waits until `condition` holds on the session loop
func (self *testSession) waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) {
		var ok bool
		if err := self.loop.Call(context.Background(), func() {
			ok = condition()
		}); err != nil {
			t.Fatal(err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func (self *testSession) nextAction(t *testing.T) *ModelEvent {
	t.Helper()
	select {
	case event := <-self.actions:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("no action")
		return nil
	}
}

func eventTargets(events []*RemoteEvent) []string {
	targets := []string{}
	for _, event := range events {
		targets = append(targets, fmt.Sprintf("%s:%s", event.Target, event.Type))
	}
	return targets
}
