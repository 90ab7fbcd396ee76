package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

const clientSessionIdStorageKey = "remoteui:clientSessionId"

type SessionSettings struct {
	// resumes an existing client session. When empty the id from storage is used.
	ClientSessionId       string
	ForceNewClientSession bool
	Version               string
	UserAgent             map[string]any
	SessionStartupParams  map[string]string

	BackgroundPollingEnabled bool
	BusyIndicatorDelay       time.Duration
	CancellingDelay          time.Duration
	// the time between going offline and notifying the ui
	OfflineSettleDelay time.Duration
	// the synchronous unload fallback when the transport has no beacon
	UnloadTimeout time.Duration
	// a missing response fails the session after this timeout
	GapTimeout time.Duration
	// keeps adapter data after adapter creation, for diagnostics
	AdapterExportEnabled bool

	LogRequestRate  rate.Limit
	LogRequestBurst int

	CallSettings      *CallSettings
	ReconnectSettings *ReconnectSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		UserAgent: map[string]any{
			"deviceType": "DESKTOP",
		},
		BackgroundPollingEnabled: true,
		BusyIndicatorDelay:       500 * time.Millisecond,
		CancellingDelay:          100 * time.Millisecond,
		OfflineSettleDelay:       100 * time.Millisecond,
		UnloadTimeout:            2 * time.Second,
		GapTimeout:               30 * time.Second,
		AdapterExportEnabled:     false,
		LogRequestRate:           rate.Every(1 * time.Second),
		LogRequestBurst:          5,
		CallSettings:             DefaultCallSettings(),
		ReconnectSettings:        DefaultReconnectSettings(),
	}
}

// The client side of one ui session. Owns the adapter registry, the adapter data
// cache and all protocol state, on a single session loop.
// Public methods are safe to call from any goroutine.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop          *sessionLoop
	transport     Transport
	ui            Ui
	widgetFactory WidgetFactory
	storage       Storage
	settings      *SessionSettings

	cache         *AdapterDataCache
	registry      *AdapterRegistry
	dispatcher    *EventDispatcher
	responseQueue *ResponseQueue
	scheduler     *requestScheduler
	calls         *callManager
	poller        *backgroundPoller
	reconnector   *reconnector
	busy          *busyTracker
	fatal         *fatalMessages
	rootAdapter   *rootAdapter
	logLimiter    *rate.Limiter

	sessionEventCallbacks *CallbackList[SessionEventFunction]

	uiSessionId     string
	clientSessionId string
	locale          string
	texts           *TextMap
	persistent      bool
	inspector       bool

	ready     bool
	offline   bool
	unloading bool
	unloaded  bool
	loggedOut bool
	closed    bool
}

func NewSessionWithDefaults(
	ctx context.Context,
	transport Transport,
	ui Ui,
	widgetFactory WidgetFactory,
) *Session {
	return NewSession(ctx, transport, ui, widgetFactory, NewMemoryStorage(), DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	transport Transport,
	ui Ui,
	widgetFactory WidgetFactory,
	storage Storage,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	// the poll timeout is updated from the startup data
	callSettings := *settings.CallSettings

	session := &Session{
		ctx:                   cancelCtx,
		cancel:                cancel,
		transport:             transport,
		ui:                    ui,
		widgetFactory:         widgetFactory,
		storage:               storage,
		settings:              settings,
		logLimiter:            rate.NewLimiter(settings.LogRequestRate, settings.LogRequestBurst),
		sessionEventCallbacks: NewCallbackList[SessionEventFunction](),
		texts:                 NewTextMap("", nil),
	}
	session.loop = newSessionLoop(cancelCtx, func(err error) {
		session.handleError(err)
	})
	session.cache = NewAdapterDataCache(settings.AdapterExportEnabled)
	session.registry = NewAdapterRegistry(session, widgetFactory, session.cache)
	session.dispatcher = NewEventDispatcher(session.registry)
	session.responseQueue = NewResponseQueue(
		session.applyResponse,
		session.loop,
		settings.GapTimeout,
		func(err *ProtocolError) {
			session.handleError(err)
		},
	)
	session.scheduler = newRequestScheduler(session)
	session.calls = newCallManager(cancelCtx, transport, session.loop.Post, &callSettings)
	session.poller = newBackgroundPoller(session, settings.BackgroundPollingEnabled)
	session.reconnector = newReconnector(session, settings.ReconnectSettings)
	session.busy = newBusyTracker(session)
	session.fatal = newFatalMessages(session)
	session.rootAdapter = &rootAdapter{
		session: session,
	}
	return session
}

// Sends the startup request and waits until the startup response is applied.
// Errors are also shown through the ui.
func (self *Session) Start(ctx context.Context) error {
	done := make(chan error, 1)
	posted := self.loop.Post(func() {
		self.sendStartupRequest(func(err error) {
			done <- err
		})
	})
	if !posted {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-self.loop.Done():
		return ErrSessionClosed
	}
}

func (self *Session) sendStartupRequest(complete func(err error)) {
	clientSessionId := self.settings.ClientSessionId
	if clientSessionId == "" && !self.settings.ForceNewClientSession {
		clientSessionId, _ = self.storage.Get(clientSessionIdStorageKey)
	}

	request := self.scheduler.newRequest(RequestKindStartup)
	request.StartupParams = &StartupParams{
		ClientSessionId:       clientSessionId,
		Version:               self.settings.Version,
		UserAgent:             self.settings.UserAgent,
		SessionStartupParams:  self.settings.SessionStartupParams,
		ForceNewClientSession: self.settings.ForceNewClientSession,
	}
	request.transition(RequestStateSending)
	glog.Infof("[s]starting (client session %q)\n", clientSessionId)

	self.calls.Call(request, func(response *Response, err error) {
		if err != nil {
			request.transition(RequestStateFailed)
			self.handleRequestError(request, err)
			complete(err)
			return
		}
		if err := self.processStartupResponse(response); err != nil {
			request.transition(RequestStateFailed)
			var applicationErr *ApplicationError
			if !errors.As(err, &applicationErr) {
				// application errors were shown when the response was processed
				self.handleError(err)
			}
			complete(err)
			return
		}
		request.transition(RequestStateSucceeded)
		complete(nil)
	})
}

func (self *Session) retryStartup() {
	if self.ready || self.closed {
		return
	}
	self.sendStartupRequest(func(err error) {})
}

// the client session adapter data only carries the id of the desktop
type clientSessionData struct {
	Desktop AdapterId `json:"desktop"`
}

func (self *Session) processStartupResponse(response *Response) error {
	if response.Error != nil {
		self.processErrorJsonResponse(response.Error)
		return &ApplicationError{
			Code:    response.Error.Code,
			Message: response.Error.Message,
		}
	}

	self.storage.Remove(versionMismatchStorageKey)

	startupData := response.StartupData
	if startupData == nil {
		return fmt.Errorf("Missing startupData")
	}

	self.persistent = startupData.Persistent
	self.storage.Set(clientSessionIdStorageKey, startupData.ClientSessionId)
	self.uiSessionId = startupData.UiSessionId
	self.clientSessionId = startupData.ClientSessionId
	if startupData.Inspector {
		self.inspector = true
	}
	if 0 < startupData.PollingInterval {
		self.calls.setPollingInterval(time.Duration(startupData.PollingInterval) * time.Second)
	}

	if self.registry.Get(RootAdapterId) == nil {
		if err := self.registry.Register(self.rootAdapter); err != nil {
			return err
		}
	}

	self.cache.Merge(response.AdapterData)

	self.locale = startupData.Locale
	self.texts = NewTextMap(startupData.Locale, startupData.TextMap)

	if startupData.ClientSession != "" {
		raw, ok := self.cache.Get(startupData.ClientSession)
		if !ok {
			return fmt.Errorf("No adapter data found for client session %s", startupData.ClientSession)
		}
		self.cache.consume(startupData.ClientSession)
		var clientSession clientSessionData
		if err := json.Unmarshal(raw, &clientSession); err != nil {
			return fmt.Errorf("client session %s: %w", startupData.ClientSession, err)
		}
		if clientSession.Desktop != "" {
			desktop, err := self.registry.GetOrCreate(clientSession.Desktop, self.rootAdapter)
			if err != nil {
				return err
			}
			if err := desktop.Widget().Render(); err != nil {
				return fmt.Errorf("render %s: %w", clientSession.Desktop, err)
			}
		}
	}

	if 0 < len(response.Events) {
		if err := self.dispatcher.Dispatch(response.Events); err != nil {
			return err
		}
	}

	self.ready = true
	self.poller.resume()

	glog.Infof(
		"[s]started ui session %s client session %s (%d adapters, %d cached)\n",
		self.uiSessionId,
		self.clientSessionId,
		self.registry.Len(),
		self.cache.Len(),
	)
	return nil
}

// Applies one response to the model. Only the response queue calls this, so that
// the expected sequence number stays in sync.
func (self *Session) applyResponse(response *Response) error {
	if response.Error != nil {
		self.processErrorJsonResponse(response.Error)
		return &ApplicationError{
			Code:    response.Error.Code,
			Message: response.Error.Message,
		}
	}
	self.cache.Merge(response.AdapterData)
	if 0 < len(response.Events) {
		if err := self.dispatcher.Dispatch(response.Events); err != nil {
			return err
		}
	}
	if glog.V(2) {
		glog.Infof("[s]applied %s (%d adapters, %d cached)\n", response, self.registry.Len(), self.cache.Len())
	}
	return nil
}

// `EventSender` implementation. Safe to call from any goroutine.
func (self *Session) SendEvent(event *RemoteEvent, delay time.Duration) {
	self.loop.Post(func() {
		if self.closed {
			return
		}
		self.scheduler.SendEvent(event, delay)
	})
}

// Runs `f` on the session loop. Adapters and the registry must only be used from the loop.
func (self *Session) Post(f func()) bool {
	return self.loop.Post(f)
}

// waits until everything posted before has run
func (self *Session) Sync(ctx context.Context) error {
	return self.loop.Call(ctx, func() {})
}

// adapters for `objectType` delegate their actions to handlers from `handlerFactory`
func (self *Session) RegisterAdapterKind(objectType string, handlerFactory ModelActionHandlerFactory) {
	self.loop.Post(func() {
		self.registry.RegisterKind(objectType, handlerFactory)
	})
}

// Only valid from the session loop.
func (self *Session) Registry() *AdapterRegistry {
	return self.registry
}

// Only valid from the session loop.
func (self *Session) Texts() TextResolver {
	return self.texts
}

// asks the server to stop the running processing, when the busy indicator is shown
func (self *Session) CancelProcessing() {
	self.loop.Post(func() {
		self.busy.CancelProcessing()
	})
}

// `callback` runs on the loop once no request is pending and no event is queued
func (self *Session) OnRequestsDone(callback func()) {
	self.loop.Post(func() {
		self.busy.OnRequestsDone(callback)
	})
}

// `callback` runs on the loop with the event types received until no request is pending
func (self *Session) Listen(callback func(eventTypes []EventType)) {
	self.loop.Post(func() {
		self.busy.listen(callback)
	})
}

func (self *Session) AcknowledgeFatalMessage(code string, option FatalMessageOption) {
	self.loop.Post(func() {
		self.fatal.acknowledge(code, option)
	})
}

// Sends a message to the server log, out of band and at most once.
// The event being dispatched, if any, is attached.
func (self *Session) SendLogRequest(message string) {
	self.loop.Post(func() {
		self.sendLogRequest(message)
	})
}

func (self *Session) sendLogRequest(message string) {
	if self.closed {
		return
	}
	if !self.logLimiter.Allow() {
		glog.Infof("[s]drop log request (rate limited): %s\n", message)
		return
	}
	request := self.scheduler.newRequest(RequestKindLog)
	request.Message = message
	if currentEvent := self.dispatcher.CurrentEvent(); currentEvent != nil {
		request.LogEvent = NewRemoteEvent(currentEvent.Target, currentEvent.Type, nil)
	}
	request.transition(RequestStateSending)
	self.calls.Call(request, func(response *Response, err error) {
		if err != nil {
			request.transition(RequestStateFailed)
			glog.Infof("[s]log request error = %s\n", err)
			return
		}
		request.transition(RequestStateSucceeded)
	})
}

func (self *Session) switchLocale(locale string, textMap map[string]string) {
	self.locale = locale
	self.texts = NewTextMap(locale, textMap)
	self.fireSessionEvent(&SessionEvent{
		Type:   SessionEventTypeLocaleSwitch,
		Locale: locale,
	})
}

// the ui reloads after the events already posted have run
func (self *Session) logout(redirectUrl string) {
	self.loggedOut = true
	self.poller.terminated = true
	self.poller.stop()
	glog.Infof("[s]logout\n")
	self.fireSessionEvent(&SessionEvent{
		Type:        SessionEventTypeLogout,
		RedirectUrl: redirectUrl,
	})
	self.loop.Post(func() {
		self.ui.Reload(redirectUrl)
	})
}

// Destroys the ui session on the server, at most once per session. Prefers the beacon
// of the transport. Nothing is sent after a server initiated logout.
func (self *Session) Unload(ctx context.Context) error {
	var request *Request
	err := self.loop.Call(ctx, func() {
		self.unloading = true
		if self.unloaded {
			return
		}
		self.unloaded = true
		self.scheduler.stop()
		self.poller.stop()
		self.reconnector.stop()

		if self.loggedOut {
			if self.persistent {
				self.storage.Remove(clientSessionIdStorageKey)
			}
			return
		}
		if self.uiSessionId == "" {
			return
		}
		request = self.scheduler.newRequest(RequestKindUnload)
		request.ShowBusyIndicator = false
		request.transition(RequestStateSending)
	})
	if err != nil || request == nil {
		return err
	}

	glog.Infof("[s]unload %s\n", self.uiSessionId)
	requestSentCount.WithLabelValues(string(request.Kind)).Inc()
	if beaconTransport, ok := self.transport.(BeaconTransport); ok {
		err = beaconTransport.SendBeacon(request)
	} else {
		unloadCtx, unloadCancel := context.WithTimeout(ctx, self.settings.UnloadTimeout)
		defer unloadCancel()
		_, err = self.transport.Send(unloadCtx, request)
	}

	self.loop.Post(func() {
		if err != nil {
			request.transition(RequestStateFailed)
		} else {
			request.transition(RequestStateSucceeded)
		}
	})
	if err != nil {
		glog.Infof("[s]unload error = %s\n", err)
	}
	return err
}

// Stops all timers, aborts all calls and closes the loop. Safe to call from the loop.
func (self *Session) Close() {
	posted := self.loop.Post(func() {
		self.closed = true
		self.scheduler.stop()
		self.poller.stop()
		self.reconnector.stop()
		self.busy.removeBusy()
		self.calls.AbortAll()
		self.registry.destroyAll(RootAdapterId)
		self.loop.Close()
		self.cancel()
	})
	if !posted {
		self.cancel()
	}
}

func (self *Session) Done() <-chan struct{} {
	return self.loop.Done()
}

// a snapshot of the protocol state
type SessionStatus struct {
	UiSessionId            string
	ClientSessionId        string
	Locale                 string
	Ready                  bool
	Offline                bool
	LoggedOut              bool
	Reconnecting           bool
	RequestsPending        int
	BusyIndicatorShown     bool
	PollStatus             PollStatus
	ExpectedSequenceNumber int64
	QueuedEvents           int
	BufferedResponses      int
	Adapters               int
	CachedAdapterData      int
	FatalMessages          int
}

func (self *Session) Status(ctx context.Context) (*SessionStatus, error) {
	var status *SessionStatus
	err := self.loop.Call(ctx, func() {
		status = &SessionStatus{
			UiSessionId:            self.uiSessionId,
			ClientSessionId:        self.clientSessionId,
			Locale:                 self.locale,
			Ready:                  self.ready,
			Offline:                self.offline,
			LoggedOut:              self.loggedOut,
			Reconnecting:           self.reconnector.Running(),
			RequestsPending:        self.busy.PendingCount(),
			BusyIndicatorShown:     self.busy.BusyIndicatorShown(),
			PollStatus:             self.poller.Status(),
			ExpectedSequenceNumber: self.responseQueue.ExpectedSequenceNumber(),
			QueuedEvents:           len(self.scheduler.QueuedEvents()),
			BufferedResponses:      self.responseQueue.Size(),
			Adapters:               self.registry.Len(),
			CachedAdapterData:      self.cache.Len(),
			FatalMessages:          self.fatal.Len(),
		}
	})
	return status, err
}

// the adapter data cache content. Complete only when adapter export is enabled.
func (self *Session) ExportAdapterData(ctx context.Context) (map[AdapterId]json.RawMessage, error) {
	var export map[AdapterId]json.RawMessage
	err := self.loop.Call(ctx, func() {
		export = self.cache.Export()
	})
	return export, err
}

// The session scoped target of model events, registered as `RootAdapterId`.
// Top level widgets are created under its widget.
type rootAdapter struct {
	session *Session
}

func (self *rootAdapter) Id() AdapterId {
	return RootAdapterId
}

func (self *rootAdapter) Widget() Widget {
	return self.session.ui.RootWidget()
}

func (self *rootAdapter) OnModelEvent(event *ModelEvent) error {
	return self.OnModelAction(event)
}

func (self *rootAdapter) OnModelAction(event *ModelEvent) error {
	switch event.Type {
	case EventTypeLocaleChanged:
		return self.onLocaleChanged(event)
	case EventTypeLogout:
		self.session.logout(event.StringProperty("redirectUrl"))
		return nil
	case EventTypeDisposeAdapter:
		return self.onDisposeAdapter(event)
	case EventTypeReloadPage:
		self.session.ui.Reload("")
		return nil
	default:
		return newUnknownEventTypeError(RootAdapterId, event.Type)
	}
}

func (self *rootAdapter) onLocaleChanged(event *ModelEvent) error {
	// the locale is either a language tag or an object with a language tag
	var locale string
	if _, err := event.Property("locale", &locale); err != nil {
		var localeObj struct {
			LanguageTag string `json:"languageTag"`
		}
		if _, err := event.Property("locale", &localeObj); err != nil {
			return err
		}
		locale = localeObj.LanguageTag
	}
	textMap := map[string]string{}
	if _, err := event.Property("textMap", &textMap); err != nil {
		return err
	}
	self.session.switchLocale(locale, textMap)
	return nil
}

// the adapter may be unknown when it never reached the client
func (self *rootAdapter) onDisposeAdapter(event *ModelEvent) error {
	var id AdapterId
	if _, err := event.Property("adapter", &id); err != nil {
		return err
	}
	if adapter := self.session.registry.Get(id); adapter != nil {
		adapter.Destroy()
	}
	return nil
}

func (self *rootAdapter) Destroy() {
}
