package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

const versionMismatchStorageKey = "remoteui:versionMismatch"

type FatalMessageOption string

const (
	FatalMessageOptionYes FatalMessageOption = "yes"
	FatalMessageOptionNo  FatalMessageOption = "no"
)

// a blocking notice. The yes option runs `Action`, the no option (when offered) ignores the error.
type FatalMessage struct {
	// deduplication key. A second message with the same code is suppressed until acknowledged.
	Code          string
	Header        string
	Body          string
	YesButtonText string
	// empty when the error cannot be ignored
	NoButtonText string
	Action       RecoveryAction
}

// fatal messages on screen, by code. Must only be used from the session loop.
type fatalMessages struct {
	session  *Session
	onScreen map[string]*FatalMessage
}

func newFatalMessages(session *Session) *fatalMessages {
	return &fatalMessages{
		session:  session,
		onScreen: map[string]*FatalMessage{},
	}
}

func (self *fatalMessages) show(message *FatalMessage) {
	if message.Code != "" {
		if _, ok := self.onScreen[message.Code]; ok {
			if glog.V(1) {
				glog.Infof("[s]suppress duplicate fatal message %s\n", message.Code)
			}
			return
		}
		self.onScreen[message.Code] = message
	}
	glog.Errorf("[s]fatal %s: %s %s\n", message.Code, message.Header, message.Body)
	self.session.ui.ShowFatalMessage(message)
}

func (self *fatalMessages) acknowledge(code string, option FatalMessageOption) {
	message, ok := self.onScreen[code]
	if !ok {
		return
	}
	delete(self.onScreen, code)
	if option != FatalMessageOptionYes {
		return
	}
	switch message.Action {
	case RecoveryActionReload:
		self.session.ui.Reload("")
	case RecoveryActionRetry:
		self.session.retryStartup()
	case RecoveryActionAcknowledge:
	}
}

func (self *fatalMessages) Len() int {
	return len(self.onScreen)
}

// The central error handler. Every error ends in a visible outcome,
// except aborted calls.
func (self *Session) handleError(err error) {
	var protocolErr *ProtocolError
	var applicationErr *ApplicationError
	var transportErr *TransportError
	switch {
	case err == nil, errors.Is(err, ErrAborted):
		return
	case errors.As(err, &protocolErr):
		self.handleProtocolError(protocolErr)
	case errors.As(err, &applicationErr):
		self.processErrorJsonResponse(&ResponseError{
			Code:    applicationErr.Code,
			Message: applicationErr.Message,
		})
	case errors.As(err, &transportErr):
		self.showNetworkError(transportErr)
	default:
		self.fatal.show(&FatalMessage{
			Code:          "ui",
			Header:        self.texts.OptText("ui.UnexpectedProblem", "Unexpected problem"),
			Body:          err.Error(),
			YesButtonText: self.texts.OptText("ui.Reload", "Reload"),
			NoButtonText:  self.texts.OptText("ui.Ignore", "Ignore"),
			Action:        RecoveryActionReload,
		})
	}
}

// Offline errors of a started session go offline and keep the request events for
// resynchronization. Everything else goes to the central handler.
func (self *Session) handleRequestError(request *Request, err error) {
	if errors.Is(err, ErrAborted) {
		if self.offline && request.Kind != RequestKindPoll {
			self.scheduler.retainForRetry(request)
		}
		return
	}
	if IsOfflineError(err) && self.ready {
		self.goOffline()
		if request.Kind != RequestKindPoll {
			self.scheduler.retainForRetry(request)
		}
		return
	}
	self.handleError(err)
}

// protocol errors are never recovered. Processing stops and the server gets a log request.
func (self *Session) handleProtocolError(protocolErr *ProtocolError) {
	protocolErrorCount.WithLabelValues(string(protocolErr.Kind)).Inc()
	glog.Errorf("[s]%s\n", protocolErr)
	self.sendLogRequest(protocolErr.Error())
	self.fatal.show(&FatalMessage{
		Code:   fmt.Sprintf("protocol.%s", protocolErr.Kind),
		Header: self.texts.OptText("ui.UnexpectedProblem", "Unexpected problem"),
		Body: strings.Join([]string{
			protocolErr.Error(),
			self.texts.OptText("ui.UiInconsistentMsg", "The user interface may be out of sync with the server."),
		}, "\n\n"),
		YesButtonText: self.texts.OptText("ui.Reload", "Reload"),
		Action:        RecoveryActionReload,
	})
}

func (self *Session) showNetworkError(transportErr *TransportError) {
	body := ""
	if transportErr.Err != nil {
		body = transportErr.Err.Error()
	}
	if transportErr.Offline() {
		body = self.texts.OptText("ui.ConnectionInterrupted", "Connection interrupted")
	}
	if transportErr.Status != 0 {
		body = fmt.Sprintf("%d %s", transportErr.Status, body)
	}
	message := &FatalMessage{
		Code:          fmt.Sprintf("%d.net", transportErr.Status),
		Header:        self.texts.OptText("ui.NetworkError", "Network error"),
		Body:          body,
		YesButtonText: self.texts.OptText("ui.Reload", "Reload"),
		Action:        RecoveryActionReload,
	}
	if self.ready {
		message.NoButtonText = self.texts.OptText("ui.Ignore", "Ignore")
	}
	self.fatal.show(message)
}

// A version mismatch reloads once. A second mismatch right after the reload shows the notice.
func (self *Session) processErrorJsonResponse(responseError *ResponseError) {
	if responseError.Code == ApplicationErrorVersionMismatch {
		if _, ok := self.storage.Get(versionMismatchStorageKey); !ok {
			self.storage.Set(versionMismatchStorageKey, "yes")
			glog.Infof("[s]version mismatch, reload\n")
			self.ui.Reload("")
			return
		}
		self.storage.Remove(versionMismatchStorageKey)
	}

	codeText := fmt.Sprintf("%d", responseError.Code)
	message := &FatalMessage{
		Code: codeText,
		Header: fmt.Sprintf(
			"%s (%s)",
			self.texts.OptText("ui.ServerError", "Server error"),
			self.texts.OptText("ui.ErrorCodeX", "Code {0}", codeText),
		),
		Body:          responseError.Message,
		YesButtonText: self.texts.OptText("ui.Reload", "Reload"),
		Action:        responseError.Code.RecoveryAction(),
	}

	switch responseError.Code {
	case ApplicationErrorStartupFailed:
		// there are no texts before startup
		message.Header = responseError.Message
		message.Body = ""
		message.YesButtonText = "Retry"
	case ApplicationErrorSessionTimeout:
		message.Header = self.texts.OptText("ui.SessionTimeout", message.Header)
		message.Body = self.texts.OptText("ui.SessionExpiredMsg", message.Body)
	case ApplicationErrorUiProcessing:
		message.Header = self.texts.OptText("ui.UnexpectedProblem", message.Header)
		message.Body = strings.TrimSpace(strings.Join([]string{
			self.texts.OptText("ui.InternalProcessingErrorMsg", message.Body),
			self.texts.OptText("ui.UiInconsistentMsg", ""),
		}, "\n\n"))
		message.NoButtonText = self.texts.OptText("ui.Ignore", "Ignore")
	case ApplicationErrorUnsafeUpload:
		message.Header = self.texts.OptText("ui.UnsafeUpload", message.Header)
		message.Body = self.texts.OptText("ui.UnsafeUploadMsg", message.Body)
		message.YesButtonText = self.texts.OptText("ui.Ok", "Ok")
	}
	self.fatal.show(message)
}

func (self *Session) onReconnectExhausted(attempts int, err error) {
	glog.Errorf("[r]giving up after %d attempts = %s\n", attempts, err)
	self.fatal.show(&FatalMessage{
		Code:          "reconnect",
		Header:        self.texts.OptText("ui.NetworkError", "Network error"),
		Body:          self.texts.OptText("ui.ConnectionInterrupted", "Connection interrupted"),
		YesButtonText: self.texts.OptText("ui.Reload", "Reload"),
		Action:        RecoveryActionReload,
	})
}
