package remote

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

type RequestKind string

const (
	RequestKindNormal            RequestKind = "normal"
	RequestKindStartup           RequestKind = "startup"
	RequestKindUnload            RequestKind = "unload"
	RequestKindCancel            RequestKind = "cancel"
	RequestKindPing              RequestKind = "ping"
	RequestKindPoll              RequestKind = "pollForBackgroundJobs"
	RequestKindSyncResponseQueue RequestKind = "syncResponseQueue"
	RequestKindLog               RequestKind = "log"
)

// the diagnostic query marker that distinguishes flagged requests on the shared endpoint
func (self RequestKind) UrlHint() string {
	switch self {
	case RequestKindUnload:
		return "unload"
	case RequestKindPoll:
		return "poll"
	case RequestKindPing:
		return "ping"
	case RequestKindCancel:
		return "cancel"
	case RequestKindLog:
		return "log"
	case RequestKindSyncResponseQueue:
		return "sync"
	case RequestKindStartup:
		return "startup"
	default:
		return ""
	}
}

// log and ping requests are out of band and never consume a sequence number
func (self RequestKind) sequenced() bool {
	switch self {
	case RequestKindLog, RequestKindPing:
		return false
	default:
		return true
	}
}

// request state machine is:
// RequestStateCreated
//   -> RequestStateSending
//     -> RequestStateSucceeded (terminal)
//     -> RequestStateFailed (terminal)
//       -> RequestStateRetrying (offline)
//         -> RequestStateQueued
//   -> RequestStateQueued (offline)
//     -> RequestStateSending
type RequestState string

const (
	RequestStateCreated   RequestState = "Created"
	RequestStateSending   RequestState = "Sending"
	RequestStateSucceeded RequestState = "Succeeded"
	RequestStateFailed    RequestState = "Failed"
	RequestStateRetrying  RequestState = "Retrying"
	RequestStateQueued    RequestState = "Queued"
)

func (self RequestState) IsTerminal() bool {
	switch self {
	case RequestStateSucceeded:
		return true
	default:
		return false
	}
}

func (self RequestState) canTransition(to RequestState) bool {
	switch self {
	case RequestStateCreated:
		return to == RequestStateSending || to == RequestStateQueued
	case RequestStateSending:
		return to == RequestStateSucceeded || to == RequestStateFailed
	case RequestStateFailed:
		return to == RequestStateRetrying
	case RequestStateRetrying:
		return to == RequestStateQueued || to == RequestStateSending
	case RequestStateQueued:
		return to == RequestStateSending || to == RequestStateQueued
	default:
		return false
	}
}

type Request struct {
	// nil for unsequenced kinds
	SequenceNumber *int64
	// last response sequence number applied by the client
	Ack         *int64
	UiSessionId string
	Kind        RequestKind
	Events      []*RemoteEvent
	// unique per transport call, used for correlation and diagnostics
	CallId Id

	// kind specific fields
	// for a sync request, the failed request whose events lead `Events`
	RetrySequenceNumber *int64
	RetryEventCount     int
	Message             string
	LogEvent            *RemoteEvent
	StartupParams       *StartupParams

	// not serialized
	ShowBusyIndicator bool
	State             RequestState
}

type StartupParams struct {
	ClientSessionId       string            `json:"clientSessionId,omitempty"`
	Version               string            `json:"version,omitempty"`
	UserAgent             map[string]any    `json:"userAgent,omitempty"`
	SessionStartupParams  map[string]string `json:"sessionStartupParams,omitempty"`
	ForceNewClientSession bool              `json:"forceNewClientSession,omitempty"`
}

func (self *Request) transition(to RequestState) {
	if !self.State.canTransition(to) {
		panic(fmt.Errorf("Illegal request transition %s -> %s (%s)", self.State, to, self))
	}
	if glog.V(2) {
		glog.Infof("[s]request %s %s -> %s\n", self, self.State, to)
	}
	self.State = to
}

func (self *Request) HasEvents() bool {
	return 0 < len(self.Events)
}

func (self *Request) String() string {
	if self.SequenceNumber != nil {
		return fmt.Sprintf("%s#%d", self.Kind, *self.SequenceNumber)
	}
	return string(self.Kind)
}

func (self *Request) MarshalJSON() ([]byte, error) {
	obj := map[string]any{
		"uiSessionId": self.UiSessionId,
	}
	if self.SequenceNumber != nil {
		obj["#"] = *self.SequenceNumber
	}
	if self.Ack != nil {
		obj["#ACK"] = *self.Ack
	}
	if !self.CallId.IsZero() {
		obj["callId"] = self.CallId
	}
	if self.Kind != RequestKindNormal {
		obj[string(self.Kind)] = true
	}
	if self.Events != nil {
		obj["events"] = self.Events
	}
	if self.RetrySequenceNumber != nil {
		obj["retry#"] = *self.RetrySequenceNumber
		obj["retryEvents"] = self.RetryEventCount
	}
	if self.Message != "" {
		obj["message"] = self.Message
	}
	if self.LogEvent != nil {
		obj["event"] = map[string]any{
			"target": self.LogEvent.Target,
			"type":   self.LogEvent.Type,
		}
	}
	if startup := self.StartupParams; startup != nil {
		if startup.ClientSessionId != "" {
			obj["clientSessionId"] = startup.ClientSessionId
		}
		if startup.Version != "" {
			obj["version"] = startup.Version
		}
		if startup.UserAgent != nil {
			obj["userAgent"] = startup.UserAgent
		}
		if startup.SessionStartupParams != nil {
			obj["sessionStartupParams"] = startup.SessionStartupParams
		}
		if startup.ForceNewClientSession {
			obj["forceNewClientSession"] = true
		}
	}
	return json.Marshal(obj)
}

func (self *Request) UnmarshalJSON(src []byte) error {
	var obj struct {
		SequenceNumber        *int64            `json:"#"`
		Ack                   *int64            `json:"#ACK"`
		UiSessionId           string            `json:"uiSessionId"`
		CallId                Id                `json:"callId"`
		Events                []*RemoteEvent    `json:"events"`
		RetrySequenceNumber   *int64            `json:"retry#"`
		RetryEventCount       int               `json:"retryEvents"`
		Message               string            `json:"message"`
		ClientSessionId       string            `json:"clientSessionId"`
		Version               string            `json:"version"`
		UserAgent             map[string]any    `json:"userAgent"`
		SessionStartupParams  map[string]string `json:"sessionStartupParams"`
		ForceNewClientSession bool              `json:"forceNewClientSession"`
		Startup               bool              `json:"startup"`
		Unload                bool              `json:"unload"`
		Cancel                bool              `json:"cancel"`
		Ping                  bool              `json:"ping"`
		Poll                  bool              `json:"pollForBackgroundJobs"`
		Sync                  bool              `json:"syncResponseQueue"`
		Log                   bool              `json:"log"`
	}
	if err := json.Unmarshal(src, &obj); err != nil {
		return err
	}
	self.SequenceNumber = obj.SequenceNumber
	self.Ack = obj.Ack
	self.UiSessionId = obj.UiSessionId
	self.CallId = obj.CallId
	self.Events = obj.Events
	self.RetrySequenceNumber = obj.RetrySequenceNumber
	self.RetryEventCount = obj.RetryEventCount
	self.Message = obj.Message
	switch {
	case obj.Startup:
		self.Kind = RequestKindStartup
		self.StartupParams = &StartupParams{
			ClientSessionId:       obj.ClientSessionId,
			Version:               obj.Version,
			UserAgent:             obj.UserAgent,
			SessionStartupParams:  obj.SessionStartupParams,
			ForceNewClientSession: obj.ForceNewClientSession,
		}
	case obj.Unload:
		self.Kind = RequestKindUnload
	case obj.Cancel:
		self.Kind = RequestKindCancel
	case obj.Ping:
		self.Kind = RequestKindPing
	case obj.Poll:
		self.Kind = RequestKindPoll
	case obj.Sync:
		self.Kind = RequestKindSyncResponseQueue
	case obj.Log:
		self.Kind = RequestKindLog
	default:
		self.Kind = RequestKindNormal
	}
	return nil
}
