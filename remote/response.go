package remote

import (
	"encoding/json"
	"fmt"
)

type ResponseError struct {
	Code    ApplicationErrorCode `json:"code"`
	Message string               `json:"message"`
}

type StartupData struct {
	UiSessionId     string `json:"uiSessionId"`
	ClientSessionId string `json:"clientSessionId"`
	// adapter id of the root widget model
	ClientSession AdapterId         `json:"clientSession"`
	Locale        string            `json:"locale,omitempty"`
	TextMap       map[string]string `json:"textMap,omitempty"`
	// seconds the server holds a poll request open
	PollingInterval int  `json:"pollingInterval,omitempty"`
	Inspector       bool `json:"inspector,omitempty"`
	Persistent      bool `json:"persistent,omitempty"`
}

type Response struct {
	// nil for unsequenced responses (e.g. ping), applied immediately
	SequenceNumber *int64                        `json:"#,omitempty"`
	AdapterData    map[AdapterId]json.RawMessage `json:"adapterData,omitempty"`
	Events         []*ModelEvent                 `json:"events,omitempty"`
	Error          *ResponseError                `json:"error,omitempty"`
	// the response to a sync request merges all responses not yet acknowledged
	Combined          bool         `json:"combined,omitempty"`
	SessionTerminated bool         `json:"sessionTerminated,omitempty"`
	RedirectUrl       string       `json:"redirectUrl,omitempty"`
	StartupData       *StartupData `json:"startupData,omitempty"`
	// echoed from the request
	CallId Id `json:"callId,omitempty"`
}

func (self *Response) IsEmpty() bool {
	return len(self.AdapterData) == 0 && len(self.Events) == 0 && self.Error == nil
}

func (self *Response) String() string {
	if self.SequenceNumber != nil {
		return fmt.Sprintf("response#%d(%d adapters, %d events)", *self.SequenceNumber, len(self.AdapterData), len(self.Events))
	}
	return fmt.Sprintf("response(%d adapters, %d events)", len(self.AdapterData), len(self.Events))
}

// the minimal view of adapter data the runtime needs to create an adapter
type AdapterData struct {
	Id         AdapterId `json:"id"`
	ObjectType string    `json:"objectType"`
	// adapter id that owns this adapter, empty for top level adapters
	Owner AdapterId `json:"owner,omitempty"`
	// the full raw state, handed to the widget factory
	Raw json.RawMessage `json:"-"`
}

func ParseAdapterData(id AdapterId, raw json.RawMessage) (*AdapterData, error) {
	adapterData := &AdapterData{}
	if err := json.Unmarshal(raw, adapterData); err != nil {
		return nil, fmt.Errorf("adapter data %s: %w", id, err)
	}
	if adapterData.Id == "" {
		adapterData.Id = id
	} else if adapterData.Id != id {
		return nil, fmt.Errorf("adapter data %s: id mismatch %s", id, adapterData.Id)
	}
	if adapterData.ObjectType == "" {
		return nil, fmt.Errorf("adapter data %s: missing objectType", id)
	}
	adapterData.Raw = raw
	return adapterData, nil
}
