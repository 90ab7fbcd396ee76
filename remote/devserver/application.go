package devserver

import (
	"encoding/json"
	"fmt"

	"github.com/bringyour/remoteui/remote"
)

// model changes for one response
type Model struct {
	AdapterData map[remote.AdapterId]json.RawMessage
	Events      []*remote.ModelEvent
}

func NewModel() *Model {
	return &Model{
		AdapterData: map[remote.AdapterId]json.RawMessage{},
		Events:      []*remote.ModelEvent{},
	}
}

func (self *Model) IsEmpty() bool {
	return self == nil || (len(self.AdapterData) == 0 && len(self.Events) == 0)
}

func (self *Model) AddAdapter(id remote.AdapterId, objectType string, owner remote.AdapterId, properties map[string]any) {
	obj := map[string]any{}
	for key, value := range properties {
		obj[key] = value
	}
	obj["id"] = id
	obj["objectType"] = objectType
	if owner != "" {
		obj["owner"] = owner
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	self.AdapterData[id] = raw
}

func (self *Model) AddEvent(target remote.AdapterId, eventType remote.EventType, properties map[string]any) {
	event := &remote.ModelEvent{
		Target:     target,
		Type:       eventType,
		Properties: map[string]json.RawMessage{},
	}
	for key, value := range properties {
		raw, err := json.Marshal(value)
		if err != nil {
			panic(err)
		}
		event.Properties[key] = raw
	}
	self.Events = append(self.Events, event)
}

// merges `model` after the content of self
func (self *Model) Merge(model *Model) {
	if model == nil {
		return
	}
	for id, raw := range model.AdapterData {
		self.AdapterData[id] = raw
	}
	self.Events = append(self.Events, model.Events...)
}

// the server side of the ui model
type Application interface {
	// the initial model of a new ui session. The model must contain the client session
	// adapter `ClientSessionAdapterId`.
	Startup(uiSession *UiSession) (*Model, error)
	// answers the events of one request
	HandleEvents(uiSession *UiSession, events []*remote.RemoteEvent) (*Model, error)
}

const ClientSessionAdapterId = remote.AdapterId("2")
const DesktopAdapterId = remote.AdapterId("3")

const EchoEventType = remote.EventType("echo")

// Answers every event with an `echo` event to the same target, carrying the
// original type as `eventType` and the original properties as `values`.
// A `logout` event logs the session out.
type EchoApplication struct {
	LogoutRedirectUrl string
}

func NewEchoApplication() *EchoApplication {
	return &EchoApplication{}
}

func (self *EchoApplication) Startup(uiSession *UiSession) (*Model, error) {
	model := NewModel()
	model.AddAdapter(ClientSessionAdapterId, "ClientSession", "", map[string]any{
		"desktop": DesktopAdapterId,
	})
	model.AddAdapter(DesktopAdapterId, "Desktop", "", map[string]any{
		"title": fmt.Sprintf("session %s", uiSession.UiSessionId),
	})
	return model, nil
}

func (self *EchoApplication) HandleEvents(uiSession *UiSession, events []*remote.RemoteEvent) (*Model, error) {
	model := NewModel()
	for _, event := range events {
		if event.Type == remote.EventTypeLogout {
			model.AddEvent(remote.RootAdapterId, remote.EventTypeLogout, map[string]any{
				"redirectUrl": self.LogoutRedirectUrl,
			})
			continue
		}
		properties := map[string]any{
			"eventType": event.Type,
		}
		if 0 < len(event.Properties) {
			properties["values"] = event.Properties
		}
		model.AddEvent(event.Target, EchoEventType, properties)
	}
	return model, nil
}
