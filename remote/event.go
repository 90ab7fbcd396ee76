package remote

import (
	"encoding/json"
	"fmt"
)

// server assigned, unique per session
type AdapterId string

// the session itself is the adapter for session scoped events
const RootAdapterId AdapterId = "1"

type EventType string

// event types understood by the runtime itself. Adapter kinds define their own action types.
const (
	EventTypeProperty       EventType = "property"
	EventTypeLocaleChanged  EventType = "localeChanged"
	EventTypeLogout         EventType = "logout"
	EventTypeDisposeAdapter EventType = "disposeAdapter"
	EventTypeReloadPage     EventType = "reloadPage"
)

// returns true when `previous` is superseded by the event that owns the predicate
type CoalesceFunction func(previous *RemoteEvent) bool

// an outgoing event, produced by an adapter
type RemoteEvent struct {
	Target     AdapterId
	Type       EventType
	Properties map[string]any

	// not serialized
	Coalesce CoalesceFunction
	// nil means true
	ShowBusyIndicator *bool
}

func NewRemoteEvent(target AdapterId, eventType EventType, properties map[string]any) *RemoteEvent {
	if properties == nil {
		properties = map[string]any{}
	}
	return &RemoteEvent{
		Target:     target,
		Type:       eventType,
		Properties: properties,
	}
}

func NewPropertyEvent(target AdapterId, name string, value any) *RemoteEvent {
	event := NewRemoteEvent(target, EventTypeProperty, map[string]any{
		name: value,
	})
	// a newer value of the same property replaces the queued one
	event.Coalesce = func(previous *RemoteEvent) bool {
		if previous.Type != EventTypeProperty || len(previous.Properties) != 1 {
			return false
		}
		_, ok := previous.Properties[name]
		return ok
	}
	return event
}

func (self *RemoteEvent) WithCoalesce(coalesce CoalesceFunction) *RemoteEvent {
	self.Coalesce = coalesce
	return self
}

func (self *RemoteEvent) WithShowBusyIndicator(showBusyIndicator bool) *RemoteEvent {
	self.ShowBusyIndicator = &showBusyIndicator
	return self
}

// coalesce any queued event of the same type
func CoalesceSameType(eventType EventType) CoalesceFunction {
	return func(previous *RemoteEvent) bool {
		return previous.Type == eventType
	}
}

func (self *RemoteEvent) showsBusyIndicator() bool {
	if self.ShowBusyIndicator == nil {
		return true
	}
	return *self.ShowBusyIndicator
}

func (self *RemoteEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(self.Properties)+2)
	for name, value := range self.Properties {
		obj[name] = value
	}
	obj["target"] = self.Target
	obj["type"] = self.Type
	return json.Marshal(obj)
}

func (self *RemoteEvent) UnmarshalJSON(src []byte) error {
	var modelEvent ModelEvent
	if err := json.Unmarshal(src, &modelEvent); err != nil {
		return err
	}
	self.Target = modelEvent.Target
	self.Type = modelEvent.Type
	self.Properties = make(map[string]any, len(modelEvent.Properties))
	for name, raw := range modelEvent.Properties {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		self.Properties[name] = value
	}
	return nil
}

func (self *RemoteEvent) String() string {
	return fmt.Sprintf("%s@%s", self.Type, self.Target)
}

// an incoming event, produced by the server
type ModelEvent struct {
	Target     AdapterId
	Type       EventType
	Properties map[string]json.RawMessage
}

func (self *ModelEvent) UnmarshalJSON(src []byte) error {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(src, &obj); err != nil {
		return err
	}
	if raw, ok := obj["target"]; ok {
		if err := json.Unmarshal(raw, &self.Target); err != nil {
			return fmt.Errorf("event target: %w", err)
		}
		delete(obj, "target")
	}
	if raw, ok := obj["type"]; ok {
		if err := json.Unmarshal(raw, &self.Type); err != nil {
			return fmt.Errorf("event type: %w", err)
		}
		delete(obj, "type")
	}
	self.Properties = obj
	return nil
}

func (self *ModelEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(self.Properties)+2)
	for name, raw := range self.Properties {
		obj[name] = raw
	}
	target, _ := json.Marshal(self.Target)
	obj["target"] = target
	eventType, _ := json.Marshal(self.Type)
	obj["type"] = eventType
	return json.Marshal(obj)
}

// decodes the named property into `value`. Returns false if the property is absent.
func (self *ModelEvent) Property(name string, value any) (bool, error) {
	raw, ok := self.Properties[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return true, fmt.Errorf("property %s of %s: %w", name, self, err)
	}
	return true, nil
}

func (self *ModelEvent) StringProperty(name string) string {
	var value string
	self.Property(name, &value)
	return value
}

func (self *ModelEvent) String() string {
	return fmt.Sprintf("%s@%s", self.Type, self.Target)
}
