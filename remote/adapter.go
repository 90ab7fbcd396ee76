package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// the widget tree collaborator that adapters drive
type Widget interface {
	Render() error
	Remove()
	SetProperty(name string, value json.RawMessage) error
}

type WidgetFactory interface {
	// parent is nil for top level widgets
	CreateWidget(adapterData *AdapterData, parent Widget) (Widget, error)
}

// the capability every adapter kind implements
type ModelAdapter interface {
	Id() AdapterId
	Widget() Widget
	OnModelEvent(event *ModelEvent) error
	OnModelAction(event *ModelEvent) error
	Destroy()
}

// kind specific behavior of an `Adapter`. Property events are handled by the adapter itself.
type ModelActionHandler interface {
	// return `ErrUnsupportedAction` for action types the kind does not know
	OnModelAction(adapter *Adapter, event *ModelEvent) error
}

type ModelActionHandlerFunc func(adapter *Adapter, event *ModelEvent) error

func (self ModelActionHandlerFunc) OnModelAction(adapter *Adapter, event *ModelEvent) error {
	return self(adapter, event)
}

type ModelActionHandlerFactory func(adapterData *AdapterData) ModelActionHandler

type EventSender interface {
	SendEvent(event *RemoteEvent, delay time.Duration)
}

// adapter lifecycle is:
// AdapterStateUninitialized
//   -> AdapterStateActive
//     -> AdapterStateDisposed (terminal)
type AdapterState string

const (
	AdapterStateUninitialized AdapterState = "Uninitialized"
	AdapterStateActive        AdapterState = "Active"
	AdapterStateDisposed      AdapterState = "Disposed"
)

// the generic client shadow of one server owned object
type Adapter struct {
	id         AdapterId
	objectType string

	registry *AdapterRegistry
	sender   EventSender
	handler  ModelActionHandler

	state  AdapterState
	widget Widget
}

func newAdapter(
	adapterData *AdapterData,
	registry *AdapterRegistry,
	sender EventSender,
	handler ModelActionHandler,
) *Adapter {
	return &Adapter{
		id:         adapterData.Id,
		objectType: adapterData.ObjectType,
		registry:   registry,
		sender:     sender,
		handler:    handler,
		state:      AdapterStateUninitialized,
	}
}

func (self *Adapter) Id() AdapterId {
	return self.id
}

func (self *Adapter) ObjectType() string {
	return self.objectType
}

func (self *Adapter) State() AdapterState {
	return self.state
}

func (self *Adapter) Widget() Widget {
	return self.widget
}

func (self *Adapter) bind(widget Widget) {
	if self.state != AdapterStateUninitialized {
		panic(fmt.Errorf("Adapter %s already bound (%s)", self.id, self.state))
	}
	self.widget = widget
	self.state = AdapterStateActive
}

// sends an event to the server model of this adapter
func (self *Adapter) Send(eventType EventType, properties map[string]any) *RemoteEvent {
	return self.SendDelayed(NewRemoteEvent(self.id, eventType, properties), 0)
}

func (self *Adapter) SendProperty(name string, value any) *RemoteEvent {
	return self.SendDelayed(NewPropertyEvent(self.id, name, value), 0)
}

func (self *Adapter) SendDelayed(event *RemoteEvent, delay time.Duration) *RemoteEvent {
	if self.state != AdapterStateActive {
		glog.Infof("[a]drop %s on %s adapter\n", event, self.state)
		return event
	}
	self.sender.SendEvent(event, delay)
	return event
}

// creates (or returns) a child adapter owned by this adapter
func (self *Adapter) GetOrCreateChild(id AdapterId) (ModelAdapter, error) {
	return self.registry.GetOrCreate(id, self)
}

func (self *Adapter) OnModelEvent(event *ModelEvent) error {
	if self.state != AdapterStateActive {
		return &ProtocolError{
			Kind:       ProtocolErrorInconsistentModel,
			Message:    fmt.Sprintf("event %s for %s adapter", event.Type, self.state),
			AdapterIds: []AdapterId{self.id},
		}
	}
	switch event.Type {
	case EventTypeProperty:
		return self.onModelPropertyChange(event)
	default:
		return self.OnModelAction(event)
	}
}

func (self *Adapter) onModelPropertyChange(event *ModelEvent) error {
	properties := map[string]json.RawMessage{}
	if _, err := event.Property("properties", &properties); err != nil {
		return err
	}
	for _, name := range sortedKeys(properties) {
		if err := self.widget.SetProperty(name, properties[name]); err != nil {
			return fmt.Errorf("set property %s on %s: %w", name, self.id, err)
		}
	}
	return nil
}

func (self *Adapter) OnModelAction(event *ModelEvent) error {
	if self.handler == nil {
		return newUnknownEventTypeError(self.id, event.Type)
	}
	err := self.handler.OnModelAction(self, event)
	if errors.Is(err, ErrUnsupportedAction) {
		return newUnknownEventTypeError(self.id, event.Type)
	}
	return err
}

// destroys owned adapters first, then removes the widget and unregisters
func (self *Adapter) Destroy() {
	if self.state == AdapterStateDisposed {
		return
	}
	self.registry.destroyOwned(self.id)
	if self.widget != nil {
		self.widget.Remove()
	}
	self.registry.Unregister(self.id)
	self.state = AdapterStateDisposed
	if glog.V(2) {
		glog.Infof("[a]destroyed %s (%s)\n", self.id, self.objectType)
	}
}

func (self *Adapter) String() string {
	return fmt.Sprintf("%s[%s]", self.objectType, self.id)
}
