package remote

import (
	"fmt"

	"github.com/golang/glog"
)

// applies incoming events to adapters, tolerating events that arrive before
// the event that creates their target
type EventDispatcher struct {
	registry *AdapterRegistry

	// the event being dispatched, attached to log requests
	currentEvent *ModelEvent
}

func NewEventDispatcher(registry *AdapterRegistry) *EventDispatcher {
	return &EventDispatcher{
		registry: registry,
	}
}

func (self *EventDispatcher) CurrentEvent() *ModelEvent {
	return self.currentEvent
}

// Events whose target cannot be resolved are postponed. After each successful
// dispatch the scan restarts at the first postponed event, since the dispatch
// may have created the missing target. When a full pass makes no progress the
// remaining targets are reported as one `ProtocolErrorUnresolvedTarget`.
func (self *EventDispatcher) Dispatch(events []*ModelEvent) error {
	defer func() {
		self.currentEvent = nil
	}()

	pending := make([]*ModelEvent, len(events))
	copy(pending, events)

	i := 0
	for i < len(pending) {
		event := pending[i]
		self.currentEvent = event

		adapter := self.registry.Get(event.Target)
		if adapter == nil {
			if glog.V(2) {
				glog.Infof("[d]postpone %s\n", event)
			}
			i += 1
			continue
		}
		pending = append(pending[:i], pending[i+1:]...)
		i = 0

		if glog.V(2) {
			glog.Infof("[d]dispatch %s\n", event)
		}
		if err := adapter.OnModelEvent(event); err != nil {
			return err
		}
	}

	if 0 < len(pending) {
		targets := map[AdapterId]bool{}
		for _, event := range pending {
			targets[event.Target] = true
		}
		return &ProtocolError{
			Kind:       ProtocolErrorUnresolvedTarget,
			Message:    fmt.Sprintf("Could not resolve event targets of %d events", len(pending)),
			AdapterIds: sortedKeys(targets),
		}
	}
	return nil
}
