package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// adapter data sent with responses, kept until an adapter is created from it
type AdapterDataCache struct {
	// retains entries after adapter creation, for diagnostics
	exportEnabled bool
	adapterData   map[AdapterId]json.RawMessage
}

func NewAdapterDataCache(exportEnabled bool) *AdapterDataCache {
	return &AdapterDataCache{
		exportEnabled: exportEnabled,
		adapterData:   map[AdapterId]json.RawMessage{},
	}
}

func (self *AdapterDataCache) Merge(adapterData map[AdapterId]json.RawMessage) {
	for id, raw := range adapterData {
		self.adapterData[id] = raw
	}
	if 0 < len(adapterData) && glog.V(2) {
		glog.Infof("[a]stored %d adapter data in cache (%d total)\n", len(adapterData), len(self.adapterData))
	}
}

func (self *AdapterDataCache) Get(id AdapterId) (json.RawMessage, bool) {
	raw, ok := self.adapterData[id]
	return raw, ok
}

// removes the entry unless export is enabled
func (self *AdapterDataCache) consume(id AdapterId) {
	if !self.exportEnabled {
		delete(self.adapterData, id)
	}
}

func (self *AdapterDataCache) Len() int {
	return len(self.adapterData)
}

// a copy of the cache content, only complete when export is enabled
func (self *AdapterDataCache) Export() map[AdapterId]json.RawMessage {
	export := make(map[AdapterId]json.RawMessage, len(self.adapterData))
	for id, raw := range self.adapterData {
		export[id] = raw
	}
	return export
}

// owns all adapters of a session. Must only be used from the session loop.
type AdapterRegistry struct {
	sender        EventSender
	widgetFactory WidgetFactory
	cache         *AdapterDataCache

	adapters map[AdapterId]ModelAdapter
	// owner id -> owned ids, in creation order
	owned map[AdapterId][]AdapterId
	// owned id -> owner id
	owners map[AdapterId]AdapterId
	// object type -> kind behavior
	kinds map[string]ModelActionHandlerFactory
}

func NewAdapterRegistry(sender EventSender, widgetFactory WidgetFactory, cache *AdapterDataCache) *AdapterRegistry {
	return &AdapterRegistry{
		sender:        sender,
		widgetFactory: widgetFactory,
		cache:         cache,
		adapters:      map[AdapterId]ModelAdapter{},
		owned:         map[AdapterId][]AdapterId{},
		owners:        map[AdapterId]AdapterId{},
		kinds:         map[string]ModelActionHandlerFactory{},
	}
}

func (self *AdapterRegistry) RegisterKind(objectType string, handlerFactory ModelActionHandlerFactory) {
	self.kinds[objectType] = handlerFactory
}

func (self *AdapterRegistry) Register(adapter ModelAdapter) error {
	id := adapter.Id()
	if id == "" {
		return fmt.Errorf("Adapter id must be defined")
	}
	if _, ok := self.adapters[id]; ok {
		return fmt.Errorf("Adapter %s is already registered", id)
	}
	self.adapters[id] = adapter
	return nil
}

func (self *AdapterRegistry) Unregister(id AdapterId) {
	delete(self.adapters, id)
	delete(self.owned, id)
	if ownerId, ok := self.owners[id]; ok {
		delete(self.owners, id)
		ownedIds := slices.DeleteFunc(self.owned[ownerId], func(ownedId AdapterId) bool {
			return ownedId == id
		})
		if len(ownedIds) == 0 {
			delete(self.owned, ownerId)
		} else {
			self.owned[ownerId] = ownedIds
		}
	}
}

// nil when absent
func (self *AdapterRegistry) Get(id AdapterId) ModelAdapter {
	return self.adapters[id]
}

func (self *AdapterRegistry) Len() int {
	return len(self.adapters)
}

// returns the existing adapter, or creates one from the adapter data cache and
// binds it to a new widget under the parent's widget. `parent` becomes the owner.
func (self *AdapterRegistry) GetOrCreate(id AdapterId, parent ModelAdapter) (ModelAdapter, error) {
	if id == "" {
		return nil, fmt.Errorf("Adapter id must be defined")
	}
	if adapter := self.adapters[id]; adapter != nil {
		return adapter, nil
	}
	raw, ok := self.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("No adapter data found for adapter id %s", id)
	}
	adapterData, err := ParseAdapterData(id, raw)
	if err != nil {
		return nil, err
	}

	var handler ModelActionHandler
	if handlerFactory := self.kind(adapterData.ObjectType); handlerFactory != nil {
		handler = handlerFactory(adapterData)
	}
	adapter := newAdapter(adapterData, self, self.sender, handler)
	if err := self.Register(adapter); err != nil {
		return nil, err
	}

	var parentWidget Widget
	if parent != nil {
		parentWidget = parent.Widget()
	}
	widget, err := self.widgetFactory.CreateWidget(adapterData, parentWidget)
	if err != nil {
		self.Unregister(id)
		return nil, fmt.Errorf("create widget for %s: %w", adapter, err)
	}
	adapter.bind(widget)
	if parent != nil {
		self.owned[parent.Id()] = append(self.owned[parent.Id()], id)
		self.owners[id] = parent.Id()
	}
	self.cache.consume(id)

	if glog.V(2) {
		glog.Infof("[a]created %s\n", adapter)
	}
	return adapter, nil
}

// model variants "Type:Variant" fall back to the plain type
func (self *AdapterRegistry) kind(objectType string) ModelActionHandlerFactory {
	if handlerFactory, ok := self.kinds[objectType]; ok {
		return handlerFactory
	}
	if i := strings.Index(objectType, ":"); 0 <= i {
		return self.kinds[objectType[:i]]
	}
	return nil
}

// destroys owned adapters in reverse creation order
func (self *AdapterRegistry) destroyOwned(ownerId AdapterId) {
	ownedIds := self.owned[ownerId]
	delete(self.owned, ownerId)
	for i := len(ownedIds) - 1; 0 <= i; i -= 1 {
		if adapter := self.adapters[ownedIds[i]]; adapter != nil {
			adapter.Destroy()
		}
	}
}

// destroys every adapter except the ones in `keep`
func (self *AdapterRegistry) destroyAll(keep ...AdapterId) {
	keepIds := map[AdapterId]bool{}
	for _, id := range keep {
		keepIds[id] = true
	}
	for _, id := range sortedKeys(self.adapters) {
		if keepIds[id] {
			continue
		}
		if adapter := self.adapters[id]; adapter != nil {
			adapter.Destroy()
		}
	}
}
