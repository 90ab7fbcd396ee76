package remote

import (
	"fmt"
	"strings"
	"sync"
)

// The presentation collaborator of a session. All methods are called on the
// session loop and must not block.
type Ui interface {
	// parent widget of the top level adapters
	RootWidget() Widget

	ShowBusyIndicator()
	HideBusyIndicator()
	SetBusyIndicatorCancelling()

	// answer with `Session.AcknowledgeFatalMessage`
	ShowFatalMessage(message *FatalMessage)

	Offline()
	Online()
	Reconnecting()
	ReconnectingSucceeded()
	ReconnectingFailed()

	// restarts the application, optionally at another url
	Reload(redirectUrl string)
}

// per tab storage that survives a reload
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Remove(key string)
}

type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string]string{},
	}
}

func (self *MemoryStorage) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryStorage) Set(key string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
}

func (self *MemoryStorage) Remove(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
}

type TextResolver interface {
	// the text for `key`, or `defaultValue` when the key is unknown.
	// `{0}`, `{1}`, ... are replaced with `args`.
	OptText(key string, defaultValue string, args ...string) string
}

// the texts of one locale, as sent by the server
type TextMap struct {
	Locale string
	texts  map[string]string
}

func NewTextMap(locale string, texts map[string]string) *TextMap {
	textMap := &TextMap{
		Locale: locale,
		texts:  map[string]string{},
	}
	textMap.AddAll(texts)
	return textMap
}

func (self *TextMap) AddAll(texts map[string]string) {
	for key, text := range texts {
		self.texts[key] = text
	}
}

func (self *TextMap) OptText(key string, defaultValue string, args ...string) string {
	text, ok := self.texts[key]
	if !ok {
		text = defaultValue
	}
	for i, arg := range args {
		text = strings.ReplaceAll(text, fmt.Sprintf("{%d}", i), arg)
	}
	return text
}
