package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bringyour/remoteui/remote"
)

// prints the widget tree operations
type consoleWidget struct {
	ui          *consoleUi
	adapterData *remote.AdapterData
	depth       int
}

func (self *consoleWidget) Render() error {
	self.ui.printf(self.depth, "render %s[%s] %s", self.adapterData.ObjectType, self.adapterData.Id, self.adapterData.Raw)
	return nil
}

func (self *consoleWidget) Remove() {
	self.ui.printf(self.depth, "remove %s[%s]", self.adapterData.ObjectType, self.adapterData.Id)
}

func (self *consoleWidget) SetProperty(name string, value json.RawMessage) error {
	self.ui.printf(self.depth, "%s[%s].%s = %s", self.adapterData.ObjectType, self.adapterData.Id, name, value)
	return nil
}

type consoleRootWidget struct {
}

func (self *consoleRootWidget) Render() error {
	return nil
}

func (self *consoleRootWidget) Remove() {
}

func (self *consoleRootWidget) SetProperty(name string, value json.RawMessage) error {
	return nil
}

// `remote.Ui` and `remote.WidgetFactory` on stdout
type consoleUi struct {
	root *consoleRootWidget

	reload chan string

	stateLock     sync.Mutex
	fatalMessages map[string]*remote.FatalMessage
}

func newConsoleUi() *consoleUi {
	return &consoleUi{
		root:          &consoleRootWidget{},
		reload:        make(chan string, 1),
		fatalMessages: map[string]*remote.FatalMessage{},
	}
}

func (self *consoleUi) printf(depth int, format string, a ...any) {
	indent := ""
	for i := 0; i < depth; i += 1 {
		indent += "  "
	}
	Out.Printf("%s%s", indent, fmt.Sprintf(format, a...))
}

func (self *consoleUi) CreateWidget(adapterData *remote.AdapterData, parent remote.Widget) (remote.Widget, error) {
	depth := 0
	if parentWidget, ok := parent.(*consoleWidget); ok {
		depth = parentWidget.depth + 1
	}
	return &consoleWidget{
		ui:          self,
		adapterData: adapterData,
		depth:       depth,
	}, nil
}

func (self *consoleUi) RootWidget() remote.Widget {
	return self.root
}

func (self *consoleUi) ShowBusyIndicator() {
	Out.Printf("[busy]")
}

func (self *consoleUi) HideBusyIndicator() {
	Out.Printf("[idle]")
}

func (self *consoleUi) SetBusyIndicatorCancelling() {
	Out.Printf("[cancelling]")
}

func (self *consoleUi) ShowFatalMessage(message *remote.FatalMessage) {
	self.stateLock.Lock()
	self.fatalMessages[message.Code] = message
	self.stateLock.Unlock()

	Out.Printf("!! %s: %s", message.Header, message.Body)
	if message.NoButtonText != "" {
		Out.Printf("!! answer with `yes %s` (%s) or `no %s` (%s)", message.Code, message.YesButtonText, message.Code, message.NoButtonText)
	} else {
		Out.Printf("!! answer with `yes %s` (%s)", message.Code, message.YesButtonText)
	}
}

func (self *consoleUi) takeFatalMessage(code string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.fatalMessages[code]
	delete(self.fatalMessages, code)
	return ok
}

func (self *consoleUi) Offline() {
	Out.Printf("[offline]")
}

func (self *consoleUi) Online() {
	Out.Printf("[online]")
}

func (self *consoleUi) Reconnecting() {
	Out.Printf("[reconnecting]")
}

func (self *consoleUi) ReconnectingSucceeded() {
	Out.Printf("[reconnected]")
}

func (self *consoleUi) ReconnectingFailed() {
	Out.Printf("[reconnect failed]")
}

func (self *consoleUi) Reload(redirectUrl string) {
	select {
	case self.reload <- redirectUrl:
	default:
	}
}

// prints the actions the server sends to adapters of a kind
func consoleActionHandler(adapterData *remote.AdapterData) remote.ModelActionHandler {
	return remote.ModelActionHandlerFunc(func(adapter *remote.Adapter, event *remote.ModelEvent) error {
		eventBytes, err := json.Marshal(event)
		if err != nil {
			return err
		}
		Out.Printf("%s <- %s", adapter, eventBytes)
		return nil
	})
}
