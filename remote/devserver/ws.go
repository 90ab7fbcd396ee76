package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/remoteui/remote"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Each text message is one request. Requests are handled concurrently, since a poll
// holds its goroutine, and the responses are written as they complete.
func (self *Server) handleWs(c *gin.Context) {
	if self.isOffline() {
		c.String(http.StatusServiceUnavailable, "offline")
		return
	}
	clientJwt, err := self.authorize(c.GetHeader("Authorization"))
	if err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Infof("[dev]ws upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	var writeMutex sync.Mutex
	write := func(response *remote.Response) {
		responseBytes, err := json.Marshal(response)
		if err != nil {
			glog.Infof("[dev]ws encode error = %s\n", err)
			return
		}
		writeMutex.Lock()
		defer writeMutex.Unlock()
		if err := ws.WriteMessage(websocket.TextMessage, responseBytes); err != nil {
			glog.Infof("[dev]ws write error = %s\n", err)
		}
	}

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if self.isOffline() {
			glog.Infof("[dev]ws drop connection (offline)\n")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		request := &remote.Request{}
		if err := json.Unmarshal(message, request); err != nil {
			glog.Infof("[dev]ws drop message = %s\n", err)
			continue
		}
		go func() {
			write(self.Handle(handleCtx, request, clientJwt))
		}()
	}
}
