package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	// how long a broken connection stays closed before the next `Send` redials
	ReconnectTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      15 * time.Second,
		ReconnectTimeout: 1 * time.Second,
	}
}

// The same json envelopes as `HttpTransport`, as text messages on one websocket.
// Concurrent requests share the connection and are correlated by call id.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	auth  *ClientAuth

	settings *WsTransportSettings

	mutex sync.Mutex
	conn  *wsConn
	// no dial before this time
	reconnectTime time.Time
}

func NewWsTransportWithDefaults(ctx context.Context, wsUrl string, auth *ClientAuth) *WsTransport {
	return NewWsTransport(ctx, wsUrl, auth, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, wsUrl string, auth *ClientAuth, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		wsUrl:    wsUrl,
		auth:     auth,
		settings: settings,
	}
}

func (self *WsTransport) Send(ctx context.Context, request *Request) (*Response, error) {
	if request.CallId.IsZero() {
		request.CallId = NewId()
	}
	requestBytes, err := json.Marshal(request)
	if err != nil {
		return nil, NewTerminalError(0, err)
	}

	conn, err := self.connect(ctx)
	if err != nil {
		return nil, err
	}

	result := conn.register(request.CallId)
	defer conn.unregister(request.CallId)

	if err := conn.write(requestBytes); err != nil {
		conn.close(err)
		return nil, NewOfflineError(err)
	}
	if glog.V(2) {
		glog.Infof("[ts]%s %s->\n", request, request.CallId)
	}

	select {
	case <-ctx.Done():
		return nil, classifyCallError(ctx, ctx.Err())
	case <-self.ctx.Done():
		return nil, ErrAborted
	case <-conn.ctx.Done():
		return nil, NewOfflineError(conn.err())
	case response := <-result:
		return response, nil
	}
}

func (self *WsTransport) connect(ctx context.Context) (*wsConn, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ctx.Err() != nil {
		return nil, ErrAborted
	}
	if self.conn != nil && self.conn.ctx.Err() == nil {
		return self.conn, nil
	}
	if now := time.Now(); now.Before(self.reconnectTime) {
		return nil, NewOfflineError(fmt.Errorf("Reconnect in %s", self.reconnectTime.Sub(now)))
	}

	header := http.Header{}
	if self.auth != nil && self.auth.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, httpResponse, err := dialer.DialContext(ctx, self.wsUrl, header)
	if err != nil {
		self.reconnectTime = time.Now().Add(self.settings.ReconnectTimeout)
		glog.Infof("[t]ws connect error = %s\n", err)
		if httpResponse != nil && httpResponse.StatusCode != http.StatusSwitchingProtocols {
			return nil, classifyStatus(httpResponse.StatusCode, err)
		}
		return nil, classifyCallError(ctx, err)
	}

	self.conn = newWsConn(self.ctx, ws, self.settings)
	return self.conn, nil
}

func (self *WsTransport) Close() {
	self.cancel()
	self.mutex.Lock()
	conn := self.conn
	self.conn = nil
	self.mutex.Unlock()
	if conn != nil {
		conn.close(ErrAborted)
	}
}

// one websocket connection and the calls waiting on it
type wsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	writeMutex sync.Mutex

	stateLock sync.Mutex
	pending   map[Id]chan *Response
	closeErr  error
}

func newWsConn(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *wsConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &wsConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		pending:  map[Id]chan *Response{},
	}
	go conn.read()
	go conn.ping()
	return conn
}

func (self *wsConn) register(callId Id) chan *Response {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	result := make(chan *Response, 1)
	self.pending[callId] = result
	return result
}

func (self *wsConn) unregister(callId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, callId)
}

func (self *wsConn) write(message []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *wsConn) read() {
	defer self.cancel()

	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.close(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		response := &Response{}
		if err := json.Unmarshal(message, response); err != nil {
			glog.Infof("[t]ws drop message = %s\n", err)
			continue
		}
		self.stateLock.Lock()
		result, ok := self.pending[response.CallId]
		self.stateLock.Unlock()
		if !ok {
			// the caller stopped waiting
			if glog.V(1) {
				glog.Infof("[t]ws drop %s for %s\n", response, response.CallId)
			}
			continue
		}
		select {
		case result <- response:
		default:
		}
	}
}

func (self *wsConn) ping() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.writeMutex.Lock()
		err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout))
		self.writeMutex.Unlock()
		if err != nil {
			self.close(err)
			return
		}
	}
}

func (self *wsConn) close(err error) {
	self.stateLock.Lock()
	if self.closeErr == nil {
		self.closeErr = err
	}
	self.stateLock.Unlock()
	self.cancel()
	self.ws.Close()
}

func (self *wsConn) err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closeErr == nil {
		return errors.New("Connection closed")
	}
	return self.closeErr
}
