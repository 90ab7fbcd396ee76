package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/remoteui/remote"
)

var serverRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "remoteui",
	Subsystem: "devserver",
	Name:      "requests_total",
	Help:      "Requests handled by the dev server, by request kind",
}, []string{"kind"})

var ErrUiSessionNotFound = errors.New("Ui session not found")

type ServerSettings struct {
	// how long a poll request is held open when there is nothing to push
	PollingInterval time.Duration
	// when set, requests must carry a bearer token signed with this key
	JwtSigningKey []byte
	JwtExpiration time.Duration
	// startup requests with another version get a version mismatch error
	Version    string
	Persistent bool
	Locale     string
	TextMap    map[string]string
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		PollingInterval: 60 * time.Second,
		JwtExpiration:   24 * time.Hour,
		Persistent:      false,
		Locale:          "en",
		TextMap: map[string]string{
			"ui.Reload":            "Reload",
			"ui.Ignore":            "Ignore",
			"ui.NetworkError":      "Network error",
			"ui.UnexpectedProblem": "Unexpected problem",
		},
	}
}

// server side state of one ui session
type UiSession struct {
	UiSessionId     string
	ClientSessionId string
	UserId          string

	responseSequenceNumber int64
	// sent responses the client has not acknowledged, ordered by sequence number
	unacked []*remote.Response
	// responses by request sequence number, so that a retried request is answered again
	requestResponses map[int64]*remote.Response

	pushed     *Model
	pushNotify chan struct{}

	terminated  bool
	redirectUrl string
}

func newUiSession(uiSessionId string, clientSessionId string, userId string) *UiSession {
	return &UiSession{
		UiSessionId:      uiSessionId,
		ClientSessionId:  clientSessionId,
		UserId:           userId,
		unacked:          []*remote.Response{},
		requestResponses: map[int64]*remote.Response{},
		pushNotify:       make(chan struct{}, 1),
	}
}

func (self *UiSession) notify() {
	select {
	case self.pushNotify <- struct{}{}:
	default:
	}
}

// An in-memory ui server that speaks the client protocol over http and websocket.
// Responses are sequenced per ui session, polls are held open, and a sync request
// is answered with one combined response of everything not acknowledged.
type Server struct {
	ctx         context.Context
	application Application
	settings    *ServerSettings

	stateLock    sync.Mutex
	uiSessions   map[string]*UiSession
	offline      bool
	requestCount map[remote.RequestKind]int
}

func NewServerWithDefaults(ctx context.Context, application Application) *Server {
	return NewServer(ctx, application, DefaultServerSettings())
}

func NewServer(ctx context.Context, application Application, settings *ServerSettings) *Server {
	return &Server{
		ctx:          ctx,
		application:  application,
		settings:     settings,
		uiSessions:   map[string]*UiSession{},
		requestCount: map[remote.RequestKind]int{},
	}
}

func (self *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), glogMiddleware())
	router.POST("/json", self.handleJson)
	router.POST("/unload/:uiSessionId", self.handleUnload)
	router.GET("/ws", self.handleWs)
	router.POST("/auth/jwt", self.handleAuthJwt)
	return router
}

func glogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		if glog.V(1) {
			glog.Infof(
				"[dev]%s %s %d (%s)\n",
				c.Request.Method,
				c.Request.URL.RequestURI(),
				c.Writer.Status(),
				time.Since(startTime),
			)
		}
	}
}

// while offline every request gets 503 and websocket connections are dropped
func (self *Server) SetOffline(offline bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.offline = offline
}

func (self *Server) isOffline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.offline
}

func (self *Server) UiSessionIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	uiSessionIds := maps.Keys(self.uiSessions)
	slices.Sort(uiSessionIds)
	return uiSessionIds
}

func (self *Server) RequestCount(kind remote.RequestKind) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.requestCount[kind]
}

// delivers `model` with the next poll of the ui session
func (self *Server) Push(uiSessionId string, model *Model) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	uiSession, ok := self.uiSessions[uiSessionId]
	if !ok {
		return ErrUiSessionNotFound
	}
	if uiSession.pushed == nil {
		uiSession.pushed = NewModel()
	}
	uiSession.pushed.Merge(model)
	uiSession.notify()
	return nil
}

// the next poll answers that the session is terminated
func (self *Server) Terminate(uiSessionId string, redirectUrl string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	uiSession, ok := self.uiSessions[uiSessionId]
	if !ok {
		return ErrUiSessionNotFound
	}
	uiSession.terminated = true
	uiSession.redirectUrl = redirectUrl
	uiSession.notify()
	return nil
}

func (self *Server) IssueJwt(userId string, clientSessionId string) (string, error) {
	if len(self.settings.JwtSigningKey) == 0 {
		return "", fmt.Errorf("No signing key")
	}
	claims := gojwt.MapClaims{
		"user_id":           userId,
		"client_session_id": clientSessionId,
		"exp":               time.Now().Add(self.settings.JwtExpiration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.settings.JwtSigningKey)
}

// verifies the bearer token. Without a signing key every request is accepted.
func (self *Server) authorize(authorization string) (*remote.ClientJwt, error) {
	if len(self.settings.JwtSigningKey) == 0 {
		return &remote.ClientJwt{}, nil
	}
	jwt, found := strings.CutPrefix(authorization, "Bearer ")
	if !found || jwt == "" {
		return nil, fmt.Errorf("Missing bearer token")
	}
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return self.settings.JwtSigningKey, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims type %T", token.Claims)
	}
	clientJwt := &remote.ClientJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		clientJwt.UserId = userId
	}
	if clientSessionId, ok := claims["client_session_id"].(string); ok {
		clientJwt.ClientSessionId = clientSessionId
	}
	return clientJwt, nil
}

func (self *Server) handleJson(c *gin.Context) {
	if self.isOffline() {
		c.String(http.StatusServiceUnavailable, "offline")
		return
	}
	clientJwt, err := self.authorize(c.GetHeader("Authorization"))
	if err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}
	request := &remote.Request{}
	if err := c.ShouldBindJSON(request); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	response := self.Handle(c.Request.Context(), request, clientJwt)
	c.JSON(http.StatusOK, response)
}

func (self *Server) handleUnload(c *gin.Context) {
	if self.isOffline() {
		c.String(http.StatusServiceUnavailable, "offline")
		return
	}
	if _, err := self.authorize(c.GetHeader("Authorization")); err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}
	self.countRequest(remote.RequestKindUnload)
	self.removeUiSession(c.Param("uiSessionId"))
	c.Status(http.StatusOK)
}

type authJwtArgs struct {
	UserId          string `json:"userId"`
	ClientSessionId string `json:"clientSessionId"`
}

type authJwtResult struct {
	ByJwt string `json:"byJwt"`
}

func (self *Server) handleAuthJwt(c *gin.Context) {
	var args authJwtArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if args.ClientSessionId == "" {
		args.ClientSessionId = remote.NewId().String()
	}
	byJwt, err := self.IssueJwt(args.UserId, args.ClientSessionId)
	if err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, &authJwtResult{
		ByJwt: byJwt,
	})
}

func (self *Server) countRequest(kind remote.RequestKind) {
	serverRequestCount.WithLabelValues(string(kind)).Inc()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.requestCount[kind] += 1
}

func (self *Server) removeUiSession(uiSessionId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if uiSession, ok := self.uiSessions[uiSessionId]; ok {
		delete(self.uiSessions, uiSessionId)
		uiSession.terminated = true
		uiSession.notify()
		glog.Infof("[dev]removed ui session %s\n", uiSessionId)
	}
}

func errorResponse(code remote.ApplicationErrorCode, message string) *remote.Response {
	return &remote.Response{
		Error: &remote.ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

// Answers one request. The call id is echoed for correlation.
func (self *Server) Handle(ctx context.Context, request *remote.Request, clientJwt *remote.ClientJwt) *remote.Response {
	self.countRequest(request.Kind)

	var response *remote.Response
	switch request.Kind {
	case remote.RequestKindStartup:
		response = self.startup(request, clientJwt)
	case remote.RequestKindPing:
		response = &remote.Response{}
	case remote.RequestKindLog:
		glog.Infof("[dev]client log %s: %s\n", request.UiSessionId, request.Message)
		response = &remote.Response{}
	default:
		self.stateLock.Lock()
		uiSession, ok := self.uiSessions[request.UiSessionId]
		self.stateLock.Unlock()
		if !ok {
			response = errorResponse(remote.ApplicationErrorSessionTimeout, "The ui session expired")
			break
		}
		switch request.Kind {
		case remote.RequestKindUnload:
			self.removeUiSession(uiSession.UiSessionId)
			response = &remote.Response{}
		case remote.RequestKindPoll:
			response = self.poll(ctx, uiSession, request)
		case remote.RequestKindSyncResponseQueue:
			response = self.sync(uiSession, request)
		case remote.RequestKindCancel:
			self.stateLock.Lock()
			self.ack(uiSession, request)
			self.stateLock.Unlock()
			response = &remote.Response{}
		default:
			response = self.handleEvents(uiSession, request)
		}
	}

	// cached responses are shared
	result := *response
	result.CallId = request.CallId
	return &result
}

func (self *Server) startup(request *remote.Request, clientJwt *remote.ClientJwt) *remote.Response {
	params := request.StartupParams
	if params == nil {
		params = &remote.StartupParams{}
	}
	if self.settings.Version != "" && params.Version != self.settings.Version {
		return errorResponse(
			remote.ApplicationErrorVersionMismatch,
			fmt.Sprintf("Version %q does not match %q", params.Version, self.settings.Version),
		)
	}

	clientSessionId := params.ClientSessionId
	if clientSessionId == "" && clientJwt != nil {
		clientSessionId = clientJwt.ClientSessionId
	}
	if clientSessionId == "" || params.ForceNewClientSession {
		clientSessionId = remote.NewId().String()
	}
	userId := ""
	if clientJwt != nil {
		userId = clientJwt.UserId
	}

	uiSession := newUiSession(remote.NewId().String(), clientSessionId, userId)
	model, err := self.application.Startup(uiSession)
	if err != nil {
		return errorResponse(remote.ApplicationErrorStartupFailed, err.Error())
	}

	self.stateLock.Lock()
	self.uiSessions[uiSession.UiSessionId] = uiSession
	self.stateLock.Unlock()
	glog.Infof("[dev]started ui session %s client session %s\n", uiSession.UiSessionId, clientSessionId)

	return &remote.Response{
		AdapterData: model.AdapterData,
		Events:      model.Events,
		StartupData: &remote.StartupData{
			UiSessionId:     uiSession.UiSessionId,
			ClientSessionId: clientSessionId,
			ClientSession:   ClientSessionAdapterId,
			Locale:          self.settings.Locale,
			TextMap:         self.settings.TextMap,
			PollingInterval: int(self.settings.PollingInterval / time.Second),
			Persistent:      self.settings.Persistent,
		},
	}
}

// drops everything the client has applied. Must hold the state lock.
func (self *Server) ack(uiSession *UiSession, request *remote.Request) {
	if request.Ack == nil {
		return
	}
	ack := *request.Ack
	uiSession.unacked = slices.DeleteFunc(uiSession.unacked, func(response *remote.Response) bool {
		return *response.SequenceNumber <= ack
	})
}

// The client sends a new user request only after the previous ones completed or
// were folded into a sync request, so earlier requests are never retried again.
// Must hold the state lock.
func (self *Server) forgetRequests(uiSession *UiSession, request *remote.Request) {
	if request.SequenceNumber == nil {
		return
	}
	requestSequenceNumber := *request.SequenceNumber
	maps.DeleteFunc(uiSession.requestResponses, func(sequenceNumber int64, response *remote.Response) bool {
		return sequenceNumber < requestSequenceNumber
	})
}

// only responses with content consume a sequence number. Must hold the state lock.
func (self *Server) nextResponse(uiSession *UiSession, model *Model) *remote.Response {
	if model.IsEmpty() {
		return &remote.Response{}
	}
	uiSession.responseSequenceNumber += 1
	sequenceNumber := uiSession.responseSequenceNumber
	response := &remote.Response{
		SequenceNumber: &sequenceNumber,
		AdapterData:    model.AdapterData,
		Events:         model.Events,
	}
	uiSession.unacked = append(uiSession.unacked, response)
	return response
}

func (self *Server) handleEvents(uiSession *UiSession, request *remote.Request) *remote.Response {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ack(uiSession, request)
	if request.SequenceNumber != nil {
		if response, ok := uiSession.requestResponses[*request.SequenceNumber]; ok {
			glog.Infof("[dev]repeat response for %s\n", request)
			return response
		}
	}
	self.forgetRequests(uiSession, request)

	model, err := self.application.HandleEvents(uiSession, request.Events)
	if err != nil {
		return errorResponse(remote.ApplicationErrorUiProcessing, err.Error())
	}
	response := self.nextResponse(uiSession, model)
	if request.SequenceNumber != nil {
		uiSession.requestResponses[*request.SequenceNumber] = response
	}
	return response
}

// Takes the pushed model, nil when nothing was pushed. Must hold the state lock.
func (self *Server) takePushed(uiSession *UiSession) *Model {
	pushed := uiSession.pushed
	uiSession.pushed = nil
	// the notification of the taken content must not wake the next poll
	select {
	case <-uiSession.pushNotify:
	default:
	}
	if pushed.IsEmpty() {
		return nil
	}
	return pushed
}

// Must hold the state lock. Returns nil when the poll keeps waiting.
func (self *Server) pollResponse(uiSession *UiSession) *remote.Response {
	if uiSession.terminated {
		return &remote.Response{
			SessionTerminated: true,
			RedirectUrl:       uiSession.redirectUrl,
		}
	}
	if pushed := self.takePushed(uiSession); pushed != nil {
		return self.nextResponse(uiSession, pushed)
	}
	return nil
}

// held open until content is pushed, the session is terminated, or the polling interval ends
func (self *Server) poll(ctx context.Context, uiSession *UiSession, request *remote.Request) *remote.Response {
	self.stateLock.Lock()
	self.ack(uiSession, request)
	self.stateLock.Unlock()

	endTime := time.Now().Add(self.settings.PollingInterval)
	for {
		self.stateLock.Lock()
		response := self.pollResponse(uiSession)
		self.stateLock.Unlock()
		if response != nil {
			return response
		}

		timeout := time.Until(endTime)
		if timeout <= 0 {
			return &remote.Response{}
		}
		select {
		case <-uiSession.pushNotify:
		case <-time.After(timeout):
		case <-ctx.Done():
			return &remote.Response{}
		case <-self.ctx.Done():
			return &remote.Response{}
		}
	}
}

// Combines the unacknowledged responses, the pushed model and the answer to the
// request events into one response. The combined response takes the next sequence number.
// Retried events of a request that was already processed are not processed again.
// Its response is either unacknowledged, and so part of the combined response, or empty.
func (self *Server) sync(uiSession *UiSession, request *remote.Request) *remote.Response {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ack(uiSession, request)
	if request.SequenceNumber != nil {
		if response, ok := uiSession.requestResponses[*request.SequenceNumber]; ok {
			glog.Infof("[dev]repeat response for %s\n", request)
			return response
		}
	}

	events := request.Events
	if request.RetrySequenceNumber != nil {
		if _, ok := uiSession.requestResponses[*request.RetrySequenceNumber]; ok {
			retryEventCount := min(request.RetryEventCount, len(events))
			glog.Infof("[dev]skip %d processed events of %s#%d\n", retryEventCount, remote.RequestKindNormal, *request.RetrySequenceNumber)
			events = events[retryEventCount:]
		}
	}
	self.forgetRequests(uiSession, request)

	model := NewModel()
	for _, response := range uiSession.unacked {
		model.Merge(&Model{
			AdapterData: response.AdapterData,
			Events:      response.Events,
		})
	}
	model.Merge(self.takePushed(uiSession))
	if 0 < len(events) {
		eventsModel, err := self.application.HandleEvents(uiSession, events)
		if err != nil {
			return errorResponse(remote.ApplicationErrorUiProcessing, err.Error())
		}
		model.Merge(eventsModel)
	}
	if model.IsEmpty() {
		response := &remote.Response{}
		if request.SequenceNumber != nil {
			uiSession.requestResponses[*request.SequenceNumber] = response
		}
		return response
	}

	uiSession.unacked = []*remote.Response{}
	response := self.nextResponse(uiSession, model)
	response.Combined = true
	if request.SequenceNumber != nil {
		uiSession.requestResponses[*request.SequenceNumber] = response
	}
	glog.Infof("[dev]combined %s\n", response)
	return response
}
