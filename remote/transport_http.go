package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
)

type HttpTransportSettings struct {
	ConnectTimeout time.Duration
	TlsTimeout     time.Duration
	// limits the unload beacon. Other requests are limited by their context.
	BeaconTimeout time.Duration
	// responses larger than this are a terminal error
	MaxResponseSize int64
}

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		ConnectTimeout:  5 * time.Second,
		TlsTimeout:      5 * time.Second,
		BeaconTimeout:   2 * time.Second,
		MaxResponseSize: 64 * 1024 * 1024,
	}
}

// no client timeout, since ordinary requests are unbounded and polls are long.
// Timeouts are set per request kind through the request context.
func defaultClient(settings *HttpTransportSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

// json over http post to `<url>/json`. The unload beacon posts to `<url>/unload/<uiSessionId>`.
type HttpTransport struct {
	client  *http.Client
	baseUrl string
	auth    *ClientAuth

	settings *HttpTransportSettings
}

func NewHttpTransportWithDefaults(baseUrl string, auth *ClientAuth) *HttpTransport {
	return NewHttpTransport(baseUrl, auth, DefaultHttpTransportSettings())
}

func NewHttpTransport(baseUrl string, auth *ClientAuth, settings *HttpTransportSettings) *HttpTransport {
	return &HttpTransport{
		client:   defaultClient(settings),
		baseUrl:  baseUrl,
		auth:     auth,
		settings: settings,
	}
}

// `<url>/json?<hint>`, the hint only marks the request kind in server logs
func (self *HttpTransport) requestUrl(request *Request) string {
	requestUrl := fmt.Sprintf("%s/json", self.baseUrl)
	if hint := request.Kind.UrlHint(); hint != "" {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, url.QueryEscape(hint))
	}
	return requestUrl
}

func (self *HttpTransport) setHeaders(httpRequest *http.Request, request *Request) {
	httpRequest.Header.Set("Content-Type", "application/json; charset=UTF-8")
	httpRequest.Header.Set("Accept", "application/json")
	if !request.CallId.IsZero() {
		httpRequest.Header.Set("X-Call-Id", request.CallId.String())
	}
	if self.auth != nil {
		if self.auth.ByJwt != "" {
			httpRequest.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
		}
		if self.auth.AppVersion != "" {
			httpRequest.Header.Set("X-App-Version", self.auth.AppVersion)
		}
	}
}

func (self *HttpTransport) Send(ctx context.Context, request *Request) (*Response, error) {
	requestBytes, err := json.Marshal(request)
	if err != nil {
		return nil, NewTerminalError(0, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "POST", self.requestUrl(request), bytes.NewReader(requestBytes))
	if err != nil {
		return nil, NewTerminalError(0, err)
	}
	self.setHeaders(httpRequest, request)

	httpResponse, err := self.client.Do(httpRequest)
	if err != nil {
		return nil, classifyCallError(ctx, err)
	}
	defer httpResponse.Body.Close()

	responseBytes, err := io.ReadAll(io.LimitReader(httpResponse.Body, self.settings.MaxResponseSize))
	if err != nil {
		return nil, classifyCallError(ctx, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		if glog.V(1) {
			glog.Infof("[t]%s status %d\n", request, httpResponse.StatusCode)
		}
		return nil, classifyStatus(
			httpResponse.StatusCode,
			fmt.Errorf("%s", bytes.TrimSpace(responseBytes)),
		)
	}

	response := &Response{}
	if len(bytes.TrimSpace(responseBytes)) == 0 {
		return response, nil
	}
	if err := json.Unmarshal(responseBytes, response); err != nil {
		return nil, NewTerminalError(httpResponse.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	return response, nil
}

// the response body is ignored
func (self *HttpTransport) SendBeacon(request *Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), self.settings.BeaconTimeout)
	defer cancel()

	beaconUrl := fmt.Sprintf("%s/unload/%s", self.baseUrl, url.PathEscape(request.UiSessionId))
	httpRequest, err := http.NewRequestWithContext(ctx, "POST", beaconUrl, nil)
	if err != nil {
		return err
	}
	self.setHeaders(httpRequest, request)

	httpResponse, err := self.client.Do(httpRequest)
	if err != nil {
		return classifyCallError(ctx, err)
	}
	httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		return classifyStatus(httpResponse.StatusCode, fmt.Errorf("unload beacon"))
	}
	return nil
}
