package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bringyour/remoteui/remote"
)

const RemoteCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Remote ui control.

Settings are read from ./remotectl.yaml (or --config) and REMOTEUI_* environment
variables, e.g. REMOTEUI_URL, REMOTEUI_JWT. Options override both.

While running, each input line is one command:
    <target> <type> [<json properties>]   send an event
    cancel                                cancel the running processing
    status                                print the session status
    yes <code> | no <code>                answer a fatal message
    quit

Usage:
    remotectl run [--config=<config>] [--url=<url>] [--ws_url=<ws_url>]
        [--jwt=<jwt> | --prompt_jwt]
        [--app_version=<app_version>]
        [--no_poll]
        [--metrics_addr=<metrics_addr>]
    remotectl auth [--config=<config>] [--url=<url>] --user_id=<user_id>
        [--client_session_id=<client_session_id>]
    remotectl claims (--jwt=<jwt> | --prompt_jwt)

Options:
    -h --help                                Show this screen.
    --version                                Show version.
    --config=<config>                        Config file.
    --url=<url>                              Server url.
    --ws_url=<ws_url>                        Use the websocket transport at this url.
    --jwt=<jwt>                              Bearer token.
    --prompt_jwt                             Read the bearer token from the terminal.
    --app_version=<app_version>              Version sent with the startup request.
    --no_poll                                Disable background polling.
    --metrics_addr=<metrics_addr>            Serve prometheus metrics at this address.
    --user_id=<user_id>
    --client_session_id=<client_session_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RemoteCtlVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if auth_, _ := opts.Bool("auth"); auth_ {
		auth(opts)
	} else if claims_, _ := opts.Bool("claims"); claims_ {
		claims(opts)
	}
}

type remoteCtlConfig struct {
	Url                  string        `mapstructure:"url"`
	WsUrl                string        `mapstructure:"ws_url"`
	Jwt                  string        `mapstructure:"jwt"`
	AppVersion           string        `mapstructure:"app_version"`
	BackgroundPolling    bool          `mapstructure:"background_polling"`
	MetricsAddr          string        `mapstructure:"metrics_addr"`
	BusyIndicatorDelay   time.Duration `mapstructure:"busy_indicator_delay"`
	GapTimeout           time.Duration `mapstructure:"gap_timeout"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

func loadConfig(opts docopt.Opts) (*remoteCtlConfig, error) {
	sessionSettings := remote.DefaultSessionSettings()

	v := viper.New()
	v.SetDefault("url", "http://localhost:8080")
	v.SetDefault("ws_url", "")
	v.SetDefault("jwt", "")
	v.SetDefault("app_version", "")
	v.SetDefault("background_polling", sessionSettings.BackgroundPollingEnabled)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("busy_indicator_delay", sessionSettings.BusyIndicatorDelay)
	v.SetDefault("gap_timeout", sessionSettings.GapTimeout)
	v.SetDefault("reconnect_max_attempts", sessionSettings.ReconnectSettings.MaxAttempts)

	v.SetConfigType("yaml")
	if configPath, _ := opts.String("--config"); configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("remotectl")
	}

	v.SetEnvPrefix("REMOTEUI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return nil, err
		}
	}

	for key, flag := range map[string]string{
		"url":          "--url",
		"ws_url":       "--ws_url",
		"jwt":          "--jwt",
		"app_version":  "--app_version",
		"metrics_addr": "--metrics_addr",
	} {
		if value, err := opts.String(flag); err == nil && value != "" {
			v.Set(key, value)
		}
	}
	if noPoll, _ := opts.Bool("--no_poll"); noPoll {
		v.Set("background_polling", false)
	}

	config := &remoteCtlConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if promptJwt, _ := opts.Bool("--prompt_jwt"); promptJwt {
		jwt, err := readJwt()
		if err != nil {
			return nil, err
		}
		config.Jwt = jwt
	}
	return config, nil
}

func readJwt() (string, error) {
	fmt.Fprint(os.Stderr, "Enter jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(jwtBytes)), nil
}

func serveMetrics(metricsAddr string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	go func() {
		if err := router.Run(metricsAddr); err != nil {
			Err.Printf("metrics server error = %s", err)
		}
	}()
}

func run(opts docopt.Opts) {
	config, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("config error = %s", err)
	}

	if config.MetricsAddr != "" {
		serveMetrics(config.MetricsAddr)
	}

	quitEvent := remote.NewEventWithContext(context.Background())
	defer quitEvent.Set()
	quitEvent.SetOnSignals(syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	ctx := quitEvent.Ctx()

	clientAuth := &remote.ClientAuth{
		ByJwt:      config.Jwt,
		AppVersion: config.AppVersion,
	}

	var transport remote.Transport
	if config.WsUrl != "" {
		wsTransport := remote.NewWsTransportWithDefaults(ctx, config.WsUrl, clientAuth)
		defer wsTransport.Close()
		transport = wsTransport
	} else {
		transport = remote.NewHttpTransportWithDefaults(config.Url, clientAuth)
	}

	settings := remote.DefaultSessionSettings()
	settings.Version = config.AppVersion
	settings.BackgroundPollingEnabled = config.BackgroundPolling
	settings.BusyIndicatorDelay = config.BusyIndicatorDelay
	settings.GapTimeout = config.GapTimeout
	settings.ReconnectSettings.MaxAttempts = config.ReconnectMaxAttempts
	if clientSessionId, err := clientAuth.ClientSessionId(); err != nil {
		Err.Printf("jwt error = %s", err)
	} else {
		settings.ClientSessionId = clientSessionId
	}

	// storage survives reloads of this process
	storage := remote.NewMemoryStorage()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		redirectUrl, reload := runSession(ctx, transport, storage, settings, lines)
		if !reload {
			return
		}
		if redirectUrl != "" {
			Out.Printf("redirect to %s", redirectUrl)
			return
		}
		Out.Printf("reload")
	}
}

// adapter kinds whose actions are printed
var consoleAdapterKinds = []string{
	"Desktop",
	"Form",
}

// runs one session until the input ends, the context is done, or the ui reloads
func runSession(
	ctx context.Context,
	transport remote.Transport,
	storage remote.Storage,
	settings *remote.SessionSettings,
	lines <-chan string,
) (redirectUrl string, reload bool) {
	ui := newConsoleUi()
	session := remote.NewSession(ctx, transport, ui, ui, storage, settings)
	defer session.Close()

	for _, objectType := range consoleAdapterKinds {
		session.RegisterAdapterKind(objectType, consoleActionHandler)
	}

	session.AddSessionEventCallback(func(event *remote.SessionEvent) {
		switch event.Type {
		case remote.SessionEventTypeRequestFinished:
			if glog.V(1) {
				Out.Printf("[request finished]")
			}
		default:
			Out.Printf("[%s] %s", event.Type, event.Locale)
		}
	})

	if err := session.Start(ctx); err != nil {
		Err.Printf("startup error = %s", err)
	}

	defer func() {
		if reload && redirectUrl != "" {
			return
		}
		unloadCtx, unloadCancel := context.WithTimeout(context.Background(), settings.UnloadTimeout)
		defer unloadCancel()
		session.Unload(unloadCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case redirectUrl := <-ui.reload:
			return redirectUrl, true
		case line, ok := <-lines:
			if !ok {
				return "", false
			}
			if quit := handleLine(ctx, session, ui, line); quit {
				return "", false
			}
		}
	}
}

func handleLine(ctx context.Context, session *remote.Session, ui *consoleUi, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit":
		return true
	case "cancel":
		session.CancelProcessing()
	case "status":
		status, err := session.Status(ctx)
		if err != nil {
			Err.Printf("status error = %s", err)
			return false
		}
		statusBytes, _ := json.MarshalIndent(status, "", "  ")
		Out.Printf("%s", statusBytes)
	case "yes", "no":
		if len(fields) != 2 || !ui.takeFatalMessage(fields[1]) {
			Err.Printf("no fatal message %q", strings.Join(fields[1:], " "))
			return false
		}
		option := remote.FatalMessageOptionNo
		if fields[0] == "yes" {
			option = remote.FatalMessageOptionYes
		}
		session.AcknowledgeFatalMessage(fields[1], option)
	default:
		if len(fields) < 2 {
			Err.Printf("expected <target> <type> [<json properties>]")
			return false
		}
		properties := map[string]any{}
		if 2 < len(fields) {
			propertiesJson := strings.Join(fields[2:], " ")
			if err := json.Unmarshal([]byte(propertiesJson), &properties); err != nil {
				Err.Printf("properties error = %s", err)
				return false
			}
		}
		event := remote.NewRemoteEvent(remote.AdapterId(fields[0]), remote.EventType(fields[1]), properties)
		session.SendEvent(event, 0)
	}
	return false
}

// asks the server for a token for `user_id`
func auth(opts docopt.Opts) {
	config, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("config error = %s", err)
	}
	userId, _ := opts.String("--user_id")
	clientSessionId, _ := opts.String("--client_session_id")

	argsBytes, err := json.Marshal(map[string]string{
		"userId":          userId,
		"clientSessionId": clientSessionId,
	})
	if err != nil {
		panic(err)
	}
	httpResponse, err := http.Post(
		fmt.Sprintf("%s/auth/jwt", config.Url),
		"application/json",
		bytes.NewReader(argsBytes),
	)
	if err != nil {
		Err.Fatalf("auth error = %s", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		Err.Fatalf("auth status %d", httpResponse.StatusCode)
	}
	var result struct {
		ByJwt string `json:"byJwt"`
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(&result); err != nil {
		Err.Fatalf("auth error = %s", err)
	}
	Out.Printf("%s", result.ByJwt)
}

// prints the claims the client reads from a token, without verification
func claims(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	if promptJwt, _ := opts.Bool("--prompt_jwt"); promptJwt {
		var err error
		jwt, err = readJwt()
		if err != nil {
			Err.Fatalf("jwt error = %s", err)
		}
	}
	clientJwt, err := remote.ParseClientJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("jwt error = %s", err)
	}
	Out.Printf("user_id: %s", clientJwt.UserId)
	Out.Printf("client_session_id: %s", clientJwt.ClientSessionId)
	if !clientJwt.ExpiresAt.IsZero() {
		Out.Printf("expires: %s", clientJwt.ExpiresAt.Format(time.RFC3339))
	}
}
