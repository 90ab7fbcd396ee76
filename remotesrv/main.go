package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/remoteui/remote"
	"github.com/bringyour/remoteui/remote/devserver"
)

const RemoteSrvVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Remote ui development server.

Serves an echo application: every event is answered with an "echo" event to
the same target, and a "logout" event logs the session out.

Usage:
    remotesrv [--port=<port>] [--polling_interval=<polling_interval>]
        [--jwt_signing_key=<jwt_signing_key>]
        [--app_version=<app_version>]
        [--logout_redirect_url=<logout_redirect_url>]
        [--persistent]

Options:
    -h --help                                    Show this screen.
    --version                                    Show version.
    --port=<port>                                Listen port [default: 8080].
    --polling_interval=<polling_interval>        Poll hold time [default: 60s].
    --jwt_signing_key=<jwt_signing_key>          Require bearer tokens signed with this key.
    --app_version=<app_version>                  Reject clients with another version.
    --logout_redirect_url=<logout_redirect_url>
    --persistent                                 Clients keep their client session across reloads.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RemoteSrvVersion)
	if err != nil {
		panic(err)
	}

	portStr, _ := opts.String("--port")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		Err.Fatalf("port error = %s", err)
	}

	settings := devserver.DefaultServerSettings()
	if pollingIntervalStr, _ := opts.String("--polling_interval"); pollingIntervalStr != "" {
		pollingInterval, err := time.ParseDuration(pollingIntervalStr)
		if err != nil {
			Err.Fatalf("polling interval error = %s", err)
		}
		settings.PollingInterval = pollingInterval
	}
	if jwtSigningKey, _ := opts.String("--jwt_signing_key"); jwtSigningKey != "" {
		settings.JwtSigningKey = []byte(jwtSigningKey)
	}
	settings.Version, _ = opts.String("--app_version")
	settings.Persistent, _ = opts.Bool("--persistent")

	application := devserver.NewEchoApplication()
	application.LogoutRedirectUrl, _ = opts.String("--logout_redirect_url")

	quitEvent := remote.NewEventWithContext(context.Background())
	defer quitEvent.Set()
	quitEvent.SetOnSignals(syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	ctx := quitEvent.Ctx()

	server := devserver.NewServer(ctx, application, settings)

	gin.SetMode(gin.ReleaseMode)
	router := server.Router()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	Out.Printf("listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("server error = %s", err)
	}
}
