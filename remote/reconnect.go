package remote

import (
	"math/rand"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

type ReconnectSettings struct {
	// 0 means unbounded
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// the maximum jitter as a fraction of the backoff, in [0, 1]
	JitterFactor float64
	// limits pings across reconnect cycles
	PingRate  rate.Limit
	PingBurst int
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		MaxAttempts:    40,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		PingRate:       rate.Every(500 * time.Millisecond),
		PingBurst:      1,
	}
}

// base * [1 - jitter, 1 + jitter]
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if max < next {
		return max
	}
	return next
}

// Pings the server with backoff while the session is offline.
// Must only be used from the session loop.
type reconnector struct {
	session  *Session
	settings *ReconnectSettings
	limiter  *rate.Limiter

	running       bool
	attempt       int
	backoff       time.Duration
	cancelAttempt func()
}

func newReconnector(session *Session, settings *ReconnectSettings) *reconnector {
	return &reconnector{
		session:  session,
		settings: settings,
		limiter:  rate.NewLimiter(settings.PingRate, settings.PingBurst),
	}
}

func (self *reconnector) Running() bool {
	return self.running
}

func (self *reconnector) start() {
	if self.running {
		return
	}
	self.running = true
	self.attempt = 0
	self.backoff = self.settings.InitialBackoff
	glog.Infof("[r]start\n")
	self.schedule()
}

func (self *reconnector) stop() {
	self.running = false
	if self.cancelAttempt != nil {
		self.cancelAttempt()
		self.cancelAttempt = nil
	}
}

func (self *reconnector) schedule() {
	wait := calculateBackoff(self.backoff, self.settings.JitterFactor)
	if reservationDelay := self.limiter.Reserve().Delay(); wait < reservationDelay {
		wait = reservationDelay
	}
	if glog.V(1) {
		glog.Infof("[r]attempt %d in %s\n", self.attempt+1, wait)
	}
	self.cancelAttempt = self.session.loop.After(wait, func() {
		self.cancelAttempt = nil
		self.ping()
	})
}

func (self *reconnector) ping() {
	if !self.running {
		return
	}
	self.attempt += 1
	self.session.ui.Reconnecting()

	request := self.session.scheduler.newRequest(RequestKindPing)
	request.transition(RequestStateSending)
	self.session.calls.Call(request, func(response *Response, err error) {
		if !self.running {
			return
		}
		if err == nil {
			request.transition(RequestStateSucceeded)
			reconnectAttemptCount.WithLabelValues("success").Inc()
			glog.Infof("[r]reconnected after %d attempts\n", self.attempt)
			self.running = false
			self.session.ui.ReconnectingSucceeded()
			self.session.goOnline()
			return
		}

		request.transition(RequestStateFailed)
		reconnectAttemptCount.WithLabelValues("error").Inc()
		glog.Infof("[r]attempt %d error = %s\n", self.attempt, err)
		self.session.ui.ReconnectingFailed()

		if 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= self.attempt {
			self.running = false
			self.session.onReconnectExhausted(self.attempt, err)
			return
		}
		self.backoff = nextBackoff(self.backoff, self.settings.BackoffFactor, self.settings.MaxBackoff)
		self.schedule()
	})
}

// Sets the session offline, aborts all calls, and after a settle delay notifies
// the ui and starts the reconnector. The delay is skipped while unloading.
func (self *Session) goOffline() {
	if self.offline {
		return
	}
	self.offline = true
	offlineCount.Inc()
	glog.Infof("[s]offline\n")

	self.calls.AbortAll()

	self.loop.After(self.settings.OfflineSettleDelay, func() {
		if self.unloading || self.unloaded || self.closed || !self.offline {
			return
		}
		self.ui.Offline()
		self.fireSessionEvent(&SessionEvent{
			Type: SessionEventTypeOffline,
		})
		self.reconnector.start()
	})
}

// Sends exactly one resynchronization request that carries the events of the failed
// request and the events queued while offline. Its success resumes polling.
func (self *Session) goOnline() {
	self.offline = false
	glog.Infof("[s]online\n")
	self.ui.Online()
	self.fireSessionEvent(&SessionEvent{
		Type: SessionEventTypeOnline,
	})

	request := self.scheduler.newSyncRequest()
	self.scheduler.sendRequest(request)
}
