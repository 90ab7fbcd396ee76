package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Runs closures one at a time in post order on a single goroutine.
// All protocol state of a session is owned by its loop. Posting never blocks,
// including from inside the loop.
type sessionLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	// called on the loop when a closure panics
	onPanic func(err error)

	mutex  sync.Mutex
	queue  []func()
	notify chan struct{}
}

func newSessionLoop(ctx context.Context, onPanic func(err error)) *sessionLoop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &sessionLoop{
		ctx:     cancelCtx,
		cancel:  cancel,
		onPanic: onPanic,
		queue:   []func(){},
		notify:  make(chan struct{}, 1),
	}
	go loop.run()
	return loop
}

func (self *sessionLoop) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		for {
			self.mutex.Lock()
			if len(self.queue) == 0 {
				self.mutex.Unlock()
				break
			}
			queue := self.queue
			self.queue = []func(){}
			self.mutex.Unlock()

			for _, f := range queue {
				if self.ctx.Err() != nil {
					return
				}
				HandleError(f, func(err error) {
					if self.onPanic != nil {
						HandleError(func() {
							self.onPanic(err)
						})
					}
				})
			}
		}
	}
}

// returns false when the loop is closed
func (self *sessionLoop) Post(f func()) bool {
	if self.ctx.Err() != nil {
		return false
	}
	self.mutex.Lock()
	self.queue = append(self.queue, f)
	self.mutex.Unlock()
	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

// runs `callback` on the loop after `timeout`. `cancel` must be called from the loop,
// after which the callback never runs.
func (self *sessionLoop) After(timeout time.Duration, callback func()) (cancel func()) {
	var cancelled atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		self.Post(func() {
			if !cancelled.Load() {
				callback()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// runs `f` on the loop and waits for it to complete
func (self *sessionLoop) Call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	posted := self.Post(func() {
		defer close(done)
		f()
	})
	if !posted {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrSessionClosed
	}
}

func (self *sessionLoop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *sessionLoop) Close() {
	self.cancel()
}
