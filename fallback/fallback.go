// Package fallback switches the BLE transport on when the network path is
// lost and off again when it returns.
package fallback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hoppyshare/hoppyshare-ble/logger"
)

// Radio is the transport being switched. *transport.Transport satisfies it.
type Radio interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// Controller runs every start and stop on one goroutine, in arrival order.
type Controller struct {
	radio  Radio
	prefix string
	ops    chan func(ctx context.Context)
	done   chan struct{}
	auto   atomic.Bool

	mu      sync.Mutex
	lastErr error
}

func New(deviceID string, radio Radio, auto bool) *Controller {
	c := &Controller{
		radio:  radio,
		prefix: logger.Prefix(deviceID, "fallback"),
		ops:    make(chan func(ctx context.Context), 16),
		done:   make(chan struct{}),
	}
	c.auto.Store(auto)
	return c
}

// Run executes queued operations until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			op(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) submit(op func(ctx context.Context)) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ops <- op:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) SetAuto(on bool) { c.auto.Store(on) }

func (c *Controller) Auto() bool { return c.auto.Load() }

// NetworkChanged is the connectivity callback. With auto off it does nothing.
func (c *Controller) NetworkChanged(up bool) {
	c.submit(func(ctx context.Context) {
		if !c.auto.Load() {
			return
		}
		if up {
			c.stop("network is back")
		} else {
			c.start(ctx, "network lost")
		}
	})
}

// SetBLE switches the transport by hand, regardless of auto mode.
func (c *Controller) SetBLE(on bool) {
	c.submit(func(ctx context.Context) {
		if on {
			c.start(ctx, "requested")
		} else {
			c.stop("requested")
		}
	})
}

// Sync waits until every operation submitted before it has run.
func (c *Controller) Sync() {
	ran := make(chan struct{})
	if c.submit(func(context.Context) { close(ran) }) {
		select {
		case <-ran:
		case <-c.done:
		}
	}
}

func (c *Controller) start(ctx context.Context, why string) {
	if c.radio.IsRunning() {
		return
	}
	logger.Info(c.prefix, "starting BLE: %s", why)
	err := c.radio.Start(ctx)
	if err != nil {
		logger.Error(c.prefix, "BLE start failed: %v", err)
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) stop(why string) {
	if !c.radio.IsRunning() {
		return
	}
	logger.Info(c.prefix, "stopping BLE: %s", why)
	c.radio.Stop()
}

// LastError is the result of the most recent start attempt.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
