package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRadio struct {
	mu      sync.Mutex
	running bool
	active  int
	maxSeen int
	calls   []string
	failing error
}

func (r *fakeRadio) enter() {
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
}

func (r *fakeRadio) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enter()
	defer func() { r.active-- }()
	r.calls = append(r.calls, "start")
	if r.failing != nil {
		return r.failing
	}
	r.running = true
	return nil
}

func (r *fakeRadio) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enter()
	defer func() { r.active-- }()
	r.calls = append(r.calls, "stop")
	r.running = false
}

func (r *fakeRadio) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRadio) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func runController(t *testing.T, radio Radio, auto bool) *Controller {
	t.Helper()
	c := New("dev-a", radio, auto)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c
}

func TestAutoFollowsNetwork(t *testing.T) {
	radio := &fakeRadio{}
	c := runController(t, radio, true)

	c.NetworkChanged(false)
	c.NetworkChanged(false)
	c.NetworkChanged(true)
	c.NetworkChanged(true)
	c.NetworkChanged(false)
	c.Sync()

	assert.Equal(t, []string{"start", "stop", "start"}, radio.history())
	assert.True(t, radio.IsRunning())
	assert.Equal(t, 1, radio.maxSeen)
}

func TestManualModeIgnoresNetwork(t *testing.T) {
	radio := &fakeRadio{}
	c := runController(t, radio, false)

	c.NetworkChanged(false)
	c.Sync()
	assert.Empty(t, radio.history())

	c.SetBLE(true)
	c.NetworkChanged(true)
	c.Sync()
	assert.Equal(t, []string{"start"}, radio.history())

	c.SetAuto(true)
	c.NetworkChanged(true)
	c.Sync()
	assert.Equal(t, []string{"start", "stop"}, radio.history())
}

func TestStartFailureRecorded(t *testing.T) {
	boom := errors.New("radio off")
	radio := &fakeRadio{failing: boom}
	c := runController(t, radio, true)

	c.NetworkChanged(false)
	c.Sync()
	assert.ErrorIs(t, c.LastError(), boom)
	assert.False(t, radio.IsRunning())
}

func TestSubmitAfterRunExits(t *testing.T) {
	c := New("dev-a", &fakeRadio{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	c.Sync()
	assert.False(t, c.submit(func(context.Context) {}))
}
