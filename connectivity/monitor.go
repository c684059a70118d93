// Package connectivity tracks whether the network path to the broker is up.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/hoppyshare/hoppyshare-ble/logger"
)

// Probe checks reachability once.
type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

var errNoReply = errors.New("no echo reply")

// PingProbe sends a single ICMP echo to Host.
type PingProbe struct {
	Host       string
	Timeout    time.Duration
	Privileged bool
}

func (p *PingProbe) Check(ctx context.Context) error {
	pinger, err := probing.NewPinger(p.Host)
	if err != nil {
		return fmt.Errorf("creating pinger for %s: %w", p.Host, err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.Interval = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", p.Host, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errNoReply
	}
	return nil
}

// Monitor probes on an interval. It reports online after one success and
// offline after threshold consecutive failures.
type Monitor struct {
	probe     Probe
	interval  time.Duration
	threshold int
	prefix    string
	kick      chan struct{}

	mu        sync.Mutex
	known     bool
	online    bool
	failures  int
	listeners []func(online bool)
}

func NewMonitor(deviceID string, probe Probe, interval time.Duration, threshold int) *Monitor {
	if threshold < 1 {
		threshold = 1
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		threshold: threshold,
		prefix:    logger.Prefix(deviceID, "net"),
		kick:      make(chan struct{}, 1),
	}
}

// OnChange registers fn for every online/offline transition, including the
// first result.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Kick asks for an immediate probe, e.g. after a link change.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.kick:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	err := m.probe.Check(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	wasOnline, known := m.online, m.known
	if err == nil {
		m.failures = 0
		m.online = true
	} else {
		m.failures++
		logger.Trace(m.prefix, "probe failed (%d/%d): %v", m.failures, m.threshold, err)
		if !known || m.failures >= m.threshold {
			m.online = false
		}
	}
	changed := !known || m.online != wasOnline
	m.known = true
	online := m.online
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	logger.Info(m.prefix, "network %s", status(online))
	for _, fn := range listeners {
		fn(online)
	}
}

func status(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
