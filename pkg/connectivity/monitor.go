package connectivity

import (
	"context"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
)

// Prober checks network reachability. A probe error means "unknown", which
// the transport layer must treat the same as unreachable (fail safe toward
// queuing).
type Prober func(ctx context.Context) (bool, error)

// Monitor is the single source of truth for connectivity. The reachability
// callback (or the periodic probe loop) drives NetworkReachable; the channel
// client drives ChannelLive via ReportChannelState. ChannelLive implies
// NetworkReachable at all times.
type Monitor struct {
	mu     sync.Mutex
	state  models.ConnectivityState
	prober Prober

	debounce     time.Duration
	lastRestored time.Time

	nextSub  int
	subs     map[int]func(models.ConnectivityState)
	restored map[int]func()
}

// NewMonitor creates a monitor. The initial state is unreachable until the
// first probe or report says otherwise.
func NewMonitor(prober Prober, debounce time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		debounce: debounce,
		subs:     map[int]func(models.ConnectivityState){},
		restored: map[int]func(){},
	}
}

// Current returns the latest connectivity snapshot.
func (m *Monitor) Current() models.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a callback invoked on every state change. The returned
// function unsubscribes.
func (m *Monitor) Subscribe(fn func(models.ConnectivityState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// OnRestored registers a callback invoked once per debounced
// offline-to-online transition. The returned function unsubscribes.
func (m *Monitor) OnRestored(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.restored[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.restored, id)
	}
}

// SetNetworkState is the hook for the platform reachability callback.
func (m *Monitor) SetNetworkState(reachable bool) {
	m.apply(reachable, reachable && m.Current().ChannelLive)
}

// ReportChannelState is called by the channel client when its connection
// opens or closes. A live channel implies reachable network.
func (m *Monitor) ReportChannelState(live bool) {
	cur := m.Current()
	if live {
		m.apply(true, true)
		return
	}
	m.apply(cur.NetworkReachable, false)
}

// ForceCheck runs the prober immediately and applies the result. A probe
// error is treated as unreachable.
func (m *Monitor) ForceCheck(ctx context.Context) models.ConnectivityState {
	reachable := false
	if m.prober != nil {
		ok, err := m.prober(ctx)
		if err != nil {
			logger.Warn("connectivity_probe_failed", "error", err)
		} else {
			reachable = ok
		}
	}
	m.apply(reachable, reachable && m.Current().ChannelLive)
	return m.Current()
}

// Run probes periodically until ctx is done. The channel client and the
// reachability callback still update state between ticks.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.ForceCheck(ctx)
		}
	}
}

// apply installs a new state and notifies subscribers outside the lock.
func (m *Monitor) apply(reachable, channelLive bool) {
	if channelLive && !reachable {
		// invariant: a live channel cannot exist without a network
		channelLive = false
	}

	m.mu.Lock()
	prev := m.state
	next := models.ConnectivityState{
		NetworkReachable: reachable,
		ChannelLive:      channelLive,
		LastCheckedTS:    time.Now().UTC().UnixNano(),
	}
	m.state = next

	changed := prev.NetworkReachable != next.NetworkReachable || prev.ChannelLive != next.ChannelLive
	var subs []func(models.ConnectivityState)
	var restored []func()
	if changed {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	if !prev.NetworkReachable && next.NetworkReachable {
		now := time.Now()
		if m.lastRestored.IsZero() || now.Sub(m.lastRestored) >= m.debounce {
			m.lastRestored = now
			for _, fn := range m.restored {
				restored = append(restored, fn)
			}
		}
	}
	m.mu.Unlock()

	if changed {
		logger.Info("connectivity_changed",
			"network_reachable", next.NetworkReachable,
			"channel_live", next.ChannelLive)
		metrics.SetBool(metrics.NetworkReachable, next.NetworkReachable)
		metrics.SetBool(metrics.ChannelLive, next.ChannelLive)
	}
	for _, fn := range subs {
		fn(next)
	}
	for _, fn := range restored {
		fn()
	}
}
