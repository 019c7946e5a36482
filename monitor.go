package actionqueue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// broadcaster tracks connectivity and fans transitions out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, subs: make(map[int]func(bool))}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// set records online and notifies subscribers outside the lock when it
// changed.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	subs := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// ManualMonitor is a NetworkMonitor driven by SetOnline. Hosts that learn
// about connectivity from the platform push transitions into it.
type ManualMonitor struct {
	*broadcaster
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{broadcaster: newBroadcaster(online)}
}

// SetOnline records the current connectivity.
func (m *ManualMonitor) SetOnline(online bool) {
	if m.set(online) {
		slog.Info("actionqueue monitor: connectivity changed", "online", online)
	}
}

// ProbeFunc checks connectivity once; a nil error means online.
type ProbeFunc func(ctx context.Context) error

// ProbeMonitor polls a ProbeFunc and publishes transitions.
type ProbeMonitor struct {
	*broadcaster
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
}

// NewProbeMonitor creates a monitor that runs probe every interval. It
// starts offline until the first probe succeeds.
func NewProbeMonitor(probe ProbeFunc, interval time.Duration) *ProbeMonitor {
	timeout := interval / 2
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ProbeMonitor{
		broadcaster: newBroadcaster(false),
		probe:       probe,
		interval:    interval,
		timeout:     timeout,
		done:        make(chan struct{}),
	}
}

// Start probes immediately and then on every tick. Call with a cancellable
// context for shutdown.
func (m *ProbeMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		defer close(m.done)
		m.check(ctx)
		for {
			select {
			case <-ticker.C:
				m.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the probe loop has stopped.
func (m *ProbeMonitor) Wait() {
	<-m.done
}

func (m *ProbeMonitor) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(pctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil
	if !m.set(online) {
		return
	}
	if online {
		slog.Info("actionqueue monitor: connectivity restored")
	} else {
		slog.Warn("actionqueue monitor: connectivity lost", "error", err)
	}
}

// HTTPProbe returns a ProbeFunc that issues a HEAD request to url. Any
// response below 500 counts as online.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &StatusError{StatusCode: resp.StatusCode}
		}
		return nil
	}
}
