package actionqueue

import (
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSMonitor treats the state of a NATS connection as connectivity. Pass
// Options to nats.Connect, then Attach the returned connection.
type NATSMonitor struct {
	*broadcaster
}

// NewNATSMonitor creates a monitor that is offline until Attach.
func NewNATSMonitor() *NATSMonitor {
	return &NATSMonitor{broadcaster: newBroadcaster(false)}
}

// Options returns the connection handlers that drive the monitor.
func (m *NATSMonitor) Options() []nats.Option {
	return []nats.Option{
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
	}
}

// Attach seeds the monitor from the connection's current status.
func (m *NATSMonitor) Attach(nc *nats.Conn) {
	m.set(nc != nil && nc.IsConnected())
}

func (m *NATSMonitor) handleDisconnect(_ *nats.Conn, err error) {
	if m.set(false) {
		slog.Warn("actionqueue nats monitor: disconnected", "error", err)
	}
}

func (m *NATSMonitor) handleReconnect(nc *nats.Conn) {
	if m.set(true) {
		url := ""
		if nc != nil {
			url = nc.ConnectedUrlRedacted()
		}
		slog.Info("actionqueue nats monitor: reconnected", "url", url)
	}
}

func (m *NATSMonitor) handleClosed(_ *nats.Conn) {
	if m.set(false) {
		slog.Warn("actionqueue nats monitor: connection closed")
	}
}
