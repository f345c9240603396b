package mqtt

import (
	"sync/atomic"
	"time"
)

// Metrics holds session counters. All fields are safe for concurrent use.
type Metrics struct {
	ConnectionAttempts atomic.Int64
	ReconnectAttempts  atomic.Int64
	ActiveConnections  atomic.Int64
	ConnectionsLost    atomic.Int64
	MessagesReceived   atomic.Int64
	MessagesSent       atomic.Int64
	BytesReceived      atomic.Int64
	BytesSent          atomic.Int64
	Subscriptions      atomic.Int64

	connectedAt atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ConnectionAttempts int64
	ReconnectAttempts  int64
	ActiveConnections  int64
	ConnectionsLost    int64
	MessagesReceived   int64
	MessagesSent       int64
	BytesReceived      int64
	BytesSent          int64
	Subscriptions      int64
	Uptime             time.Duration
}

func (m *Metrics) markConnected(t time.Time) {
	m.ActiveConnections.Store(1)
	m.connectedAt.Store(t.UnixNano())
}

func (m *Metrics) markDisconnected() {
	m.ActiveConnections.Store(0)
	m.connectedAt.Store(0)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		ConnectionAttempts: m.ConnectionAttempts.Load(),
		ReconnectAttempts:  m.ReconnectAttempts.Load(),
		ActiveConnections:  m.ActiveConnections.Load(),
		ConnectionsLost:    m.ConnectionsLost.Load(),
		MessagesReceived:   m.MessagesReceived.Load(),
		MessagesSent:       m.MessagesSent.Load(),
		BytesReceived:      m.BytesReceived.Load(),
		BytesSent:          m.BytesSent.Load(),
		Subscriptions:      m.Subscriptions.Load(),
	}
	if at := m.connectedAt.Load(); at != 0 {
		s.Uptime = time.Since(time.Unix(0, at))
	}
	return s
}
