package browser

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/payload"
	"github.com/edgeo-scada/mqttk/topictree"
)

// Broker statistics topics.
const (
	StatsPrefix = "$SYS/broker"
	StatsFilter = StatsPrefix + "/#"
)

// BrokerStats maps the broker's $SYS/broker statistics into a tree rooted
// below the prefix.
type BrokerStats struct {
	tree   *topictree.Tree
	logger zerolog.Logger

	mu     sync.Mutex
	sub    Subscriber
	active bool
}

// NewBrokerStats creates an unsubscribed statistics view.
func NewBrokerStats(opts ...Option) *BrokerStats {
	o := buildOptions("broker-stats", opts)
	return &BrokerStats{
		tree:   topictree.New(topictree.WithPrefix(StatsPrefix)),
		logger: o.logger,
	}
}

// Attach binds the view to a connected session.
func (s *BrokerStats) Attach(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = sub
	s.active = false
}

// Subscribe starts receiving statistics.
func (s *BrokerStats) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	sub, active := s.sub, s.active
	s.mu.Unlock()
	if sub == nil {
		return ErrNotAttached
	}
	if active {
		return nil
	}

	if err := sub.Subscribe(ctx, StatsFilter, mqtt.QoS0, s.handle); err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe")
		return err
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

// Unsubscribe stops receiving statistics and flushes the tree.
func (s *BrokerStats) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sub, active := s.sub, s.active
	s.active = false
	s.mu.Unlock()
	defer s.tree.Reset()

	if sub == nil || !active {
		return nil
	}
	if err := sub.Unsubscribe(ctx, StatsFilter); err != nil {
		s.logger.Warn().Err(err).Msg("broker stats failed to unsubscribe")
		return err
	}
	return nil
}

func (s *BrokerStats) handle(msg *mqtt.Message) {
	s.tree.Observe(msg.Topic, topictree.Value{
		QoS:      byte(msg.QoS),
		Retained: msg.Retain,
		LastSeen: msg.Received,
		Payload:  msg.Payload,
	})
}

// Tree returns the statistics tree.
func (s *BrokerStats) Tree() *topictree.Tree {
	return s.tree
}

// Value returns the last value of a statistic given relative to the prefix,
// e.g. "clients/connected".
func (s *BrokerStats) Value(stat string) (string, bool) {
	e, err := s.tree.Lookup(stat)
	if err != nil || e.Value == nil {
		return "", false
	}
	return payload.Text(e.Value.Payload), true
}
