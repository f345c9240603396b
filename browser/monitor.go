package browser

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edgeo-scada/mqttk/mqtt"
)

// Subscription is a monitored filter.
type Subscription struct {
	Filter string
	QoS    mqtt.QoS
	Colour string
	Muted  bool
}

// Monitor holds several subscriptions and records their messages in a Log.
// Messages for muted subscriptions are dropped.
type Monitor struct {
	log       *Log
	palette   *Palette
	store     HistoryStore
	logger    zerolog.Logger
	onMessage func(Record)

	mu      sync.RWMutex
	sub     Subscriber
	profile string
	subs    map[string]*Subscription
	order   []string
	muted   map[string]bool
}

// NewMonitor creates a monitor writing to log.
func NewMonitor(log *Log, opts ...Option) *Monitor {
	o := buildOptions("monitor", opts)
	return &Monitor{
		log:       log,
		palette:   o.palette,
		store:     o.store,
		logger:    o.logger,
		onMessage: o.onMessage,
		subs:      make(map[string]*Subscription),
		muted:     make(map[string]bool),
	}
}

// MuteOnSubscribe marks filters to start muted when they are subscribed,
// so that retained messages delivered right after subscribing are dropped.
func (m *Monitor) MuteOnSubscribe(filters ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range filters {
		m.muted[f] = true
	}
}

// Log returns the message log.
func (m *Monitor) Log() *Log {
	return m.log
}

// Attach binds the monitor to a connected session.
func (m *Monitor) Attach(sub Subscriber, profile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sub = sub
	m.profile = profile
}

// Subscribe adds a subscription. Subscribing to a filter that is already
// monitored does nothing.
func (m *Monitor) Subscribe(ctx context.Context, filter string, qos mqtt.QoS) error {
	if filter == "" {
		return ErrEmptyFilter
	}

	m.mu.Lock()
	sub, profile := m.sub, m.profile
	if sub == nil {
		m.mu.Unlock()
		return ErrNotAttached
	}
	if _, ok := m.subs[filter]; ok {
		m.mu.Unlock()
		return nil
	}
	s := &Subscription{Filter: filter, QoS: qos, Colour: m.palette.Colour(profile, filter), Muted: m.muted[filter]}
	m.subs[filter] = s
	m.order = append(m.order, filter)
	m.mu.Unlock()

	if err := sub.Subscribe(ctx, filter, qos, m.handler(filter)); err != nil {
		m.remove(filter)
		m.logger.Error().Err(err).Str("filter", filter).Msg("failed to subscribe")
		return err
	}

	if m.store != nil {
		if err := m.store.AddSubscriptionHistory(profile, filter, s.Colour); err != nil {
			m.logger.Warn().Err(err).Msg("failed to save subscription history")
		}
	}
	m.logger.Info().Str("filter", filter).Str("colour", s.Colour).Msg("subscribed")
	return nil
}

// Unsubscribe removes a subscription.
func (m *Monitor) Unsubscribe(ctx context.Context, filter string) error {
	m.mu.RLock()
	sub := m.sub
	_, ok := m.subs[filter]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, filter)
	}

	m.remove(filter)
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(ctx, filter); err != nil {
		m.logger.Warn().Err(err).Str("filter", filter).Msg("failed to unsubscribe, maybe a failed subscription?")
		return err
	}
	return nil
}

func (m *Monitor) remove(filter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, filter)
	m.order = slices.DeleteFunc(m.order, func(f string) bool { return f == filter })
}

// Mute toggles dropping messages of a subscription.
func (m *Monitor) Mute(filter string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[filter]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, filter)
	}
	s.Muted = muted
	return nil
}

// SetColour changes the colour of a subscription and saves it in the
// subscription history.
func (m *Monitor) SetColour(filter, colour string) error {
	m.mu.Lock()
	s, ok := m.subs[filter]
	if ok {
		s.Colour = colour
	}
	profile := m.profile
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, filter)
	}
	if m.store != nil {
		return m.store.AddSubscriptionHistory(profile, filter, colour)
	}
	return nil
}

// Subscriptions returns the monitored subscriptions in the order they were
// added.
func (m *Monitor) Subscriptions() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.order))
	for _, f := range m.order {
		out = append(out, *m.subs[f])
	}
	return out
}

func (m *Monitor) handler(filter string) mqtt.MessageHandler {
	return func(msg *mqtt.Message) {
		m.mu.RLock()
		s, ok := m.subs[filter]
		drop := !ok || s.Muted
		m.mu.RUnlock()
		if drop {
			return
		}

		r := m.log.Add(msg.Topic, msg.Payload, int(msg.QoS), filter, msg.Retain, msg.Received)
		if m.onMessage != nil {
			m.onMessage(r)
		}
	}
}

// Cleanup forgets all subscriptions ahead of a disconnect. When the profile
// asks for it, the filters are saved to be restored by Resubscribe.
func (m *Monitor) Cleanup() error {
	m.mu.Lock()
	filters := slices.Clone(m.order)
	profile := m.profile
	m.subs = make(map[string]*Subscription)
	m.order = nil
	m.sub = nil
	m.mu.Unlock()

	if m.store == nil || !m.store.Resubscribe(profile) {
		return nil
	}
	if filters == nil {
		filters = []string{}
	}
	return m.store.SaveResubscribeTopics(profile, filters)
}

// Resubscribe restores the filters saved by Cleanup when the profile asks
// for it.
func (m *Monitor) Resubscribe(ctx context.Context) error {
	m.mu.RLock()
	profile := m.profile
	m.mu.RUnlock()
	if m.store == nil || !m.store.Resubscribe(profile) {
		return nil
	}

	var errs []error
	for _, filter := range m.store.ResubscribeTopics(profile) {
		if err := m.Subscribe(ctx, filter, mqtt.QoS0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
