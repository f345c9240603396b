package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/topictree"
)

// TopicBrowser maps every topic seen under a single browse filter into a
// topic tree.
type TopicBrowser struct {
	tree           *topictree.Tree
	palette        *Palette
	store          HistoryStore
	logger         zerolog.Logger
	ignoreRetained atomic.Bool

	mu          sync.Mutex
	sub         Subscriber
	profile     string
	lastProfile string
	filter      string
	colour      string
}

// NewTopicBrowser creates an idle browser.
func NewTopicBrowser(opts ...Option) *TopicBrowser {
	o := buildOptions("topic-browser", opts)
	return &TopicBrowser{
		tree:    topictree.New(),
		palette: o.palette,
		store:   o.store,
		logger:  o.logger,
	}
}

// Attach binds the browser to a connected session. The map is flushed when
// the session belongs to a different profile than the previous one.
func (b *TopicBrowser) Attach(sub Subscriber, profile string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if profile != b.lastProfile {
		b.tree.Reset()
		b.logger.Debug().Str("profile", profile).Msg("profile changed, topic map flushed")
	}
	b.sub = sub
	b.profile = profile
	b.lastProfile = profile
	b.filter = ""
	b.colour = ""
}

// Detach forgets the session after a disconnect. The map is kept.
func (b *TopicBrowser) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sub = nil
	b.filter = ""
	b.colour = ""
}

// Browse subscribes to filter and starts mapping.
func (b *TopicBrowser) Browse(ctx context.Context, filter string) error {
	if filter == "" {
		return ErrEmptyFilter
	}

	b.mu.Lock()
	sub, profile := b.sub, b.profile
	if sub == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	if b.filter != "" {
		b.mu.Unlock()
		return ErrAlreadyBrowsing
	}
	b.filter = filter
	b.mu.Unlock()

	if err := sub.Subscribe(ctx, filter, mqtt.QoS0, b.handle); err != nil {
		b.mu.Lock()
		if b.filter == filter {
			b.filter = ""
		}
		b.mu.Unlock()
		b.logger.Error().Err(err).Str("filter", filter).Msg("failed to subscribe")
		return err
	}

	// Stop, Detach or Attach may have run while subscribing.
	b.mu.Lock()
	if b.filter != filter {
		b.mu.Unlock()
		if err := sub.Unsubscribe(ctx, filter); err != nil {
			b.logger.Warn().Err(err).Str("filter", filter).Msg("failed to unsubscribe")
		}
		return ErrBrowseStopped
	}
	colour := b.palette.Colour(profile, filter)
	b.colour = colour
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.AddSubscriptionHistory(profile, filter, colour); err != nil {
			b.logger.Warn().Err(err).Msg("failed to save subscription history")
		}
	}
	b.logger.Info().Str("filter", filter).Msg("browsing")
	return nil
}

// Stop unsubscribes the current browse filter. The map is kept.
func (b *TopicBrowser) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub, filter := b.sub, b.filter
	b.filter = ""
	b.colour = ""
	b.mu.Unlock()

	if sub == nil || filter == "" {
		return nil
	}
	if err := sub.Unsubscribe(ctx, filter); err != nil {
		b.logger.Warn().Err(err).Str("filter", filter).Msg("failed to unsubscribe, maybe a failed subscription?")
		return err
	}
	return nil
}

func (b *TopicBrowser) handle(msg *mqtt.Message) {
	if b.ignoreRetained.Load() && msg.Retain {
		return
	}
	isNew := b.tree.Observe(msg.Topic, topictree.Value{
		QoS:      byte(msg.QoS),
		Retained: msg.Retain,
		LastSeen: msg.Received,
		Payload:  msg.Payload,
	})
	if isNew {
		b.logger.Trace().Str("topic", msg.Topic).Msg("new topic")
	}
}

// SetIgnoreRetained toggles dropping retained messages before they reach
// the map. Topics already mapped stay.
func (b *TopicBrowser) SetIgnoreRetained(ignore bool) {
	b.ignoreRetained.Store(ignore)
}

// IgnoreRetained reports whether retained messages are dropped.
func (b *TopicBrowser) IgnoreRetained() bool {
	return b.ignoreRetained.Load()
}

// Clear flushes the map.
func (b *TopicBrowser) Clear() {
	b.tree.Reset()
}

// Tree returns the topic map.
func (b *TopicBrowser) Tree() *topictree.Tree {
	return b.tree
}

// Filter returns the active browse filter and its colour.
func (b *TopicBrowser) Filter() (filter, colour string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter, b.colour
}

// Status is the topic counter line.
func (b *TopicBrowser) Status() string {
	return fmt.Sprintf("%d individual topics mapped", b.tree.CountDistinctTopics())
}
