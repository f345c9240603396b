// Package browser implements MQTTk's broker-facing views: the topic browser,
// the $SYS broker statistics tree, and the subscription monitor with its
// message log.
package browser

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/edgeo-scada/mqttk/mqtt"
)

// Errors returned by the views.
var (
	ErrNotAttached         = errors.New("browser: no broker session attached")
	ErrAlreadyBrowsing     = errors.New("browser: already browsing, stop first")
	ErrEmptyFilter         = errors.New("browser: empty subscription filter")
	ErrUnknownSubscription = errors.New("browser: unknown subscription")
	ErrBrowseStopped       = errors.New("browser: browse stopped while subscribing")
)

// Subscriber is the broker session the views read from. *mqtt.Client
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos mqtt.QoS, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, filters ...string) error
}

// ColourSource returns a colour saved for a subscription.
type ColourSource interface {
	SubscriptionColour(profile, topic string) (string, bool)
}

// HistoryStore is the part of the profile store the views write to.
// *profile.Store satisfies it.
type HistoryStore interface {
	ColourSource
	AddSubscriptionHistory(profile, topic, colour string) error
	Resubscribe(profile string) bool
	ResubscribeTopics(profile string) []string
	SaveResubscribeTopics(profile string, topics []string) error
}

type options struct {
	store     HistoryStore
	palette   *Palette
	logger    zerolog.Logger
	onMessage func(Record)
}

// Option configures a view.
type Option func(*options)

// WithStore sets the profile store used for colours and history.
func WithStore(store HistoryStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithPalette shares a colour palette between views.
func WithPalette(p *Palette) Option {
	return func(o *options) {
		o.palette = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOnMessage is called by the monitor for every logged message.
func WithOnMessage(fn func(Record)) Option {
	return func(o *options) {
		o.onMessage = fn
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.palette == nil {
		var src ColourSource
		if o.store != nil {
			src = o.store
		}
		o.palette = NewPalette(src)
	}
	o.logger = o.logger.With().Str("component", component).Logger()
	return o
}
