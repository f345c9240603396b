// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// pahoClient is the part of paho.Client the session uses.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type subscription struct {
	qos     QoS
	handler MessageHandler
}

// Client is an MQTT session with a single broker.
type Client struct {
	opts    *ClientOptions
	logger  zerolog.Logger
	metrics *Metrics
	newPaho func(*paho.ClientOptions) pahoClient

	state        atomic.Int32
	reconnecting atomic.Bool

	mu   sync.RWMutex
	pc   pahoClient
	subs map[string]subscription
}

// NewClient creates a new MQTT client with the given options.
func NewClient(opts ...Option) *Client {
	options := NewClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		opts:    options,
		logger:  options.Logger.With().Str("component", "mqtt").Logger(),
		metrics: &Metrics{},
		newPaho: func(po *paho.ClientOptions) pahoClient {
			return paho.NewClient(po)
		},
		subs: make(map[string]subscription),
	}
}

// Connect establishes a connection to the first reachable server.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	if len(c.opts.Servers) == 0 {
		c.setState(StateDisconnected)
		return ErrNoServers
	}

	c.metrics.ConnectionAttempts.Add(1)
	server := c.opts.Servers[0].Redacted()
	c.logger.Debug().Str("server", server).Str("client_id", c.opts.ClientID).Msg("connecting")

	pc := c.newPaho(c.pahoOptions())
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	tok := pc.Connect()
	if err := c.wait(ctx, tok, c.opts.ConnectTimeout); err != nil {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.pc = nil
		c.mu.Unlock()
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
			pc.Disconnect(0)
		}
		return c.connectError(tok, server, err)
	}

	c.setState(StateConnected)
	c.metrics.markConnected(time.Now())
	c.logger.Info().Str("server", server).Msg("connected to broker")

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(c)
	}
	return nil
}

func (c *Client) connectError(tok paho.Token, server string, err error) error {
	code, ok := returnCodeOf(err)
	if ct, isConnect := tok.(*paho.ConnectToken); isConnect && !ok {
		code, ok = ReturnCode(ct.ReturnCode()), ct.ReturnCode() != 0
	}
	if ok && code >= ReturnBadProtocolVersion && code <= ReturnNotAuthorised {
		c.logger.Warn().Str("server", server).Str("reason", code.String()).Msg("connection refused")
		return &ConnectError{Code: code, Err: err}
	}
	c.logger.Warn().Err(err).Str("server", server).Msg("connection failed")
	return fmt.Errorf("mqtt: connect to %s: %w", server, err)
}

// Disconnect gracefully closes the connection and forgets all subscriptions.
func (c *Client) Disconnect(ctx context.Context) error {
	for {
		s := c.State()
		if s == StateDisconnected || s == StateDisconnecting {
			return ErrNotConnected
		}
		if c.state.CompareAndSwap(int32(s), int32(StateDisconnecting)) {
			break
		}
	}

	quiesce := DefaultDisconnectQuiesce
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < quiesce {
			quiesce = max(left, 0)
		}
	}

	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	clear(c.subs)
	c.mu.Unlock()

	if pc != nil {
		pc.Disconnect(uint(quiesce.Milliseconds()))
	}

	c.reconnecting.Store(false)
	c.metrics.Subscriptions.Store(0)
	c.metrics.markDisconnected()
	c.setState(StateDisconnected)
	c.logger.Info().Msg("disconnected")
	return nil
}

// Subscribe subscribes to filter and routes matching messages to handler.
// Subscribing again to the same filter replaces its handler.
func (c *Client) Subscribe(ctx context.Context, filter string, qos QoS, handler MessageHandler) error {
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	pc, err := c.session()
	if err != nil {
		return err
	}

	tok := pc.Subscribe(filter, byte(qos), c.deliver(handler))
	if err := c.wait(ctx, tok, c.opts.WriteTimeout); err != nil {
		return fmt.Errorf("mqtt: subscribe %q: %w", filter, err)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if granted, ok := st.Result()[filter]; ok && granted == 0x80 {
			return fmt.Errorf("%w: %q", ErrSubscriptionRejected, filter)
		}
	}

	c.mu.Lock()
	if _, exists := c.subs[filter]; !exists {
		c.metrics.Subscriptions.Add(1)
	}
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	c.logger.Debug().Str("filter", filter).Int("qos", int(qos)).Msg("subscribed")
	return nil
}

// Unsubscribe removes the given filters.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	pc, err := c.session()
	if err != nil {
		return err
	}

	if err := c.wait(ctx, pc.Unsubscribe(filters...), c.opts.WriteTimeout); err != nil {
		return fmt.Errorf("mqtt: unsubscribe: %w", err)
	}

	c.mu.Lock()
	for _, f := range filters {
		if _, ok := c.subs[f]; ok {
			delete(c.subs, f)
			c.metrics.Subscriptions.Add(-1)
		}
	}
	c.mu.Unlock()

	c.logger.Debug().Strs("filters", filters).Msg("unsubscribed")
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	pc, err := c.session()
	if err != nil {
		return err
	}

	if err := c.wait(ctx, pc.Publish(topic, byte(qos), retain, payload), c.opts.WriteTimeout); err != nil {
		return fmt.Errorf("mqtt: publish %q: %w", topic, err)
	}

	c.metrics.MessagesSent.Add(1)
	c.metrics.BytesSent.Add(int64(len(payload)))
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected reports whether the session is usable.
func (c *Client) IsConnected() bool {
	if c.State() != StateConnected {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pc != nil && c.pc.IsConnected()
}

// Metrics returns the session counters.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Subscriptions returns the active filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.subs))
}

// Server returns the first configured broker URI with credentials redacted.
func (c *Client) Server() string {
	if len(c.opts.Servers) == 0 {
		return ""
	}
	return c.opts.Servers[0].Redacted()
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

func (c *Client) session() (pahoClient, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pc == nil {
		return nil, ErrNotConnected
	}
	return c.pc, nil
}

// wait blocks until tok completes or ctx ends. timeout applies only when ctx
// carries no deadline of its own.
func (c *Client) wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

func (c *Client) deliver(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		c.metrics.MessagesReceived.Add(1)
		c.metrics.BytesReceived.Add(int64(len(m.Payload())))
		handler(fromPaho(m))
	}
}

func fromPaho(m paho.Message) *Message {
	return &Message{
		Topic:     m.Topic(),
		Payload:   m.Payload(),
		QoS:       QoS(m.Qos()),
		Retain:    m.Retained(),
		Duplicate: m.Duplicate(),
		MessageID: m.MessageID(),
		Received:  time.Now(),
	}
}

func (c *Client) pahoOptions() *paho.ClientOptions {
	o := c.opts
	po := paho.NewClientOptions()
	for _, s := range o.Servers {
		po.AddBroker(s.String())
	}
	po.SetClientID(o.ClientID)
	po.SetUsername(o.Username)
	po.SetPassword(o.Password)
	po.SetCleanSession(o.CleanSession)
	po.SetProtocolVersion(o.ProtocolVersion)
	po.SetKeepAlive(o.KeepAlive)
	po.SetConnectTimeout(o.ConnectTimeout)
	po.SetWriteTimeout(o.WriteTimeout)
	po.SetAutoReconnect(o.AutoReconnect)
	po.SetMaxReconnectInterval(o.MaxReconnectInterval)
	po.SetTLSConfig(o.TLSConfig)
	if o.WillEnabled {
		po.SetBinaryWill(o.WillTopic, o.WillPayload, byte(o.WillQoS), o.WillRetain)
	}

	d := newDialer(o)
	po.SetCustomOpenConnectionFn(func(uri *url.URL, _ paho.ClientOptions) (net.Conn, error) {
		return d.Dial(context.Background(), uri)
	})
	po.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	po.SetConnectionLostHandler(func(_ paho.Client, err error) { c.handleConnectionLost(err) })
	po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) { c.handleReconnecting() })
	po.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		c.logger.Debug().Str("topic", m.Topic()).Msg("message without subscription")
	})
	return po
}

func (c *Client) handleConnectionLost(err error) {
	c.metrics.ConnectionsLost.Add(1)
	c.metrics.markDisconnected()

	if c.opts.AutoReconnect {
		c.reconnecting.Store(true)
		c.setState(StateConnecting)
	} else {
		c.setState(StateDisconnected)
	}
	c.logger.Warn().Err(err).Bool("reconnect", c.opts.AutoReconnect).Msg("connection lost")

	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

func (c *Client) handleReconnecting() {
	c.metrics.ReconnectAttempts.Add(1)
	c.reconnecting.Store(true)
	c.logger.Info().Msg("reconnecting")

	if c.opts.OnReconnecting != nil {
		c.opts.OnReconnecting(c)
	}
}

// handleConnect runs for every successful CONNACK. The first one is handled
// by Connect itself, so only reconnects are processed here.
func (c *Client) handleConnect() {
	if !c.reconnecting.Swap(false) {
		return
	}
	c.setState(StateConnected)
	c.metrics.markConnected(time.Now())
	c.logger.Info().Msg("reconnected to broker")

	if c.opts.CleanSession {
		c.resubscribe()
	}
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	pc := c.pc
	subs := maps.Clone(c.subs)
	c.mu.RUnlock()
	if pc == nil {
		return
	}

	for _, filter := range slices.Sorted(maps.Keys(subs)) {
		sub := subs[filter]
		tok := pc.Subscribe(filter, byte(sub.qos), c.deliver(sub.handler))
		if err := c.wait(context.Background(), tok, c.opts.WriteTimeout); err != nil {
			c.logger.Error().Err(err).Str("filter", filter).Msg("resubscribe failed")
			continue
		}
		c.logger.Debug().Str("filter", filter).Msg("resubscribed")
	}
}
