package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 7 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakePaho struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connectHang bool
	handlers    map[string]paho.MessageHandler
	subscribes  int
	published   []published
	quiesce     uint
}

func newFakePaho() *fakePaho {
	return &fakePaho{handlers: make(map[string]paho.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectHang {
		return &fakeToken{done: make(chan struct{})}
	}
	if f.connectErr != nil {
		return doneToken(f.connectErr)
	}
	f.connected = true
	return doneToken(nil)
}

func (f *fakePaho) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.quiesce = quiesce
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken(nil)
}

func (f *fakePaho) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	f.subscribes++
	return doneToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken(nil)
}

func (f *fakePaho) deliver(filter string, m *fakeMessage) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(nil, m)
}

func newTestClient(fp *fakePaho, opts ...Option) *Client {
	c := NewClient(append([]Option{WithServer("tcp://broker.local:1883")}, opts...)...)
	c.newPaho = func(*paho.ClientOptions) pahoClient { return fp }
	return c
}

func TestConnectNoServers(t *testing.T) {
	c := NewClient()
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoServers)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectSubscribeDeliver(t *testing.T) {
	fp := newFakePaho()
	c := newTestClient(fp)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)

	var got []*Message
	require.NoError(t, c.Subscribe(ctx, "sensors/#", QoS1, func(m *Message) {
		got = append(got, m)
	}))
	assert.Equal(t, []string{"sensors/#"}, c.Subscriptions())

	fp.deliver("sensors/#", &fakeMessage{topic: "sensors/a", payload: []byte("21"), qos: 1, retained: true})

	require.Len(t, got, 1)
	assert.Equal(t, "sensors/a", got[0].Topic)
	assert.Equal(t, []byte("21"), got[0].Payload)
	assert.Equal(t, QoS1, got[0].QoS)
	assert.True(t, got[0].Retain)
	assert.Equal(t, uint16(7), got[0].MessageID)
	assert.False(t, got[0].Received.IsZero())

	snap := c.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.MessagesReceived)
	assert.Equal(t, int64(2), snap.BytesReceived)
	assert.Equal(t, int64(1), snap.Subscriptions)
	assert.Equal(t, int64(1), snap.ActiveConnections)
}

func TestConnectRefused(t *testing.T) {
	fp := newFakePaho()
	fp.connectErr = packets.ErrorRefusedBadUsernameOrPassword
	c := newTestClient(fp)

	err := c.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReturnBadUsernameOrPassword, ce.Code)
	assert.Contains(t, err.Error(), "Bad username or password")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectNetworkError(t *testing.T) {
	fp := newFakePaho()
	fp.connectErr = errors.New("dial tcp: connection refused")
	c := newTestClient(fp)

	err := c.Connect(context.Background())
	require.Error(t, err)
	var ce *ConnectError
	assert.False(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "broker.local")
}

func TestConnectTimeout(t *testing.T) {
	fp := newFakePaho()
	fp.connectHang = true
	c := newTestClient(fp)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Connect(ctx), ErrTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestClient(newFakePaho())
	ctx := context.Background()

	assert.ErrorIs(t, c.Subscribe(ctx, "a", QoS0, func(*Message) {}), ErrNotConnected)
	assert.ErrorIs(t, c.Publish(ctx, "a", nil, QoS0, false), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "a"), ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrNotConnected)
}

func TestPublish(t *testing.T) {
	fp := newFakePaho()
	c := newTestClient(fp)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	assert.ErrorIs(t, c.Publish(ctx, "a/+", nil, QoS0, false), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish(ctx, "a", nil, QoS(3), false), ErrInvalidQoS)

	require.NoError(t, c.Publish(ctx, "a/b", []byte("on"), QoS2, true))
	require.Len(t, fp.published, 1)
	assert.Equal(t, published{"a/b", 2, true, []byte("on")}, fp.published[0])
	assert.Equal(t, int64(1), c.Metrics().MessagesSent.Load())
}

func TestUnsubscribe(t *testing.T) {
	fp := newFakePaho()
	c := newTestClient(fp)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Subscribe(ctx, "a", QoS0, func(*Message) {}))
	require.NoError(t, c.Subscribe(ctx, "b", QoS0, func(*Message) {}))
	require.NoError(t, c.Unsubscribe(ctx, "a"))

	assert.Equal(t, []string{"b"}, c.Subscriptions())
	assert.Equal(t, int64(1), c.Metrics().Subscriptions.Load())
}

func TestReconnectResubscribes(t *testing.T) {
	fp := newFakePaho()
	var lost int
	var connects atomic.Int32
	c := newTestClient(fp,
		WithAutoReconnect(true),
		WithOnConnectionLost(func(*Client, error) { lost++ }),
		WithOnConnect(func(*Client) { connects.Add(1) }),
	)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx, "x/#", QoS1, func(*Message) {}))

	// The initial CONNACK is handled by Connect.
	c.handleConnect()
	assert.Equal(t, 1, fp.subscribes)

	c.handleConnectionLost(errors.New("EOF"))
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 1, lost)

	c.handleReconnecting()
	c.handleConnect()
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, fp.subscribes)
	assert.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Metrics().ReconnectAttempts.Load())
}

func TestConnectionLostWithoutReconnect(t *testing.T) {
	c := newTestClient(newFakePaho())
	require.NoError(t, c.Connect(context.Background()))

	c.handleConnectionLost(errors.New("EOF"))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int64(0), c.Metrics().ActiveConnections.Load())
}

func TestDisconnect(t *testing.T) {
	fp := newFakePaho()
	c := newTestClient(fp)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx, "a", QoS0, func(*Message) {}))

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Subscriptions())
	assert.Equal(t, uint(250), fp.quiesce)
	assert.False(t, c.IsConnected())

	// A fresh session can be started afterwards.
	require.NoError(t, c.Connect(ctx))
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"#", "+", "a/b", "a/+/c", "a/#", "+/+/#", "/a", "$SYS/broker/#"}
	for _, f := range valid {
		assert.NoError(t, ValidateFilter(f), f)
	}
	invalid := []string{"", "a/#/b", "a/b#", "a+/b", "a\x00"}
	for _, f := range invalid {
		assert.ErrorIs(t, ValidateFilter(f), ErrInvalidTopic, f)
	}
}

func TestProtocolVersion(t *testing.T) {
	v, exact := ProtocolVersion("3.1")
	assert.Equal(t, ProtocolV31, v)
	assert.True(t, exact)

	v, exact = ProtocolVersion("3.1.1")
	assert.Equal(t, ProtocolV311, v)
	assert.True(t, exact)

	v, exact = ProtocolVersion("5.0")
	assert.Equal(t, ProtocolV311, v)
	assert.False(t, exact)
}

func TestReturnCodeText(t *testing.T) {
	assert.Equal(t, "Incorrect protocol version", ReturnBadProtocolVersion.String())
	assert.Equal(t, "Invalid client identifier", ReturnIdentifierRejected.String())
	assert.Equal(t, "Server unavailable", ReturnServerUnavailable.String())
	assert.Equal(t, "Not authorised", ReturnNotAuthorised.String())
}

func TestPahoOptions(t *testing.T) {
	c := NewClient(
		WithServer("ws://broker.local:8080"),
		WithClientID("mqttk-test"),
		WithCredentials("user", "secret"),
		WithCleanSession(false),
		WithProtocolVersion(ProtocolV31),
		WithKeepAlive(45*time.Second),
		WithMaxReconnectInterval(20*time.Second),
		WithAutoReconnect(true),
		WithWill("clients/mqttk", []byte("gone"), QoS2, true),
	)

	po := c.pahoOptions()
	require.Len(t, po.Servers, 1)
	assert.Equal(t, "ws://broker.local:8080", po.Servers[0].String())
	assert.Equal(t, "mqttk-test", po.ClientID)
	assert.Equal(t, "user", po.Username)
	assert.Equal(t, "secret", po.Password)
	assert.False(t, po.CleanSession)
	assert.Equal(t, ProtocolV31, po.ProtocolVersion)
	assert.Equal(t, int64(45), po.KeepAlive)
	assert.Equal(t, 20*time.Second, po.MaxReconnectInterval)
	assert.True(t, po.AutoReconnect)
	assert.True(t, po.WillEnabled)
	assert.Equal(t, "clients/mqttk", po.WillTopic)
	assert.Equal(t, []byte("gone"), po.WillPayload)
	assert.Equal(t, byte(2), po.WillQos)
	assert.True(t, po.WillRetained)
	assert.NotNil(t, po.CustomOpenConnectionFn)

	po = NewClient(WithServer("tcp://broker.local:1883")).pahoOptions()
	assert.True(t, po.CleanSession)
	assert.False(t, po.WillEnabled)
	assert.Equal(t, DefaultMaxReconnectDelay, po.MaxReconnectInterval)
}
