package mqtt

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ClientOptions contains configuration options for the MQTT client.
type ClientOptions struct {
	// Servers is a list of broker URIs to connect to.
	Servers []*url.URL
	// ClientID is the client identifier.
	ClientID string
	// Username for authentication.
	Username string
	// Password for authentication.
	Password string
	// CleanSession asks the broker to discard any previous session.
	CleanSession bool
	// ProtocolVersion is the MQTT protocol level (3 or 4).
	ProtocolVersion uint
	// KeepAlive is the keep-alive interval.
	KeepAlive time.Duration
	// ConnectTimeout is the connection timeout.
	ConnectTimeout time.Duration
	// WriteTimeout bounds publish, subscribe and unsubscribe round trips.
	WriteTimeout time.Duration
	// AutoReconnect enables automatic reconnection.
	AutoReconnect bool
	// MaxReconnectInterval is the maximum reconnection interval.
	MaxReconnectInterval time.Duration
	// TLSConfig is the TLS configuration.
	TLSConfig *tls.Config
	// WebSocketPath is the WebSocket endpoint path used when the server URI
	// carries no path.
	WebSocketPath string
	// WebSocketHeader is sent with the WebSocket handshake.
	WebSocketHeader http.Header
	// Will message configuration.
	WillEnabled bool
	WillTopic   string
	WillPayload []byte
	WillQoS     QoS
	WillRetain  bool
	// Callbacks
	OnConnect        OnConnectHandler
	OnConnectionLost ConnectionLostHandler
	OnReconnecting   ReconnectHandler
	// Logger
	Logger zerolog.Logger
}

// NewClientOptions creates ClientOptions with default values.
func NewClientOptions() *ClientOptions {
	return &ClientOptions{
		CleanSession:         true,
		ProtocolVersion:      ProtocolV311,
		KeepAlive:            DefaultKeepAlive,
		ConnectTimeout:       DefaultConnectTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		AutoReconnect:        false,
		MaxReconnectInterval: DefaultMaxReconnectDelay,
		WebSocketPath:        DefaultWebSocketPath,
		Logger:               zerolog.Nop(),
	}
}

// Option is a functional option for configuring the client.
type Option func(*ClientOptions)

// WithServer adds a server URI. A bare host:port is treated as tcp.
func WithServer(uri string) Option {
	return func(o *ClientOptions) {
		if !strings.Contains(uri, "://") {
			uri = "tcp://" + uri
		}
		u, err := url.Parse(uri)
		if err == nil {
			o.Servers = append(o.Servers, u)
		}
	}
}

// WithClientID sets the client identifier.
func WithClientID(id string) Option {
	return func(o *ClientOptions) {
		o.ClientID = id
	}
}

// WithCredentials sets username and password.
func WithCredentials(username, password string) Option {
	return func(o *ClientOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithCleanSession sets the clean session flag.
func WithCleanSession(clean bool) Option {
	return func(o *ClientOptions) {
		o.CleanSession = clean
	}
}

// WithProtocolVersion sets the MQTT protocol level.
func WithProtocolVersion(version uint) Option {
	return func(o *ClientOptions) {
		o.ProtocolVersion = version
	}
}

// WithKeepAlive sets the keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(o *ClientOptions) {
		o.KeepAlive = d
	}
}

// WithConnectTimeout sets the connection timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *ClientOptions) {
		o.ConnectTimeout = d
	}
}

// WithWriteTimeout sets the timeout for broker acknowledgements.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *ClientOptions) {
		o.WriteTimeout = d
	}
}

// WithAutoReconnect enables or disables automatic reconnection.
func WithAutoReconnect(enabled bool) Option {
	return func(o *ClientOptions) {
		o.AutoReconnect = enabled
	}
}

// WithMaxReconnectInterval sets the maximum reconnection interval.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(o *ClientOptions) {
		o.MaxReconnectInterval = d
	}
}

// WithTLS sets the TLS configuration.
func WithTLS(config *tls.Config) Option {
	return func(o *ClientOptions) {
		o.TLSConfig = config
	}
}

// WithWebSocketPath sets the WebSocket endpoint path.
func WithWebSocketPath(path string) Option {
	return func(o *ClientOptions) {
		o.WebSocketPath = path
	}
}

// WithWebSocketHeader sets extra WebSocket handshake headers.
func WithWebSocketHeader(h http.Header) Option {
	return func(o *ClientOptions) {
		o.WebSocketHeader = h
	}
}

// WithWill sets the will message.
func WithWill(topic string, payload []byte, qos QoS, retain bool) Option {
	return func(o *ClientOptions) {
		o.WillEnabled = true
		o.WillTopic = topic
		o.WillPayload = payload
		o.WillQoS = qos
		o.WillRetain = retain
	}
}

// WithOnConnect sets the connection callback.
func WithOnConnect(handler OnConnectHandler) Option {
	return func(o *ClientOptions) {
		o.OnConnect = handler
	}
}

// WithOnConnectionLost sets the connection lost callback.
func WithOnConnectionLost(handler ConnectionLostHandler) Option {
	return func(o *ClientOptions) {
		o.OnConnectionLost = handler
	}
}

// WithOnReconnecting sets the reconnection callback.
func WithOnReconnecting(handler ReconnectHandler) Option {
	return func(o *ClientOptions) {
		o.OnReconnecting = handler
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *ClientOptions) {
		o.Logger = logger
	}
}
