package mqtt

import (
	"fmt"
	"time"
)

// QoS represents MQTT Quality of Service levels.
type QoS byte

const (
	// QoS0 - At most once delivery.
	QoS0 QoS = 0
	// QoS1 - At least once delivery.
	QoS1 QoS = 1
	// QoS2 - Exactly once delivery.
	QoS2 QoS = 2
)

// String returns the string representation of the QoS level.
func (q QoS) String() string {
	switch q {
	case QoS0:
		return "QoS0 (At most once)"
	case QoS1:
		return "QoS1 (At least once)"
	case QoS2:
		return "QoS2 (Exactly once)"
	default:
		return "Unknown QoS"
	}
}

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= QoS2
}

// ParseQoS converts an integer to a QoS level.
func ParseQoS(qos int) (QoS, error) {
	if qos < 0 || qos > 2 {
		return 0, fmt.Errorf("%w: %d (must be 0, 1, or 2)", ErrInvalidQoS, qos)
	}
	return QoS(qos), nil
}

// ConnectionState represents the state of a client connection.
type ConnectionState int32

const (
	// StateDisconnected indicates the client is not connected.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the client is attempting to connect.
	StateConnecting
	// StateConnected indicates the client is connected and ready.
	StateConnected
	// StateDisconnecting indicates the client is gracefully disconnecting.
	StateDisconnecting
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Message represents a received MQTT message.
type Message struct {
	// Topic is the message topic.
	Topic string
	// Payload is the message payload.
	Payload []byte
	// QoS is the quality of service level.
	QoS QoS
	// Retain indicates the broker delivered a retained message.
	Retain bool
	// Duplicate indicates if this is a re-delivery.
	Duplicate bool
	// MessageID is the packet identifier (QoS > 0).
	MessageID uint16
	// Received is the local time the message was handed to the client.
	Received time.Time
}

// MessageHandler is a callback for received messages. Handlers are invoked
// one message at a time, in arrival order.
type MessageHandler func(msg *Message)

// ConnectionLostHandler is a callback for connection loss.
type ConnectionLostHandler func(client *Client, err error)

// OnConnectHandler is a callback for successful connection.
type OnConnectHandler func(client *Client)

// ReconnectHandler is a callback for reconnection attempts.
type ReconnectHandler func(client *Client)

// Default values.
const (
	DefaultKeepAlive         = 60 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultDisconnectQuiesce = 250 * time.Millisecond
	DefaultMaxReconnectDelay = 2 * time.Minute
	DefaultPort              = 1883
	DefaultTLSPort           = 8883
	DefaultWSPort            = 80
	DefaultWSSPort           = 443
	DefaultWebSocketPath     = "/mqtt"
)

// Protocol versions understood by the client.
const (
	ProtocolV31  uint = 3
	ProtocolV311 uint = 4
)

// ProtocolVersion maps a profile version name ("3.1", "3.1.1", "5.0") to the
// wire protocol level. exact is false when the requested version is not
// available and 3.1.1 is used instead.
func ProtocolVersion(name string) (version uint, exact bool) {
	switch name {
	case "3.1":
		return ProtocolV31, true
	case "3.1.1", "":
		return ProtocolV311, true
	default:
		return ProtocolV311, false
	}
}
