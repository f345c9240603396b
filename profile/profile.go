// Package profile persists MQTTk connection profiles and per-profile history
// in a JSON document that stays compatible with MQTTk-config.json.
package profile

import (
	"encoding/base64"
	"maps"
	"net"
	"slices"
	"strconv"
	"time"
)

// Connection holds the broker parameters of a profile. Numeric fields are
// stored as strings, as MQTTk writes them.
type Connection struct {
	BrokerAddr  string `json:"broker_addr"`
	BrokerPort  string `json:"broker_port"`
	ClientID    string `json:"client_id"`
	User        string `json:"user"`
	Pass        string `json:"pass"`
	Timeout     string `json:"timeout"`
	Keepalive   string `json:"keepalive"`
	MQTTVersion string `json:"mqtt_version"`
	SSL         string `json:"ssl"`
	CAFile      string `json:"ca_file"`
	ClientCert  string `json:"cl_cert"`
	ClientKey   string `json:"cl_key"`
	Resubscribe int    `json:"resubscribe"`
}

// Subscription is a subscription history entry.
type Subscription struct {
	Colour string `json:"colour"`
}

// PublishTemplate is a stored publish. Payload is base64 encoded.
type PublishTemplate struct {
	Topic    string `json:"topic"`
	QoS      int    `json:"qos"`
	Payload  string `json:"payload"`
	Retained bool   `json:"retained"`
}

// NewPublishTemplate builds a template from a raw payload.
func NewPublishTemplate(topic string, qos int, payload []byte, retained bool) PublishTemplate {
	return PublishTemplate{
		Topic:    topic,
		QoS:      qos,
		Payload:  base64.StdEncoding.EncodeToString(payload),
		Retained: retained,
	}
}

// Bytes returns the decoded payload.
func (t PublishTemplate) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(t.Payload)
}

// Profile is a named connection profile with its history.
type Profile struct {
	Connection        Connection                 `json:"connection_parameters"`
	Subscriptions     map[string]Subscription    `json:"subscriptions"`
	PublishTopics     []string                   `json:"publish_topics"`
	StoredPublishes   map[string]PublishTemplate `json:"stored_publishes"`
	LastPublishUsed   string                     `json:"last_publish_used,omitempty"`
	LastSubscribeUsed string                     `json:"last_subscribe_used,omitempty"`
	ResubscribeTopics []string                   `json:"resubscribe_topics,omitempty"`
}

func newProfile(conn Connection) *Profile {
	return &Profile{
		Connection:      conn,
		Subscriptions:   make(map[string]Subscription),
		PublishTopics:   []string{},
		StoredPublishes: make(map[string]PublishTemplate),
	}
}

// normalize fills nil collections left by older or hand edited files.
func (p *Profile) normalize() {
	if p.Subscriptions == nil {
		p.Subscriptions = make(map[string]Subscription)
	}
	if p.PublishTopics == nil {
		p.PublishTopics = []string{}
	}
	if p.StoredPublishes == nil {
		p.StoredPublishes = make(map[string]PublishTemplate)
	}
}

func (p *Profile) clone() Profile {
	c := *p
	c.Subscriptions = maps.Clone(p.Subscriptions)
	c.PublishTopics = slices.Clone(p.PublishTopics)
	c.StoredPublishes = maps.Clone(p.StoredPublishes)
	c.ResubscribeTopics = slices.Clone(p.ResubscribeTopics)
	return c
}

// Address returns host:port, defaulting the port to 1883.
func (c Connection) Address() string {
	port := c.BrokerPort
	if port == "" {
		port = "1883"
	}
	return net.JoinHostPort(c.BrokerAddr, port)
}

// TLSEnabled reports whether the profile uses any TLS mode.
func (c Connection) TLSEnabled() bool {
	return c.SSL != "" && c.SSL != "Disabled"
}

// URI returns the broker URI for the profile.
func (c Connection) URI() string {
	if c.TLSEnabled() {
		return "ssl://" + c.Address()
	}
	return "tcp://" + c.Address()
}

// TimeoutDuration parses Timeout as seconds, defaulting to 10s.
func (c Connection) TimeoutDuration() time.Duration {
	return seconds(c.Timeout, 10*time.Second)
}

// KeepaliveDuration parses Keepalive as seconds, defaulting to 60s.
func (c Connection) KeepaliveDuration() time.Duration {
	return seconds(c.Keepalive, 60*time.Second)
}

func seconds(s string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
