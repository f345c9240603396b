package profile

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// MQTTFXPrefix is prepended to the names of imported MQTT.fx profiles.
const MQTTFXPrefix = "MQTT.fx "

type mqttfxConfig struct {
	XMLName  xml.Name        `xml:"configuration"`
	Profiles []mqttfxProfile `xml:"connectionProfiles>connectionProfile"`
}

type mqttfxProfile struct {
	Name          string        `xml:"profileName"`
	BrokerAddress string        `xml:"brokerAddress"`
	BrokerPort    string        `xml:"brokerPort"`
	Options       mqttfxOptions `xml:"connectionOptions"`
	Messages      []struct {
		Name     string `xml:"name"`
		Topic    string `xml:"topic>name"`
		QoS      string `xml:"qos"`
		Retained string `xml:"retained"`
		Payload  string `xml:"payload"`
	} `xml:"preDefinedMessages>message"`
	PublishTopics      []string `xml:"recentPublishTopics>topic"`
	SubscriptionTopics []struct {
		Name  string `xml:"name"`
		Color string `xml:"color"`
	} `xml:"recentSubscriptionTopics>topic"`
}

type mqttfxOptions struct {
	ClientID          string `xml:"clientId"`
	UserName          string `xml:"userName"`
	Password          string `xml:"password"`
	ConnectionTimeout string `xml:"connectionTimeout"`
	KeepAliveInterval string `xml:"keepAliveInterval"`
	MQTTVersion       string `xml:"mqttVersion"`
	CAFile            string `xml:"caFile"`
	ClientCertificate string `xml:"clientCertificateFile"`
	ClientKey         string `xml:"clientKeyFile"`
}

// ParseMQTTFX converts an MQTT.fx configuration document into profiles keyed
// by their MQTTk name. TLS is always left disabled since MQTT.fx stores its
// TLS settings in a form that does not map onto MQTTk's modes.
func ParseMQTTFX(data []byte) (map[string]Profile, error) {
	var cfg mqttfxConfig
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("profile: failed to parse MQTT.fx configuration XML: %w", err)
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("profile: unexpected MQTT.fx configuration format")
	}

	out := make(map[string]Profile, len(cfg.Profiles))
	for _, fx := range cfg.Profiles {
		p := newProfile(Connection{
			BrokerAddr:  strings.TrimSpace(fx.BrokerAddress),
			BrokerPort:  strings.TrimSpace(fx.BrokerPort),
			ClientID:    fx.Options.ClientID,
			User:        fx.Options.UserName,
			Pass:        fx.Options.Password,
			Timeout:     fx.Options.ConnectionTimeout,
			Keepalive:   fx.Options.KeepAliveInterval,
			MQTTVersion: fx.Options.MQTTVersion,
			SSL:         "Disabled",
			CAFile:      fx.Options.CAFile,
			ClientCert:  fx.Options.ClientCertificate,
			ClientKey:   fx.Options.ClientKey,
		})

		for _, m := range fx.Messages {
			qos, _ := strconv.Atoi(strings.TrimSpace(m.QoS))
			retained, _ := strconv.ParseBool(strings.TrimSpace(m.Retained))
			p.StoredPublishes[m.Name] = NewPublishTemplate(m.Topic, qos, []byte(m.Payload), retained)
		}

		for _, topic := range fx.PublishTopics {
			if topic == "" || strings.ContainsAny(topic, "#+%") {
				continue
			}
			p.PublishTopics = append(p.PublishTopics, topic)
		}

		for _, sub := range fx.SubscriptionTopics {
			p.Subscriptions[sub.Name] = Subscription{Colour: mqttfxColour(sub.Color)}
		}

		out[MQTTFXPrefix+fx.Name] = *p
	}
	return out, nil
}

// mqttfxColour lower-cases a colour and turns JavaFX "0xRRGGBBAA" values into
// "#rrggbb".
func mqttfxColour(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if hex, ok := strings.CutPrefix(c, "0x"); ok && (len(hex) == 8 || len(hex) == 6) {
		return "#" + hex[:6]
	}
	return c
}

// ImportMQTTFX merges the profiles of an MQTT.fx configuration file into the
// store, replacing profiles with the same name. It returns the imported
// names.
func (s *Store) ImportMQTTFX(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read MQTT.fx config: %w", err)
	}
	profiles, err := ParseMQTTFX(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return nil, ErrReadOnly
	}

	next := s.doc.clone()
	names := make([]string, 0, len(profiles))
	for name, p := range profiles {
		next.Connections[name] = &p
		names = append(names, name)
	}
	if err := s.save(next); err != nil {
		return nil, err
	}

	s.logger.Info().Str("path", path).Int("profiles", len(names)).Msg("imported MQTT.fx configuration")
	slices.Sort(names)
	return names, nil
}

// DefaultPath returns the platform location of MQTTk-config.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "MQTTk", "MQTTk-config.json"), nil
}

// FindMQTTFXConfig returns the MQTT.fx configuration file in its default
// platform location, if present.
func FindMQTTFXConfig() (string, bool) {
	var path string
	switch runtime.GOOS {
	case "windows":
		path = filepath.Join(os.Getenv("LOCALAPPDATA"), "MQTT-FX", "mqttfx-config.xml")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, "Library", "Application Support", "MQTT-FX", "mqttfx-config.xml")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, "MQTT-FX", "mqttfx-config.xml")
	}

	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		return path, true
	}
	return "", false
}
