package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "MQTTk", "MQTTk-config.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestOpenCreatesDefault(t *testing.T) {
	s, path := openTemp(t)

	assert.Equal(t, []string{DefaultProfile}, s.Profiles())
	p, err := s.Profile(DefaultProfile)
	require.NoError(t, err)
	assert.Equal(t, "test.mosquitto.org", p.Connection.BrokerAddr)
	assert.Equal(t, "1883", p.Connection.BrokerPort)
	assert.Equal(t, "3.1.1", p.Connection.MQTTVersion)
	assert.Equal(t, "Disabled", p.Connection.SSL)
	assert.Len(t, p.Connection.ClientID, 32)
	assert.Equal(t, "#", s.LastSubscribe(DefaultProfile))
	assert.Equal(t, DefaultDecoder, s.Decoder())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10", gjson.GetBytes(data, `connections.test\.mosquitto\.org.connection_parameters.timeout`).String())
}

func TestSaveAndReload(t *testing.T) {
	s, path := openTemp(t)

	conn := Connection{BrokerAddr: "broker.local", BrokerPort: "8883", SSL: "CA signed server certificate", Resubscribe: 1}
	require.NoError(t, s.SaveConnection("plant", conn))
	require.NoError(t, s.AddSubscriptionHistory("plant", "line1/#", "#9e0505"))
	require.NoError(t, s.SavePublishTemplate("plant", "start", NewPublishTemplate("line1/cmd", 1, []byte("start"), false)))
	require.NoError(t, s.SaveResubscribeTopics("plant", []string{"line1/#"}))
	require.NoError(t, s.SetLastUsedConnection("plant"))
	require.NoError(t, s.SetDecompress(true))

	again, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"plant", DefaultProfile}, again.Profiles())
	p, err := again.Profile("plant")
	require.NoError(t, err)
	assert.Equal(t, conn, p.Connection)
	assert.Equal(t, "ssl://broker.local:8883", p.Connection.URI())

	colour, ok := again.SubscriptionColour("plant", "line1/#")
	assert.True(t, ok)
	assert.Equal(t, "#9e0505", colour)
	assert.Equal(t, "line1/#", again.LastSubscribe("plant"))

	tpl := again.PublishTemplates("plant")["start"]
	payload, err := tpl.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "start", string(payload))
	assert.Equal(t, "c3RhcnQ=", tpl.Payload)

	assert.True(t, again.Resubscribe("plant"))
	assert.Equal(t, []string{"line1/#"}, again.ResubscribeTopics("plant"))
	assert.Equal(t, "plant", again.LastUsedConnection())
	assert.True(t, again.Decompress())
}

func TestUnknownKeysArePreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MQTTk-config.json")
	doc := `{
  "window_geometry": "1280x720+10+10",
  "future_feature": {"enabled": true},
  "connections": {"a": {"connection_parameters": {"broker_addr": "a.local"}}}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetDecoder("Hex formatter"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1280x720+10+10", gjson.GetBytes(data, "window_geometry").String())
	assert.True(t, gjson.GetBytes(data, "future_feature.enabled").Bool())
	assert.Equal(t, "Hex formatter", gjson.GetBytes(data, "decoder").String())
	assert.Equal(t, "a.local", gjson.GetBytes(data, "connections.a.connection_parameters.broker_addr").String())

	// Nil collections in hand written profiles are usable.
	require.NoError(t, s.AddSubscriptionHistory("a", "x", "#06941b"))
	assert.Equal(t, []string{"x"}, s.SubscriptionHistory("a"))
}

func TestMalformedFileIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MQTTk-config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path)
	assert.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, s)
	assert.True(t, s.ReadOnly())
	assert.Equal(t, []string{DefaultProfile}, s.Profiles())
	assert.ErrorIs(t, s.SetDecoder("Hex formatter"), ErrReadOnly)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestPublishTopicHistory(t *testing.T) {
	s, _ := openTemp(t)

	added, err := s.SavePublishTopic(DefaultProfile, "a/b")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.SavePublishTopic(DefaultProfile, "c")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.SavePublishTopic(DefaultProfile, "a/b")
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []string{"a/b", "c"}, s.PublishTopics(DefaultProfile))
	assert.Equal(t, "a/b", s.LastPublishTopic(DefaultProfile))
}

func TestUnknownProfile(t *testing.T) {
	s, _ := openTemp(t)

	_, err := s.Profile("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, s.AddSubscriptionHistory("nope", "a", ""), ErrProfileNotFound)
	_, err = s.SavePublishTopic("nope", "a")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.Nil(t, s.SubscriptionHistory("nope"))
	assert.False(t, s.Resubscribe("nope"))
}

func TestRemoveProfile(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.SaveConnection("tmp", Connection{BrokerAddr: "x"}))
	require.NoError(t, s.SetLastUsedConnection("tmp"))

	require.NoError(t, s.RemoveProfile("tmp"))
	assert.Equal(t, []string{DefaultProfile}, s.Profiles())
	assert.Empty(t, s.LastUsedConnection())

	require.NoError(t, s.DeletePublishTemplate(DefaultProfile, "missing"))
}

func TestProfileCopyIsDetached(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.AddSubscriptionHistory(DefaultProfile, "a", "#000000"))

	p, err := s.Profile(DefaultProfile)
	require.NoError(t, err)
	p.Subscriptions["b"] = Subscription{}

	assert.Equal(t, []string{"a"}, s.SubscriptionHistory(DefaultProfile))
}

func TestConnectionDurations(t *testing.T) {
	c := Connection{Timeout: "5", Keepalive: "bogus"}
	assert.Equal(t, 5*time.Second, c.TimeoutDuration())
	assert.Equal(t, 60*time.Second, c.KeepaliveDuration())
	assert.Equal(t, "tcp://h:1883", Connection{BrokerAddr: "h"}.URI())
}

func TestSaveProfileRoundTrip(t *testing.T) {
	s, path := openTemp(t)

	p := Profile{
		Connection:        Connection{BrokerAddr: "broker.local", BrokerPort: "1884", ClientID: "plant-1"},
		Subscriptions:     map[string]Subscription{"line1/#": {Colour: "#06941b"}},
		PublishTopics:     []string{"line1/cmd"},
		StoredPublishes:   map[string]PublishTemplate{"stop": NewPublishTemplate("line1/cmd", 2, []byte("stop"), true)},
		LastPublishUsed:   "line1/cmd",
		ResubscribeTopics: []string{"line1/#"},
	}
	require.NoError(t, s.SaveProfile("plant", p))

	// The store keeps its own copy.
	p.PublishTopics[0] = "changed"

	again, err := Open(path)
	require.NoError(t, err)
	got, err := again.Profile("plant")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", got.Connection.BrokerAddr)
	assert.Equal(t, []string{"line1/cmd"}, got.PublishTopics)
	assert.Equal(t, "line1/cmd", again.LastPublishTopic("plant"))
	assert.Equal(t, []string{"line1/#"}, again.ResubscribeTopics("plant"))
	colour, ok := again.SubscriptionColour("plant", "line1/#")
	assert.True(t, ok)
	assert.Equal(t, "#06941b", colour)

	stop := again.PublishTemplates("plant")["stop"]
	data, err := stop.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "stop", string(data))
	assert.Equal(t, 2, stop.QoS)
	assert.True(t, stop.Retained)
}

func TestFailedSaveLeavesStoreUnchanged(t *testing.T) {
	s, path := openTemp(t)
	require.NoError(t, s.SaveConnection("plant", Connection{BrokerAddr: "broker.local"}))
	require.NoError(t, os.RemoveAll(filepath.Dir(path)))

	_, err := s.SavePublishTopic("plant", "line1/cmd")
	require.Error(t, err)
	assert.Empty(t, s.PublishTopics("plant"))
	assert.Empty(t, s.LastPublishTopic("plant"))

	assert.Error(t, s.SaveConnection("plant", Connection{BrokerAddr: "other.local"}))
	p, err := s.Profile("plant")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", p.Connection.BrokerAddr)

	assert.Error(t, s.RemoveProfile("plant"))
	assert.Contains(t, s.Profiles(), "plant")

	assert.Error(t, s.SetDecompress(true))
	assert.False(t, s.Decompress())
}
