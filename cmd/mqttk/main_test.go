package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/mqttk/browser"
	"github.com/edgeo-scada/mqttk/mqtt"
	"github.com/edgeo-scada/mqttk/payload"
	"github.com/edgeo-scada/mqttk/profile"
	"github.com/edgeo-scada/mqttk/topictree"
)

func plainOutput(t *testing.T) {
	t.Helper()
	prev := noColor
	noColor = true
	t.Cleanup(func() { noColor = prev })
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500µs", formatDuration(500*time.Microsecond))
	assert.Equal(t, "1.50ms", formatDuration(1500*time.Microsecond))
	assert.Equal(t, "2.50s", formatDuration(2500*time.Millisecond))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second+300*time.Millisecond))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "héllo", truncate("héllo", 5))
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, []byte("ping 3 of {x}"), formatPayload([]byte("ping {n} of {x}"), 3))
	assert.Equal(t, []byte("static"), formatPayload([]byte("static"), 7))
}

func TestParseColours(t *testing.T) {
	got, err := parseColours([]string{"a/#=#FF0000", "b=c=#00ff00"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a/#": "#ff0000", "b=c": "#00ff00"}, got)

	for _, bad := range []string{"a/#", "=#ff0000", "a=ff0000", "a=#ff00", "a=#gg0000"} {
		_, err := parseColours([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFlagTLSSettings(t *testing.T) {
	defer func(ca, cert, key string, ins bool) {
		caFile, certFile, keyFile, insecure = ca, cert, key, ins
	}(caFile, certFile, keyFile, insecure)

	tests := []struct {
		ca, cert, key string
		insecure      bool
		want          mqtt.TLSMode
	}{
		{want: mqtt.TLSDisabled},
		{insecure: true, want: mqtt.TLSCASigned},
		{ca: "ca.pem", want: mqtt.TLSCAFile},
		{ca: "ca.pem", cert: "c.pem", key: "k.pem", want: mqtt.TLSSelfSigned},
	}
	for _, tt := range tests {
		caFile, certFile, keyFile, insecure = tt.ca, tt.cert, tt.key, tt.insecure
		assert.Equal(t, tt.want, flagTLSSettings().Mode)
	}
}

func TestProfileOptions(t *testing.T) {
	conn := profile.Connection{
		BrokerAddr:  "broker.local",
		BrokerPort:  "1884",
		ClientID:    "mqttk-test",
		User:        "user",
		Pass:        "secret",
		Timeout:     "5",
		Keepalive:   "30",
		MQTTVersion: "3.1",
		SSL:         "Disabled",
	}
	opts, err := profileOptions(conn)
	require.NoError(t, err)

	o := mqtt.NewClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	require.Len(t, o.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1884", o.Servers[0].String())
	assert.Equal(t, "mqttk-test", o.ClientID)
	assert.Equal(t, "user", o.Username)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, mqtt.ProtocolV31, o.ProtocolVersion)
	assert.Equal(t, 30*time.Second, o.KeepAlive)
	assert.Equal(t, 5*time.Second, o.ConnectTimeout)
	assert.Nil(t, o.TLSConfig)

	conn.SSL = "Something else"
	_, err = profileOptions(conn)
	assert.Error(t, err)

	conn.SSL = string(mqtt.TLSCAFile)
	conn.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = profileOptions(conn)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	defer func(p string) { storePath = p }(storePath)

	storePath = filepath.Join(t.TempDir(), "MQTTk-config.json")
	store, err := openStore()
	require.NoError(t, err)
	assert.False(t, store.ReadOnly())
	assert.Contains(t, store.Profiles(), profile.DefaultProfile)

	storePath = filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o644))
	store, err = openStore()
	require.NoError(t, err)
	assert.True(t, store.ReadOnly())
}

func sampleTree(now time.Time) *topictree.Tree {
	tree := topictree.New()
	tree.Observe("a/b", topictree.Value{QoS: 1, Retained: true, LastSeen: now.Add(-2 * time.Second), Payload: []byte("hi")})
	tree.Observe("c", topictree.Value{LastSeen: now, Payload: []byte("1")})
	return tree
}

func TestTreeLines(t *testing.T) {
	plainOutput(t)
	now := time.Now()
	tree := sampleTree(now)

	assert.Equal(t, []string{
		"▾ a",
		"    b [Q1] [R] (2s ago) = hi",
		"  c [Q0] (now) = 1",
	}, treeLines(tree.All(), 0, now))

	lines := treeLines(tree.All(), 26, now)
	assert.Equal(t, "    b [Q1] [R] (2s ago)", lines[1])

	lines = treeLines(tree.All(), 27, now)
	assert.Equal(t, "    b [Q1] [R] (2s ago) ...", lines[1])
}

func TestPrintTopicsFormats(t *testing.T) {
	plainOutput(t)
	defer func(f string) { outputFormat = f }(outputFormat)
	tree := sampleTree(time.Now())

	var buf bytes.Buffer
	outputFormat = "json"
	printTopics(&buf, tree.All(), 0)
	var rows []TopicRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].Topic)
	assert.Nil(t, rows[0].QoS)
	assert.Equal(t, "a/b", rows[1].Topic)
	require.NotNil(t, rows[1].QoS)
	assert.Equal(t, 1, *rows[1].QoS)
	assert.True(t, rows[1].Retained)
	assert.Equal(t, "hi", rows[1].Payload)

	buf.Reset()
	outputFormat = "csv"
	printTopics(&buf, tree.All(), 0)
	assert.Equal(t, "topic,messages,children,qos,retained,payload\n"+
		"a,0,1,,false,\n"+
		"a/b,1,0,1,true,hi\n"+
		"c,1,0,0,false,1\n", buf.String())

	buf.Reset()
	outputFormat = "raw"
	printTopics(&buf, tree.All(), 0)
	assert.Equal(t, "a/b\nc\n", buf.String())

	buf.Reset()
	outputFormat = "json"
	printTopics(&buf, topictree.New().All(), 0)
	assert.Equal(t, "[]\n", buf.String())
}

func TestSubtree(t *testing.T) {
	tree := sampleTree(time.Now())

	entries, err := subtree(tree, "a")
	require.NoError(t, err)
	var paths []string
	for e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"a", "a/b"}, paths)

	_, err = subtree(tree, "x/y")
	assert.Error(t, err)

	entries, err = subtree(tree, "")
	require.NoError(t, err)
	assert.Len(t, slices.Collect(entries), 3)
}

func sampleRecord() browser.Record {
	return browser.Record{
		ID:                  3,
		Topic:               "a/b",
		Payload:             []byte("hello\nworld"),
		QoS:                 1,
		SubscriptionPattern: "a/#",
		Retained:            true,
		Timestamp:           time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local),
	}
}

func TestFormatterTable(t *testing.T) {
	plainOutput(t)
	var buf bytes.Buffer
	f := NewFormatter(&buf, "table", payload.Plain, false)
	f.FormatRecord(sampleRecord(), "#ff0000")

	assert.Equal(t, "| 15:04:05.000 #00003 [QoS:1] [R] - a/b\n"+
		"|   hello\n"+
		"|   world\n", buf.String())
}

func TestFormatterJSONAndCSV(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, "json", payload.Hex, false)
	r := sampleRecord()
	r.Payload = []byte{0x01}
	f.FormatRecord(r, "")

	var out MessageOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 3, out.ID)
	assert.Equal(t, "a/#", out.Subscription)
	assert.True(t, out.Retained)
	assert.Equal(t, strings.Join(payload.HexView([]byte{0x01}, payload.DefaultChunkSize), "\n"), out.Payload)

	buf.Reset()
	f = NewFormatter(&buf, "csv", payload.Plain, false)
	f.FormatRecord(sampleRecord(), "")
	f.FormatRecord(sampleRecord(), "")
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "timestamp", "topic", "payload", "qos", "retained", "subscription"}, records[0])
	assert.Equal(t, []string{"3", r.Timestamp.Format(time.RFC3339Nano), "a/b", "hello\nworld", "1", "true", "a/#"}, records[1])
}

func TestTableWriter(t *testing.T) {
	plainOutput(t)
	tw := NewTableWriter("NAME", "V")
	tw.AddRow("alpha", "1")

	var buf bytes.Buffer
	tw.Render(&buf)
	assert.Equal(t, "NAME   V  \n-----  -  \nalpha  1  \n", buf.String())
}

func TestSessionOptions(t *testing.T) {
	defer func(clean bool, maxR time.Duration, topic, msg string, qos int, retain bool, hdrs []string) {
		cleanSession, maxReconnect, willTopic, willMessage, willQoS, willRetain, wsHeaders = clean, maxR, topic, msg, qos, retain, hdrs
	}(cleanSession, maxReconnect, willTopic, willMessage, willQoS, willRetain, wsHeaders)

	cleanSession = false
	maxReconnect = 30 * time.Second
	willTopic = "clients/mqttk/status"
	willMessage = "offline"
	willQoS = 1
	willRetain = true
	wsHeaders = []string{"Authorization: Bearer abc", "X-Site:plant"}

	opts, err := sessionOptions()
	require.NoError(t, err)
	o := mqtt.NewClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	assert.False(t, o.CleanSession)
	assert.Equal(t, 30*time.Second, o.MaxReconnectInterval)
	assert.True(t, o.WillEnabled)
	assert.Equal(t, "clients/mqttk/status", o.WillTopic)
	assert.Equal(t, []byte("offline"), o.WillPayload)
	assert.Equal(t, mqtt.QoS1, o.WillQoS)
	assert.True(t, o.WillRetain)
	assert.Equal(t, "Bearer abc", o.WebSocketHeader.Get("Authorization"))
	assert.Equal(t, "plant", o.WebSocketHeader.Get("X-Site"))

	willQoS = 3
	_, err = sessionOptions()
	assert.Error(t, err)

	willQoS = 0
	willTopic = "bad/#"
	_, err = sessionOptions()
	assert.Error(t, err)

	willTopic = ""
	wsHeaders = nil
	opts, err = sessionOptions()
	require.NoError(t, err)
	o = mqtt.NewClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	assert.False(t, o.WillEnabled)
	assert.Nil(t, o.WebSocketHeader)
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"X-A: 1", "X-A: 2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, h.Values("X-A"))

	for _, bad := range []string{"no-colon", ": value"} {
		_, err := parseHeaders([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestCopyProfile(t *testing.T) {
	store, err := profile.Open(filepath.Join(t.TempDir(), "MQTTk-config.json"))
	require.NoError(t, err)
	require.NoError(t, store.SaveConnection("plant", profile.Connection{BrokerAddr: "broker.local", ClientID: "plant-1"}))
	require.NoError(t, store.AddSubscriptionHistory("plant", "line1/#", "#9e0505"))

	_, err = copyProfile(store, "plant", "plant-2", false)
	require.NoError(t, err)
	p, err := store.Profile("plant-2")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", p.Connection.BrokerAddr)
	assert.NotEqual(t, "plant-1", p.Connection.ClientID)
	colour, ok := store.SubscriptionColour("plant-2", "line1/#")
	assert.True(t, ok)
	assert.Equal(t, "#9e0505", colour)

	_, err = copyProfile(store, "plant", "plant-3", true)
	require.NoError(t, err)
	p, err = store.Profile("plant-3")
	require.NoError(t, err)
	assert.Equal(t, "plant-1", p.Connection.ClientID)

	_, err = copyProfile(store, "missing", "x", false)
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
}

func TestStopWithTimeout(t *testing.T) {
	var sawDeadline bool
	err := stopWithTimeout("stop", func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawDeadline)

	failure := errors.New("unsubscribe refused")
	assert.ErrorIs(t, stopWithTimeout("stop", func(context.Context) error { return failure }), failure)
}
