package browser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

// Record is one received message kept by the monitor.
type Record struct {
	ID                  int
	Topic               string
	Payload             []byte
	QoS                 int
	SubscriptionPattern string
	Retained            bool
	Timestamp           time.Time
}

// Title is the one-line list entry for r.
func (r Record) Title() string {
	retained := " "
	if r.Retained {
		retained = "R"
	}
	return fmt.Sprintf("%s #%05d [QoS:%d] [%s] - %s",
		r.Timestamp.Format("15:04:05.000"), r.ID, r.QoS, retained, r.Topic)
}

// Log is an in-memory message history. IDs start at zero and restart after
// Flush.
type Log struct {
	mu      sync.RWMutex
	records []Record
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Add appends a message and returns the stored record.
func (l *Log) Add(topic string, payload []byte, qos int, pattern string, retained bool, ts time.Time) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := Record{
		ID:                  len(l.records),
		Topic:               topic,
		Payload:             append([]byte(nil), payload...),
		QoS:                 qos,
		SubscriptionPattern: pattern,
		Retained:            retained,
		Timestamp:           ts,
	}
	l.records = append(l.records, r)
	return r
}

// Get returns the record with the given id.
func (l *Log) Get(id int) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 0 || id >= len(l.records) {
		return Record{}, false
	}
	return l.records[id], true
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// All returns a snapshot of the records in arrival order.
func (l *Log) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.records...)
}

// Flush drops all records and restarts the id counter.
func (l *Log) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

type exportRecord struct {
	Topic               string  `json:"topic"`
	Payload             string  `json:"payload"`
	QoS                 int     `json:"qos"`
	SubscriptionPattern string  `json:"subscription_pattern"`
	Retained            bool    `json:"retained"`
	Timestamp           float64 `json:"timestamp"`
}

// Export writes the log as a JSON array. Payloads are written as text when
// they are valid UTF-8 and base64Only is false, and as base64 otherwise.
// It returns the number of exported records.
func (l *Log) Export(w io.Writer, base64Only bool) (int, error) {
	records := l.All()
	out := make([]exportRecord, len(records))
	for i, r := range records {
		payload := base64.StdEncoding.EncodeToString(r.Payload)
		if !base64Only && utf8.Valid(r.Payload) {
			payload = string(r.Payload)
		}
		out[i] = exportRecord{
			Topic:               r.Topic,
			Payload:             payload,
			QoS:                 r.QoS,
			SubscriptionPattern: r.SubscriptionPattern,
			Retained:            r.Retained,
			Timestamp:           float64(r.Timestamp.UnixMicro()) / 1e6,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return 0, err
	}
	return len(out), nil
}
