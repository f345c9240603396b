package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Store errors.
var (
	ErrProfileNotFound = errors.New("profile: not found")
	ErrReadOnly        = errors.New("profile: store is read-only")
	ErrMalformed       = errors.New("profile: malformed configuration file")
)

// DefaultProfile is the profile created on first start.
const DefaultProfile = "test.mosquitto.org"

// DefaultDecoder is the decoder name used when none was saved.
const DefaultDecoder = "Plain data"

// document mirrors the top level keys MQTTk understands. Any other key in
// the file is carried through untouched.
type document struct {
	Connections        map[string]*Profile `json:"connections"`
	LastUsedConnection string              `json:"last_used_connection,omitempty"`
	Autoscroll         bool                `json:"autoscroll,omitempty"`
	Decompress         bool                `json:"decompress,omitempty"`
	Decoder            string              `json:"decoder,omitempty"`
	ExportEncoding     int                 `json:"export_encoding,omitempty"`
	LastUsedDirectory  string              `json:"last_used_directory,omitempty"`
}

var knownKeys = []string{
	"connections",
	"last_used_connection",
	"autoscroll",
	"decompress",
	"decoder",
	"export_encoding",
	"last_used_directory",
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a profile document backed by a file. Every mutation is written
// back immediately.
type Store struct {
	mu       sync.RWMutex
	path     string
	raw      []byte
	doc      document
	readOnly bool
	logger   zerolog.Logger
}

// Open loads the document at path. A missing file is replaced by a default
// document which is written to disk. A malformed file yields a usable
// read-only store holding the default document together with an error
// wrapping ErrMalformed.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info().Str("path", path).Msg("creating default configuration")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("profile: create config dir: %w", err)
		}
		if err := s.save(defaultDocument()); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var doc document
	if !gjson.ValidBytes(data) {
		err = errors.New("invalid JSON")
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		s.doc = defaultDocument()
		s.readOnly = true
		s.logger.Error().Err(err).Str("path", path).Msg("failed to load config, changes will not be saved")
		return s, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}

	if doc.Connections == nil {
		doc.Connections = make(map[string]*Profile)
	}
	for name, p := range doc.Connections {
		if p == nil {
			p = newProfile(Connection{})
			doc.Connections[name] = p
		}
		p.normalize()
	}
	s.raw = data
	s.doc = doc
	s.logger.Debug().Str("path", path).Int("profiles", len(doc.Connections)).Msg("configuration loaded")
	return s, nil
}

func defaultDocument() document {
	p := newProfile(Connection{
		BrokerAddr:  DefaultProfile,
		BrokerPort:  "1883",
		ClientID:    NewClientID(),
		Timeout:     "10",
		Keepalive:   "60",
		MQTTVersion: "3.1.1",
		SSL:         "Disabled",
	})
	p.LastSubscribeUsed = "#"
	return document{
		Connections: map[string]*Profile{DefaultProfile: p},
	}
}

// NewClientID returns a random 32 character client identifier.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether mutations are refused.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// clone copies the document deeply enough that replacing or deleting a
// profile of the copy leaves d untouched.
func (d document) clone() document {
	d.Connections = maps.Clone(d.Connections)
	if d.Connections == nil {
		d.Connections = make(map[string]*Profile)
	}
	return d
}

// encode merges the known keys of doc into the document last read from disk.
func (s *Store) encode(doc document) ([]byte, error) {
	known, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	out := s.raw
	if len(out) == 0 {
		out = []byte("{}")
	}
	fields := gjson.ParseBytes(known)
	for _, key := range knownKeys {
		v := fields.Get(key)
		if v.Exists() {
			out, err = sjson.SetRawBytes(out, key, []byte(v.Raw))
		} else {
			out, err = sjson.DeleteBytes(out, key)
		}
		if err != nil {
			return nil, fmt.Errorf("profile: encode %s: %w", key, err)
		}
	}
	return pretty.PrettyOptions(out, &pretty.Options{Indent: "  ", Width: 80}), nil
}

// save writes doc atomically and makes it the current document. On error the
// current document is left as it was. Callers hold s.mu.
func (s *Store) save(doc document) error {
	if s.readOnly {
		return ErrReadOnly
	}
	data, err := s.encode(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".MQTTk-config-*.json")
	if err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profile: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}

	s.raw = data
	s.doc = doc
	s.logger.Debug().Str("path", s.path).Msg("configuration saved")
	return nil
}

// update runs fn on the named profile and saves.
func (s *Store) update(name string, fn func(p *Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	p, ok := s.doc.Connections[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	c := p.clone()
	c.normalize()
	fn(&c)
	next := s.doc.clone()
	next.Connections[name] = &c
	return s.save(next)
}

func (s *Store) view(name string) (*Profile, bool) {
	p, ok := s.doc.Connections[name]
	return p, ok
}

// Profiles returns the profile names in sorted order.
func (s *Store) Profiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.doc.Connections))
}

// Profile returns a copy of the named profile.
func (s *Store) Profile(name string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.view(name)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p.clone(), nil
}

// SaveConnection stores conn as the broker parameters of name, creating the
// profile when needed.
func (s *Store) SaveConnection(name string, conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	next := s.doc.clone()
	if p, ok := s.doc.Connections[name]; ok {
		c := p.clone()
		c.Connection = conn
		next.Connections[name] = &c
	} else {
		next.Connections[name] = newProfile(conn)
	}
	return s.save(next)
}

// SaveProfile replaces the whole profile.
func (s *Store) SaveProfile(name string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	c := p.clone()
	c.normalize()
	next := s.doc.clone()
	next.Connections[name] = &c
	return s.save(next)
}

// RemoveProfile deletes a profile. Removing an unknown profile is a no-op.
func (s *Store) RemoveProfile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	next := s.doc.clone()
	delete(next.Connections, name)
	if next.LastUsedConnection == name {
		next.LastUsedConnection = ""
	}
	return s.save(next)
}

// AddSubscriptionHistory records topic with its colour and marks it as the
// last used subscription.
func (s *Store) AddSubscriptionHistory(name, topic, colour string) error {
	return s.update(name, func(p *Profile) {
		p.Subscriptions[topic] = Subscription{Colour: colour}
		p.LastSubscribeUsed = topic
	})
}

// SubscriptionHistory returns the previously used filters in sorted order.
func (s *Store) SubscriptionHistory(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.view(name)
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(p.Subscriptions))
}

// SubscriptionColour returns the colour saved for topic.
func (s *Store) SubscriptionColour(name, topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.view(name)
	if !ok {
		return "", false
	}
	sub, ok := p.Subscriptions[topic]
	if !ok || sub.Colour == "" {
		return "", false
	}
	return sub.Colour, true
}

// LastSubscribe returns the last used subscription filter.
func (s *Store) LastSubscribe(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.view(name); ok {
		return p.LastSubscribeUsed
	}
	return ""
}

// SavePublishTemplate stores a named publish.
func (s *Store) SavePublishTemplate(name, template string, t PublishTemplate) error {
	return s.update(name, func(p *Profile) {
		p.StoredPublishes[template] = t
	})
}

// DeletePublishTemplate removes a named publish.
func (s *Store) DeletePublishTemplate(name, template string) error {
	return s.update(name, func(p *Profile) {
		delete(p.StoredPublishes, template)
	})
}

// PublishTemplates returns a copy of the stored publishes.
func (s *Store) PublishTemplates(name string) map[string]PublishTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.view(name); ok {
		return maps.Clone(p.StoredPublishes)
	}
	return nil
}

// SavePublishTopic appends topic to the publish history and marks it as last
// used. It reports whether the topic was new.
func (s *Store) SavePublishTopic(name, topic string) (bool, error) {
	var added bool
	err := s.update(name, func(p *Profile) {
		if !slices.Contains(p.PublishTopics, topic) {
			p.PublishTopics = append(p.PublishTopics, topic)
			added = true
		}
		p.LastPublishUsed = topic
	})
	return added, err
}

// PublishTopics returns the publish history in insertion order.
func (s *Store) PublishTopics(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.view(name); ok {
		return slices.Clone(p.PublishTopics)
	}
	return nil
}

// LastPublishTopic returns the last topic published to.
func (s *Store) LastPublishTopic(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.view(name); ok {
		return p.LastPublishUsed
	}
	return ""
}

// Resubscribe reports whether the profile restores its subscriptions on the
// next connection.
func (s *Store) Resubscribe(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.view(name)
	return ok && p.Connection.Resubscribe == 1
}

// ResubscribeTopics returns the filters saved for restoring.
func (s *Store) ResubscribeTopics(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.view(name); ok {
		return slices.Clone(p.ResubscribeTopics)
	}
	return nil
}

// SaveResubscribeTopics replaces the filters saved for restoring.
func (s *Store) SaveResubscribeTopics(name string, topics []string) error {
	return s.update(name, func(p *Profile) {
		p.ResubscribeTopics = slices.Clone(topics)
	})
}

// LastUsedConnection returns the last profile connected with.
func (s *Store) LastUsedConnection() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastUsedConnection
}

// SetLastUsedConnection records the profile last connected with.
func (s *Store) SetLastUsedConnection(name string) error {
	return s.set(func(d *document) { d.LastUsedConnection = name })
}

// Decoder returns the saved payload decoder name.
func (s *Store) Decoder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Decoder == "" {
		return DefaultDecoder
	}
	return s.doc.Decoder
}

// SetDecoder saves the payload decoder name.
func (s *Store) SetDecoder(decoder string) error {
	return s.set(func(d *document) { d.Decoder = decoder })
}

// Decompress reports whether payload decompression is enabled.
func (s *Store) Decompress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Decompress
}

// SetDecompress saves the decompression flag.
func (s *Store) SetDecompress(enabled bool) error {
	return s.set(func(d *document) { d.Decompress = enabled })
}

// ExportBase64 reports whether message exports encode every payload as
// base64. It is stored as MQTTk's export_encoding (1 = UTF-8 when possible).
func (s *Store) ExportBase64() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ExportEncoding == 2
}

// SetExportBase64 saves the export encoding.
func (s *Store) SetExportBase64(base64Only bool) error {
	return s.set(func(d *document) {
		d.ExportEncoding = 1
		if base64Only {
			d.ExportEncoding = 2
		}
	})
}

func (s *Store) set(fn func(d *document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	next := s.doc.clone()
	fn(&next)
	return s.save(next)
}
