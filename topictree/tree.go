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

// Package topictree aggregates a live stream of MQTT topic observations into
// a hierarchical tree keyed by topic segment.
//
// A Tree is safe for concurrent use. Observe is meant to be called from the
// message delivery path, while All, From and the counters are meant for a
// renderer; reads return snapshots so rendering never blocks delivery for
// longer than one copy.
package topictree

import (
	"errors"
	"iter"
	"strings"
	"sync"
	"time"
)

// Separator is the MQTT topic level separator.
const Separator = "/"

// Standard errors.
var (
	ErrMalformedTopic = errors.New("topictree: malformed topic")
	ErrNotFound       = errors.New("topictree: path not found")
)

// Value is the last message seen on a topic.
type Value struct {
	// QoS is the delivery QoS of the message.
	QoS byte
	// Retained reports whether the broker flagged the message as retained.
	Retained bool
	// LastSeen is the time the message was observed.
	LastSeen time.Time
	// Payload is the raw message payload.
	Payload []byte
}

// Entry is one node yielded by a traversal.
type Entry struct {
	// Depth is the distance from the root; top level nodes have depth 0.
	Depth int
	// Segment is the topic level this node represents. It may be empty.
	Segment string
	// Path is the full topic path of the node.
	Path string
	// Value is nil unless a message was published to exactly Path.
	Value *Value
	// Count is the number of messages observed on exactly Path.
	Count int64
	// Children is the number of direct children.
	Children int
}

// IsLeaf reports whether the node has no children.
func (e Entry) IsLeaf() bool {
	return e.Children == 0
}

type node struct {
	segment  string
	value    *Value
	count    int64
	children map[string]*node
	order    []string
}

func newNode(segment string) *node {
	return &node{segment: segment}
}

func (n *node) child(segment string) *node {
	if n.children == nil {
		return nil
	}
	return n.children[segment]
}

func (n *node) addChild(segment string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := newNode(segment)
	n.children[segment] = c
	n.order = append(n.order, segment)
	return c
}

// Option configures a Tree.
type Option func(*Tree)

// WithPrefix makes the tree store topics relative to prefix. Topics that are
// not below prefix are ignored by Observe.
func WithPrefix(prefix string) Option {
	return func(t *Tree) {
		t.prefix = strings.TrimSuffix(prefix, Separator)
	}
}

// Tree is a forest of topic segments built from observed topics.
type Tree struct {
	mu       sync.RWMutex
	root     *node
	distinct int
	nodes    int
	prefix   string
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{root: newNode("")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Split splits a topic into its segments. Empty segments are kept, so a
// leading separator yields an empty first segment.
func Split(topic string) ([]string, error) {
	if topic == "" || strings.IndexByte(topic, 0) >= 0 {
		return nil, ErrMalformedTopic
	}
	return strings.Split(topic, Separator), nil
}

func (t *Tree) split(topic string) ([]string, error) {
	if t.prefix != "" {
		rest, ok := strings.CutPrefix(topic, t.prefix+Separator)
		if !ok {
			return nil, ErrMalformedTopic
		}
		topic = rest
	}
	return Split(topic)
}

// Observe records a message on topic and reports whether topic was seen for
// the first time since the last Reset. Malformed topics are ignored.
func (t *Tree) Observe(topic string, v Value) bool {
	segments, err := t.split(topic)
	if err != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, s := range segments {
		c := n.child(s)
		if c == nil {
			c = n.addChild(s)
			t.nodes++
		}
		n = c
	}

	isNew := n.value == nil
	if isNew {
		t.distinct++
	}
	v.Payload = append([]byte(nil), v.Payload...)
	n.value = &v
	n.count++
	return isNew
}

// Reset discards every node and zeroes the counters.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.root = newNode("")
	t.distinct = 0
	t.nodes = 0
}

// CountDistinctTopics returns the number of distinct topics that carried a
// message since the last Reset.
func (t *Tree) CountDistinctTopics() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.distinct
}

// Nodes returns the number of nodes in the tree, including intermediate ones.
func (t *Tree) Nodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes
}

// All returns a pre-order snapshot of the whole tree. Children come in the
// order they were first observed.
func (t *Tree) All() iter.Seq[Entry] {
	t.mu.RLock()
	var entries []Entry
	for _, seg := range t.root.order {
		entries = appendSubtree(entries, t.root.children[seg], "", 0, true)
	}
	t.mu.RUnlock()

	return seq(entries)
}

// From returns a pre-order snapshot of the subtree rooted at path, the node
// at path first. It returns ErrNotFound if path was never observed.
func (t *Tree) From(path string) (iter.Seq[Entry], error) {
	segments := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.find(segments)
	if n == nil {
		return nil, ErrNotFound
	}
	parent := strings.Join(segments[:len(segments)-1], Separator)
	entries := appendSubtree(nil, n, parent, len(segments)-1, len(segments) == 1)
	return seq(entries), nil
}

// Lookup returns the node at path.
func (t *Tree) Lookup(path string) (Entry, error) {
	segments := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.find(segments)
	if n == nil {
		return Entry{}, ErrNotFound
	}
	return entryOf(n, path, len(segments)-1), nil
}

// splitPath splits a lookup path. Unlike Split it accepts the empty path,
// which addresses the top level node of topics starting with a separator.
func splitPath(path string) []string {
	return strings.Split(path, Separator)
}

func (t *Tree) find(segments []string) *node {
	n := t.root
	for _, s := range segments {
		n = n.child(s)
		if n == nil {
			return nil
		}
	}
	return n
}

func appendSubtree(entries []Entry, n *node, parent string, depth int, top bool) []Entry {
	path := n.segment
	if !top {
		path = parent + Separator + n.segment
	}
	entries = append(entries, entryOf(n, path, depth))
	for _, seg := range n.order {
		entries = appendSubtree(entries, n.children[seg], path, depth+1, false)
	}
	return entries
}

func entryOf(n *node, path string, depth int) Entry {
	e := Entry{
		Depth:    depth,
		Segment:  n.segment,
		Path:     path,
		Count:    n.count,
		Children: len(n.order),
	}
	if n.value != nil {
		v := *n.value
		v.Payload = append([]byte(nil), n.value.Payload...)
		e.Value = &v
	}
	return e
}

// seq yields the entries with their values copied, so every pass sees the
// snapshot as taken whatever earlier passes did to their entries.
func seq(entries []Entry) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range entries {
			if e.Value != nil {
				v := *e.Value
				v.Payload = append([]byte(nil), v.Payload...)
				e.Value = &v
			}
			if !yield(e) {
				return
			}
		}
	}
}
