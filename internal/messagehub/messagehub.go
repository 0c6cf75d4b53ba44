// Package messagehub implements MessageHub: topic-based fan-out for
// chat/party/guild/global messages across map instances, backed by an
// embedded NATS core server (spec.md §4.E).
package messagehub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Kind enumerates the topic kinds. Local is handled entirely inside a
// MapInstance and never reaches the hub (spec.md §4.E).
type Kind string

const (
	KindParty   Kind = "Party"
	KindGuild   Kind = "Guild"
	KindGlobal  Kind = "Global"
	KindWhisper Kind = "Whisper"
)

// Topic identifies a fan-out destination: (kind, scope_key). scope_key is a
// party_id/guild_id/the-empty-string-for-Global/recipient_character_id.
type Topic struct {
	Kind     Kind
	ScopeKey string
}

func (t Topic) subject() string {
	return fmt.Sprintf("mh.%s.%s", t.Kind, natsSafe(t.ScopeKey))
}

func natsSafe(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

// Message is the payload published to a Topic.
type Message struct {
	Topic        Topic     `json:"topic"`
	SenderChar   string    `json:"senderCharacterId"`
	Text         string    `json:"text"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// Subscriber relays a Message to whatever Sessions in its MapInstance care
// about the topic. MapInstance adapters implement this.
type Subscriber interface {
	Deliver(msg Message)
}

// Config tunes the embedded NATS server.
type Config struct {
	Host string
	Port int
}

// DefaultConfig runs NATS on an ephemeral loopback port, suitable for a
// single-process deployment (spec.md's Non-goal excludes horizontal
// multi-host scaling, so one embedded broker per process is sufficient).
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: -1}
}

// Hub implements MessageHub. Per-topic FIFO is enforced by giving each
// topic exactly one dedicated NATS subscription, fanned out to local
// subscribers in receipt order, rather than relying on NATS's own ordering
// guarantees surviving a broker restart.
type Hub struct {
	ns   *server.Server
	nc   *nats.Conn
	stop chan struct{}

	mu   sync.Mutex
	subs map[Topic]*topicSub
}

type topicSub struct {
	sub         *nats.Subscription
	subscribers []Subscriber
}

// New starts an embedded NATS server and connects a client to it.
func New(cfg Config) (*Hub, error) {
	opts := &server.Options{Host: cfg.Host, Port: cfg.Port, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("messagehub: start embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("messagehub: embedded nats did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("messagehub: connect to embedded nats: %w", err)
	}

	return &Hub{
		ns:   ns,
		nc:   nc,
		stop: make(chan struct{}),
		subs: make(map[Topic]*topicSub),
	}, nil
}

// Close drains the NATS connection and shuts down the embedded server.
func (h *Hub) Close() {
	close(h.stop)
	h.nc.Drain()
	h.ns.Shutdown()
}

// Subscribe registers sub to receive every Message published to topic. The
// first subscriber for a topic establishes the hub's single dedicated NATS
// subscription for it, preserving per-topic FIFO delivery order.
func (h *Hub) Subscribe(topic Topic, sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.subs[topic]
	if ok {
		ts.subscribers = append(ts.subscribers, sub)
		return nil
	}

	ts = &topicSub{subscribers: []Subscriber{sub}}
	natsSub, err := h.nc.Subscribe(topic.subject(), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		h.mu.Lock()
		recipients := append([]Subscriber(nil), h.subs[topic].subscribers...)
		h.mu.Unlock()
		for _, r := range recipients {
			r.Deliver(msg)
		}
	})
	if err != nil {
		return fmt.Errorf("messagehub: subscribe %s: %w", topic.subject(), err)
	}
	ts.sub = natsSub
	h.subs[topic] = ts
	return nil
}

// Unsubscribe removes sub from topic's recipient list.
func (h *Hub) Unsubscribe(topic Topic, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.subs[topic]
	if !ok {
		return
	}
	filtered := ts.subscribers[:0]
	for _, s := range ts.subscribers {
		if s != sub {
			filtered = append(filtered, s)
		}
	}
	ts.subscribers = filtered
	if len(ts.subscribers) == 0 {
		ts.sub.Unsubscribe()
		delete(h.subs, topic)
	}
}

// Publish implements publish(topic, message): fans out to every subscriber
// registered for topic, at-most-once, in publish order per topic.
func (h *Hub) Publish(msg Message) error {
	msg.PublishedAt = time.Now()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messagehub: encode message: %w", err)
	}
	if err := h.nc.Publish(msg.Topic.subject(), body); err != nil {
		return fmt.Errorf("messagehub: publish: %w", err)
	}
	return nil
}
