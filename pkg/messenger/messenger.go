// Package messenger implements tangram's pub/sub and persistent-stream
// layer: process status events, the process queue, and the indexer's
// incoming write queue all ride on top of it.
package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/tangramdev/tangram/pkg/log"
)

// Message is one published envelope: a topic plus an opaque payload.
// Callers that need typed payloads marshal/unmarshal at the edges (the
// messenger itself is transport, not schema).
type Message struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Subscription is a channel a subscriber drains.
type Subscription chan *Message

// Messenger is the in-memory pub/sub broker. An external (Redis Streams,
// NATS JetStream -shaped) implementation could satisfy the same surface;
// only the in-memory backend
// is implemented here.
type Messenger struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscription]bool

	streamsMu sync.Mutex
	streams   map[string]*Stream

	eventCh chan *Message
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Messenger. Call Start before Publish.
func New() *Messenger {
	return &Messenger{
		subscribers: make(map[string]map[Subscription]bool),
		streams:     make(map[string]*Stream),
		eventCh:     make(chan *Message, 1024),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop.
func (m *Messenger) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the dispatch loop. Safe to call once.
func (m *Messenger) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Messenger) run() {
	defer m.wg.Done()
	logger := log.WithComponent("messenger")
	for {
		select {
		case msg := <-m.eventCh:
			m.broadcast(msg)
		case <-m.stopCh:
			logger.Debug().Msg("messenger stopped")
			return
		}
	}
}

// Subscribe returns a channel that receives every Message published on
// topic from this point forward. Topics are exact-match strings (e.g.
// "processes.<id>.status"); there is no wildcard matching.
func (m *Messenger) Subscribe(topic string) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := make(Subscription, 64)
	if m.subscribers[topic] == nil {
		m.subscribers[topic] = make(map[Subscription]bool)
	}
	m.subscribers[topic][sub] = true
	return sub
}

// Unsubscribe removes sub from topic and closes its channel.
func (m *Messenger) Unsubscribe(topic string, sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[topic]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub)
		}
		if len(subs) == 0 {
			delete(m.subscribers, topic)
		}
	}
}

// Publish enqueues a message for dispatch to topic's subscribers. It
// never blocks on a full subscriber buffer (slow subscribers lose
// messages, not the publisher).
func (m *Messenger) Publish(ctx context.Context, topic string, payload []byte) {
	msg := &Message{Topic: topic, Payload: payload, Timestamp: time.Now()}
	select {
	case m.eventCh <- msg:
	case <-m.stopCh:
	case <-ctx.Done():
	}
}

func (m *Messenger) broadcast(msg *Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subscribers[msg.Topic] {
		select {
		case sub <- msg:
		default:
			// subscriber buffer full; drop rather than block the broker
		}
	}
}

// SubscriberCount reports the number of live subscriptions on topic.
func (m *Messenger) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[topic])
}
