// Package events fans out gateway lifecycle notifications to SSE streams.
// Topics are keyed three ways: per wallet DID, per challenge, and per
// service. Delivery is best effort; a subscriber that cannot keep up has
// events dropped rather than stalling publishers.
package events

import (
	"log/slog"
	"sync"
)

type TopicKind string

const (
	KindWallet    TopicKind = "wallet"
	KindChallenge TopicKind = "challenge"
	KindService   TopicKind = "service"
)

type Topic struct {
	Kind TopicKind
	Key  string
}

func WalletTopic(did string) Topic {
	return Topic{Kind: KindWallet, Key: did}
}

func ChallengeTopic(id string) Topic {
	return Topic{Kind: KindChallenge, Key: id}
}

func ServiceTopic(serviceID string) Topic {
	return Topic{Kind: KindService, Key: serviceID}
}

// Event is one notification on a topic. Data is marshaled by the transport.
type Event struct {
	Name string
	Data any
}

type Subscriber struct {
	outgoing  chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.outgoing)
	})
}

// Events returns the subscriber's delivery channel. It is closed when the
// subscriber is cancelled or its topic is shut down.
func (s *Subscriber) Events() <-chan *Event {
	return s.outgoing
}

// Done is closed when the subscriber has been shut down.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

type Hub struct {
	lk     sync.Mutex
	topics map[Topic]map[*Subscriber]struct{}

	bufferSize int
	log        *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		topics:     make(map[Topic]map[*Subscriber]struct{}),
		bufferSize: 32,
		log:        slog.Default().With("system", "events"),
	}
}

// Subscribe registers a listener on a topic. The returned cancel func is safe
// to call more than once and must be called when the consumer goes away.
func (h *Hub) Subscribe(t Topic) (*Subscriber, func()) {
	sub := &Subscriber{
		outgoing: make(chan *Event, h.bufferSize),
		done:     make(chan struct{}),
	}

	h.lk.Lock()
	subs, ok := h.topics[t]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.topics[t] = subs
	}
	subs[sub] = struct{}{}
	h.lk.Unlock()

	cancel := func() {
		h.lk.Lock()
		if subs, ok := h.topics[t]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, t)
			}
		}
		h.lk.Unlock()
		sub.shutdown()
	}
	return sub, cancel
}

// Publish delivers an event to every subscriber of a topic without blocking.
// Slow subscribers lose events; SSE consumers resync from the REST surface.
func (h *Hub) Publish(t Topic, ev *Event) {
	h.lk.Lock()
	defer h.lk.Unlock()

	for sub := range h.topics[t] {
		select {
		case sub.outgoing <- ev:
			eventsDelivered.WithLabelValues(string(t.Kind), ev.Name).Inc()
		default:
			eventsDropped.WithLabelValues(string(t.Kind), ev.Name).Inc()
			h.log.Warn("dropping event for slow subscriber", "kind", t.Kind, "key", t.Key, "event", ev.Name)
		}
	}
}

// BroadcastWallets sends an event to every connected wallet stream.
func (h *Hub) BroadcastWallets(ev *Event) {
	h.lk.Lock()
	defer h.lk.Unlock()

	for t, subs := range h.topics {
		if t.Kind != KindWallet {
			continue
		}
		for sub := range subs {
			select {
			case sub.outgoing <- ev:
				eventsDelivered.WithLabelValues(string(KindWallet), ev.Name).Inc()
			default:
				eventsDropped.WithLabelValues(string(KindWallet), ev.Name).Inc()
			}
		}
	}
}

// HasSubscribers reports whether anyone is listening on a topic.
func (h *Hub) HasSubscribers(t Topic) bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	return len(h.topics[t]) > 0
}

// WalletsConnected reports whether any wallet stream at all is attached,
// regardless of DID.
func (h *Hub) WalletsConnected() bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	for t, subs := range h.topics {
		if t.Kind == KindWallet && len(subs) > 0 {
			return true
		}
	}
	return false
}

// CloseTopic disconnects every subscriber of a topic. Used when a service
// registration is deleted and its streams must go away.
func (h *Hub) CloseTopic(t Topic) {
	h.lk.Lock()
	subs := h.topics[t]
	delete(h.topics, t)
	h.lk.Unlock()

	for sub := range subs {
		sub.shutdown()
	}
}
