// Package pubsub implements the supervisor's topic-routed publish/subscribe
// bus: log lines and event narration are published to dotted topics such as
// "service.foo.out", and operators subscribe with shell-glob patterns like
// "service.*.err" or "*".
//
// Back-pressure policy: publishing never blocks and never fails on a slow
// subscriber. Each subscription has a bounded queue; when it fills, the
// oldest half of that subscriber's own buffered messages is dropped and
// publishing continues. No other subscriber is affected.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// DefaultQueueSize is the default per-subscription queue bound.
const DefaultQueueSize = 2048

// Message is one routed record.
type Message struct {
	Topic string
	Text  string
}

// Subscription is a live registration returned by Router.Subscribe.
type Subscription struct {
	ID      int
	Pattern string

	router *Router
	g      glob.Glob
	mu     sync.Mutex
	buf    []Message
	notify chan struct{}
	closed bool
	maxLen int
}

// Router is the process-wide pub/sub fabric. Safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int64
}

// New returns an empty Router.
func New() *Router {
	return &Router{subs: make(map[int]*Subscription)}
}

// Subscribe registers a new subscription matching pattern and returns its
// id alongside the subscription handle. Matching uses shell-glob semantics
// ('*' and '?'), compiled once and cached on the subscription. The id is a
// monotonically increasing integer, per manager.py's subscribe() yielding
// id(q) before any message.
func (r *Router) Subscribe(pattern string) (*Subscription, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	id := int(atomic.AddInt64(&r.nextID, 1))
	sub := &Subscription{
		ID:      id,
		Pattern: pattern,
		router:  r,
		g:       g,
		notify:  make(chan struct{}, 1),
		maxLen:  DefaultQueueSize,
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription with id, if present, and closes its
// stream. Removing an unknown id is a no-op.
func (r *Router) Unsubscribe(id int) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		sub.close()
	}
}

// QueueInfo returns the pattern and live handle for id, used by the
// supervisor to force-terminate a stream on shutdown.
func (r *Router) QueueInfo(id int) (pattern string, sub *Subscription, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok = r.subs[id]
	if !ok {
		return "", nil, false
	}
	return sub.Pattern, sub, true
}

// Publish enqueues msg to every subscription whose pattern matches topic.
// Never blocks; overflow is handled per-subscriber (see package doc).
func (r *Router) Publish(topic, text string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.g.Match(topic) {
			sub.enqueue(Message{Topic: topic, Text: text})
		}
	}
}

// CloseAll terminates every live subscription, used during supervisor
// shutdown so no client stream is left dangling.
func (r *Router) CloseAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[int]*Subscription)
	r.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *Subscription) enqueue(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf) >= s.maxLen {
		// Halve-on-overflow: drop the oldest half of THIS subscriber's
		// queue only. Other subscriptions are untouched.
		half := len(s.buf) / 2
		s.buf = append(s.buf[:0], s.buf[half:]...)
	}
	s.buf = append(s.buf, m)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available or the subscription is closed.
// ok is false once the subscription has been fully drained after closing.
func (s *Subscription) Next() (Message, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			m := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return m, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, false
		}
		<-s.notify
	}
}

// Unsubscribe removes this subscription from its router and terminates its
// stream. Equivalent to calling Router.Unsubscribe(s.ID).
func (s *Subscription) Unsubscribe() {
	s.router.Unsubscribe(s.ID)
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
