package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/common/logger"
)

// MemoryEventBus is the zero-dependency EventBus: every subscriber lives in
// this process, so a mission can run end-to-end without NATS or any other
// broker configured.
type MemoryEventBus struct {
	mu     sync.RWMutex
	byType subjectIndex
	pools  map[string]*roundRobinPool
	logger *logger.Logger
	closed bool
}

// subjectIndex groups live subscriptions by the exact subject string they
// were registered under (not the subject being published to — wildcard
// matching happens at publish time against each group's compiled pattern).
type subjectIndex map[string][]*memorySubscription

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// roundRobinPool hands a published event to exactly one member of a named
// queue group, cycling through members so load spreads evenly over time.
type roundRobinPool struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

func poolKey(queue, subject string) string { return queue + "@" + subject }

// NewMemoryEventBus constructs an in-memory broadcaster.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		byType: make(subjectIndex),
		pools:  make(map[string]*roundRobinPool),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish hands event to every live subscription whose registered pattern
// matches subject. Delivery runs synchronously, and subscriptions registered
// under the same subject are called in registration order (groups under
// different matching subjects are visited in no fixed order):
// an earlier version dispatched each handler on its own goroutine, which let
// two events racing on the same subject arrive at a subscriber out of order.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	visitedPools := make(map[string]bool)
	for registeredSubject, subs := range b.byType {
		if !matchesSubject(subject, registeredSubject) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if sub.queue == "" {
				b.deliver(ctx, sub, subject, event)
				continue
			}
			key := poolKey(sub.queue, registeredSubject)
			if visitedPools[key] {
				continue
			}
			visitedPools[key] = true
			b.deliverToPool(ctx, key, subject, event)
		}
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error", zap.String("subject", subject), zap.Error(err))
	}
}

// deliverToPool gives event to the next live member of the named pool,
// skipping any member that has since unsubscribed, and advances the pool's
// cursor past whichever member it picked.
func (b *MemoryEventBus) deliverToPool(ctx context.Context, key, subject string, event *Event) {
	pool, ok := b.pools[key]
	if !ok {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()

	n := len(pool.members)
	for offset := 0; offset < n; offset++ {
		idx := (pool.next + offset) % n
		member := pool.members[idx]
		if !member.IsValid() {
			continue
		}
		pool.next = (idx + 1) % n
		if err := member.handler(ctx, event); err != nil {
			b.logger.Error("queue handler error", zap.String("subject", subject), zap.Error(err))
		}
		return
	}
}

// Subscribe registers handler for every event published on a subject
// matching the given pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := b.register(subject, "", handler)
	return sub, nil
}

// QueueSubscribe registers handler as one member of a named load-balancing
// group: each matching event reaches exactly one live member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := b.register(subject, queue, handler)

	key := poolKey(queue, subject)
	pool, ok := b.pools[key]
	if !ok {
		pool = &roundRobinPool{}
		b.pools[key] = pool
	}
	pool.members = append(pool.members, sub)
	return sub, nil
}

// register is the shared bookkeeping behind both Subscribe and
// QueueSubscribe; the caller already holds b.mu.
func (b *MemoryEventBus) register(subject, queue string, handler EventHandler) *memorySubscription {
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.byType[subject] = append(b.byType[subject], sub)
	return sub
}

// Close deactivates every subscription and marks the bus closed; further
// Publish/Subscribe calls fail until a new bus is constructed.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.byType {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.byType = make(subjectIndex)
	b.pools = make(map[string]*roundRobinPool)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe marks the subscription inactive and drops it from both the
// subject index and its queue pool, if it belongs to one.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.byType[s.subject] = removeSubscription(s.bus.byType[s.subject], s)

	if s.queue != "" {
		key := poolKey(s.queue, s.subject)
		if pool, ok := s.bus.pools[key]; ok {
			pool.mu.Lock()
			pool.members = removeSubscription(pool.members, s)
			pool.mu.Unlock()
		}
	}
	return nil
}

func removeSubscription(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// matchesSubject reports whether a published subject satisfies a
// registered subject pattern, supporting NATS-style wildcards ("*" matches
// one token, ">" matches every remaining token).
func matchesSubject(published, registered string) bool {
	if !strings.ContainsAny(registered, "*>") {
		return published == registered
	}
	re := compilePattern(registered)
	return re != nil && re.MatchString(published)
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, ">", `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
