package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryBus is an in-process MessageBus. Delivery is asynchronous and
// per-subscription ordered; a full subscriber buffer drops messages.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        atomic.Bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscriptions: make(map[string][]*memorySubscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.deliver(&Message{Subject: subject, Data: data})
	return nil
}

// deliver fans msg out to matching subscriptions and reports whether any
// subscriber received it.
func (b *MemoryBus) deliver(msg *Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := false
	for pattern, subs := range b.subscriptions {
		if !matchSubject(pattern, msg.Subject) {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			select {
			case sub.messages <- msg:
				delivered = true
			default:
			}
		}
	}
	return delivered
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:       ulid.Make().String(),
		subject:  subject,
		messages: make(chan *Message, 256),
		done:     make(chan struct{}),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := fmt.Sprintf("_INBOX.%s", ulid.Make().String())
	replyChan := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, replySubject, func(msg *Message) []byte {
		select {
		case replyChan <- msg.Data:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if !b.deliver(&Message{Subject: subject, Data: data, ReplyTo: replySubject}) {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyChan:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	id       string
	subject  string
	messages chan *Message
	done     chan struct{}
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) stop() {
	if s.closed.Swap(true) {
		return
	}
	close(s.done)
}

func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.subject]) == 0 {
		delete(s.bus.subscriptions, s.subject)
	}
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg := <-s.messages:
			reply := s.handler(msg)
			if reply != nil && msg.ReplyTo != "" {
				s.bus.deliver(&Message{Subject: msg.ReplyTo, Data: reply})
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject checks if a subject matches a pattern with wildcards.
// "*" matches exactly one token and ">" matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}
	return pi == len(patternParts) && si == len(subjectParts)
}
