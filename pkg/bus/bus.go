// Package bus carries engine messages between processes. Approval requests
// and decisions travel over it so an approver console does not need to share
// memory with the coordinator. NATS backs it in production; MemoryBus serves
// tests and single-process deployments.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when no subscribers are available to handle a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Well-known subjects.
const (
	SubjectApprovalRequested = "foreman.approvals.requested"
	SubjectApprovalDecided   = "foreman.approvals.decided"
)

// DecidedSubject is the subject a decision for approval id is published on.
func DecidedSubject(id string) string {
	return SubjectApprovalDecided + "." + id
}

// MessageBus is implemented by every transport. Implementations must be safe
// for concurrent use.
type MessageBus interface {
	// Publish sends data to all subscribers of subject without waiting.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and
	// ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request publishes and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	Close() error
}

// MessageHandler processes one message. Returned data is sent as the reply
// when the sender asked for one.
type MessageHandler func(msg *Message) []byte

// Message is one delivered message.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, b MessageBus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data)
}

// Config configures a bus connection.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-memory bus.
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Name:    "foreman",
		Timeout: 10 * time.Second,
	}
}

// Open returns a NATS bus when cfg.URL is set and a memory bus otherwise.
func Open(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
