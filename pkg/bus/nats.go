package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config Config
	closed atomic.Bool
}

// NewNATSBus dials cfg.URL.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn, config: cfg}, nil
}

// NewNATSBusFromConn wraps an existing connection.
func NewNATSBusFromConn(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, config: DefaultConfig()}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handler(&Message{Subject: msg.Subject, Data: msg.Data, ReplyTo: msg.Reply})
		if reply != nil && msg.Reply != "" {
			_ = msg.Respond(reply)
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	case err != nil:
		return nil, err
	}
	return msg.Data, nil
}

func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Subject() string {
	return s.sub.Subject
}
