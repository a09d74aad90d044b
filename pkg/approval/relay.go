package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/foreman/pkg/bus"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// DecisionMessage is the wire form of a decision.
type DecisionMessage struct {
	ID string `json:"id"`
	Decision
}

// AttachBus announces new requests on the bus and applies decisions that
// arrive from it. The returned function detaches.
func (g *Gate) AttachBus(ctx context.Context, b bus.MessageBus) (func(), error) {
	sub, err := b.Subscribe(ctx, bus.SubjectApprovalDecided+".*", func(msg *bus.Message) []byte {
		var dm DecisionMessage
		if err := json.Unmarshal(msg.Data, &dm); err != nil {
			g.logger.Warn("dropping malformed decision", "subject", msg.Subject, "error", err.Error())
			return nil
		}
		if dm.ID == "" {
			dm.ID = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		}
		if err := g.Decide(dm.ID, dm.Decision); err != nil {
			g.logger.Debug("decision not applied", "approval_id", dm.ID, "error", err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeTransport, "subscribe to approval decisions")
	}

	g.busMu.Lock()
	g.announce = func(ctx context.Context, req Request) {
		if err := bus.PublishJSON(ctx, b, bus.SubjectApprovalRequested, req); err != nil {
			g.logger.WithTrace(req.TraceID).Warn("approval announce failed", "approval_id", req.ID, "error", err.Error())
		}
	}
	g.busMu.Unlock()

	return func() {
		g.busMu.Lock()
		g.announce = nil
		g.busMu.Unlock()
		_ = sub.Unsubscribe()
	}, nil
}

// Relay is the remote side of a bus-attached Gate. It tracks announced
// requests and publishes decisions for them.
type Relay struct {
	ctx  context.Context
	bus  bus.MessageBus
	mu   sync.Mutex
	open map[string]Request
	subs []bus.Subscription
}

// NewRelay subscribes to approval traffic on b.
func NewRelay(ctx context.Context, b bus.MessageBus) (*Relay, error) {
	r := &Relay{ctx: ctx, bus: b, open: make(map[string]Request)}

	reqSub, err := b.Subscribe(ctx, bus.SubjectApprovalRequested, func(msg *bus.Message) []byte {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err == nil && req.ID != "" {
			r.mu.Lock()
			r.open[req.ID] = req
			r.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeTransport, "subscribe to approval requests")
	}
	decSub, err := b.Subscribe(ctx, bus.SubjectApprovalDecided+".*", func(msg *bus.Message) []byte {
		id := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		r.mu.Lock()
		delete(r.open, id)
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		_ = reqSub.Unsubscribe()
		return nil, ferrors.Wrap(err, ferrors.ErrCodeTransport, "subscribe to approval decisions")
	}
	r.subs = []bus.Subscription{reqSub, decSub}
	return r, nil
}

// Pending lists announced requests not yet decided, oldest first. Requests
// that expired on the gate side stay listed until their expiry passes.
func (r *Relay) Pending() []Request {
	now := time.Now()
	r.mu.Lock()
	out := make([]Request, 0, len(r.open))
	for id, req := range r.open {
		if !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			delete(r.open, id)
			continue
		}
		out = append(out, req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Decide publishes a decision for an announced request.
func (r *Relay) Decide(id string, d Decision) error {
	r.mu.Lock()
	_, ok := r.open[id]
	if ok {
		delete(r.open, id)
	}
	r.mu.Unlock()
	if !ok {
		return ferrors.New(ferrors.ErrCodeApprovalNotFound, fmt.Sprintf("approval %s not found", id)).
			WithContext("approval_id", id)
	}
	if err := bus.PublishJSON(r.ctx, r.bus, bus.DecidedSubject(id), DecisionMessage{ID: id, Decision: d}); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeTransport, "publish approval decision")
	}
	return nil
}

// Close stops tracking.
func (r *Relay) Close() error {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
