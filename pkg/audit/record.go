// Package audit keeps the append-only decision log. Every planning, routing
// and approval decision is written synchronously before execution moves on.
package audit

import (
	"context"
	"errors"
	"time"
)

// Type is the kind of decision recorded.
type Type string

const (
	TypePlan     Type = "plan"
	TypeRoute    Type = "route"
	TypeApproval Type = "approval"
)

// Valid reports whether t is a known decision type.
func (t Type) Valid() bool {
	return t == TypePlan || t == TypeRoute || t == TypeApproval
}

// Record is one immutable decision. ID, Seq and Timestamp are assigned on
// write.
type Record struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id"`
	Type         Type      `json:"decision_type"`
	Target       string    `json:"target"`
	Reason       string    `json:"reason"`
	Alternatives []string  `json:"alternatives"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	TraceID string
	Type    Type
	From    time.Time
	To      time.Time
	Limit   int
}

func (f Filter) match(r Record) bool {
	if f.TraceID != "" && r.TraceID != f.TraceID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Store persists decision records. Append assigns Seq and must not return
// until the record is durable.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ByTrace(ctx context.Context, traceID string) ([]Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// Recorder is what decision makers depend on.
type Recorder interface {
	Record(ctx context.Context, rec Record) (Record, error)
}

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("audit store closed")
