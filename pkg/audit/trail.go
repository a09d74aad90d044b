package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Open creates the store for backend. path is ignored for memory.
func Open(backend Backend, path string) (Store, error) {
	switch Backend(strings.ToLower(string(backend))) {
	case BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, ferrors.New(ferrors.ErrCodeConfigInvalid, fmt.Sprintf("unknown audit backend %q", backend)).
			WithRemediation("use one of: file, sqlite, memory")
	}
}

// Trail stamps and writes decision records.
type Trail struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// NewTrail wraps store.
func NewTrail(store Store, logger *logging.Logger) *Trail {
	return &Trail{
		store:  store,
		logger: logging.OrDiscard(logger).Component("audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record assigns ID and timestamp, writes synchronously, and returns the
// stored record with its sequence number.
func (t *Trail) Record(ctx context.Context, rec Record) (Record, error) {
	if !rec.Type.Valid() {
		return Record{}, ferrors.New(ferrors.ErrCodeInvalidInput, fmt.Sprintf("unknown decision type %q", rec.Type))
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Alternatives = append([]string{}, rec.Alternatives...)

	if err := t.store.Append(ctx, &rec); err != nil {
		t.logger.WithTrace(rec.TraceID).Error("audit write failed",
			"decision_type", string(rec.Type), "target", rec.Target, "error", err.Error())
		return Record{}, err
	}
	return rec, nil
}

// ByTrace returns the decision history of a trace.
func (t *Trail) ByTrace(ctx context.Context, traceID string) ([]Record, error) {
	return t.store.ByTrace(ctx, traceID)
}

// Query returns records matching f.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Record, error) {
	return t.store.Query(ctx, f)
}

// Close closes the underlying store.
func (t *Trail) Close() error {
	return t.store.Close()
}
