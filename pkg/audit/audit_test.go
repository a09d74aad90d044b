package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "audit", "decisions.jsonl"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores_AppendAndByTrace(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			trail := NewTrail(store, nil)
			ctx := context.Background()

			r1, err := trail.Record(ctx, Record{TraceID: "t-1", Type: TypePlan, Target: "p-1", Reason: "ranked", Alternatives: []string{"x", "y"}})
			require.NoError(t, err)
			_, err = trail.Record(ctx, Record{TraceID: "t-2", Type: TypeRoute, Target: "w-1"})
			require.NoError(t, err)
			r3, err := trail.Record(ctx, Record{TraceID: "t-1", Type: TypeApproval, Target: "a-1", Reason: "approved"})
			require.NoError(t, err)

			assert.NotEmpty(t, r1.ID)
			assert.False(t, r1.Timestamp.IsZero())
			assert.Less(t, r1.Seq, r3.Seq)

			hist, err := trail.ByTrace(ctx, "t-1")
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, r1.ID, hist[0].ID)
			assert.Equal(t, TypePlan, hist[0].Type)
			assert.Equal(t, []string{"x", "y"}, hist[0].Alternatives)
			assert.Equal(t, TypeApproval, hist[1].Type)
			assert.Equal(t, []string{}, hist[1].Alternatives)

			none, err := trail.ByTrace(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStores_Query(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			trail := NewTrail(store, nil)
			ctx := context.Background()

			for i := 0; i < 6; i++ {
				typ := TypeRoute
				if i%3 == 0 {
					typ = TypePlan
				}
				_, err := trail.Record(ctx, Record{
					TraceID:   fmt.Sprintf("t-%d", i%2),
					Type:      typ,
					Target:    fmt.Sprintf("target-%d", i),
					Timestamp: base.Add(time.Duration(i) * time.Hour),
				})
				require.NoError(t, err)
			}

			plans, err := trail.Query(ctx, Filter{Type: TypePlan})
			require.NoError(t, err)
			require.Len(t, plans, 2)
			assert.Equal(t, "target-0", plans[0].Target)
			assert.Equal(t, "target-3", plans[1].Target)

			window, err := trail.Query(ctx, Filter{From: base.Add(2 * time.Hour), To: base.Add(4 * time.Hour)})
			require.NoError(t, err)
			require.Len(t, window, 3)
			assert.Equal(t, "target-2", window[0].Target)
			assert.True(t, window[0].Timestamp.Equal(base.Add(2*time.Hour)))

			limited, err := trail.Query(ctx, Filter{TraceID: "t-1", Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "target-1", limited[0].Target)
		})
	}
}

func TestStores_ConcurrentWritesAndReads(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			trail := NewTrail(store, nil)
			ctx := context.Background()

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 10; i++ {
						_, err := trail.Record(ctx, Record{TraceID: fmt.Sprintf("t-%d", w), Type: TypeRoute, Target: "w"})
						assert.NoError(t, err)
						_, err = trail.ByTrace(ctx, fmt.Sprintf("t-%d", w))
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			all, err := trail.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 40)
			for i := 1; i < len(all); i++ {
				assert.Less(t, all[i-1].Seq, all[i].Seq, "sequence must be strictly increasing")
			}
			for w := 0; w < 4; w++ {
				hist, err := trail.ByTrace(ctx, fmt.Sprintf("t-%d", w))
				require.NoError(t, err)
				assert.Len(t, hist, 10)
			}
		})
	}
}

func TestTrail_RejectsUnknownType(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil)
	_, err := trail.Record(context.Background(), Record{Type: "vibes"})
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidInput))
}

func TestTrail_ClosedStore(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, nil)
	require.NoError(t, trail.Close())
	_, err := trail.Record(context.Background(), Record{Type: TypePlan})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_ReopenRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	ctx := context.Background()

	s, err := NewFileStore(path)
	require.NoError(t, err)
	trail := NewTrail(s, nil)
	_, err = trail.Record(ctx, Record{TraceID: "t", Type: TypePlan, Target: "p"})
	require.NoError(t, err)
	_, err = trail.Record(ctx, Record{TraceID: "t", Type: TypeRoute, Target: "w"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s2, err := NewFileStore(path)
	require.NoError(t, err)
	defer s2.Close()

	hist, err := s2.ByTrace(ctx, "t")
	require.NoError(t, err)
	require.Len(t, hist, 2)

	rec, err := NewTrail(s2, nil).Record(ctx, Record{TraceID: "t", Type: TypeApproval, Target: "a"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Seq)
}

func TestFileStore_TornFinalLineIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	ctx := context.Background()

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = NewTrail(s, nil).Record(ctx, Record{TraceID: "t", Type: TypePlan, Target: "p"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"01H","seq":2,"trace`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := NewFileStore(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := NewTrail(s2, nil).Record(ctx, Record{TraceID: "t", Type: TypeRoute, Target: "w"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Seq)

	s3, err := NewFileStore(path)
	require.NoError(t, err, "log must stay readable after recovering from a torn write")
	defer s3.Close()
	hist, err := s3.ByTrace(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestFileStore_CorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"id\":\"x\",\"seq\":1}\n"), 0o600))

	_, err := NewFileStore(path)
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeStorageRead))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(BackendFile, filepath.Join(dir, "a.jsonl"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open("SQLITE", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("postgres", "")
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeConfigInvalid))
}

func TestSQLiteStore_InMemoryDSN(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = NewTrail(s, nil).Record(context.Background(), Record{TraceID: "t", Type: TypePlan})
	require.NoError(t, err)
	hist, err := s.ByTrace(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSQLiteFilePathFromDSN(t *testing.T) {
	tests := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{"", "", false},
		{":memory:", "", false},
		{"audit.db", "audit.db", true},
		{"audit.db?_pragma=foo(1)", "audit.db", true},
		{"file:/tmp/a.db?cache=shared", "/tmp/a.db", true},
		{"file::memory:", "", false},
		{"postgres://x", "", false},
	}
	for _, tt := range tests {
		path, onDisk := sqliteFilePathFromDSN(tt.dsn)
		assert.Equal(t, tt.onDisk, onDisk, tt.dsn)
		assert.Equal(t, tt.path, path, tt.dsn)
	}
}
