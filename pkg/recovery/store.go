package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// Store keeps partial results as JSON files, one per plan.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir. An empty dir falls back to
// FOREMAN_DATA_DIR/partial, then ~/.foreman/partial.
func NewStore(baseDir string) *Store {
	if strings.TrimSpace(baseDir) == "" {
		if dir := strings.TrimSpace(os.Getenv("FOREMAN_DATA_DIR")); dir != "" {
			baseDir = filepath.Join(dir, "partial")
		} else if home, err := os.UserHomeDir(); err == nil && home != "" {
			baseDir = filepath.Join(home, ".foreman", "partial")
		}
	}
	return &Store{baseDir: baseDir}
}

// Dir returns the directory results are written to.
func (s *Store) Dir() string {
	return s.baseDir
}

// Save writes r, replacing any earlier result for the same plan.
func (s *Store) Save(r *PartialResult) error {
	if r == nil || r.PlanID == "" {
		return ferrors.New(ferrors.ErrCodeInvalidInput, "partial result needs a plan ID")
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "create partial result directory")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "marshal partial result")
	}
	path := s.path(r.PlanID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "write partial result")
	}
	if err := os.Rename(tmp, path); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "write partial result")
	}
	return nil
}

// Load reads the result for planID.
func (s *Store) Load(planID string) (*PartialResult, error) {
	data, err := os.ReadFile(s.path(planID))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, fmt.Sprintf("read partial result %s", planID))
	}
	var r PartialResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, fmt.Sprintf("parse partial result %s", planID))
	}
	return &r, nil
}

// List returns all results, newest first. Unreadable files are skipped.
func (s *Store) List() ([]*PartialResult, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return []*PartialResult{}, nil
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "list partial results")
	}

	var out []*PartialResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		r, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	return out, nil
}

// Delete removes the result for planID. Missing results are not an error.
func (s *Store) Delete(planID string) error {
	if err := os.Remove(s.path(planID)); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "delete partial result")
	}
	return nil
}

// Prune keeps the newest keep results and deletes the rest.
func (s *Store) Prune(keep int) (int, error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := keep; i < len(all); i++ {
		if err := s.Delete(all[i].PlanID); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) path(planID string) string {
	return filepath.Join(s.baseDir, filepath.Base(planID)+".json")
}
