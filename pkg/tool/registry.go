package tool

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// Registry maps tool names to descriptors and the workers serving them.
// Listing order is registration order, which the planner relies on for
// stable tie-breaks.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	order   []string
	workers map[string][]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Descriptor),
		workers: make(map[string][]Worker),
	}
}

// Register adds a descriptor and optional workers.
func (r *Registry) Register(d Descriptor, workers ...Worker) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return ferrors.New(ferrors.ErrCodeInvalidInput, "tool name is required")
	}
	se, err := ParseSideEffect(string(d.SideEffect))
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeInvalidInput, "invalid tool descriptor").WithContext("tool", d.Name)
	}
	d.SideEffect = se

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return ferrors.New(ferrors.ErrCodeInvalidInput, fmt.Sprintf("tool %s already registered", d.Name))
	}
	r.tools[d.Name] = d
	r.order = append(r.order, d.Name)
	for _, w := range workers {
		if err := r.addWorkerLocked(d.Name, w); err != nil {
			return err
		}
	}
	return nil
}

// AddWorker attaches another worker to a registered tool.
func (r *Registry) AddWorker(name string, w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addWorkerLocked(name, w)
}

func (r *Registry) addWorkerLocked(name string, w Worker) error {
	if _, ok := r.tools[name]; !ok {
		return ferrors.New(ferrors.ErrCodeToolNotFound, fmt.Sprintf("tool %s not registered", name))
	}
	if w.ID == "" || w.Tool == nil {
		return ferrors.New(ferrors.ErrCodeInvalidInput, "worker needs an ID and a tool").WithContext("tool", name)
	}
	for _, existing := range r.workers[name] {
		if existing.ID == w.ID {
			return ferrors.New(ferrors.ErrCodeInvalidInput, fmt.Sprintf("worker %s already serves %s", w.ID, name))
		}
	}
	r.workers[name] = append(r.workers[name], w)
	return nil
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Workers returns the workers serving name in registration order.
func (r *Registry) Workers(name string) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Worker(nil), r.workers[name]...)
}

// catalogFile is the YAML layout of a tool catalog.
type catalogFile struct {
	Tools []Descriptor `yaml:"tools"`
}

// LoadCatalog parses descriptors from YAML. Workers are attached separately
// because tool implementations live outside the engine.
func LoadCatalog(r io.Reader) ([]Descriptor, error) {
	var cat catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && err != io.EOF {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeConfigParse, "parse tool catalog")
	}
	for i := range cat.Tools {
		se, err := ParseSideEffect(string(cat.Tools[i].SideEffect))
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeConfigInvalid, "invalid tool catalog").
				WithContext("tool", cat.Tools[i].Name)
		}
		cat.Tools[i].SideEffect = se
	}
	return cat.Tools, nil
}
