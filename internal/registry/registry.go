// Package registry names handler kinds so definition files can refer
// to Go-implemented computations without linking against them. A Kind
// is a small factory: the compiler looks the name up and instantiates
// an evaluable with the declaration's params.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

// Kind is one registered handler kind.
type Kind struct {
	// Doc is a one-line description, surfaced by CLI inspection.
	Doc string
	// New builds the evaluable for one handler declaration. Params is
	// the declaration's params value, cty.NilVal when none were given.
	New func(params cty.Value) (model.Evaluable, error)
}

// Registry maps kind names to factories. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Default is the process-wide registry the CLI and harness consult.
var Default = mustBuiltins()

func mustBuiltins() *Registry {
	r := New()
	if err := RegisterBuiltins(r); err != nil {
		panic(fmt.Sprintf("registry: builtins: %v", err))
	}
	return r
}

// Register adds a kind under name. Names are one or two dot-joined
// name segments, `math.add` style. Duplicates are errors.
func (r *Registry) Register(name string, k Kind) error {
	if err := validKindName(name); err != nil {
		return err
	}
	if k.New == nil {
		return fmt.Errorf("registry: kind %q has no factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[name]; ok {
		return fmt.Errorf("registry: kind %q already registered", name)
	}
	r.kinds[name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, fmt.Errorf("registry: unknown kind %q", name)
	}
	return k, nil
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validKindName(name string) error {
	segs := strings.Split(name, ".")
	if len(segs) < 1 || len(segs) > 2 {
		return fmt.Errorf("registry: kind name %q must be one or two dot-joined segments", name)
	}
	for _, seg := range segs {
		if !propref.ValidName(seg) {
			return fmt.Errorf("registry: kind name %q has an invalid segment %q", name, seg)
		}
	}
	return nil
}
