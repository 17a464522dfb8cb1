// Package snapshot captures and restores the committed values of a
// sealed model as path-keyed JSON. Keys are canonical absolute
// property paths, values are cty's JSON encoding, and the on-disk form
// is byte-stable (sorted keys, two-space indent) so snapshots diff and
// golden-compare cleanly.
//
// A snapshot is a value capture, not a structure capture: importing
// assumes a model of the same shape with the same items and created
// nodes. Writable properties restore through Set, computed ones are
// skipped and recompute from what was restored.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/dchambers/composer/internal/engine"
)

// Snapshot is one capture of a model's committed property values.
type Snapshot struct {
	// Model is the captured model's name, informational only.
	Model string `json:"model"`
	// Values maps canonical property paths to cty JSON payloads.
	Values map[string]json.RawMessage `json:"values"`
}

// New returns an empty snapshot for the named model.
func New(model string) *Snapshot {
	return &Snapshot{Model: model, Values: make(map[string]json.RawMessage)}
}

// Paths returns the captured paths in sorted order.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.Values))
	for p := range s.Values {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Export drains the engine and captures every materialized property
// that has a committed value. Properties that have never been computed
// are left out.
func Export(e *engine.Engine) (*Snapshot, error) {
	s := New(e.Model().Name())
	var werr error
	err := e.Walk(func(path string, v cty.Value) bool {
		if v == cty.NilVal {
			return true
		}
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			werr = fmt.Errorf("snapshot %s: %w", path, err)
			return false
		}
		s.Values[path] = json.RawMessage(raw)
		return true
	})
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}
	return s, nil
}

// Import applies a snapshot to a sealed engine of the same shape:
// writable keys land through Set in path order, computed keys are
// skipped, unknown or unmaterialized paths are errors. A final flush
// recomputes everything downstream of the restored values.
func Import(e *engine.Engine, s *Snapshot) error {
	for _, path := range s.Paths() {
		raw := s.Values[path]
		ty, err := ctyjson.ImpliedType([]byte(raw))
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", path, err)
		}
		v, err := ctyjson.Unmarshal([]byte(raw), ty)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", path, err)
		}
		if err := e.Set(path, v); err != nil {
			if engine.IsAccessError(err, engine.CodeNotWritable) {
				e.Logger().Debug("snapshot key skipped", "path", path, "reason", "computed")
				continue
			}
			return err
		}
	}
	return e.Flush()
}

// Write emits the snapshot in its stable form: sorted keys, two-space
// indent, trailing newline.
func (s *Snapshot) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Bytes returns the stable serialized form.
func (s *Snapshot) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read parses a snapshot written by Write. Unknown top-level fields
// are rejected.
func Read(r io.Reader) (*Snapshot, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if s.Values == nil {
		s.Values = make(map[string]json.RawMessage)
	}
	return &s, nil
}
