package harness

// Trace event kinds. The first six mirror the engine's notification
// stream; get and error are step outcomes recorded by the runner.
const (
	EventChange   = "change"
	EventInsert   = "insert"
	EventRemove   = "remove"
	EventCreate   = "create"
	EventDispose  = "dispose"
	EventPending  = "pending"
	EventCoherent = "coherent"
	EventGet      = "get"
	EventError    = "error"
)

// TraceEvent is one recorded event. Values are rendered through
// value.Format so the trace is a stable, diffable text form: numbers
// bare, strings quoted, never-committed values as "unset".
type TraceEvent struct {
	// Kind discriminates the event.
	Kind string `json:"kind"`

	// Path is the property path (change, get), the mutation target
	// (insert, remove, create, dispose), or the failed step's target
	// (error).
	Path string `json:"path,omitempty"`

	// Value is the delivered value (change), the read result (get),
	// the declining handlers (pending), or the error message (error).
	Value string `json:"value,omitempty"`

	// Old is the previously delivered value (change).
	Old string `json:"old,omitempty"`

	// Index is the item position (insert, remove).
	Index *int `json:"index,omitempty"`

	// Tag is the item's specialization tag (insert, remove).
	Tag string `json:"tag,omitempty"`

	// Code is the error code (error).
	Code string `json:"code,omitempty"`

	// Batch is the engine batch the event was delivered for. Step
	// outcomes carry no batch.
	Batch int64 `json:"batch,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Scenario is the executed scenario's name.
	Scenario string `json:"scenario"`

	// Pass indicates overall success: every assertion held and no
	// step failed unexpectedly.
	Pass bool `json:"pass"`

	// Coherent is the model's final coherence state.
	Coherent bool `json:"coherent"`

	// Trace contains every recorded event in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is
	// true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result for the named scenario.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Coherent: true,
		Trace:    []TraceEvent{},
	}
}

// AddError records a failure message and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// CountChanges returns the number of change events delivered for the
// path.
func (r *Result) CountChanges(path string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Kind == EventChange && ev.Path == path {
			n++
		}
	}
	return n
}

// CountMutations returns the number of structural events delivered for
// the target, optionally narrowed to one kind.
func (r *Result) CountMutations(target, kind string) int {
	n := 0
	for _, ev := range r.Trace {
		switch ev.Kind {
		case EventInsert, EventRemove, EventCreate, EventDispose:
			if ev.Path == target && (kind == "" || ev.Kind == kind) {
				n++
			}
		}
	}
	return n
}
