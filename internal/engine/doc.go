// Package engine drives sealed models: it batches external requests,
// re-evaluates the dependency graph, and delivers committed
// notifications.
//
// # Architecture
//
// The engine is a cooperative single-writer. External writes and
// structural requests enqueue; nothing applies until a drain. Drains
// happen at Flush and before any read, so a read always reflects every
// request enqueued before it. The one cross-goroutine entry is the
// refresh callback handed to stateful handlers, which lands in the
// same queue; Wake exposes its signal channel so a select loop can
// flush promptly.
//
// A drain runs batches until quiet. One batch is a fixed pipeline:
// apply queued requests (writes stage, structural requests mutate the
// graph and rewire it), evaluate marked instances in dependency order,
// resolve multiplexed outputs, commit. Evaluation reads staged values
// over committed ones, so a batch is atomic from a handler's point of
// view. Unchanged inputs cut re-evaluation off at the source: an
// instance whose inputs compare equal to its last run is skipped and
// wakes nobody downstream.
//
// Errors split along the pipeline. A rejected request (unknown path,
// bad index, unwritable target) aborts the batch before evaluation; a
// handler failure or multiplex conflict aborts it afterwards,
// discarding staged values while already-applied structural changes
// stand. The engine stays usable either way; the next drain recomputes
// from committed state.
//
// A handler may decline by returning model.ErrNotReady. Its outputs
// turn pending, downstream instances hold their marks without running,
// and the model is incoherent: reads and writes are rejected until the
// handler refreshes and completes. Flush stays permitted, because that
// is how recovery lands. Notifications other than the coherence
// transition itself are withheld across the incoherent window and
// delivered netted once the model settles.
//
// Delivery is ordered: before-notify hooks (which may enqueue more
// work, settled first and bounded by WithMaxNotifyCycles), then the
// coherence transition, then structural mutations in applied order,
// then value changes in path order. Reads from inside a delivery
// callback serve the committed state without starting another drain.
package engine
