package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueue_TakePreservesArrivalOrder(t *testing.T) {
	q := newRequestQueue()
	require.True(t, q.push(request{kind: reqSet, path: "a"}))
	require.True(t, q.push(request{kind: reqAddItem, path: "rows"}))
	require.True(t, q.push(request{kind: reqRefresh, instance: 7}))

	assert.True(t, q.pending())
	reqs := q.take()
	require.Len(t, reqs, 3)
	assert.Equal(t, "a", reqs[0].path)
	assert.Equal(t, "rows", reqs[1].path)
	assert.Equal(t, int64(7), reqs[2].instance)

	assert.Nil(t, q.take(), "a drained queue yields nothing")
	assert.False(t, q.pending())
}

func TestRequestQueue_SignalCoalesces(t *testing.T) {
	q := newRequestQueue()
	q.push(request{kind: reqSet, path: "a"})
	q.push(request{kind: reqSet, path: "b"})

	select {
	case <-q.wake():
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-q.wake():
		t.Fatal("two pushes coalesce into one signal")
	default:
	}

	q.push(request{kind: reqSet, path: "c"})
	select {
	case <-q.wake():
	default:
		t.Fatal("a later push signals again")
	}
}

func TestRequestQueue_CloseRejectsAndUnblocksWaiters(t *testing.T) {
	q := newRequestQueue()
	q.push(request{kind: reqSet, path: "a"})
	q.close()
	q.close()

	assert.False(t, q.push(request{kind: reqSet, path: "b"}), "push after close is refused")
	assert.Nil(t, q.take(), "close drops queued work")
	assert.False(t, q.pending())

	_, open := <-q.wake()
	assert.False(t, open, "the wake channel closes so select loops exit")
}
