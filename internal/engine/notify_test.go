package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/model"
)

func TestEngine_BeforeNotify_SettlesEnqueuedWorkBeforeDelivery(t *testing.T) {
	m := model.New()
	m.Root().Constant("n", num(0))

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	rec := &recorder{}
	_, err = e.OnChange("n", rec.change)
	require.NoError(t, err)
	calls := 0
	_, err = e.OnBeforeNotify(func() {
		calls++
		if calls <= 2 {
			require.NoError(t, e.Set("n", num(int64(100*calls+2))))
		}
	})
	require.NoError(t, err)

	require.NoError(t, e.Set("n", num(2)))
	require.NoError(t, e.Flush())

	assert.Equal(t, 3, calls, "the hook runs once per settling pass")
	require.Len(t, rec.changes, 1, "intermediate values are never delivered")
	assert.Equal(t, "n", rec.changes[0].Path)
	assert.Equal(t, int64(0), intOf(t, rec.changes[0].Old))
	assert.Equal(t, int64(202), intOf(t, rec.changes[0].New))
}

func TestEngine_BeforeNotify_LoopBudgetStopsRunawayHooks(t *testing.T) {
	m := model.New()
	m.Root().Constant("n", num(0))

	e, err := Seal(m, WithMaxNotifyCycles(3))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	_, err = e.OnBeforeNotify(func() {
		_ = e.Set("n", num(7))
	})
	require.NoError(t, err)

	require.NoError(t, e.Set("n", num(7)))
	err = e.Flush()
	require.True(t, IsNotifyLoop(err), "got %v", err)
	var lerr *NotifyLoopError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 3, lerr.Cycles)
	assert.Equal(t, 3, lerr.Limit)
}

func TestEngine_Delivery_HookThenMutationsThenChanges(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("c", num(0))
	rows := root.List("rows")
	rows.Template().Constant("base", num(1))

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	var log []string
	_, err = e.OnBeforeNotify(func() { log = append(log, "hook") })
	require.NoError(t, err)
	_, err = e.OnMutation("rows", func(ev Mutation) {
		log = append(log, fmt.Sprintf("mutation %s %d", ev.Kind, ev.Index))
	})
	require.NoError(t, err)
	_, err = e.OnChange("c", func(ev Change) {
		log = append(log, "change "+ev.Path)
	})
	require.NoError(t, err)

	require.NoError(t, e.Set("c", num(5)))
	require.NoError(t, e.AddItem("rows"))
	require.NoError(t, e.Flush())

	assert.Equal(t, []string{"hook", "mutation insert 0", "change c"}, log,
		"structure lands before values within one delivery")
}

func TestEngine_ReadDuringDelivery_ServesCommittedState(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(1))
	root.Attach(model.Handler{Name: "double", Inputs: refs("a"), Outputs: refs("b"),
		Eval: model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
			n, _ := inv.In["a"].AsBigFloat().Int64()
			return map[string]cty.Value{"b": num(2 * n)}, nil
		})})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	var seen []int64
	wrote := false
	_, err = e.OnChange("a", func(ev Change) {
		v, gerr := e.Get("b")
		require.NoError(t, gerr, "reads inside a delivery callback serve committed state")
		seen = append(seen, intOf(t, v))
		if !wrote {
			wrote = true
			require.NoError(t, e.Set("a", num(10)))
		}
	})
	require.NoError(t, err)

	require.NoError(t, e.Set("a", num(3)))
	require.NoError(t, e.Flush())

	assert.Equal(t, []int64{6, 20}, seen, "the callback's write settles within the same drain")
	v, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), intOf(t, v))
}
