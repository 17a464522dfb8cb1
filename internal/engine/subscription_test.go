package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dchambers/composer/internal/model"
)

func TestEngine_Subscriptions_DieWithTheirStructure(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("x", num(1))
	rows := root.List("rows")
	tmpl := rows.Template()
	tmpl.Constant("base", num(1))
	tmpl.Optional("panel").Constant("p", num(1))

	e, err := Seal(m, WithTokens(NewFixedTokens("sub-base", "sub-panel", "sub-x")))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.AddItem("rows"))
	require.NoError(t, e.Flush())

	baseTok, err := e.OnChange("rows/0/base", func(Change) {})
	require.NoError(t, err)
	assert.Equal(t, Subscription("sub-base"), baseTok)
	panelTok, err := e.OnMutation("rows/0/panel", func(Mutation) {})
	require.NoError(t, err)

	var xChanges int
	xTok, err := e.OnChange("x", func(Change) { xChanges++ })
	require.NoError(t, err)

	require.NoError(t, e.RemoveItem("rows"))
	require.NoError(t, e.Flush())

	assert.False(t, e.Unsubscribe(baseTok), "removing the item invalidated its property subscription")
	assert.False(t, e.Unsubscribe(panelTok), "and the slot subscription inside it")

	require.NoError(t, e.Set("x", num(2)))
	require.NoError(t, e.Flush())
	assert.Equal(t, 1, xChanges, "unrelated subscriptions keep firing")

	assert.True(t, e.Unsubscribe(xTok))
	assert.False(t, e.Unsubscribe(xTok), "a token unsubscribes once")

	require.NoError(t, e.Set("x", num(3)))
	require.NoError(t, e.Flush())
	assert.Equal(t, 1, xChanges, "no delivery after unsubscribe")
}
