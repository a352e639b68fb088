package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuralNodeRejectsHandlers(t *testing.T) {
	n := Node{Type: TypePhase, Handlers: &Handlers{OnFinished: func(HandlerContext, Result) {}}}
	err := n.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase")
}

func TestRunnableNodeAcceptsHandlers(t *testing.T) {
	n := Claude("say hi", "claude-3", &Handlers{OnFinished: func(HandlerContext, Result) {}})
	assert.NoError(t, n.Validate())
	assert.True(t, n.Type.IsRunnable())
}

func TestHandlersEmpty(t *testing.T) {
	var h *Handlers
	assert.True(t, h.Empty())

	h = &Handlers{}
	assert.True(t, h.Empty())

	h.Extra = map[string]func(HandlerContext, any){"onCustom": func(HandlerContext, any) {}}
	assert.False(t, h.Empty())
}

func TestEachKeysChildrenByCallback(t *testing.T) {
	items := []string{"a", "b", "c"}
	n := Each(items, func(s string) string { return s }, func(s string) Node { return Text(s) })
	require.Len(t, n.Children, 3)
	assert.Equal(t, "b", n.Children[1].Key)
}

func TestStructuralNodesHaveNoRunnableType(t *testing.T) {
	for _, typ := range []Type{TypeText, TypeIf, TypePhase, TypeStep, TypeRalph, TypeWhile, TypeEach, TypeFragment, TypeEffect, TypeStop, TypeEnd} {
		assert.False(t, typ.IsRunnable(), "type %s should not be runnable", typ)
	}
	assert.True(t, TypeClaude.IsRunnable())
	assert.True(t, TypeSmithers.IsRunnable())
}
