package serialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/node"
)

func tree(n node.Node) identity.Annotated {
	ann, _ := identity.AssignTree(n)
	return ann
}

func TestSameTreeSerializesIdentically(t *testing.T) {
	build := func() node.Node {
		return node.Phase("setup", node.Text("hello"), node.If(true, node.Text("world")))
	}
	a := Tree(tree(build()))
	b := Tree(tree(build()))
	assert.Equal(t, a, b)
}

func TestDifferentTreesSerializeDifferently(t *testing.T) {
	a := Tree(tree(node.Text("hello")))
	b := Tree(tree(node.Text("goodbye")))
	assert.NotEqual(t, a, b)
}

func TestAttributeOrderIsStableAcrossMapIteration(t *testing.T) {
	n := node.Node{Type: node.TypeStep, Attrs: map[string]any{"z": 1, "a": 2, "m": 3}}
	first := Tree(tree(n))
	for i := 0; i < 20; i++ {
		n2 := node.Node{Type: node.TypeStep, Attrs: map[string]any{"z": 1, "a": 2, "m": 3}}
		require.Equal(t, first, Tree(tree(n2)))
	}
}

func TestLiteralsAreEscaped(t *testing.T) {
	out := Tree(tree(node.Text(`<script>"alert('x')"</script>`)))
	assert.NotContains(t, out, `<script>"alert`)
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestHashMatchesForIdenticalTreesAndDiffersOtherwise(t *testing.T) {
	treeA := tree(node.Phase("p", node.Text("a")))
	treeB := tree(node.Phase("p", node.Text("a")))
	treeC := tree(node.Phase("p", node.Text("b")))

	assert.Equal(t, Hash(treeA), Hash(treeB))
	assert.NotEqual(t, Hash(treeA), Hash(treeC))
}

func TestSetupClosureExcludedFromSignature(t *testing.T) {
	setupA := func() func() { return nil }
	setupB := func() func() { return nil }

	a := node.Effect("eff-1", []any{1}, setupA, node.Text("x"))
	b := node.Effect("eff-1", []any{1}, setupB, node.Text("x"))

	assert.Equal(t, Tree(tree(a)), Tree(tree(b)), "distinct closures for equivalent effects must not change the plan hash")
}

func TestHandlerSignatureReflectsPopulatedSlots(t *testing.T) {
	withHandlers := node.Claude("do it", "claude-3", &node.Handlers{
		OnFinished: func(ctx node.HandlerContext, r node.Result) {},
	})
	bare := node.Claude("do it", "claude-3", nil)

	assert.NotEqual(t, Tree(tree(withHandlers)), Tree(tree(bare)))
}

func TestQueryStateReadsJSONField(t *testing.T) {
	blob := `{"counter": 7, "nested": {"name": "alice"}}`
	assert.Equal(t, int64(7), QueryState(blob, "counter").Int())
	assert.Equal(t, "alice", QueryState(blob, "nested.name").String())
}

func TestQueryStateManyReadsMultipleFields(t *testing.T) {
	blob := `{"a": 1, "b": 2, "c": 3}`
	results := QueryStateMany(blob, "a", "b", "c")
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].Int())
	assert.Equal(t, int64(2), results[1].Int())
	assert.Equal(t, int64(3), results[2].Int())
}
