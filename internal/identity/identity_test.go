package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/node"
)

func TestDeriveIsDeterministicAcrossCalls(t *testing.T) {
	a := Derive("parent", "0", node.TypeClaude)
	b := Derive("parent", "0", node.TypeClaude)
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 12)
}

func TestDeriveDiffersByTypeOrSegment(t *testing.T) {
	base := Derive("parent", "0", node.TypeClaude)
	assert.NotEqual(t, base, Derive("parent", "1", node.TypeClaude))
	assert.NotEqual(t, base, Derive("parent", "0", node.TypeSmithers))
}

func TestExplicitIDOverridesDerivation(t *testing.T) {
	tree := node.Fragment(node.Node{Type: node.TypeClaude, ExplicitID: "fixed-id"})
	ann, _ := AssignTree(tree)
	require.Len(t, ann.Children, 1)
	assert.Equal(t, NodeID("fixed-id"), ann.Children[0].ID)
}

func TestAssignTreeSameShapeSameIDs(t *testing.T) {
	build := func() node.Node {
		return node.Fragment(
			node.If(true, node.Claude("hi", "m", nil)),
			node.Text("x"),
		)
	}
	a, _ := AssignTree(build())
	b, _ := AssignTree(build())
	assert.Equal(t, a, b)
}

func TestLintWarnsOnMissingExplicitIDAndMaxTurns(t *testing.T) {
	tree := node.Claude("hi", "m", nil)
	_, warnings := AssignTree(tree)
	assert.GreaterOrEqual(t, len(warnings), 2)
}

func TestLintWarnsOnUnboundedLoop(t *testing.T) {
	tree := node.Ralph(0, node.Text("x"))
	_, warnings := AssignTree(tree)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "maximum")
}

func TestReconcileClassifiesMountedAndUnmounted(t *testing.T) {
	prevTree := node.Fragment(node.Node{Type: node.TypeClaude, ExplicitID: "a"})
	curTree := node.Fragment(node.Node{Type: node.TypeClaude, ExplicitID: "b"})

	prev, _ := AssignTree(prevTree)
	cur, _ := AssignTree(curTree)

	rec := Reconcile(cur, prev, map[NodeID]bool{"a": true})
	assert.Contains(t, rec.NewlyMounted, NodeID("b"))
	assert.Contains(t, rec.Unmounted, NodeID("a"))
	assert.Empty(t, rec.StillRunning)
}

func TestReconcileStillRunning(t *testing.T) {
	tree := node.Fragment(node.Node{Type: node.TypeClaude, ExplicitID: "a"})
	prev, _ := AssignTree(tree)
	cur, _ := AssignTree(tree)

	rec := Reconcile(cur, prev, map[NodeID]bool{"a": true})
	assert.Contains(t, rec.StillRunning, NodeID("a"))
	assert.Empty(t, rec.NewlyMounted)
	assert.Empty(t, rec.Unmounted)
}

func TestExecutionSignatureDrift(t *testing.T) {
	a := Compute([]byte("script-v1"), "1.0.0", 3, "abc")
	b := Compute([]byte("script-v1"), "1.0.1", 3, "def")
	assert.False(t, a.Drifted(b), "engine version / git commit alone should not count as drift")

	c := Compute([]byte("script-v2"), "1.0.0", 3, "abc")
	assert.True(t, a.Drifted(c))
}
