// Package identity assigns deterministic, content-addressed NodeIds to a
// plan tree and reconciles successive renders by stable identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/smithers-ai/smithers/internal/node"
)

// NodeID is a stable, content-addressed identifier for one tree position.
type NodeID string

// Derive computes a NodeId from its parent's id, the child's key-or-index,
// and its type tag: SHA256("parentId/keyOrIndex:type")[:12]. An explicit id
// on the node overrides derivation entirely.
func Derive(parentID NodeID, keyOrIndex string, typ node.Type) NodeID {
	material := fmt.Sprintf("%s/%s:%s", parentID, keyOrIndex, typ)
	sum := sha256.Sum256([]byte(material))
	return NodeID(hex.EncodeToString(sum[:])[:12])
}

// Annotated pairs a node with the identity assigned to it and its subtree.
type Annotated struct {
	ID       NodeID
	Node     node.Node
	Children []Annotated
}

// AssignTree walks root depth-first, assigning a NodeID to every node.
// Precedence for the segment hashed at each step: ExplicitID (used as the
// id verbatim, not hashed further), then Key, then child index.
func AssignTree(root node.Node) (Annotated, []Warning) {
	var warnings []Warning
	ann := assign("", "root", root, &warnings)
	return ann, warnings
}

func assign(parentID NodeID, keyOrIndex string, n node.Node, warnings *[]Warning) Annotated {
	var id NodeID
	if n.ExplicitID != "" {
		id = NodeID(n.ExplicitID)
	} else {
		segment := keyOrIndex
		if n.Key != "" {
			segment = n.Key
		}
		id = Derive(parentID, segment, n.Type)
	}

	lintNode(id, n, warnings)

	children := make([]Annotated, 0, len(n.Children))
	for i, child := range n.Children {
		childKeyOrIndex := strconv.Itoa(i)
		children = append(children, assign(id, childKeyOrIndex, child, warnings))
	}

	return Annotated{ID: id, Node: n, Children: children}
}

// Flatten collects every annotated node in the subtree, including root.
func Flatten(a Annotated) map[NodeID]Annotated {
	out := make(map[NodeID]Annotated)
	var walk func(Annotated)
	walk = func(cur Annotated) {
		out[cur.ID] = cur
		for _, c := range cur.Children {
			walk(c)
		}
	}
	walk(a)
	return out
}

// Warning is a non-fatal plan-linter finding.
type Warning struct {
	NodeID  NodeID
	Message string
}

func lintNode(id NodeID, n node.Node, warnings *[]Warning) {
	switch n.Type {
	case node.TypeClaude, node.TypeSmithers:
		if n.ExplicitID == "" {
			*warnings = append(*warnings, Warning{id, "runnable node has no explicit id; identity depends on tree position"})
		}
		if n.Type == node.TypeClaude {
			if _, ok := n.Attrs["max_turns"]; !ok {
				*warnings = append(*warnings, Warning{id, "agent node uses a default turn limit"})
			}
		}
	case node.TypeRalph:
		if max, _ := n.Attrs["max"].(int); max <= 0 {
			*warnings = append(*warnings, Warning{id, "iteration node has no configured maximum"})
		}
	case node.TypeWhile:
		if max, _ := n.Attrs["max"].(int); max <= 0 {
			*warnings = append(*warnings, Warning{id, "while node has no configured maximum"})
		}
	}
}

// Reconciliation is the result of comparing two annotated trees.
type Reconciliation struct {
	NewlyMounted []NodeID
	StillRunning []NodeID
	Unmounted    []NodeID
}

// Reconcile compares current against previous. runningTaskIDs identifies
// which previously-mounted runnable node ids currently own an active task;
// it governs whether an id absent from current counts as "still running"
// (needing cancellation) when unmounted.
func Reconcile(current, previous Annotated, runningTaskIDs map[NodeID]bool) Reconciliation {
	curIDs := Flatten(current)
	prevIDs := Flatten(previous)

	var rec Reconciliation
	for id := range curIDs {
		if _, ok := prevIDs[id]; !ok {
			rec.NewlyMounted = append(rec.NewlyMounted, id)
		} else if runningTaskIDs[id] {
			rec.StillRunning = append(rec.StillRunning, id)
		}
	}
	for id := range prevIDs {
		if _, ok := curIDs[id]; !ok {
			rec.Unmounted = append(rec.Unmounted, id)
		}
	}
	return rec
}

// EmptyAnnotated is the identity of a render that produced no tree, used
// as "previous" on the very first frame.
var EmptyAnnotated = Annotated{ID: "", Node: node.Fragment()}

// ExecutionSignature is a content hash of the script that produced a run,
// for telling whether the script has since drifted. No resume or restart
// path computes or compares one.
// Supplemental to the core spec; recovered from the Python original's
// compute_execution_signature.
type ExecutionSignature struct {
	ScriptHash    string
	EngineVersion string
	SchemaVersion int
	GitCommit     string
}

// Compute derives an ExecutionSignature from a script's serialized source.
func Compute(scriptSource []byte, engineVersion string, schemaVersion int, gitCommit string) ExecutionSignature {
	sum := sha256.Sum256(scriptSource)
	return ExecutionSignature{
		ScriptHash:    hex.EncodeToString(sum[:]),
		EngineVersion: engineVersion,
		SchemaVersion: schemaVersion,
		GitCommit:     gitCommit,
	}
}

// Drifted reports whether two signatures disagree in a way that warrants a
// resume warning (script content or schema changed; engine version or git
// commit drift alone is informational only).
func (s ExecutionSignature) Drifted(other ExecutionSignature) bool {
	return s.ScriptHash != other.ScriptHash || s.SchemaVersion != other.SchemaVersion
}
