// Package serialize produces the deterministic textual encoding of a plan
// tree that frame coalescing and content-addressability depend on: the same
// tree always serializes to the same string. The encoding is an
// XML-flavored custom writer (attributes in fixed order, literals escaped,
// children recursed, whitespace normalized); the format itself is an
// implementation choice, the contract is determinism.
package serialize

import (
	"bytes"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/node"
)

// Tree renders ann to its deterministic textual form.
func Tree(ann identity.Annotated) string {
	var buf bytes.Buffer
	writeNode(&buf, ann, 0)
	return buf.String()
}

// Hash returns the sha256 hex digest of Tree(ann), the plan_hash half of the
// frame-storm guard's (plan_hash, state_hash) signature.
func Hash(ann identity.Annotated) string {
	sum := sha256.Sum256([]byte(Tree(ann)))
	return fmt.Sprintf("%x", sum)
}

func writeNode(buf *bytes.Buffer, ann identity.Annotated, depth int) {
	indent(buf, depth)
	buf.WriteByte('<')
	buf.WriteString(string(ann.Node.Type))
	buf.WriteString(` id="`)
	escapeAttr(buf, string(ann.ID))
	buf.WriteByte('"')
	if ann.Node.Key != "" {
		buf.WriteString(` key="`)
		escapeAttr(buf, ann.Node.Key)
		buf.WriteByte('"')
	}
	writeAttrs(buf, ann.Node.Attrs)
	if !ann.Node.Handlers.Empty() {
		buf.WriteString(` handlers="`)
		escapeAttr(buf, handlerSignature(ann.Node.Handlers))
		buf.WriteByte('"')
	}

	if len(ann.Children) == 0 {
		buf.WriteString("/>\n")
		return
	}

	buf.WriteString(">\n")
	for _, child := range ann.Children {
		writeNode(buf, child, depth+1)
	}
	indent(buf, depth)
	buf.WriteString("</")
	buf.WriteString(string(ann.Node.Type))
	buf.WriteString(">\n")
}

// writeAttrs emits Attrs in sorted key order so the same logical node always
// produces the same attribute sequence regardless of map iteration order.
func writeAttrs(buf *bytes.Buffer, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		// setup/cleanup closures on effect nodes are not serializable and
		// carry no content-addressable identity; the effect's id and deps
		// already capture everything that should affect the plan hash.
		if k == "setup" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteString(`="`)
		escapeAttr(buf, fmt.Sprintf("%v", attrs[k]))
		buf.WriteByte('"')
	}
}

// handlerSignature records which handler slots are populated without
// attempting to serialize the callbacks themselves.
func handlerSignature(h *node.Handlers) string {
	sig := ""
	if h.OnFinished != nil {
		sig += "F"
	}
	if h.OnError != nil {
		sig += "E"
	}
	if h.OnProgress != nil {
		sig += "P"
	}
	if len(h.Extra) > 0 {
		names := make([]string, 0, len(h.Extra))
		for name := range h.Extra {
			names = append(names, name)
		}
		sort.Strings(names)
		sig += "X:" + fmt.Sprint(names)
	}
	return sig
}

func indent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteString("  ")
	}
}

func escapeAttr(buf *bytes.Buffer, s string) {
	// xml.EscapeText handles the literal-escaping rules (&, <, >, quotes)
	// the encoding needs without hand-rolling them.
	_ = xml.EscapeText(buf, []byte(s))
}

// QueryState runs a gjson path query against a JSON-encoded state blob, used
// by inspection tooling (cmd db state, export) to pull fields out of stored
// state/artifact columns without fully unmarshaling them.
func QueryState(jsonBlob, path string) gjson.Result {
	return gjson.Get(jsonBlob, path)
}

// QueryStateMany runs multiple gjson path queries in one pass.
func QueryStateMany(jsonBlob string, paths ...string) []gjson.Result {
	return gjson.GetMany(jsonBlob, paths...)
}
