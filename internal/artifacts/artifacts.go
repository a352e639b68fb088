// Package artifacts implements the artifact store: a named, typed output
// surface for UI display. Keyed artifacts upsert; keyless artifacts
// append, and every write carries the node/frame context it was produced
// under.
package artifacts

import (
	"sync"
	"time"
)

// Kind enumerates the typed artifact surfaces the spec names.
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindTable    Kind = "table"
	KindProgress Kind = "progress"
	KindLink     Kind = "link"
	KindImage    Kind = "image"
)

// Artifact is one stored output.
type Artifact struct {
	ID        int64
	Name      string
	Kind      Kind
	Key       string // empty means keyless/append-only
	Value     any
	NodeID    string
	FrameID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store tracks artifacts for one execution, keyed for upsert semantics and
// otherwise append-only.
type Store struct {
	mu      sync.Mutex
	next    int64
	keyed   map[string]*Artifact // name+"\x00"+key -> artifact
	ordered []*Artifact
	now     func() time.Time
}

// New builds an empty artifact Store.
func New() *Store {
	return &Store{keyed: make(map[string]*Artifact), now: time.Now}
}

func (s *Store) write(name string, kind Kind, key string, value any, nodeID string, frameID int64) Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		mapKey := name + "\x00" + key
		if existing, ok := s.keyed[mapKey]; ok {
			existing.Value = value
			existing.NodeID = nodeID
			existing.FrameID = frameID
			existing.UpdatedAt = s.now()
			return *existing
		}
		s.next++
		a := &Artifact{
			ID: s.next, Name: name, Kind: kind, Key: key, Value: value,
			NodeID: nodeID, FrameID: frameID, CreatedAt: s.now(), UpdatedAt: s.now(),
		}
		s.keyed[mapKey] = a
		s.ordered = append(s.ordered, a)
		return *a
	}

	s.next++
	a := &Artifact{
		ID: s.next, Name: name, Kind: kind, Value: value,
		NodeID: nodeID, FrameID: frameID, CreatedAt: s.now(), UpdatedAt: s.now(),
	}
	s.ordered = append(s.ordered, a)
	return *a
}

// Markdown writes or upserts a markdown-typed artifact.
func (s *Store) Markdown(name, body, key, nodeID string, frameID int64) Artifact {
	return s.write(name, KindMarkdown, key, body, nodeID, frameID)
}

// Table writes or upserts a table-typed artifact (rows as []map[string]any).
func (s *Store) Table(name string, rows any, key, nodeID string, frameID int64) Artifact {
	return s.write(name, KindTable, key, rows, nodeID, frameID)
}

// Progress writes or upserts a progress-typed artifact (0.0-1.0 fraction or
// step counters, caller-defined shape).
func (s *Store) Progress(name string, value any, key, nodeID string, frameID int64) Artifact {
	return s.write(name, KindProgress, key, value, nodeID, frameID)
}

// Link writes or upserts a link-typed artifact.
func (s *Store) Link(name, url, key, nodeID string, frameID int64) Artifact {
	return s.write(name, KindLink, key, url, nodeID, frameID)
}

// Image writes or upserts an image-typed artifact (caller-supplied
// reference: path, URL, or content hash).
func (s *Store) Image(name, ref, key, nodeID string, frameID int64) Artifact {
	return s.write(name, KindImage, key, ref, nodeID, frameID)
}

// List returns every artifact in write order (keyed artifacts appear once,
// at the position of their first write, reflecting their latest value).
func (s *Store) List() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, len(s.ordered))
	for i, a := range s.ordered {
		out[i] = *a
	}
	return out
}

// ByName returns every artifact with the given name, in write order.
func (s *Store) ByName(name string) []Artifact {
	var out []Artifact
	for _, a := range s.List() {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}
