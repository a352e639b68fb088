// Package engine implements the tick loop: the seven-phase frame lifecycle
// that drives a component function to quiescence, tying together identity
// assignment, the action queue, the effect registry, the render purity
// guard, the lease manager, and both stores.
package engine

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/smithers-ai/smithers/internal/approvals"
	"github.com/smithers-ai/smithers/internal/artifacts"
	"github.com/smithers-ai/smithers/internal/backend/workspace"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/purity"
)

// Context is what a component function receives each render: a read-only
// view of state plus the facilities handlers and effects may reach for. It
// is an explicit struct, not ambient global state.
type Context struct {
	State     *purity.GuardedStore
	V         *purity.GuardedStore
	DBHandle  *sqlx.DB // read-only escape hatch for ad-hoc inspection queries
	FrameID   int64
	Approvals *approvals.Store
	Artifacts *artifacts.Store
	FS        *workspace.FileSurface // nil outside a running engine (e.g. validate)
	nowFn     func() time.Time
}

// Now returns the frame's frozen clock reading; every read of "now" within
// one render observes the same instant.
func (c *Context) Now() time.Time { return c.nowFn() }

// Component is the author-supplied render function.
type Component func(ctx *Context) node.Node

// NewValidationContext builds a standalone Context for rendering frame 0
// against empty state outside of a running tick loop, as the "validate"
// CLI subcommand does. FS is left nil: validate has no workspace root to
// guard and components that reach for ctx.FS should handle its absence.
func NewValidationContext(state *purity.GuardedStore, approvalsStore *approvals.Store, artifactsStore *artifacts.Store) *Context {
	now := time.Now()
	return &Context{State: state, V: state, Approvals: approvalsStore, Artifacts: artifactsStore, nowFn: func() time.Time { return now }}
}
