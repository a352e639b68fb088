// Package scriptloader loads a user-authored orchestration script and
// extracts its root component. A script is a Go plugin: built with
// `go build -buildmode=plugin`, it exports a symbol named "App" with the
// signature `func(*engine.Context) node.Node`. This replaces the Python
// original's importlib-based dynamic import
// (original_source/smithers_py/__main__.py's load_script) with Go's own
// dynamic-loading primitive, since the module can't embed an interpreter
// for a second language.
package scriptloader

import (
	"fmt"
	"path/filepath"
	"plugin"

	"github.com/smithers-ai/smithers/internal/engine"
	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/node"
)

const exportedSymbol = "App"

// Load opens the plugin at path and returns its exported root component.
// A plugin symbol's static type at export time determines what we can
// assert it back to here: scripts should declare
// `var App func(*engine.Context) node.Node`, not the engine.Component
// alias, since a named type defined in this module and the plugin's copy
// of it are never identical across the plugin boundary.
func Load(path string) (engine.Component, error) {
	if ext := filepath.Ext(path); ext != ".so" {
		return nil, errs.InvalidConfig(fmt.Sprintf("script %q must be a compiled plugin (.so); got %q", path, ext))
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, errs.InvalidConfig(fmt.Sprintf("failed to open script %q: %v", path, err))
	}

	sym, err := p.Lookup(exportedSymbol)
	if err != nil {
		return nil, errs.InvalidConfig(fmt.Sprintf("script %q does not export %q: %v", path, exportedSymbol, err))
	}

	switch fn := sym.(type) {
	case func(*engine.Context) node.Node:
		return engine.Component(fn), nil
	case *func(*engine.Context) node.Node:
		return engine.Component(*fn), nil
	default:
		return nil, errs.InvalidConfig(fmt.Sprintf("script %q's %q symbol has the wrong type (%T)", path, exportedSymbol, sym))
	}
}
