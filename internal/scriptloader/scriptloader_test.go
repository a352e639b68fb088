package scriptloader

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/errs"
)

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	engErr, ok := err.(*errs.EngineError)
	require.True(t, ok, "expected *errs.EngineError, got %T", err)
	reason, _ := engErr.Details["reason"].(string)
	return reason
}

func TestLoadRejectsNonPluginExtension(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "script.py"))
	require.Error(t, err)
	require.Contains(t, reasonOf(t, err), "must be a compiled plugin")
}

func TestLoadReportsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)
	require.Contains(t, reasonOf(t, err), "failed to open script")
}
