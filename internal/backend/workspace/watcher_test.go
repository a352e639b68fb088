package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnFileChangeDebouncesRapidChanges(t *testing.T) {
	w := NewWatcher(20*time.Millisecond, nil)
	var calls int
	w.SetOnChange(func() { calls++ })

	for i := 0; i < 5; i++ {
		w.OnFileChange("a.txt")
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, calls, "rapid changes within the debounce window must coalesce into one callback")
}

func TestOnFileChangeIgnoresNoisePatterns(t *testing.T) {
	w := NewWatcher(5*time.Millisecond, nil)
	var calls int
	w.SetOnChange(func() { calls++ })

	w.OnFileChange("node_modules/pkg/index.js")
	w.OnFileChange(".git/HEAD")
	w.OnFileChange("app.log")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, calls, "ignore-pattern paths must never schedule a tick")
}

func TestStopCancelsPendingTick(t *testing.T) {
	w := NewWatcher(10*time.Millisecond, nil)
	var calls int
	w.SetOnChange(func() { calls++ })

	w.OnFileChange("a.txt")
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, calls, "Stop must cancel a pending debounce timer")
}

func TestDefaultsFillZeroValues(t *testing.T) {
	w := NewWatcher(0, nil)
	require.Equal(t, DefaultDebounce, w.debounce)
	require.Equal(t, DefaultIgnorePatterns, w.ignore)
}
