package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/errs"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	fs, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "notes/a.txt", []byte("hello")))

	data, err := fs.Read(ctx, "notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadMissingFileReturnsNotFound(t *testing.T) {
	fs, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	_, err = fs.Read(context.Background(), "missing.txt")
	require.Error(t, err)
	ee := errs.As(err)
	require.NotNil(t, ee)
	assert.Equal(t, errs.CodeNotFound, ee.Code)
}

func TestPathEscapingRootIsRejected(t *testing.T) {
	fs, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	_, err = fs.Read(context.Background(), "../outside.txt")
	require.Error(t, err)
	ee := errs.As(err)
	require.NotNil(t, ee)
	assert.Equal(t, errs.CodeInvalidInput, ee.Code)
}

func TestHashMatchesContentAndChangesOnWrite(t *testing.T) {
	fs, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "f.txt", []byte("v1")))
	h1, err := fs.Hash(ctx, "f.txt")
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, "f.txt", []byte("v2")))
	h2, err := fs.Hash(ctx, "f.txt")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64, "sha256 hex digest")
}

func TestDeleteRemovesFileAndReportsMissingOnSecondDelete(t *testing.T) {
	fs, err := New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "f.txt", []byte("x")))
	require.NoError(t, fs.Delete(ctx, "f.txt"))

	_, err = fs.Stat(ctx, "f.txt")
	require.Error(t, err)

	err = fs.Delete(ctx, "f.txt")
	require.Error(t, err)
	ee := errs.As(err)
	require.NotNil(t, ee)
	assert.Equal(t, errs.CodeNotFound, ee.Code)
}

func TestListDirReportsEntries(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a.txt", []byte("1")))
	require.NoError(t, fs.Write(ctx, "sub/b.txt", []byte("2")))

	entries, err := fs.ListDir(ctx, ".")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub")
}

func TestWriteNotifiesWatcher(t *testing.T) {
	root := t.TempDir()
	w := NewWatcher(5*time.Millisecond, nil)
	notified := make(chan struct{}, 1)
	w.SetOnChange(func() { notified <- struct{}{} })

	fs, err := New(root, w, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Write(context.Background(), "a.txt", []byte("1")))

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("watcher callback was never invoked")
	}
}

func TestRootReturnsAbsolutePath(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root, nil, nil)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(fs.Root()))
}
