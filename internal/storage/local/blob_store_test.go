package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/storage/local"
)

func TestNewCreatesMissingRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "data", "folder")
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	require.Equal(t, filepath.Clean(root), store.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries, "writability probe must be removed")
}

func TestNewRejectsBadRoot(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesItemFolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	ctx := context.Background()

	rel := "bili/golang/20240102_030405_BV1xx/content.json"
	uri, err := store.PutObject(ctx, rel, "application/json", strings.NewReader(`{"id":"BV1xx"}`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(root, rel), uri)

	// #nosec G304 -- reads from the test temp directory.
	got, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"BV1xx"}`, string(got))
}

func TestPutObjectReplacesWithoutTempLeftovers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	ctx := context.Background()

	rel := "tieba/go/1/comments.json"
	for _, body := range []string{"[1]", "[1,2]"} {
		_, err := store.PutObject(ctx, rel, "application/json", strings.NewReader(body))
		require.NoError(t, err)
	}

	// #nosec G304 -- reads from the test temp directory.
	got, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	require.Equal(t, "[1,2]", string(got))

	entries, err := os.ReadDir(filepath.Dir(filepath.Join(root, rel)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, rel := range []string{"", "../escape.json", "bili/../../escape.json"} {
		_, err := store.PutObject(context.Background(), rel, "application/json", strings.NewReader("{}"))
		require.Error(t, err, rel)
	}
}
