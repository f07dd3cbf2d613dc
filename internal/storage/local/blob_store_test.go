package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archives")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries, "probe file must be cleaned up")
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("writes archive", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "jobs/j1.json", "application/json", strings.NewReader(`{"id":"j1"}`))
		require.NoError(t, err)
		want := filepath.Join(base, "jobs", "j1.json")
		require.Equal(t, "file://"+want, uri)
		// #nosec G304 -- test reads from its own temp directory.
		data, err := os.ReadFile(want)
		require.NoError(t, err)
		require.JSONEq(t, `{"id":"j1"}`, string(data))
	})

	t.Run("overwrites and leaves no temp files", func(t *testing.T) {
		_, err := store.PutObject(ctx, "jobs/j2.json", "", strings.NewReader("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "jobs/j2.json", "", strings.NewReader("second"))
		require.NoError(t, err)
		// #nosec G304 -- test reads from its own temp directory.
		data, err := os.ReadFile(filepath.Join(base, "jobs", "j2.json"))
		require.NoError(t, err)
		require.Equal(t, "second", string(data))

		entries, err := os.ReadDir(filepath.Join(base, "jobs"))
		require.NoError(t, err)
		for _, e := range entries {
			require.False(t, strings.HasPrefix(e.Name(), ".archive-"), e.Name())
		}
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "", strings.NewReader("x"))
		require.Error(t, err)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "", strings.NewReader("x"))
		require.Error(t, err)
		_, statErr := os.Stat(filepath.Join(filepath.Dir(base), "escape.json"))
		require.True(t, os.IsNotExist(statErr))
	})
}
