package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Registry Tests
// ============================================================================

func TestNew_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: "unknown-type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_DefaultsToLocal(t *testing.T) {
	t.Parallel()

	b, err := New(types.BackendConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, types.StorageTypeLocal, b.Type())
}

func TestNew_S3RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: types.StorageTypeS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket required")
}

func TestS3_ObjectKeyPrefix(t *testing.T) {
	t.Parallel()

	s := &S3{bucket: "b", prefix: "transcripts"}
	key, err := s.objectKey("job-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "transcripts/job-1.txt", key)

	_, err = s.objectKey("../escape")
	assert.Error(t, err)
}

func TestCleanKey(t *testing.T) {
	t.Parallel()

	good := []string{"a.txt", "job/a.srt", "x-y_z.txt"}
	for _, k := range good {
		_, err := CleanKey(k)
		assert.NoError(t, err, k)
	}

	bad := []string{"", "/abs", "../up", "a/../b", "a//b", `a\b`, "."}
	for _, k := range bad {
		_, err := CleanKey(k)
		assert.Error(t, err, k)
	}
}

// ============================================================================
// Behaviour shared by every backend
// ============================================================================

func TestBackends_RoundTrip(t *testing.T) {
	t.Parallel()

	backends := map[string]func(t *testing.T) types.BackendStorage{
		"local": func(t *testing.T) types.BackendStorage {
			b, err := NewLocal(types.BackendConfig{Path: t.TempDir()})
			require.NoError(t, err)
			return b
		},
		"memory": func(t *testing.T) types.BackendStorage {
			return NewMemoryStorage()
		},
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b := mk(t)
			defer b.Close()

			data := []byte("hello transcript")
			require.NoError(t, b.Write(ctx, "job-1.txt", bytes.NewReader(data), int64(len(data))))

			ok, err := b.Exists(ctx, "job-1.txt")
			require.NoError(t, err)
			assert.True(t, ok)

			size, err := b.Size(ctx, "job-1.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), size)

			rc, err := b.Read(ctx, "job-1.txt")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, data, got)

			// Overwrite replaces the whole object
			require.NoError(t, b.Write(ctx, "job-1.txt", strings.NewReader("v2"), 2))
			rc, err = b.Read(ctx, "job-1.txt")
			require.NoError(t, err)
			got, _ = io.ReadAll(rc)
			rc.Close()
			assert.Equal(t, "v2", string(got))

			require.NoError(t, b.Delete(ctx, "job-1.txt"))
			require.NoError(t, b.Delete(ctx, "job-1.txt"))

			_, err = b.Read(ctx, "job-1.txt")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.Size(ctx, "job-1.txt")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocal_ShortWriteLeavesNoFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := NewLocal(types.BackendConfig{Path: dir})
	require.NoError(t, err)

	err = b.Write(context.Background(), "out.srt", strings.NewReader("abc"), 10)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed on failure")

	_, err = os.Stat(filepath.Join(dir, "out.srt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_RejectsTraversal(t *testing.T) {
	t.Parallel()

	b, err := NewLocal(types.BackendConfig{Path: t.TempDir()})
	require.NoError(t, err)

	err = b.Write(context.Background(), "../evil", strings.NewReader("x"), 1)
	assert.Error(t, err)
	_, err = b.Read(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}
