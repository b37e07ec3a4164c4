package filetransfer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheDeduplicatesContent(t *testing.T) {
	cache, err := NewCache(t.TempDir(), "10MB")
	require.NoError(t, err)

	content := strings.Repeat("same payload ", 10)
	digest1, size, err := cache.Put("a/file1", strings.NewReader(content))
	require.NoError(t, err)
	assert.EqualValues(t, len(content), size)

	digest2, _, err := cache.Put("b/file2", strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, digest1, digest2)

	// One blob serves both paths
	assert.EqualValues(t, len(content), cache.Size())

	file, _, err := cache.Open("b/file2")
	require.NoError(t, err)
	file.Close()
}

func TestCacheEvictsLRU(t *testing.T) {
	// docker/go-units parses plain integers as bytes
	cache, err := NewCache(t.TempDir(), "100")
	require.NoError(t, err)

	_, _, err = cache.Put("old", strings.NewReader(strings.Repeat("a", 60)))
	require.NoError(t, err)
	_, _, err = cache.Put("new", strings.NewReader(strings.Repeat("b", 60)))
	require.NoError(t, err)

	// The oldest blob was evicted together with its path entry
	assert.LessOrEqual(t, cache.Size(), int64(100))
	_, _, err = cache.Open("old")
	assert.ErrorIs(t, err, ErrNoSuchFile)

	file, _, err := cache.Open("new")
	require.NoError(t, err)
	file.Close()
}

func TestCacheDeleteReclaimsBlobs(t *testing.T) {
	cache, err := NewCache(t.TempDir(), "10MB")
	require.NoError(t, err)

	_, _, err = cache.Put("only", strings.NewReader("data"))
	require.NoError(t, err)
	require.NoError(t, cache.Delete("only"))
	assert.EqualValues(t, 0, cache.Size())

	assert.ErrorIs(t, cache.Delete("only"), ErrNoSuchFile)
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, "10MB")
	require.NoError(t, err)
	_, _, err = cache.Put("persistent", strings.NewReader("data"))
	require.NoError(t, err)

	reopened, err := NewCache(dir, "10MB")
	require.NoError(t, err)
	assert.EqualValues(t, 4, reopened.Size())

	file, _, err := reopened.Open("persistent")
	require.NoError(t, err)
	file.Close()
}

func TestCacheRejectsInvalidSize(t *testing.T) {
	_, err := NewCache(t.TempDir(), "lots")
	assert.Error(t, err)
}
