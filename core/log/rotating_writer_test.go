package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	rw, err := NewRotatingWriter(RotatingWriterConfig{
		LogDir:      dir,
		MaxFileSize: 10,
		FilePrefix:  "test",
		Stdout:      &bytes.Buffer{},
	})
	require.NoError(t, err)
	defer rw.Close()

	first := rw.GetCurrentLogPath()
	_, err = rw.Write([]byte("0123456789AB")) // exceeds MaxFileSize, forces rotation
	require.NoError(t, err)

	assert.NotEqual(t, first, rw.GetCurrentLogPath(), "writing past MaxFileSize should rotate to a new file")
}

func TestRotatingWriterPrunesBeyondMaxFiles(t *testing.T) {
	dir := t.TempDir()
	rw, err := NewRotatingWriter(RotatingWriterConfig{
		LogDir:      dir,
		MaxFileSize: 1, // rotate on every write
		FilePrefix:  "test",
		Stdout:      &bytes.Buffer{},
		MaxFiles:    2,
	})
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 5; i++ {
		_, err := rw.Write([]byte("x"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "test-*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2, "pruneOldFiles should cap the number of rotated files retained")
}

func TestRotatingWriterNoPruningWhenMaxFilesUnset(t *testing.T) {
	dir := t.TempDir()
	rw, err := NewRotatingWriter(RotatingWriterConfig{
		LogDir:      dir,
		MaxFileSize: 1,
		FilePrefix:  "test",
		Stdout:      &bytes.Buffer{},
	})
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 4; i++ {
		_, err := rw.Write([]byte("x"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "test-*.log"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(matches), 4, "MaxFiles: 0 should leave every rotated file in place")
}

func TestGetCurrentFileSizeTracksWrites(t *testing.T) {
	dir := t.TempDir()
	rw, err := NewRotatingWriter(RotatingWriterConfig{
		LogDir:      dir,
		MaxFileSize: 1024,
		FilePrefix:  "test",
		Stdout:      &bytes.Buffer{},
	})
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), rw.GetCurrentFileSize())
}
