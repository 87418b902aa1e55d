package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New("writer", dir)
	require.NoError(t, err)
	defer l.Close()

	l.Infof("archive %s opened", "a.psiarc")
	l.Warnf("chunk %d skipped", 7)
	l.Errorf("boom")
	l.Debugf("detail %v", []int{1, 2})

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, "[writer] [INFO] archive a.psiarc opened")
	assert.Contains(t, out, "[writer] [WARN] chunk 7 skipped")
	assert.Contains(t, out, "[writer] [ERROR] boom")
	assert.Contains(t, out, "[writer] [DEBUG] detail [1 2]")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestSameProcessSharesLogFile(t *testing.T) {
	dir := t.TempDir()
	a, err := New("reader", dir)
	require.NoError(t, err)
	defer a.Close()
	b, err := New("tail", dir)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.Path(), b.Path())
	assert.True(t, strings.HasPrefix(filepath.Base(a.Path()), getProcessID()))
}

func TestFallbackOnUnwritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("a file, not a directory"), 0o600))

	l, err := New("writer", dir)
	assert.Error(t, err)
	require.NotNil(t, l, "callers always get a usable logger")
	assert.Empty(t, l.Path())
	l.Infof("still works")
	assert.NoError(t, l.Close())
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NewNop()
	l.Infof("into the void")
	assert.Empty(t, l.Path())
	assert.NoError(t, l.Close())
}

func TestCloseIdempotent(t *testing.T) {
	l, err := New("writer", t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
