package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	assert.Empty(t, assertions.ShouldBeTrue(FileExists(dir)))
	require.NoError(t, EnsureDir(dir))
}

func TestReplaceFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "logfile.log")
	tmp := target + "~"
	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0644))

	require.NoError(t, ReplaceFile(tmp, target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Empty(t, assertions.ShouldEqual(string(data), "new"))
	assert.False(t, FileExists(tmp))
}
