package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	for dir, want := range map[string]string{
		"":            "",
		"/tmp/x":      "/tmp/x",
		"~":           usr.HomeDir,
		"~/models/a":  path.Join(usr.HomeDir, "models/a"),
		"relative/~a": "relative/~a",
	} {
		got, err := ReplaceTildeInDir(dir)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ReplaceTildeInDir(%q)", dir)
	}
	_, err = ReplaceTildeInDir("~no-such-user-for-sure/x")
	require.Error(t, err)
}

func TestReadFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "tree.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("name: x"), 0o600))
	contents, err := ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "name: x", string(contents))
	_, err = ReadFile(filePath + ".missing")
	require.Error(t, err)
}
