package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherTargets(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "sites.txt")
	require.NoError(t, os.WriteFile(list, []byte("http://b.com\n\n  http://c.com  \n"), 0o600))

	piped := filepath.Join(dir, "stdin.txt")
	require.NoError(t, os.WriteFile(piped, []byte("http://d.com\n"), 0o600))
	stdin, err := os.Open(piped)
	require.NoError(t, err)
	defer stdin.Close()

	got := GatherTargets("http://a.com", list, stdin)
	assert.Equal(t, []string{"http://a.com", "http://b.com", "http://c.com", "http://d.com"}, got)

	assert.Empty(t, GatherTargets("", filepath.Join(dir, "missing.txt"), nil))
	assert.Nil(t, ReadingLines(filepath.Join(dir, "missing.txt")))
}
