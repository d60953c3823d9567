package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"bundle-1b2c.png":    "bundle-1b2c.png",
		"../../etc/passwd":   "etc_passwd",
		"run id with spaces": "run_id_with_spaces",
		"":                   "unknown",
		"...":                "unknown",
		"a//b":               "a_b",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
	assert.Len(t, SanitizeFilename(string(make([]byte, 500))+"x"), 1)
}

func TestJoinWithin(t *testing.T) {
	dir := t.TempDir()

	p, err := JoinWithin(dir, "plots/cost.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "plots", "cost.png"), p)

	_, err = JoinWithin(dir, "../escape.png")
	assert.Error(t, err)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))
	_, err = JoinWithin(dir, "link/cost.png")
	assert.Error(t, err)
}
