package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	webapp := filepath.Join(root, "webapp")
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(webapp, 0o755))
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cases := []struct {
		name     string
		dir      string
		lookFor  string
		expected string
	}{
		{name: "in the starting dir", dir: root, lookFor: "webapp", expected: webapp},
		{name: "in a parent", dir: nested, lookFor: "webapp", expected: webapp},
		{name: "missing", dir: nested, lookFor: "definitely-not-here-4f1c", expected: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			found, err := FindUp(c.lookFor, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.expected, found)
		})
	}
}

func TestFindUpUnreadableDir(t *testing.T) {
	_, err := FindUp("webapp", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
