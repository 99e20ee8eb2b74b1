package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
name: web
stages:
  - name: build
    run: npm ci && npm run build
  - name: " image "
    run: |
      docker build -t web .
      docker push web
`

func TestParse(t *testing.T) {
	wf, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "web", wf.Name)
	require.Len(t, wf.Stages, 2)
	assert.Equal(t, Stage{Name: "build", Run: "npm ci && npm run build"}, wf.Stages[0])
	assert.Equal(t, "image", wf.Stages[1].Name)
	assert.Equal(t, "docker build -t web .\ndocker push web\n", wf.Stages[1].Run)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"yaml":      "stages: [",
		"empty":     "name: x",
		"no name":   "stages:\n  - run: make",
		"no run":    "stages:\n  - name: build",
		"duplicate": "stages:\n  - {name: a, run: x}\n  - {name: a, run: y}",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidWorkflow, name)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	wf, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, wf.Stages, 2)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
