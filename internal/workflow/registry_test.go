package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryResolvesBuiltins(t *testing.T) {
	r := NewDefaultRegistry()

	for _, name := range []string{"standard", "full", "quick"} {
		w, err := r.Get(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, w.Stages)
	}

	_, err := r.Get("nope")
	var unknown *UnknownWorkflowError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Name)
}

func TestBlocksGroupsParallelStages(t *testing.T) {
	w := &Workflow{
		Name: "mixed",
		Stages: []Stage{
			{Name: "plan", Agent: "planner"},
			{Name: "test", Agent: "tester", Group: "verify"},
			{Name: "review", Agent: "reviewer", Group: "verify"},
			{Name: "ship", Agent: "developer"},
		},
	}

	blocks := w.Blocks()
	require.Len(t, blocks, 3)

	assert.False(t, blocks[0].Parallel)
	assert.Equal(t, "plan", blocks[0].Stages[0].Name)

	assert.True(t, blocks[1].Parallel)
	require.Len(t, blocks[1].Stages, 2)
	assert.Equal(t, "test", blocks[1].Stages[0].Name)
	assert.Equal(t, "review", blocks[1].Stages[1].Name)

	assert.False(t, blocks[2].Parallel)
	assert.Equal(t, "ship", blocks[2].Stages[0].Name)
}

func TestBlocksSingleMemberGroupIsSequential(t *testing.T) {
	w := &Workflow{
		Name: "lone-group",
		Stages: []Stage{
			{Name: "test", Agent: "tester", Group: "verify"},
			{Name: "ship", Agent: "developer"},
		},
	}
	blocks := w.Blocks()
	require.Len(t, blocks, 2)
	assert.False(t, blocks[0].Parallel)
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry([]*Workflow{{Name: "empty"}})
	assert.Error(t, err, "empty stage list rejected")

	_, err = NewRegistry([]*Workflow{
		{Name: "dup", Stages: []Stage{{Name: "a", Agent: "x"}}},
		{Name: "dup", Stages: []Stage{{Name: "a", Agent: "x"}}},
	})
	assert.Error(t, err, "duplicate name rejected")

	_, err = NewRegistry([]*Workflow{
		{Name: "bad", Stages: []Stage{{Name: "a"}}},
	})
	assert.Error(t, err, "stage without agent rejected")
}

func TestLoadFileMergesWithBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - name: docs
    stages:
      - name: write
        agent: developer
      - name: review
        agent: reviewer
  - name: quick
    stages:
      - name: implement
        agent: developer
`), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)

	// New workflow from the file.
	docs, err := r.Get("docs")
	require.NoError(t, err)
	assert.Len(t, docs.Stages, 2)

	// File entry overrides the built-in.
	quick, err := r.Get("quick")
	require.NoError(t, err)
	assert.Len(t, quick.Stages, 1)

	// Untouched built-ins survive.
	assert.True(t, r.Has("standard"))
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows: [not a workflow"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
