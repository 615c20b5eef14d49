package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	fp := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)

	fp = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_Close(t *testing.T) {
	t.Parallel()

	err := NewPersistence(t.TempDir()).Close(t.Context())
	assert.NoError(t, err)
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	assert.NoError(t, NewPersistence(root).HealthCheck(t.Context()))

	missing := filepath.Join(root, "missing")
	assert.ErrorIs(t, NewPersistence(missing).HealthCheck(t.Context()), os.ErrNotExist)
}

func TestPersistence_Contract(t *testing.T) {
	t.Parallel()

	testutil.RunPersistenceSuite(t, func(t *testing.T) persistence.Persistence {
		t.Helper()

		return NewPersistence(t.TempDir())
	})
}

func TestPersistence_FileLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fp := NewPersistence(root)

	workflow, tasks := testutil.CreateTestChain(2)
	require.NoError(t, fp.WorkflowRepository().Create(t.Context(), workflow, tasks))

	assert.FileExists(t, filepath.Join(root, "workflows", workflow.ID+".json"))
	assert.FileExists(t, filepath.Join(root, "tasks", tasks[0].ID+".json"))
	assert.FileExists(t, filepath.Join(root, "tasks", tasks[1].ID+".json"))
	assert.NoFileExists(t, filepath.Join(root, "workflows", workflow.ID+".json.tmp"))
}

func TestPersistence_SharedRootAcrossInstances(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := NewPersistence(root)
	second := NewPersistence(root)

	workflow, tasks := testutil.CreateTestChain(1)
	require.NoError(t, first.WorkflowRepository().Create(t.Context(), workflow, tasks))

	won, err := first.TaskRepository().Claim(t.Context(), tasks[0].ID, "starting job")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = second.TaskRepository().Claim(t.Context(), tasks[0].ID, "starting job")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	t.Parallel()

	fp := NewPersistence(t.TempDir())

	_, err := fp.TaskRepository().GetByID(t.Context(), "../etc/passwd")
	assert.True(t, persistence.IsTaskNotFound(err))
}
