// Package file provides file-based persistence for workflows, tasks and results.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/gofrs/flock"
)

const (
	workflowsDir = "workflows"
	tasksDir     = "tasks"
	resultsDir   = "results"
	lockFile     = ".lock"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every operation holds an in-process mutex and an exclusive lock file, so
// several worker processes may share one root directory.
type Persistence struct {
	root         string
	store        *store
	workflowRepo *WorkflowRepository
	taskRepo     *TaskRepository
	resultRepo   *ResultRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	s := &store{
		root: cleanRoot,
		lock: flock.New(filepath.Join(cleanRoot, lockFile)),
	}

	return &Persistence{
		root:         cleanRoot,
		store:        s,
		workflowRepo: &WorkflowRepository{store: s},
		taskRepo:     &TaskRepository{store: s},
		resultRepo:   &ResultRepository{store: s},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) TaskRepository() persistence.TaskRepository {
	return fp.taskRepo
}

func (fp *Persistence) ResultRepository() persistence.ResultRepository {
	return fp.resultRepo
}

type store struct {
	root string
	mu   sync.Mutex
	lock *flock.Flock
}

// locked runs fn while holding both the process mutex and the lock file.
func (s *store) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.MkdirAll(s.root, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	err = s.lock.Lock()
	if err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}

	defer func() {
		_ = s.lock.Unlock()
	}()

	return fn()
}

func (s *store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

// read decodes the entity stored under dir/id. It returns fs.ErrNotExist when
// the file is missing.
func (s *store) read(dir, id string, v any) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fs.ErrNotExist
	}

	data, err := os.ReadFile(s.path(dir, id))
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", dir, id, err)
	}

	return nil
}

// write stores v under dir/id through a temporary file and a rename, so a
// reader never observes a partially written entity.
func (s *store) write(dir, id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", dir, id, err)
	}

	err = os.MkdirAll(filepath.Join(s.root, dir), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	target := s.path(dir, id)
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to commit %s/%s: %w", dir, id, err)
	}

	return nil
}

func (s *store) remove(dir, id string) {
	_ = os.Remove(s.path(dir, id))
}

func (s *store) exists(dir, id string) bool {
	_, err := os.Stat(s.path(dir, id))

	return err == nil
}

// ids lists the identities stored under dir.
func (s *store) ids(dir string) ([]string, error) {
	matches, err := fs.Glob(os.DirFS(s.root), dir+"/*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(match), ".json"))
	}

	return ids, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
