// Package file provides file-based persistence implementation for approval workflows.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

const stateFile = "approvals.json"

// state is the whole dataset, kept as one JSON document.
type state struct {
	Templates      map[string]*models.WorkflowTemplate      `json:"templates"`
	Instances      map[string]*models.WorkflowInstance      `json:"instances"`
	StepExecutions map[string]*models.WorkflowStepExecution `json:"step_executions"`
	Requests       map[string]*models.ApprovalRequest       `json:"approval_requests"`
	Comments       map[string][]*models.ApprovalComment     `json:"comments"`
}

func newState() *state {
	return &state{
		Templates:      make(map[string]*models.WorkflowTemplate),
		Instances:      make(map[string]*models.WorkflowInstance),
		StepExecutions: make(map[string]*models.WorkflowStepExecution),
		Requests:       make(map[string]*models.ApprovalRequest),
		Comments:       make(map[string][]*models.ApprovalComment),
	}
}

// Persistence implements the persistence.Persistence interface using the file system.
// Transactions are serialized by a store-wide mutex; each runs on a private copy of
// the dataset that replaces the committed one only when the unit of work succeeds.
type Persistence struct {
	root  string
	mu    sync.Mutex
	state *state
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
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

// Transact runs fn against a copy of the dataset and persists it when fn succeeds.
func (fp *Persistence) Transact(ctx context.Context, fn func(ctx context.Context, store persistence.Store) error) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	committed, err := fp.load()
	if err != nil {
		return err
	}

	working, err := cloneValue(committed)
	if err != nil {
		return fmt.Errorf("failed to copy state: %w", err)
	}

	err = fn(ctx, &store{state: working})
	if err != nil {
		return err
	}

	err = fp.write(working)
	if err != nil {
		return err
	}

	fp.state = working

	return nil
}

func (fp *Persistence) path() string {
	return filepath.Join(fp.root, stateFile)
}

func (fp *Persistence) load() (*state, error) {
	if fp.state != nil {
		return fp.state, nil
	}

	data, err := os.ReadFile(fp.path())
	if errors.Is(err, os.ErrNotExist) {
		fp.state = newState()

		return fp.state, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	loaded := newState()

	err = json.Unmarshal(data, loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	fp.state = loaded

	return fp.state, nil
}

func (fp *Persistence) write(st *state) error {
	err := os.MkdirAll(fp.root, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(fp.root, stateFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write state file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close state file: %w", err)
	}

	err = os.Rename(tmp.Name(), fp.path())
	if err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// store binds the repositories to one transaction's working copy.
type store struct {
	state *state
}

func (s *store) Templates() persistence.TemplateRepository {
	return &TemplateRepository{state: s.state}
}

func (s *store) Instances() persistence.InstanceRepository {
	return &InstanceRepository{state: s.state}
}

func (s *store) StepExecutions() persistence.StepExecutionRepository {
	return &StepExecutionRepository{state: s.state}
}

func (s *store) ApprovalRequests() persistence.ApprovalRequestRepository {
	return &ApprovalRequestRepository{state: s.state}
}

func (s *store) Comments() persistence.CommentRepository {
	return &CommentRepository{state: s.state}
}

// cloneValue deep-copies v through its JSON form so callers never share
// pointers with the stored dataset.
func cloneValue[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var copied T

	err = json.Unmarshal(data, &copied)
	if err != nil {
		return nil, err
	}

	return &copied, nil
}
