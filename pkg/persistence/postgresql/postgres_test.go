//go:build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{
		"approval_comments", "approval_requests", "workflow_step_executions",
		"workflow_instances", "workflow_steps", "workflow_templates", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("approvals_test"),
			postgres.WithUsername("approvals"),
			postgres.WithPassword("approvals"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func newTemplate() *models.WorkflowTemplate {
	id := uuid.NewString()

	return &models.WorkflowTemplate{
		ID:          id,
		CompanyID:   "acme",
		Name:        "PO threshold approval",
		EntityType:  "purchase_order",
		TriggerType: models.TriggerTypeThreshold,
		TriggerConditions: models.TriggerConditions{
			Threshold: &models.ThresholdCondition{Field: "amount", Operator: models.OperatorGreaterThanEqual, Value: 5000, Currency: "EUR"},
		},
		Priority: 10,
		IsActive: true,
		Steps: []*models.WorkflowStep{
			{ID: uuid.NewString(), StepNumber: 1, Name: "Manager", StepType: models.StepTypeApproval, Assignee: models.AssignRole("manager"), IsRequired: true, TimeoutDays: 2},
			{
				ID: uuid.NewString(), StepNumber: 2, Name: "Accounting", StepType: models.StepTypeApproval,
				Assignee: models.AssignRole("accountant"), EscalateTo: &models.Assignee{Kind: models.AssigneeDepartmentHead}, IsRequired: true,
			},
		},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflow_templates", "workflow_steps", "workflow_instances", "workflow_step_executions", "approval_requests", "approval_comments"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestTemplateRepository_SaveReplacesSteps(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	template := newTemplate()

	err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		return store.Templates().Save(ctx, template)
	})
	require.NoError(t, err)

	template.Steps = template.Steps[:1]
	template.Name = "Renamed"

	err = p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		return store.Templates().Save(ctx, template)
	})
	require.NoError(t, err)

	err = p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		loaded, err := store.Templates().GetByID(ctx, template.ID)
		require.NoError(t, err)

		assert.Equal(t, "Renamed", loaded.Name)
		require.Len(t, loaded.Steps, 1)
		assert.Equal(t, models.AssignRole("manager"), loaded.Steps[0].Assignee)
		require.NotNil(t, loaded.TriggerConditions.Threshold)
		assert.Equal(t, "EUR", loaded.TriggerConditions.Threshold.Currency)

		active, err := store.Templates().List(ctx, persistence.ListTemplatesOptions{
			CompanyID: "acme", EntityType: "purchase_order", TriggerType: models.TriggerTypeThreshold, ActiveOnly: true,
		})
		require.NoError(t, err)
		assert.Len(t, active, 1)

		require.NoError(t, store.Templates().IncrementUsage(ctx, template.ID))

		return nil
	})
	require.NoError(t, err)
}

func TestTemplateRepository_RollbackOnError(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	template := newTemplate()
	template.Steps[1].StepNumber = 1

	err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		return store.Templates().Save(ctx, template)
	})
	require.Error(t, err)

	err = p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		_, err := store.Templates().GetByID(ctx, template.ID)

		return err
	})
	assert.True(t, persistence.IsNotFound(err))
}

func TestInstanceLifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	template := newTemplate()
	now := time.Now().UTC().Truncate(time.Microsecond)
	due := now.Add(-time.Minute)
	role := "manager"

	instance := &models.WorkflowInstance{
		ID:                uuid.NewString(),
		CompanyID:         "acme",
		TemplateID:        template.ID,
		TemplateSnapshot:  template,
		EntityType:        "purchase_order",
		EntityID:          "po-1",
		Status:            models.InstanceStatusInProgress,
		CurrentStepNumber: 1,
		TriggeredBy:       "u-1",
		Data:              map[string]any{"amount": 8500.0, "currency": "EUR"},
		StartedAt:         now,
		UpdatedAt:         now,
	}
	execution := &models.WorkflowStepExecution{
		ID:           uuid.NewString(),
		InstanceID:   instance.ID,
		StepID:       template.Steps[0].ID,
		StepNumber:   1,
		Status:       models.StepStatusPending,
		AssignedRole: &role,
		StartedAt:    now,
		DueAt:        &due,
	}
	request := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		CompanyID:   "acme",
		Link:        &models.WorkflowLink{InstanceID: instance.ID, StepExecutionID: execution.ID},
		EntityType:  "purchase_order",
		EntityID:    "po-1",
		RequestType: models.RequestTypeWorkflowStep,
		Title:       "Manager",
		Status:      models.RequestStatusPending,
		Priority:    models.PriorityMedium,
		RequestedBy: "u-1",
		Assignment:  models.AssignToRole(role),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		require.NoError(t, store.Templates().Save(ctx, template))
		require.NoError(t, store.Instances().Create(ctx, instance))
		require.NoError(t, store.StepExecutions().Create(ctx, execution))
		require.NoError(t, store.ApprovalRequests().Create(ctx, request))

		return store.Comments().Create(ctx, &models.ApprovalComment{
			ID: uuid.NewString(), RequestID: request.ID, AuthorID: "u-1", Text: "please hurry", Internal: true, CreatedAt: now,
		})
	})
	require.NoError(t, err)

	t.Run("second live execution is rejected", func(t *testing.T) {
		err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
			return store.StepExecutions().Create(ctx, &models.WorkflowStepExecution{
				ID: uuid.NewString(), InstanceID: instance.ID, StepID: template.Steps[1].ID,
				StepNumber: 2, Status: models.StepStatusPending, StartedAt: now,
			})
		})
		require.ErrorIs(t, err, persistence.ErrLiveExecutionExists)
	})

	t.Run("due executions are listed", func(t *testing.T) {
		err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
			due, err := store.StepExecutions().ListDue(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, execution.ID, due[0].ID)
			assert.Equal(t, role, *due[0].AssignedRole)
			assert.Nil(t, due[0].AssignedTo)

			return nil
		})
		require.NoError(t, err)
	})

	t.Run("versioned updates", func(t *testing.T) {
		err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
			locked, err := store.StepExecutions().GetByIDForUpdate(ctx, execution.ID)
			require.NoError(t, err)

			decision := models.DecisionApproved
			locked.Status = models.StepStatusCompleted
			locked.Decision = &decision
			locked.SetMetadata("note", "ok")
			require.NoError(t, store.StepExecutions().Update(ctx, locked))
			assert.Equal(t, 2, locked.Version)

			locked.Version = 1

			return store.StepExecutions().Update(ctx, locked)
		})
		require.ErrorIs(t, err, persistence.ErrVersionConflict)
	})

	t.Run("request queries", func(t *testing.T) {
		err := p.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
			loaded, err := store.ApprovalRequests().GetByStepExecution(ctx, execution.ID)
			require.NoError(t, err)
			assert.Equal(t, request.ID, loaded.ID)
			require.NotNil(t, loaded.Link)
			assert.Equal(t, instance.ID, loaded.Link.InstanceID)

			queue, err := store.ApprovalRequests().List(ctx, persistence.ListRequestsOptions{AssignedRole: role})
			require.NoError(t, err)
			assert.Len(t, queue, 1)

			public, err := store.Comments().ListByRequest(ctx, request.ID, false)
			require.NoError(t, err)
			assert.Empty(t, public)

			all, err := store.Comments().ListByRequest(ctx, request.ID, true)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			count, err := store.Instances().CountByTemplate(ctx, template.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			loadedInstance, err := store.Instances().GetByID(ctx, instance.ID)
			require.NoError(t, err)
			assert.Equal(t, "Manager", loadedInstance.TemplateSnapshot.Steps[0].Name)
			assert.InDelta(t, 8500.0, loadedInstance.Data["amount"], 0.001)

			return nil
		})
		require.NoError(t, err)
	})
}
