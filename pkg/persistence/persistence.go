// Package persistence provides data storage abstraction layer for approval workflows.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/approvals/pkg/models"
)

// Persistence runs units of work against a store. Every mutation of templates,
// instances, step executions and requests happens inside Transact; an error
// returned by fn rolls the whole unit back.
type Persistence interface {
	Transact(ctx context.Context, fn func(ctx context.Context, store Store) error) error
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Store groups the repositories bound to one transaction.
type Store interface {
	Templates() TemplateRepository
	Instances() InstanceRepository
	StepExecutions() StepExecutionRepository
	ApprovalRequests() ApprovalRequestRepository
	Comments() CommentRepository
}

// ListTemplatesOptions filters templates. Zero values disable a filter.
type ListTemplatesOptions struct {
	CompanyID   string
	EntityType  string
	TriggerType models.TriggerType
	ActiveOnly  bool
}

// TemplateRepository persists templates together with their steps.
type TemplateRepository interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	List(ctx context.Context, opts ListTemplatesOptions) ([]*models.WorkflowTemplate, error)
	// Save inserts or replaces the template and its complete step list.
	Save(ctx context.Context, template *models.WorkflowTemplate) error
	Delete(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string) error
}

// ListInstancesOptions filters workflow instances.
type ListInstancesOptions struct {
	CompanyID      string
	TemplateID     string
	EntityType     string
	EntityID       string
	Status         models.InstanceStatus
	NeedsAttention bool
	Limit          int
}

// InstanceRepository persists workflow instances. Update succeeds only when
// the instance's Version matches the stored one and bumps it.
type InstanceRepository interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowInstance, error)
	Update(ctx context.Context, instance *models.WorkflowInstance) error
	CountByTemplate(ctx context.Context, templateID string) (int, error)
	List(ctx context.Context, opts ListInstancesOptions) ([]*models.WorkflowInstance, error)
}

// StepExecutionRepository persists step executions.
type StepExecutionRepository interface {
	// Create fails with ErrLiveExecutionExists when the instance already has a live execution.
	Create(ctx context.Context, execution *models.WorkflowStepExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowStepExecution, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowStepExecution, error)
	Update(ctx context.Context, execution *models.WorkflowStepExecution) error
	ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowStepExecution, error)
	// ListDue returns live executions whose DueAt is at or before cutoff, oldest first.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkflowStepExecution, error)
}

// ListRequestsOptions filters approval requests.
type ListRequestsOptions struct {
	CompanyID    string
	Status       models.RequestStatus
	AssignedTo   string
	AssignedRole string
	EntityType   string
	EntityID     string
	InstanceID   string
	Limit        int
}

// ApprovalRequestRepository persists approval requests.
type ApprovalRequestRepository interface {
	Create(ctx context.Context, request *models.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetByStepExecution(ctx context.Context, stepExecutionID string) (*models.ApprovalRequest, error)
	Update(ctx context.Context, request *models.ApprovalRequest) error
	List(ctx context.Context, opts ListRequestsOptions) ([]*models.ApprovalRequest, error)
	// ListExpired returns undecided standalone requests whose ExpiresAt is at
	// or before cutoff, oldest first.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.ApprovalRequest, error)
}

// CommentRepository appends and reads request comments.
type CommentRepository interface {
	Create(ctx context.Context, comment *models.ApprovalComment) error
	ListByRequest(ctx context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error)
}
