package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

// TemplateRepository handles template operations on the working dataset.
type TemplateRepository struct {
	state *state
}

func (r *TemplateRepository) GetByID(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	template, ok := r.state.Templates[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "template", id, persistence.ErrTemplateNotFound)
	}

	return cloneValue(template)
}

func (r *TemplateRepository) List(_ context.Context, opts persistence.ListTemplatesOptions) ([]*models.WorkflowTemplate, error) {
	templates := make([]*models.WorkflowTemplate, 0)

	for _, template := range r.state.Templates {
		if opts.CompanyID != "" && template.CompanyID != opts.CompanyID {
			continue
		}

		if opts.EntityType != "" && !template.AppliesTo(opts.EntityType) {
			continue
		}

		if opts.TriggerType != "" && template.TriggerType != opts.TriggerType {
			continue
		}

		if opts.ActiveOnly && !template.IsActive {
			continue
		}

		copied, err := cloneValue(template)
		if err != nil {
			return nil, fmt.Errorf("failed to copy template %s: %w", template.ID, err)
		}

		templates = append(templates, copied)
	}

	sort.Slice(templates, func(i, j int) bool {
		if templates[i].Priority != templates[j].Priority {
			return templates[i].Priority > templates[j].Priority
		}

		return templates[i].ID < templates[j].ID
	})

	return templates, nil
}

func (r *TemplateRepository) Save(_ context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	for _, step := range template.Steps {
		step.TemplateID = template.ID
	}

	copied, err := cloneValue(template)
	if err != nil {
		return fmt.Errorf("failed to copy template %s: %w", template.ID, err)
	}

	r.state.Templates[template.ID] = copied

	return nil
}

func (r *TemplateRepository) Delete(_ context.Context, id string) error {
	if _, ok := r.state.Templates[id]; !ok {
		return persistence.NewEntityError("Delete", "template", id, persistence.ErrTemplateNotFound)
	}

	delete(r.state.Templates, id)

	return nil
}

func (r *TemplateRepository) IncrementUsage(_ context.Context, id string) error {
	template, ok := r.state.Templates[id]
	if !ok {
		return persistence.NewEntityError("IncrementUsage", "template", id, persistence.ErrTemplateNotFound)
	}

	template.UsageCount++

	return nil
}

// InstanceRepository handles workflow instance operations on the working dataset.
type InstanceRepository struct {
	state *state
}

func (r *InstanceRepository) Create(_ context.Context, instance *models.WorkflowInstance) error {
	instance.Version = 1

	copied, err := cloneValue(instance)
	if err != nil {
		return fmt.Errorf("failed to copy instance %s: %w", instance.ID, err)
	}

	r.state.Instances[instance.ID] = copied

	return nil
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	instance, ok := r.state.Instances[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
	}

	return cloneValue(instance)
}

// GetByIDForUpdate is GetByID; the store-wide mutex already serializes transactions.
func (r *InstanceRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return r.GetByID(ctx, id)
}

func (r *InstanceRepository) Update(_ context.Context, instance *models.WorkflowInstance) error {
	stored, ok := r.state.Instances[instance.ID]
	if !ok {
		return persistence.NewEntityError("Update", "instance", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Version != instance.Version {
		return persistence.NewEntityError("Update", "instance", instance.ID, persistence.ErrVersionConflict)
	}

	instance.Version++

	copied, err := cloneValue(instance)
	if err != nil {
		return fmt.Errorf("failed to copy instance %s: %w", instance.ID, err)
	}

	r.state.Instances[instance.ID] = copied

	return nil
}

func (r *InstanceRepository) CountByTemplate(_ context.Context, templateID string) (int, error) {
	count := 0

	for _, instance := range r.state.Instances {
		if instance.TemplateID == templateID {
			count++
		}
	}

	return count, nil
}

func (r *InstanceRepository) List(_ context.Context, opts persistence.ListInstancesOptions) ([]*models.WorkflowInstance, error) {
	instances := make([]*models.WorkflowInstance, 0)

	for _, instance := range r.state.Instances {
		if opts.CompanyID != "" && instance.CompanyID != opts.CompanyID {
			continue
		}

		if opts.TemplateID != "" && instance.TemplateID != opts.TemplateID {
			continue
		}

		if opts.EntityType != "" && instance.EntityType != opts.EntityType {
			continue
		}

		if opts.EntityID != "" && instance.EntityID != opts.EntityID {
			continue
		}

		if opts.Status != "" && instance.Status != opts.Status {
			continue
		}

		if opts.NeedsAttention && !instance.NeedsAttention {
			continue
		}

		copied, err := cloneValue(instance)
		if err != nil {
			return nil, fmt.Errorf("failed to copy instance %s: %w", instance.ID, err)
		}

		instances = append(instances, copied)
	}

	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].StartedAt.Equal(instances[j].StartedAt) {
			return instances[i].StartedAt.After(instances[j].StartedAt)
		}

		return instances[i].ID > instances[j].ID
	})

	return limit(instances, opts.Limit), nil
}

// StepExecutionRepository handles step execution operations on the working dataset.
type StepExecutionRepository struct {
	state *state
}

func (r *StepExecutionRepository) Create(_ context.Context, execution *models.WorkflowStepExecution) error {
	if execution.Status.IsLive() {
		for _, existing := range r.state.StepExecutions {
			if existing.InstanceID == execution.InstanceID && existing.Status.IsLive() {
				return persistence.NewEntityError("Create", "step_execution", execution.ID, persistence.ErrLiveExecutionExists)
			}
		}
	}

	execution.Version = 1

	copied, err := cloneValue(execution)
	if err != nil {
		return fmt.Errorf("failed to copy step execution %s: %w", execution.ID, err)
	}

	r.state.StepExecutions[execution.ID] = copied

	return nil
}

func (r *StepExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowStepExecution, error) {
	execution, ok := r.state.StepExecutions[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "step_execution", id, persistence.ErrStepExecutionNotFound)
	}

	return cloneValue(execution)
}

func (r *StepExecutionRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowStepExecution, error) {
	return r.GetByID(ctx, id)
}

func (r *StepExecutionRepository) Update(_ context.Context, execution *models.WorkflowStepExecution) error {
	stored, ok := r.state.StepExecutions[execution.ID]
	if !ok {
		return persistence.NewEntityError("Update", "step_execution", execution.ID, persistence.ErrStepExecutionNotFound)
	}

	if stored.Version != execution.Version {
		return persistence.NewEntityError("Update", "step_execution", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version++

	copied, err := cloneValue(execution)
	if err != nil {
		return fmt.Errorf("failed to copy step execution %s: %w", execution.ID, err)
	}

	r.state.StepExecutions[execution.ID] = copied

	return nil
}

func (r *StepExecutionRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.WorkflowStepExecution, error) {
	executions := make([]*models.WorkflowStepExecution, 0)

	for _, execution := range r.state.StepExecutions {
		if execution.InstanceID != instanceID {
			continue
		}

		copied, err := cloneValue(execution)
		if err != nil {
			return nil, fmt.Errorf("failed to copy step execution %s: %w", execution.ID, err)
		}

		executions = append(executions, copied)
	}

	sortExecutions(executions)

	return executions, nil
}

func (r *StepExecutionRepository) ListDue(_ context.Context, cutoff time.Time, n int) ([]*models.WorkflowStepExecution, error) {
	executions := make([]*models.WorkflowStepExecution, 0)

	for _, execution := range r.state.StepExecutions {
		if !execution.Status.IsLive() || execution.DueAt == nil || execution.DueAt.After(cutoff) {
			continue
		}

		copied, err := cloneValue(execution)
		if err != nil {
			return nil, fmt.Errorf("failed to copy step execution %s: %w", execution.ID, err)
		}

		executions = append(executions, copied)
	}

	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].DueAt.Equal(*executions[j].DueAt) {
			return executions[i].DueAt.Before(*executions[j].DueAt)
		}

		return executions[i].ID < executions[j].ID
	})

	return limit(executions, n), nil
}

func sortExecutions(executions []*models.WorkflowStepExecution) {
	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].StartedAt.Equal(executions[j].StartedAt) {
			return executions[i].StartedAt.Before(executions[j].StartedAt)
		}

		return executions[i].ID < executions[j].ID
	})
}

// ApprovalRequestRepository handles approval request operations on the working dataset.
type ApprovalRequestRepository struct {
	state *state
}

func (r *ApprovalRequestRepository) Create(_ context.Context, request *models.ApprovalRequest) error {
	if request.Link != nil {
		for _, existing := range r.state.Requests {
			if existing.Link != nil && existing.Link.StepExecutionID == request.Link.StepExecutionID {
				return persistence.NewEntityError("Create", "request", request.ID, persistence.ErrVersionConflict)
			}
		}
	}

	request.Version = 1

	copied, err := cloneValue(request)
	if err != nil {
		return fmt.Errorf("failed to copy request %s: %w", request.ID, err)
	}

	r.state.Requests[request.ID] = copied

	return nil
}

func (r *ApprovalRequestRepository) GetByID(_ context.Context, id string) (*models.ApprovalRequest, error) {
	request, ok := r.state.Requests[id]
	if !ok {
		return nil, persistence.NewEntityError("GetByID", "request", id, persistence.ErrRequestNotFound)
	}

	return cloneValue(request)
}

func (r *ApprovalRequestRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *ApprovalRequestRepository) GetByStepExecution(_ context.Context, stepExecutionID string) (*models.ApprovalRequest, error) {
	for _, request := range r.state.Requests {
		if request.Link != nil && request.Link.StepExecutionID == stepExecutionID {
			return cloneValue(request)
		}
	}

	return nil, persistence.NewEntityError("GetByStepExecution", "request", stepExecutionID, persistence.ErrRequestNotFound)
}

func (r *ApprovalRequestRepository) Update(_ context.Context, request *models.ApprovalRequest) error {
	stored, ok := r.state.Requests[request.ID]
	if !ok {
		return persistence.NewEntityError("Update", "request", request.ID, persistence.ErrRequestNotFound)
	}

	if stored.Version != request.Version {
		return persistence.NewEntityError("Update", "request", request.ID, persistence.ErrVersionConflict)
	}

	request.Version++

	copied, err := cloneValue(request)
	if err != nil {
		return fmt.Errorf("failed to copy request %s: %w", request.ID, err)
	}

	r.state.Requests[request.ID] = copied

	return nil
}

func (r *ApprovalRequestRepository) List(_ context.Context, opts persistence.ListRequestsOptions) ([]*models.ApprovalRequest, error) {
	requests := make([]*models.ApprovalRequest, 0)

	for _, request := range r.state.Requests {
		if !matchesRequest(request, opts) {
			continue
		}

		copied, err := cloneValue(request)
		if err != nil {
			return nil, fmt.Errorf("failed to copy request %s: %w", request.ID, err)
		}

		requests = append(requests, copied)
	}

	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		}

		return requests[i].ID > requests[j].ID
	})

	return limit(requests, opts.Limit), nil
}

func (r *ApprovalRequestRepository) ListExpired(_ context.Context, cutoff time.Time, n int) ([]*models.ApprovalRequest, error) {
	requests := make([]*models.ApprovalRequest, 0)

	for _, request := range r.state.Requests {
		if !request.Standalone() || !request.ExpiredAt(cutoff) {
			continue
		}

		copied, err := cloneValue(request)
		if err != nil {
			return nil, fmt.Errorf("failed to copy request %s: %w", request.ID, err)
		}

		requests = append(requests, copied)
	}

	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].ExpiresAt.Equal(*requests[j].ExpiresAt) {
			return requests[i].ExpiresAt.Before(*requests[j].ExpiresAt)
		}

		return requests[i].ID < requests[j].ID
	})

	return limit(requests, n), nil
}

func matchesRequest(request *models.ApprovalRequest, opts persistence.ListRequestsOptions) bool {
	switch {
	case opts.CompanyID != "" && request.CompanyID != opts.CompanyID,
		opts.Status != "" && request.Status != opts.Status,
		opts.AssignedTo != "" && request.Assignment.User != opts.AssignedTo,
		opts.AssignedRole != "" && request.Assignment.Role != opts.AssignedRole,
		opts.EntityType != "" && request.EntityType != opts.EntityType,
		opts.EntityID != "" && request.EntityID != opts.EntityID:
		return false
	case opts.InstanceID != "":
		return request.Link != nil && request.Link.InstanceID == opts.InstanceID
	default:
		return true
	}
}

// CommentRepository appends comments to the working dataset.
type CommentRepository struct {
	state *state
}

func (r *CommentRepository) Create(_ context.Context, comment *models.ApprovalComment) error {
	if _, ok := r.state.Requests[comment.RequestID]; !ok {
		return persistence.NewEntityError("Create", "comment", comment.ID, persistence.ErrRequestNotFound)
	}

	copied, err := cloneValue(comment)
	if err != nil {
		return fmt.Errorf("failed to copy comment %s: %w", comment.ID, err)
	}

	r.state.Comments[comment.RequestID] = append(r.state.Comments[comment.RequestID], copied)

	return nil
}

func (r *CommentRepository) ListByRequest(_ context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	comments := make([]*models.ApprovalComment, 0)

	for _, comment := range r.state.Comments[requestID] {
		if comment.Internal && !includeInternal {
			continue
		}

		copied, err := cloneValue(comment)
		if err != nil {
			return nil, fmt.Errorf("failed to copy comment %s: %w", comment.ID, err)
		}

		comments = append(comments, copied)
	}

	return comments, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}

	return items
}
