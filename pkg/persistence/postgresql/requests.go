package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

const requestColumns = `
	id
  , company_id
  , instance_id
  , step_execution_id
  , entity_type
  , entity_id
  , request_type
  , title
  , description
  , data
  , status
  , priority
  , requested_by
  , assigned_to
  , assigned_role
  , expires_at
  , decided_by
  , decided_at
  , reason
  , reopened_from
  , reopened_to
  , created_at
  , updated_at
  , version`

// ApprovalRequestRepository handles approval request database operations.
type ApprovalRequestRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *ApprovalRequestRepository) Create(ctx context.Context, request *models.ApprovalRequest) error {
	dataJSON, err := marshalMetadata(request.Data)
	if err != nil {
		return err
	}

	var instanceID, stepExecutionID *string
	if request.Link != nil {
		instanceID = &request.Link.InstanceID
		stepExecutionID = &request.Link.StepExecutionID
	}

	request.Version = 1

	query := `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	_, err = r.q.ExecContext(ctx, query,
		request.ID,
		request.CompanyID,
		instanceID,
		stepExecutionID,
		request.EntityType,
		request.EntityID,
		request.RequestType,
		request.Title,
		request.Description,
		dataJSON,
		request.Status,
		request.Priority,
		request.RequestedBy,
		nullIfEmpty(request.Assignment.User),
		nullIfEmpty(request.Assignment.Role),
		request.ExpiresAt,
		request.DecidedBy,
		request.DecidedAt,
		request.Reason,
		request.ReopenedFrom,
		request.ReopenedTo,
		request.CreatedAt,
		request.UpdatedAt,
		request.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewEntityError("Create", "request", request.ID, persistence.ErrVersionConflict)
		}

		return fmt.Errorf("failed to insert approval request: %w", err)
	}

	return nil
}

func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return r.get(ctx, "GetByID", "SELECT "+requestColumns+" FROM approval_requests WHERE id = $1", id)
}

func (r *ApprovalRequestRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return r.get(ctx, "GetByIDForUpdate", "SELECT "+requestColumns+" FROM approval_requests WHERE id = $1 FOR UPDATE", id)
}

func (r *ApprovalRequestRepository) GetByStepExecution(ctx context.Context, stepExecutionID string) (*models.ApprovalRequest, error) {
	return r.get(ctx, "GetByStepExecution",
		"SELECT "+requestColumns+" FROM approval_requests WHERE step_execution_id = $1", stepExecutionID)
}

func (r *ApprovalRequestRepository) get(ctx context.Context, op, query, id string) (*models.ApprovalRequest, error) {
	request, err := scanRequest(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError(op, "request", id, persistence.ErrRequestNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}

	return request, nil
}

func (r *ApprovalRequestRepository) Update(ctx context.Context, request *models.ApprovalRequest) error {
	dataJSON, err := marshalMetadata(request.Data)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_requests SET
			status = $3,
			assigned_to = $4,
			assigned_role = $5,
			data = $6,
			expires_at = $7,
			decided_by = $8,
			decided_at = $9,
			reason = $10,
			reopened_to = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.q.ExecContext(ctx, query,
		request.ID,
		request.Version,
		request.Status,
		nullIfEmpty(request.Assignment.User),
		nullIfEmpty(request.Assignment.Role),
		dataJSON,
		request.ExpiresAt,
		request.DecidedBy,
		request.DecidedAt,
		request.Reason,
		request.ReopenedTo,
		request.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}

	err = checkUpdated(ctx, r.q, "approval_requests", "Update", "request", request.ID, result, persistence.ErrRequestNotFound)
	if err != nil {
		return err
	}

	request.Version++

	return nil
}

func (r *ApprovalRequestRepository) List(ctx context.Context, opts persistence.ListRequestsOptions) ([]*models.ApprovalRequest, error) {
	conditions := make([]string, 0, 7)
	args := make([]any, 0, 8)

	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if opts.CompanyID != "" {
		add("company_id", opts.CompanyID)
	}

	if opts.Status != "" {
		add("status", opts.Status)
	}

	if opts.AssignedTo != "" {
		add("assigned_to", opts.AssignedTo)
	}

	if opts.AssignedRole != "" {
		add("assigned_role", opts.AssignedRole)
	}

	if opts.EntityType != "" {
		add("entity_type", opts.EntityType)
	}

	if opts.EntityID != "" {
		add("entity_id", opts.EntityID)
	}

	if opts.InstanceID != "" {
		add("instance_id", opts.InstanceID)
	}

	query := "SELECT " + requestColumns + " FROM approval_requests"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT NULLIF($%d::int, 0)", len(args))

	return r.list(ctx, query, args...)
}

func (r *ApprovalRequestRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.ApprovalRequest, error) {
	query := "SELECT " + requestColumns + `
		FROM approval_requests
		WHERE instance_id IS NULL
		  AND status IN ('pending', 'in_review', 'escalated', 'more_info_required')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT NULLIF($2::int, 0)`

	return r.list(ctx, query, cutoff, limit)
}

func (r *ApprovalRequestRepository) list(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	requests := make([]*models.ApprovalRequest, 0)

	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		requests = append(requests, request)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}

	return requests, nil
}

func scanRequest(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		request         models.ApprovalRequest
		instanceID      sql.NullString
		stepExecutionID sql.NullString
		assignedTo      sql.NullString
		assignedRole    sql.NullString
		dataJSON        []byte
	)

	err := row.Scan(
		&request.ID,
		&request.CompanyID,
		&instanceID,
		&stepExecutionID,
		&request.EntityType,
		&request.EntityID,
		&request.RequestType,
		&request.Title,
		&request.Description,
		&dataJSON,
		&request.Status,
		&request.Priority,
		&request.RequestedBy,
		&assignedTo,
		&assignedRole,
		&request.ExpiresAt,
		&request.DecidedBy,
		&request.DecidedAt,
		&request.Reason,
		&request.ReopenedFrom,
		&request.ReopenedTo,
		&request.CreatedAt,
		&request.UpdatedAt,
		&request.Version,
	)
	if err != nil {
		return nil, err
	}

	if instanceID.Valid {
		request.Link = &models.WorkflowLink{InstanceID: instanceID.String, StepExecutionID: stepExecutionID.String}
	}

	request.Assignment = models.Assignment{User: assignedTo.String, Role: assignedRole.String}

	err = json.Unmarshal(dataJSON, &request.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal request data: %w", err)
	}

	if len(request.Data) == 0 {
		request.Data = nil
	}

	request.CreatedAt = request.CreatedAt.UTC()
	request.UpdatedAt = request.UpdatedAt.UTC()
	request.ExpiresAt = utcPtr(request.ExpiresAt)
	request.DecidedAt = utcPtr(request.DecidedAt)

	return &request, nil
}

// CommentRepository handles approval comment database operations.
type CommentRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *CommentRepository) Create(ctx context.Context, comment *models.ApprovalComment) error {
	query := `
		INSERT INTO approval_comments (id, request_id, author_id, text, internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.q.ExecContext(ctx, query,
		comment.ID,
		comment.RequestID,
		comment.AuthorID,
		comment.Text,
		comment.Internal,
		comment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval comment: %w", err)
	}

	return nil
}

func (r *CommentRepository) ListByRequest(ctx context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	query := `
		SELECT id, request_id, author_id, text, internal, created_at
		FROM approval_comments
		WHERE request_id = $1 AND (internal = false OR $2::boolean)
		ORDER BY created_at, id
	`

	rows, err := r.q.QueryContext(ctx, query, requestID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval comments: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	comments := make([]*models.ApprovalComment, 0)

	for rows.Next() {
		var comment models.ApprovalComment

		err := rows.Scan(&comment.ID, &comment.RequestID, &comment.AuthorID, &comment.Text, &comment.Internal, &comment.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval comment: %w", err)
		}

		comment.CreatedAt = comment.CreatedAt.UTC()
		comments = append(comments, &comment)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approval comments: %w", err)
	}

	return comments, nil
}
