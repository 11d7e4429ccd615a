// Package assignment turns an abstract step assignee into a concrete user or role queue.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/approvals/pkg/directory"
	"github.com/dukex/approvals/pkg/models"
)

// DefaultAdminRole receives every assignment that cannot be resolved otherwise.
const DefaultAdminRole = "admin"

// ErrUnresolved means nobody, not even the administrator role, can take the step.
var ErrUnresolved = errors.New("no resolvable assignee")

// Subject is the context an assignee is resolved in.
type Subject struct {
	CompanyID string
	// Creator is the user who triggered the originating event.
	Creator string
	// Current is the assignment being escalated away from, if any.
	Current models.Assignment
}

// anchor is the user whose reporting line is followed for manager and
// department head lookups.
func (s Subject) anchor() string {
	if s.Current.User != "" {
		return s.Current.User
	}

	return s.Creator
}

// Result is a resolved assignment. FellBack is set when the administrator
// role was used because the requested assignee could not be found.
type Result struct {
	Assignment models.Assignment
	FellBack   bool
}

// Resolver resolves assignees against a directory.
type Resolver struct {
	directory directory.Directory
	adminRole string
	logger    *slog.Logger
}

// NewResolver creates a resolver. An empty adminRole means DefaultAdminRole.
func NewResolver(dir directory.Directory, adminRole string, logger *slog.Logger) *Resolver {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}

	return &Resolver{
		directory: dir,
		adminRole: adminRole,
		logger:    logger.With("module", "assignment_resolver"),
	}
}

// AdminRole returns the fallback role.
func (r *Resolver) AdminRole() string {
	return r.adminRole
}

// Resolve maps assignee to a user or a role queue. A role is kept as a
// queue: any active member may decide. Manager and department head follow
// the reporting line of the subject.
func (r *Resolver) Resolve(ctx context.Context, assignee models.Assignee, subject Subject) (Result, error) {
	switch assignee.Kind {
	case models.AssigneeUser:
		return Result{Assignment: models.AssignToUser(assignee.ID)}, nil
	case models.AssigneeRole:
		return r.resolveRole(ctx, assignee.ID, subject)
	case models.AssigneeCreator:
		if subject.Creator == "" {
			return r.fallback(ctx, subject, "no creator on event")
		}

		return Result{Assignment: models.AssignToUser(subject.Creator)}, nil
	case models.AssigneeManager:
		return r.resolveHierarchy(ctx, subject, func(u *directory.User) string { return u.ManagerID }, "manager")
	case models.AssigneeDepartmentHead:
		return r.resolveHierarchy(ctx, subject, func(u *directory.User) string { return u.DepartmentHeadID }, "department head")
	default:
		return Result{}, fmt.Errorf("unknown assignee type %q", assignee.Kind)
	}
}

// ResolveEscalation picks the target of an escalated step: the step's own
// escalation assignee when defined, else the department head and then the
// manager of the current assignee, else the administrator role.
func (r *Resolver) ResolveEscalation(ctx context.Context, step *models.WorkflowStep, subject Subject) (Result, error) {
	if step.EscalateTo != nil {
		return r.Resolve(ctx, *step.EscalateTo, subject)
	}

	user, err := r.lookup(ctx, subject.anchor())
	if err != nil {
		return Result{}, err
	}

	if user != nil {
		for _, candidate := range []string{user.DepartmentHeadID, user.ManagerID} {
			if candidate != "" && candidate != subject.Current.User {
				return Result{Assignment: models.AssignToUser(candidate)}, nil
			}
		}
	}

	return r.fallback(ctx, subject, "no escalation target on file")
}

// CanAct reports whether actorID may decide on a request with the given assignment.
func (r *Resolver) CanAct(ctx context.Context, assignment models.Assignment, companyID, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}

	if !assignment.IsRole() {
		return assignment.User == actorID, nil
	}

	user, err := r.lookup(ctx, actorID)
	if err != nil {
		return false, err
	}

	if user == nil || !user.Active || user.CompanyID != companyID {
		return false, nil
	}

	return user.HasRole(assignment.Role), nil
}

func (r *Resolver) resolveRole(ctx context.Context, role string, subject Subject) (Result, error) {
	members, err := r.directory.ActiveMembers(ctx, subject.CompanyID, role)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve role %s: %w", role, err)
	}

	if len(members) == 0 {
		return r.fallback(ctx, subject, "role "+role+" has no active member")
	}

	return Result{Assignment: models.AssignToRole(role)}, nil
}

func (r *Resolver) resolveHierarchy(ctx context.Context, subject Subject, pick func(*directory.User) string, label string) (Result, error) {
	user, err := r.lookup(ctx, subject.anchor())
	if err != nil {
		return Result{}, err
	}

	if user != nil {
		if id := pick(user); id != "" {
			return Result{Assignment: models.AssignToUser(id)}, nil
		}
	}

	return r.fallback(ctx, subject, "no "+label+" on file")
}

func (r *Resolver) lookup(ctx context.Context, userID string) (*directory.User, error) {
	if userID == "" {
		return nil, nil
	}

	user, err := r.directory.User(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}

	return user, nil
}

func (r *Resolver) fallback(ctx context.Context, subject Subject, reason string) (Result, error) {
	members, err := r.directory.ActiveMembers(ctx, subject.CompanyID, r.adminRole)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve role %s: %w", r.adminRole, err)
	}

	if len(members) == 0 {
		r.logger.WarnContext(ctx, "Assignment unresolved", "company_id", subject.CompanyID, "reason", reason)

		return Result{}, fmt.Errorf("%w: %s", ErrUnresolved, reason)
	}

	r.logger.InfoContext(ctx, "Assignment falls back to administrator role",
		"company_id", subject.CompanyID, "role", r.adminRole, "reason", reason)

	return Result{Assignment: models.AssignToRole(r.adminRole), FellBack: true}, nil
}
