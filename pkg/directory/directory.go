// Package directory looks up users, roles and reporting lines of a company.
package directory

import (
	"context"
	"errors"
	"slices"
)

// ErrUserNotFound is returned when a user id is unknown to the directory.
var ErrUserNotFound = errors.New("user not found")

// User is a member of a company as seen by the approval engine.
type User struct {
	ID               string   `json:"id"`
	CompanyID        string   `json:"company_id"`
	Active           bool     `json:"active"`
	ManagerID        string   `json:"manager_id,omitempty"`
	DepartmentHeadID string   `json:"department_head_id,omitempty"`
	Roles            []string `json:"roles,omitempty"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Directory is the read side of the organisation chart.
type Directory interface {
	// User returns the user with the given id or ErrUserNotFound.
	User(ctx context.Context, id string) (*User, error)
	// ActiveMembers returns the ids of active users holding role in company, sorted.
	ActiveMembers(ctx context.Context, companyID, role string) ([]string, error)
}
