package models

import "fmt"

// AssigneeKind selects how a step's assignee is resolved at execution time.
type AssigneeKind string

const (
	AssigneeUser           AssigneeKind = "user"
	AssigneeRole           AssigneeKind = "role"
	AssigneeCreator        AssigneeKind = "creator"
	AssigneeManager        AssigneeKind = "manager"
	AssigneeDepartmentHead AssigneeKind = "department_head"
)

// Assignee is the abstract assignee of a step: User(id), Role(id), Creator,
// Manager or DepartmentHead. ID is only meaningful for User and Role.
type Assignee struct {
	Kind AssigneeKind `json:"type"`
	ID   string       `json:"id,omitempty"`
}

func AssignUser(userID string) Assignee {
	return Assignee{Kind: AssigneeUser, ID: userID}
}

func AssignRole(roleID string) Assignee {
	return Assignee{Kind: AssigneeRole, ID: roleID}
}

func AssignCreator() Assignee {
	return Assignee{Kind: AssigneeCreator}
}

func AssignManager() Assignee {
	return Assignee{Kind: AssigneeManager}
}

func AssignDepartmentHead() Assignee {
	return Assignee{Kind: AssigneeDepartmentHead}
}

// Validate reports the violations of the assignee under the given field path.
func (a Assignee) Validate(field string) []FieldError {
	switch a.Kind {
	case AssigneeUser, AssigneeRole:
		if a.ID == "" {
			return []FieldError{{
				Field:   field + ".id",
				Message: fmt.Sprintf("id is required for assignee type %q", a.Kind),
			}}
		}
	case AssigneeCreator, AssigneeManager, AssigneeDepartmentHead:
	case "":
		return []FieldError{{Field: field + ".type", Message: "assignee type is required"}}
	default:
		return []FieldError{{Field: field + ".type", Message: fmt.Sprintf("unknown assignee type %q", a.Kind)}}
	}

	return nil
}

func (a Assignee) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}

	return string(a.Kind) + ":" + a.ID
}
