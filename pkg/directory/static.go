package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Static is an in-memory directory, typically loaded from a JSON file.
type Static struct {
	mu    sync.RWMutex
	users map[string]*User
}

type staticFile struct {
	Users []*User `json:"users"`
}

// NewStatic creates a directory holding the given users.
func NewStatic(users ...*User) *Static {
	s := &Static{users: make(map[string]*User, len(users))}
	for _, user := range users {
		s.Put(user)
	}

	return s
}

// LoadStatic reads a directory file of the form {"users": [...]}.
// A file:// prefix on path is accepted.
func LoadStatic(path string) (*Static, error) {
	path = strings.TrimPrefix(path, "file://")

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	var file staticFile

	err = json.Unmarshal(payload, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}

	return NewStatic(file.Users...), nil
}

// Put adds or replaces a user.
func (s *Static) Put(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *user
	copied.Roles = append([]string(nil), user.Roles...)
	s.users[user.ID] = &copied
}

func (s *Static) User(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	copied := *user
	copied.Roles = append([]string(nil), user.Roles...)

	return &copied, nil
}

func (s *Static) ActiveMembers(_ context.Context, companyID, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0)

	for _, user := range s.users {
		if user.Active && user.CompanyID == companyID && user.HasRole(role) {
			members = append(members, user.ID)
		}
	}

	sort.Strings(members)

	return members, nil
}
