// Package directory answers who is responsible for a session and who else
// must hear about an escalation.
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
)

// ErrNoAssignment is returned when a session has no responsible invigilator.
var ErrNoAssignment = errors.New("no invigilator assigned")

// Role selects the channel set a recipient is notified on.
type Role string

const (
	RoleInvigilator Role = "invigilator"
	RoleReferee     Role = "referee"
	RoleAdmin       Role = "admin"
)

type Recipient struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// Directory is the assignment and presence lookup used by the lifecycle
// manager and the dispatcher.
type Directory interface {
	// Responsible returns the invigilator assigned to a session, or ErrNoAssignment.
	Responsible(ctx context.Context, sessionID string) (Recipient, error)
	// Referees returns the currently active referees of an institution.
	Referees(ctx context.Context, institution string) ([]Recipient, error)
	// Admins returns the active admins of an institution.
	Admins(ctx context.Context, institution string) ([]Recipient, error)
	Assign(ctx context.Context, sessionID string, r Recipient) error
	Release(ctx context.Context, sessionID string) error
}

// Static is an in-process directory seeded from config. Assignments are made
// at runtime through Assign.
type Static struct {
	mu          sync.RWMutex
	assignments map[string]Recipient
	referees    map[string][]Recipient
	admins      map[string][]Recipient
}

func NewStatic(seeds []config.InstitutionDef) *Static {
	s := &Static{assignments: make(map[string]Recipient)}
	s.Reseed(seeds)
	return s
}

// Reseed replaces referee and admin rosters. Assignments are kept.
func (s *Static) Reseed(seeds []config.InstitutionDef) {
	referees := make(map[string][]Recipient, len(seeds))
	admins := make(map[string][]Recipient, len(seeds))
	for _, inst := range seeds {
		referees[inst.ID] = fromDefs(inst.Referees, RoleReferee)
		admins[inst.ID] = fromDefs(inst.Admins, RoleAdmin)
	}
	s.mu.Lock()
	s.referees = referees
	s.admins = admins
	s.mu.Unlock()
}

func (s *Static) Responsible(_ context.Context, sessionID string) (Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.assignments[sessionID]
	if !ok {
		return Recipient{}, ErrNoAssignment
	}
	return r, nil
}

func (s *Static) Referees(_ context.Context, institution string) ([]Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return active(s.referees[institution]), nil
}

func (s *Static) Admins(_ context.Context, institution string) ([]Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return active(s.admins[institution]), nil
}

func (s *Static) Assign(_ context.Context, sessionID string, r Recipient) error {
	r.Role = RoleInvigilator
	r.Active = true
	s.mu.Lock()
	s.assignments[sessionID] = r
	s.mu.Unlock()
	return nil
}

func (s *Static) Release(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.assignments, sessionID)
	s.mu.Unlock()
	return nil
}

func fromDefs(defs []config.RecipientDef, role Role) []Recipient {
	out := make([]Recipient, 0, len(defs))
	for _, d := range defs {
		out = append(out, Recipient{
			ID:     d.ID,
			Name:   d.Name,
			Role:   role,
			Active: d.Active == nil || *d.Active,
		})
	}
	return out
}

func active(rs []Recipient) []Recipient {
	out := slices.DeleteFunc(slices.Clone(rs), func(r Recipient) bool { return !r.Active })
	slices.SortFunc(out, func(a, b Recipient) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
