package participant

import (
	"context"
	"errors"
	"strings"
)

var ErrUnknown = errors.New("participant: unknown")

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// Profile is the display information an identity provider holds for a participant.
type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Role        Role
}

// Name returns the display name, falling back to the identifier.
func (p Profile) Name() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	return p.ID
}

// Matches reports whether query is a case-insensitive substring of the name or id.
func (p Profile) Matches(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Name()), query) ||
		strings.Contains(strings.ToLower(p.ID), query)
}

// Directory resolves participant profiles.
type Directory interface {
	Lookup(ctx context.Context, id string) (Profile, error)
}

// Resolve looks id up and degrades to a bare profile when the directory has no entry or fails.
func Resolve(ctx context.Context, dir Directory, id string) Profile {
	if dir == nil || id == "" {
		return Profile{ID: id}
	}
	p, err := dir.Lookup(ctx, id)
	if err != nil {
		return Profile{ID: id}
	}
	if p.ID == "" {
		p.ID = id
	}
	return p
}
