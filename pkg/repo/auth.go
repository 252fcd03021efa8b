package repo

import (
	"slices"
	"strings"

	"github.com/aptforge/aptforge/pkg/database"
)

// Actor identifies who is performing a repository operation. The system
// actor bypasses section authorization and is used by maintenance tasks
// like pruning.
type Actor struct {
	Name   string
	Groups []string
	System bool
}

// SystemActor is the built-in maintenance identity.
//
//nolint:gochecknoglobals
var SystemActor = Actor{Name: "system", System: true}

// AuthorizationChecker decides whether an actor may write to a section.
type AuthorizationChecker interface {
	// Authorized returns true when actor may mutate the section.
	Authorized(section *database.Section, actor Actor) bool
}

// SectionAuthorizer enforces the per-section authorized user and group
// lists. Sections that do not enforce authorization accept every actor.
type SectionAuthorizer struct{}

// Authorized implements AuthorizationChecker.
func (SectionAuthorizer) Authorized(section *database.Section, actor Actor) bool {
	if !section.EnforceAuthorization || actor.System {
		return true
	}

	if slices.Contains(splitList(section.AuthorizedUsers), actor.Name) {
		return true
	}

	groups := splitList(section.AuthorizedGroups)
	for _, group := range actor.Groups {
		if slices.Contains(groups, group) {
			return true
		}
	}

	return false
}

// splitList splits a comma or whitespace separated list of names.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
