// Package auth maps roles from phaseline.yml to permissions.
package auth

import (
	"fmt"
	"sort"

	"phaseline/internal/config"
)

const (
	PermRead     = "workflow.read"
	PermRun      = "workflow.run"
	PermRespond  = "workflow.respond"
	PermWake     = "workflow.wake"
	PermRestart  = "workflow.restart"
	PermConsult  = "agent.consult"
	PermAdmin    = "apikey.manage"
	RoleOperator = "operator"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service answers permission checks for roles.
type Service struct {
	roles map[string]map[string]struct{}
}

func New(roles map[string]config.Role) Service {
	s := Service{roles: make(map[string]map[string]struct{}, len(roles))}
	for name, role := range roles {
		perms := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
		s.roles[name] = perms
	}
	return s
}

func (s Service) HasRole(role string) bool {
	_, ok := s.roles[role]
	return ok
}

// RoleHasPermission reports whether role grants perm. The operator role
// grants everything.
func (s Service) RoleHasPermission(role, perm string) bool {
	if role == RoleOperator {
		return true
	}
	_, ok := s.roles[role][perm]
	return ok
}

// Require returns ForbiddenError unless role grants perm.
func (s Service) Require(role, perm string) error {
	if s.RoleHasPermission(role, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// Permissions lists what role grants, sorted.
func (s Service) Permissions(role string) []string {
	perms := make([]string, 0, len(s.roles[role]))
	for p := range s.roles[role] {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}
