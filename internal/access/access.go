// Package access evaluates declarative access requirements against a
// principal's authorization context.
//
// Evaluation is a pure function: it never mutates the context, never
// authenticates and never performs I/O. It is safe for concurrent use.
package access

import (
	"sort"
	"strings"

	"github.com/R3E-Network/wallet_layer/internal/trust"
)

// Action is an operation on a protected resource.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionDelete   Action = "delete"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

// ParseAction normalizes s. Empty input defaults to ActionRead; the second
// result is false for unknown actions.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case "":
		return ActionRead, true
	case ActionRead, ActionWrite, ActionDelete, ActionModerate, ActionAdmin:
		return a, true
	default:
		return a, false
	}
}

// ResourceResolver answers resource-scoped ACL questions. It is owned by an
// external authorization service.
type ResourceResolver interface {
	CanAccess(resource string, action Action) bool
}

// ResolverFunc adapts a function to ResourceResolver.
type ResolverFunc func(resource string, action Action) bool

// CanAccess implements ResourceResolver.
func (f ResolverFunc) CanAccess(resource string, action Action) bool {
	return f(resource, action)
}

// ACL is a static resource → actions resolver.
type ACL map[string][]Action

// CanAccess implements ResourceResolver.
func (a ACL) CanAccess(resource string, action Action) bool {
	for _, granted := range a[resource] {
		if granted == action {
			return true
		}
	}
	return false
}

// Context is a principal's authorization state. Build it with NewContext;
// the zero value is an unauthenticated principal with no grants.
type Context struct {
	Authenticated bool
	TrustLevel    trust.Level
	Resources     ResourceResolver

	permissions map[string]struct{}
}

// NewContext builds an immutable authorization context.
func NewContext(authenticated bool, level trust.Level, permissions []string, resources ResourceResolver) Context {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	return Context{
		Authenticated: authenticated,
		TrustLevel:    level,
		Resources:     resources,
		permissions:   set,
	}
}

// Anonymous is the context of a caller with no verified identity.
func Anonymous() Context {
	return NewContext(false, trust.Observer, nil, nil)
}

// HasPermission reports whether name was granted.
func (c Context) HasPermission(name string) bool {
	_, ok := c.permissions[name]
	return ok
}

// Permissions returns the granted permission names, sorted.
func (c Context) Permissions() []string {
	out := make([]string, 0, len(c.permissions))
	for p := range c.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Requirement is a declarative access requirement. Zero-valued fields are
// absent constraints and are vacuously satisfied.
type Requirement struct {
	Permission    string      `json:"permission,omitempty" yaml:"permission"`
	MinTrustLevel trust.Level `json:"min_trust_level,omitempty" yaml:"min_trust_level"`
	Resource      string      `json:"resource,omitempty" yaml:"resource"`
	Action        Action      `json:"action,omitempty" yaml:"action"`
}

// IsZero reports whether the requirement imposes no constraint.
func (r Requirement) IsZero() bool {
	return r.Permission == "" && r.MinTrustLevel == "" && r.Resource == ""
}

func (r Requirement) action() Action {
	if r.Action == "" {
		return ActionRead
	}
	return r.Action
}
