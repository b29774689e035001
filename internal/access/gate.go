package access

import (
	"sort"
	"strings"

	"github.com/R3E-Network/wallet_layer/internal/trust"
)

// Constraint identifies one clause of a Requirement.
type Constraint int

const (
	ConstraintPermission Constraint = iota
	ConstraintTrustLevel
	ConstraintResource
)

func (c Constraint) String() string {
	switch c {
	case ConstraintPermission:
		return "permission"
	case ConstraintTrustLevel:
		return "trust_level"
	case ConstraintResource:
		return "resource"
	default:
		return "unknown"
	}
}

// MarshalText renders the constraint name in JSON payloads.
func (c Constraint) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Prompt tells the presentation layer which denial branch applies.
type Prompt int

const (
	// PromptNone means access was granted.
	PromptNone Prompt = iota
	// PromptSignIn asks an unauthenticated caller to authenticate.
	PromptSignIn
	// PromptTrustLevel shows the caller's current level against the unmet one.
	PromptTrustLevel
	// PromptForbidden covers permission and resource denials.
	PromptForbidden
)

func (p Prompt) String() string {
	switch p {
	case PromptNone:
		return "none"
	case PromptSignIn:
		return "sign_in"
	case PromptTrustLevel:
		return "trust_level"
	case PromptForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// MarshalText renders the prompt name in JSON payloads.
func (p Prompt) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Failed lists the unmet constraints in canonical order.
	Failed []Constraint `json:"failed,omitempty"`
	// RequiredLevel is the unmet minimum trust level, empty when the trust
	// constraint was absent or satisfied.
	RequiredLevel trust.Level `json:"required_level,omitempty"`
	CurrentLevel  trust.Level `json:"current_level,omitempty"`
	Authenticated bool        `json:"authenticated"`
}

// FailedOn reports whether c is among the unmet constraints.
func (d Decision) FailedOn(c Constraint) bool {
	for _, f := range d.Failed {
		if f == c {
			return true
		}
	}
	return false
}

// Prompt classifies the decision for rendering.
func (d Decision) Prompt() Prompt {
	switch {
	case d.Allowed:
		return PromptNone
	case !d.Authenticated:
		return PromptSignIn
	case d.FailedOn(ConstraintTrustLevel):
		return PromptTrustLevel
	default:
		return PromptForbidden
	}
}

// Reason is a short human-readable summary of the decision.
func (d Decision) Reason() string {
	if d.Allowed {
		return "allowed"
	}
	parts := make([]string, 0, len(d.Failed))
	for _, c := range d.Failed {
		switch c {
		case ConstraintTrustLevel:
			parts = append(parts, "requires trust level "+string(d.RequiredLevel))
		case ConstraintPermission:
			parts = append(parts, "missing permission")
		case ConstraintResource:
			parts = append(parts, "resource access denied")
		}
	}
	return "denied: " + strings.Join(parts, ", ")
}

// check evaluates one constraint; eval returning false marks it failed.
type check struct {
	constraint Constraint
	eval       func(Context) bool
}

// checks builds the present constraints of req. Absent constraints produce no
// check, so an empty requirement allows.
func checks(req Requirement) []check {
	var out []check
	if req.Permission != "" {
		name := req.Permission
		out = append(out, check{ConstraintPermission, func(c Context) bool {
			return c.HasPermission(name)
		}})
	}
	if req.MinTrustLevel != "" {
		required := req.MinTrustLevel
		out = append(out, check{ConstraintTrustLevel, func(c Context) bool {
			return trust.AtLeast(c.TrustLevel, required)
		}})
	}
	if req.Resource != "" {
		resource, action := req.Resource, req.action()
		out = append(out, check{ConstraintResource, func(c Context) bool {
			return canAccess(c.Resources, resource, action)
		}})
	}
	return out
}

// canAccess treats a missing or panicking resolver as a denial.
func canAccess(r ResourceResolver, resource string, action Action) (ok bool) {
	if r == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return r.CanAccess(resource, action)
}

// Evaluate decides whether ctx satisfies every present constraint of req.
func Evaluate(ctx Context, req Requirement) Decision {
	return evaluate(ctx, req, checks(req))
}

func evaluate(ctx Context, req Requirement, cs []check) Decision {
	d := Decision{
		Allowed:       true,
		CurrentLevel:  ctx.TrustLevel,
		Authenticated: ctx.Authenticated,
	}
	for _, c := range cs {
		if c.eval(ctx) {
			continue
		}
		d.Allowed = false
		d.Failed = append(d.Failed, c.constraint)
		if c.constraint == ConstraintTrustLevel {
			d.RequiredLevel = req.MinTrustLevel
		}
	}
	sort.Slice(d.Failed, func(i, j int) bool { return d.Failed[i] < d.Failed[j] })
	return d
}
