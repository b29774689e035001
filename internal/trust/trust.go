// Package trust defines the fixed hierarchy of principal trust levels.
//
// Levels are totally ordered, ascending privilege:
//
//	observer < citizen < guardian < sovereign < archon
//
// The order is declared explicitly in hierarchy; it is never inferred from the
// level name. Unknown levels rank below every known level and never satisfy a
// comparison.
package trust

import "strings"

// Level is a principal trust level.
type Level string

const (
	Observer  Level = "observer"
	Citizen   Level = "citizen"
	Guardian  Level = "guardian"
	Sovereign Level = "sovereign"
	Archon    Level = "archon"
)

// Unranked is the rank of any level outside the hierarchy.
const Unranked = -1

// hierarchy is the canonical ascending sequence. A new level must be placed
// here explicitly.
var hierarchy = [...]Level{Observer, Citizen, Guardian, Sovereign, Archon}

// Levels returns the canonical ascending sequence.
func Levels() []Level {
	out := make([]Level, len(hierarchy))
	copy(out, hierarchy[:])
	return out
}

// Rank returns the position of level in the hierarchy, or Unranked.
func Rank(level Level) int {
	for i, l := range hierarchy {
		if l == level {
			return i
		}
	}
	return Unranked
}

// AtLeast reports whether current ranks at or above required.
// Either side being unrecognized yields false.
func AtLeast(current, required Level) bool {
	cr, rr := Rank(current), Rank(required)
	if cr == Unranked || rr == Unranked {
		return false
	}
	return cr >= rr
}

// Compare returns -1, 0 or +1 ordering a against b by rank.
func Compare(a, b Level) int {
	ra, rb := Rank(a), Rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

// Parse normalizes s and returns the matching level. The second result is
// false when s names no known level; the returned Level then ranks Unranked.
func Parse(s string) (Level, bool) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	return l, Rank(l) != Unranked
}

// Valid reports whether l is part of the hierarchy.
func (l Level) Valid() bool {
	return Rank(l) != Unranked
}

func (l Level) String() string {
	return string(l)
}
