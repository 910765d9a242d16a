package model

// Scope is the precedence tier of a record. Scopes are totally ordered by Rank.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopePolicy  Scope = "policy"
	ScopeGlobal  Scope = "global"
)

// scopeRanks is the single source of truth for scope precedence.
// policy and global share the top rank.
var scopeRanks = map[Scope]int{
	ScopeSession: 1,
	ScopeUser:    2,
	ScopeProject: 3,
	ScopePolicy:  4,
	ScopeGlobal:  4,
}

// Rank returns the precedence rank of the scope. Unknown scopes rank 0.
func (s Scope) Rank() int {
	return scopeRanks[s]
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s.Rank() > 0
}

// Outranks reports whether s has strictly higher precedence than other.
func (s Scope) Outranks(other Scope) bool {
	return s.Rank() > other.Rank()
}
