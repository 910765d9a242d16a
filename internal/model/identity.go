package model

// Identity is the already-verified caller of an operation.
type Identity struct {
	TenantID string   `json:"tenant_id"`
	AgentID  string   `json:"agent_id"`
	Roles    []string `json:"roles,omitempty"`
}

const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
)

// HasRole reports whether the identity carries any of the given roles.
func (id Identity) HasRole(roles ...string) bool {
	for _, have := range id.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
