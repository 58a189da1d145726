package store

import "fmt"

// Role is a participant's access level on a document.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleOwner     Role = "owner"
)

// rank orders roles: viewer < commenter < editor < owner. Unknown roles rank 0.
func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleCommenter:
		return 2
	case RoleEditor:
		return 3
	case RoleOwner:
		return 4
	}
	return 0
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r grants everything required grants.
func (r Role) AtLeast(required Role) bool {
	return r.Valid() && r.rank() >= required.rank()
}

// CanEdit reports whether r may submit operations.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Permissions is a document's access policy.
type Permissions struct {
	OwnerID string `json:"ownerId"`
	// Public documents grant viewer access to everyone.
	Public        bool            `json:"public"`
	Collaborators map[string]Role `json:"collaborators,omitempty"`
}

// Allows reports whether userID holds at least the required role.
func (p Permissions) Allows(userID string, required Role) bool {
	if userID != "" && userID == p.OwnerID {
		return true
	}
	if p.Public && required == RoleViewer {
		return true
	}
	role, ok := p.Collaborators[userID]
	return ok && role.AtLeast(required)
}

// Grant returns a copy of p with userID given role.
func (p Permissions) Grant(userID string, role Role) Permissions {
	cp := p.clone()
	if cp.Collaborators == nil {
		cp.Collaborators = make(map[string]Role)
	}
	cp.Collaborators[userID] = role
	return cp
}

func (p Permissions) clone() Permissions {
	cp := p
	if p.Collaborators != nil {
		cp.Collaborators = make(map[string]Role, len(p.Collaborators))
		for k, v := range p.Collaborators {
			cp.Collaborators[k] = v
		}
	}
	return cp
}
