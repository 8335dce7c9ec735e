// Package perm evaluates capability checks over resource ACLs.
package perm

const RoleAdmin = "admin"

// Identity is the subject of a permission check. Predicates only look at
// ID and Role, so a minimal record built with Member is enough to evaluate
// access for users other than the current caller.
type Identity struct {
	ID   string
	Name string
	Role string
}

// Member builds a shadow identity for a plain (non-admin) user id.
func Member(id string) Identity {
	return Identity{ID: id, Role: "user"}
}

// ACL is the capability set embedded in every shareable resource.
type ACL struct {
	Owner             string
	Private           bool
	CanRead           []string
	CanWrite          []string
	AnonymousComments bool
}

func IsAdmin(u Identity) bool {
	return u.Role == RoleAdmin
}

func IsOwner(u Identity, r ACL) bool {
	return r.Owner != "" && r.Owner == u.ID
}

func CanWrite(u Identity, r ACL) bool {
	if IsAdmin(u) || IsOwner(u, r) {
		return true
	}
	if !r.Private {
		return true
	}
	return contains(r.CanWrite, u.ID)
}

func CanRead(u Identity, r ACL) bool {
	if CanWrite(u, r) {
		return true
	}
	return contains(r.CanRead, u.ID)
}

func CanComment(u Identity, r ACL) bool {
	return CanRead(u, r)
}

func contains(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
