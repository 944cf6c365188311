// Package access holds the two pure permission predicates for projects.
// CanRead and EditCapable are deliberately separate policies: read
// access follows the role hierarchy, edit capability is stricter and
// gives an explicit admin grant lockout precedence over broader role
// grants. Neither consults the live edit lock.
package access

import (
	"atelier/internal/rbac"
	"atelier/internal/store"
)

// CanRead reports whether user may view a project given its visibility
// grants. An empty grant set means the project is public to every
// authenticated user.
func CanRead(user store.User, grants []store.VisibilityGrant) bool {
	if len(grants) == 0 {
		return true
	}
	for _, grant := range grants {
		if grant.UserID != nil && *grant.UserID == user.ID {
			return true
		}
	}
	role := rbac.Normalize(user.Role)
	if role == rbac.RoleAdmin {
		return true
	}
	permitted := rbac.ReadableBy(role)
	for _, grant := range grants {
		if grant.UserID != nil {
			continue
		}
		for _, allowed := range permitted {
			if rbac.Role(grant.Role) == allowed {
				return true
			}
		}
	}
	return false
}

// EditCapable reports whether user belongs to the class of people who
// may ever hold the write lock for a project. It ignores who currently
// holds the lock.
func EditCapable(user store.User, grants []store.VisibilityGrant) bool {
	switch rbac.Normalize(user.Role) {
	case rbac.RoleAdmin:
		return true
	case rbac.RoleViewer:
		return false
	}

	if len(grants) == 0 {
		return true
	}
	for _, grant := range grants {
		if grant.UserID != nil && *grant.UserID == user.ID {
			return true
		}
	}
	// An admin grant locks the project down for everyone not named
	// individually, even when broader role grants exist alongside it.
	for _, grant := range grants {
		if rbac.Role(grant.Role) == rbac.RoleAdmin {
			return false
		}
	}
	for _, grant := range grants {
		if grant.UserID == nil {
			if r := rbac.Role(grant.Role); r == rbac.RoleUser || r == rbac.RoleViewer {
				return true
			}
		}
	}
	return false
}
