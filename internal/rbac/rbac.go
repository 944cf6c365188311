package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

// Can answers the coarse, project-independent question of whether a
// role may ever perform an action. Per-project visibility grants are
// layered on top of this by the access package.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionWrite || action == ActionManage
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether the string names one of the three roles.
// Unlike Normalize it does not coerce unknown values.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// ReadableBy lists the role-based grant roles a user of the given role
// may read through: admins read everything, users read user and viewer
// grants, viewers only viewer grants.
func ReadableBy(role Role) []Role {
	switch role {
	case RoleAdmin:
		return []Role{RoleViewer, RoleUser, RoleAdmin}
	case RoleUser:
		return []Role{RoleViewer, RoleUser}
	case RoleViewer:
		return []Role{RoleViewer}
	default:
		return nil
	}
}
