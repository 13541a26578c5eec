package rbac

type Role string
type Action string

// RoleClient is the external read-only party; it is also the only role that
// sees signing URLs, since it is the one expected to sign.
const (
	RoleClient  Role = "client"
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionRequest Action = "request"
	ActionDecide  Action = "decide"
	ActionRefresh Action = "refresh"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleMember:
		return action == ActionRead || action == ActionRequest || action == ActionDecide || action == ActionRefresh
	case RoleClient:
		return action == ActionRead || action == ActionRefresh
	default:
		return false
	}
}

// CanViewSigningURL reports whether approval representations keep signatureUrl for role.
func CanViewSigningURL(role Role) bool {
	return role == RoleClient
}

// Normalize maps unknown roles to client, the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleMember, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
