package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator" // runs campaigns: start/pause runs, trigger repairs
	RoleAnalyst    = "analyst"  // read-only reporting access
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
