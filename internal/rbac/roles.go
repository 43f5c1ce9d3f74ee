package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleService = "service" // API-key callers (MCP, CLI)
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsService(role string) bool { return role == RoleService }
