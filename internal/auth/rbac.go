package auth

// Role is what a token holder may do.
type Role string

const (
	// RoleIngest is held by the case system that posts lifecycle events.
	RoleIngest Role = "ingest"
	// RoleViewer reads breaches, metrics and inboxes.
	RoleViewer Role = "viewer"
	// RoleAdmin edits SLA configuration and works the operator queue.
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

type Permission string

const (
	PermissionEventsWrite Permission = "events:write"
	PermissionCasesRead   Permission = "cases:read"
	PermissionConfigRead  Permission = "config:read"
	PermissionConfigWrite Permission = "config:write"
	PermissionReportView  Permission = "report:view"
	PermissionBreachWrite Permission = "breach:write"
	PermissionOperator    Permission = "operator:manage"
	PermissionInboxRead   Permission = "inbox:read"
)

var rolePermissions = map[Role][]Permission{
	RoleIngest: {PermissionEventsWrite, PermissionCasesRead},
	RoleViewer: {PermissionCasesRead, PermissionConfigRead, PermissionReportView, PermissionInboxRead},
	RoleAdmin: {
		PermissionEventsWrite, PermissionCasesRead,
		PermissionConfigRead, PermissionConfigWrite,
		PermissionReportView, PermissionBreachWrite,
		PermissionOperator, PermissionInboxRead,
	},
}

// HasPermission reports whether role grants permission.
func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}
