package auth

// rolePermissions is the static role to permission table. Unknown roles
// contribute nothing: role names are validated at claims ingestion, so an
// unknown value here means a stale grant and must fail closed.
var rolePermissions = map[Role][]Permission{
	RoleStudyAdmin: {
		PermReadUsers,
		PermReadLogs,
		PermReadTasks,
		PermReadDatasets,
		PermWriteUsers,
		PermWriteTasks,
		PermAdmin,
	},
	RoleSampleAdmin: {
		PermReadUsers,
		PermReadLogs,
		PermReadTasks,
		PermReadDatasets,
		PermWriteUsers,
	},
	RoleViewer: {
		PermReadDatasets,
	},
}

// ResolvePermissions derives the effective permission set from a grant list.
// The result is the union over all grants of the static per-role table; it
// is a pure function of its input.
func ResolvePermissions(grants []Grant) map[Permission]struct{} {
	perms := make(map[Permission]struct{})
	for _, g := range grants {
		for _, p := range rolePermissions[g.Role] {
			perms[p] = struct{}{}
		}
	}
	return perms
}
