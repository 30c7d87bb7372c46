// Package auth defines the caller identity model for the reporting API:
// per-study grants, the static role/permission tables, the request-level
// access gate, and signed download-link tokens.
//
// A Caller is built once per request from gateway-verified claims and is
// immutable afterwards; every authorization decision is a pure function of
// the Caller value.
package auth

import "fmt"

// Role is the access level a grant confers within a single study
type Role string

const (
	// RoleStudyAdmin has full access to a study, every sample included
	RoleStudyAdmin Role = "STUDY_ADMIN"
	// RoleSampleAdmin has access restricted to an explicit set of samples
	RoleSampleAdmin Role = "SAMPLE_ADMIN"
	// RoleViewer has read-only access to study datasets
	RoleViewer Role = "VIEWER"
)

// roleRank orders roles for minimum-role checks; higher covers lower
var roleRank = map[Role]int{
	RoleViewer:      1,
	RoleSampleAdmin: 2,
	RoleStudyAdmin:  3,
}

// ParseRole validates a role string from identity claims
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Covers reports whether r grants at least the access level of min
func (r Role) Covers(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Permission is an opaque capability tag derived from roles
type Permission string

const (
	PermReadUsers    Permission = "READ_USERS"
	PermReadLogs     Permission = "READ_LOGS"
	PermReadTasks    Permission = "READ_TASKS"
	PermReadDatasets Permission = "READ_DATASETS"
	PermWriteUsers   Permission = "WRITE_USERS"
	PermWriteTasks   Permission = "WRITE_TASKS"
	PermAdmin        Permission = "ADMIN"
)

// Grant is one (study, role, optional sample scope) authorization record.
// SampleIDs is meaningful only when Role is SAMPLE_ADMIN; for other roles it
// is ignored.
type Grant struct {
	StudyID   string   `json:"studyId"`
	Role      Role     `json:"role"`
	SampleIDs []string `json:"sampleIds,omitempty"`
}

// Caller is the authenticated identity for one request. It is immutable:
// the permission set is resolved once at construction.
type Caller struct {
	ID     string
	Grants []Grant

	permissions map[Permission]struct{}
}

// NewCaller builds a Caller and resolves its effective permission set
func NewCaller(id string, grants []Grant) *Caller {
	return &Caller{
		ID:          id,
		Grants:      grants,
		permissions: ResolvePermissions(grants),
	}
}

// HasPermission reports whether the caller's grants confer the permission
func (c *Caller) HasPermission(p Permission) bool {
	_, ok := c.permissions[p]
	return ok
}

// Permissions returns the resolved permission set
func (c *Caller) Permissions() map[Permission]struct{} {
	return c.permissions
}

// StudyIDs returns the distinct study ids across all grants, preserving the
// order of first appearance.
func (c *Caller) StudyIDs() []string {
	seen := make(map[string]struct{}, len(c.Grants))
	ids := make([]string, 0, len(c.Grants))
	for _, g := range c.Grants {
		if _, ok := seen[g.StudyID]; ok {
			continue
		}
		seen[g.StudyID] = struct{}{}
		ids = append(ids, g.StudyID)
	}
	return ids
}

// GrantsFor returns the caller's grants for one study, in grant order.
// Duplicate studyId entries are preserved as independent grants.
func (c *Caller) GrantsFor(studyID string) []Grant {
	var out []Grant
	for _, g := range c.Grants {
		if g.StudyID == studyID {
			out = append(out, g)
		}
	}
	return out
}
