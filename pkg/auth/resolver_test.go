package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePermissionsRoleTables(t *testing.T) {
	admin := ResolvePermissions([]Grant{{StudyID: "A", Role: RoleStudyAdmin}})
	assert.Len(t, admin, 7)
	assert.Contains(t, admin, PermAdmin)
	assert.Contains(t, admin, PermWriteTasks)

	sample := ResolvePermissions([]Grant{{StudyID: "A", Role: RoleSampleAdmin, SampleIDs: []string{"s1"}}})
	assert.Len(t, sample, 5)
	assert.Contains(t, sample, PermWriteUsers)
	assert.NotContains(t, sample, PermAdmin)
	assert.NotContains(t, sample, PermWriteTasks)

	viewer := ResolvePermissions([]Grant{{StudyID: "A", Role: RoleViewer}})
	assert.Len(t, viewer, 1)
	assert.Contains(t, viewer, PermReadDatasets)
}

func TestResolvePermissionsUnion(t *testing.T) {
	grants := []Grant{
		{StudyID: "A", Role: RoleViewer},
		{StudyID: "B", Role: RoleSampleAdmin, SampleIDs: []string{"s1"}},
	}

	perms := ResolvePermissions(grants)
	assert.Len(t, perms, 5)
	assert.Contains(t, perms, PermReadDatasets)
	assert.Contains(t, perms, PermReadUsers)
	assert.NotContains(t, perms, PermAdmin)
}

func TestResolvePermissionsPure(t *testing.T) {
	grants := []Grant{
		{StudyID: "A", Role: RoleStudyAdmin},
		{StudyID: "B", Role: RoleViewer},
	}

	first := ResolvePermissions(grants)
	second := ResolvePermissions(grants)
	assert.Equal(t, first, second)
}

func TestResolvePermissionsEmptyAndUnknown(t *testing.T) {
	assert.Empty(t, ResolvePermissions(nil))

	// Unknown roles contribute nothing; claim validation rejects them
	// upstream.
	perms := ResolvePermissions([]Grant{{StudyID: "A", Role: Role("SUPERUSER")}})
	assert.Empty(t, perms)
}
