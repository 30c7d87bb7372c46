package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerFromClaims(t *testing.T) {
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "STUDY_ADMIN"},
		{StudyID: "B", Role: "SAMPLE_ADMIN", SampleIDs: []string{"s1"}},
		{StudyID: "C", Role: "VIEWER"},
	}, DuplicatesIndependent)
	require.NoError(t, err)

	assert.Equal(t, "caller-1", caller.ID)
	require.Len(t, caller.Grants, 3)
	assert.Equal(t, RoleSampleAdmin, caller.Grants[1].Role)
	assert.Equal(t, []string{"s1"}, caller.Grants[1].SampleIDs)
	// VIEWER grants never carry sample ids.
	assert.Nil(t, caller.Grants[2].SampleIDs)
}

func TestCallerFromClaimsRejectsMalformed(t *testing.T) {
	var grantErr *InvalidGrantError

	_, err := CallerFromClaims("", nil, DuplicatesIndependent)
	require.ErrorAs(t, err, &grantErr)

	_, err = CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "", Role: "VIEWER"},
	}, DuplicatesIndependent)
	require.ErrorAs(t, err, &grantErr)

	_, err = CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "SUPERUSER"},
	}, DuplicatesIndependent)
	require.ErrorAs(t, err, &grantErr)
	assert.Equal(t, "A", grantErr.StudyID)

	_, err = CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "SAMPLE_ADMIN"},
	}, DuplicatesIndependent)
	require.ErrorAs(t, err, &grantErr)
}

func TestCallerFromClaimsEmptySampleSetIsValid(t *testing.T) {
	// An explicitly empty collection is well formed; it scopes to
	// null-sample rows only.
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "SAMPLE_ADMIN", SampleIDs: []string{}},
	}, DuplicatesIndependent)
	require.NoError(t, err)
	require.Len(t, caller.Grants, 1)
	assert.NotNil(t, caller.Grants[0].SampleIDs)
	assert.Empty(t, caller.Grants[0].SampleIDs)
}

func TestCallerFromClaimsIndependentKeepsDuplicates(t *testing.T) {
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "STUDY_ADMIN"},
		{StudyID: "A", Role: "SAMPLE_ADMIN", SampleIDs: []string{"s1"}},
	}, DuplicatesIndependent)
	require.NoError(t, err)
	assert.Len(t, caller.Grants, 2)
}

func TestCallerFromClaimsMergeDuplicates(t *testing.T) {
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "SAMPLE_ADMIN", SampleIDs: []string{"s1"}},
		{StudyID: "B", Role: "VIEWER"},
		{StudyID: "A", Role: "STUDY_ADMIN"},
	}, DuplicatesMerge)
	require.NoError(t, err)

	// Most permissive role wins, keeping the first-appearance position.
	require.Len(t, caller.Grants, 2)
	assert.Equal(t, "A", caller.Grants[0].StudyID)
	assert.Equal(t, RoleStudyAdmin, caller.Grants[0].Role)
	assert.Equal(t, "B", caller.Grants[1].StudyID)
}

func TestCallerFromClaimsMergeUnionsSampleSets(t *testing.T) {
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "SAMPLE_ADMIN", SampleIDs: []string{"s1", "s2"}},
		{StudyID: "A", Role: "SAMPLE_ADMIN", SampleIDs: []string{"s2", "s3"}},
	}, DuplicatesMerge)
	require.NoError(t, err)

	require.Len(t, caller.Grants, 1)
	assert.Equal(t, RoleSampleAdmin, caller.Grants[0].Role)
	assert.Equal(t, []string{"s1", "s2", "s3"}, caller.Grants[0].SampleIDs)
}

func TestCallerFromClaimsMergeKeepsHigherRole(t *testing.T) {
	// A lower duplicate never downgrades the kept grant.
	caller, err := CallerFromClaims("caller-1", []GrantClaim{
		{StudyID: "A", Role: "STUDY_ADMIN"},
		{StudyID: "A", Role: "VIEWER"},
	}, DuplicatesMerge)
	require.NoError(t, err)

	require.Len(t, caller.Grants, 1)
	assert.Equal(t, RoleStudyAdmin, caller.Grants[0].Role)
}
