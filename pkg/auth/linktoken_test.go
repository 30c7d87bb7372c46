package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkSignerRoundTrip(t *testing.T) {
	signer := NewLinkSigner("link-secret", 15*time.Minute)
	caller := NewCaller("caller-1", []Grant{
		{StudyID: "A", Role: RoleSampleAdmin, SampleIDs: []string{"s1"}},
	})

	tokenString, expires, err := signer.Issue(caller, "d1", "data/a.csv")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := signer.Validate(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "caller-1", claims.CallerID)
	assert.Equal(t, "d1", claims.DatasetID)
	assert.Equal(t, "data/a.csv", claims.FilePath)
	require.Len(t, claims.Grants, 1)
	assert.Equal(t, "SAMPLE_ADMIN", claims.Grants[0].Role)
	assert.NotEmpty(t, claims.ID)

	// The embedded grants reconstruct an equivalent caller.
	rebuilt, err := CallerFromClaims(claims.CallerID, claims.Grants, DuplicatesIndependent)
	require.NoError(t, err)
	assert.True(t, AuthorizeSample(rebuilt, "A", "s1"))
	assert.False(t, AuthorizeSample(rebuilt, "A", "s2"))
}

func TestLinkSignerExpiry(t *testing.T) {
	signer := NewLinkSigner("link-secret", time.Minute)
	issued := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return issued }

	caller := NewCaller("caller-1", []Grant{{StudyID: "A", Role: RoleStudyAdmin}})
	tokenString, expires, err := signer.Issue(caller, "d1", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, issued.Add(time.Minute), expires)

	_, err = signer.Validate(tokenString)
	assert.ErrorIs(t, err, ErrLinkInvalid)
}

func TestLinkSignerRejectsTampering(t *testing.T) {
	signer := NewLinkSigner("link-secret", 15*time.Minute)
	caller := NewCaller("caller-1", []Grant{{StudyID: "A", Role: RoleStudyAdmin}})

	tokenString, _, err := signer.Issue(caller, "d1", "a.csv")
	require.NoError(t, err)

	_, err = signer.Validate(tokenString + "x")
	assert.ErrorIs(t, err, ErrLinkInvalid)

	other := NewLinkSigner("other-secret", 15*time.Minute)
	_, err = other.Validate(tokenString)
	assert.ErrorIs(t, err, ErrLinkInvalid)
}
