package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// InvalidGrantError reports a structurally malformed grant in identity claims
type InvalidGrantError struct {
	StudyID string
	Reason  string
}

func (e *InvalidGrantError) Error() string {
	if e.StudyID == "" {
		return fmt.Sprintf("invalid grant: %s", e.Reason)
	}
	return fmt.Sprintf("invalid grant for study %q: %s", e.StudyID, e.Reason)
}

// DuplicatePolicy selects how duplicate studyId grants are treated
type DuplicatePolicy string

const (
	// DuplicatesIndependent keeps duplicate grants as independent OR-clauses
	DuplicatesIndependent DuplicatePolicy = "independent"
	// DuplicatesMerge collapses duplicates to the most permissive role
	DuplicatesMerge DuplicatePolicy = "merge"
)

// GrantClaim is the wire shape of one grant inside identity claims
type GrantClaim struct {
	StudyID   string   `json:"studyId"`
	Role      string   `json:"role"`
	SampleIDs []string `json:"sampleIds,omitempty"`
}

// IdentityClaims is the payload of a gateway-verified identity token
type IdentityClaims struct {
	CallerID string       `json:"callerId"`
	Grants   []GrantClaim `json:"grants"`
	jwt.RegisteredClaims
}

// CallerFromClaims validates identity claims structurally and builds an
// immutable Caller. Cryptographic verification is the gateway's job; this
// only rejects malformed grants: unknown role names, and SAMPLE_ADMIN
// grants without a sampleIds collection.
func CallerFromClaims(callerID string, grants []GrantClaim, policy DuplicatePolicy) (*Caller, error) {
	if callerID == "" {
		return nil, &InvalidGrantError{Reason: "missing caller id"}
	}

	parsed := make([]Grant, 0, len(grants))
	for _, gc := range grants {
		if gc.StudyID == "" {
			return nil, &InvalidGrantError{Reason: "missing study id"}
		}
		role, err := ParseRole(gc.Role)
		if err != nil {
			return nil, &InvalidGrantError{StudyID: gc.StudyID, Reason: err.Error()}
		}
		g := Grant{StudyID: gc.StudyID, Role: role}
		if role == RoleSampleAdmin {
			if gc.SampleIDs == nil {
				return nil, &InvalidGrantError{StudyID: gc.StudyID, Reason: "SAMPLE_ADMIN grant requires a sampleIds collection"}
			}
			g.SampleIDs = gc.SampleIDs
		}
		parsed = append(parsed, g)
	}

	if policy == DuplicatesMerge {
		parsed = mergeDuplicates(parsed)
	}

	return NewCaller(callerID, parsed), nil
}

// mergeDuplicates collapses grants sharing a studyId to the single most
// permissive one, keeping the position of the study's first appearance.
// When two SAMPLE_ADMIN grants collide their sample sets are unioned.
func mergeDuplicates(grants []Grant) []Grant {
	byStudy := make(map[string]int)
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		idx, seen := byStudy[g.StudyID]
		if !seen {
			byStudy[g.StudyID] = len(out)
			out = append(out, g)
			continue
		}
		kept := out[idx]
		switch {
		case g.Role.Covers(kept.Role) && g.Role != kept.Role:
			out[idx] = g
		case g.Role == RoleSampleAdmin && kept.Role == RoleSampleAdmin:
			out[idx].SampleIDs = unionSamples(kept.SampleIDs, g.SampleIDs)
		}
	}
	return out
}

func unionSamples(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
