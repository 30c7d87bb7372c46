package auth

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when the caller lacks a permission or scope.
// Match with errors.Is.
var ErrForbidden = errors.New("forbidden")

// Authorize checks that the caller holds the required permission
func Authorize(c *Caller, p Permission) error {
	if !c.HasPermission(p) {
		return fmt.Errorf("caller %s lacks permission %s: %w", c.ID, p, ErrForbidden)
	}
	return nil
}

// AuthorizeStudy checks that the caller holds at least minRole on the study
func AuthorizeStudy(c *Caller, studyID string, minRole Role) error {
	for _, g := range c.Grants {
		if g.StudyID == studyID && g.Role.Covers(minRole) {
			return nil
		}
	}
	return fmt.Errorf("caller %s has no %s grant for study %s: %w", c.ID, minRole, studyID, ErrForbidden)
}

// AuthorizeSample reports whether the caller may access a specific sample.
// STUDY_ADMIN covers every sample of its study; SAMPLE_ADMIN covers only the
// sample ids listed in the grant; VIEWER covers none.
func AuthorizeSample(c *Caller, studyID, sampleID string) bool {
	for _, g := range c.Grants {
		if g.StudyID != studyID {
			continue
		}
		switch g.Role {
		case RoleStudyAdmin:
			return true
		case RoleSampleAdmin:
			for _, s := range g.SampleIDs {
				if s == sampleID {
					return true
				}
			}
		}
	}
	return false
}

// DatasetVisible reports whether the caller may see a dataset. Datasets with
// a nil sample id are visible to anyone holding any grant on the study;
// sample-scoped datasets follow AuthorizeSample.
func DatasetVisible(c *Caller, studyID string, sampleID *string) bool {
	if sampleID == nil {
		return AuthorizeStudy(c, studyID, RoleViewer) == nil
	}
	return AuthorizeSample(c, studyID, *sampleID)
}
