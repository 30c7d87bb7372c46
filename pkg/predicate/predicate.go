// Package predicate compiles a caller's grant list into a parameterized SQL
// filter scoped to a specific table context.
//
// The compiled clause references only positional placeholders; every value
// travels in the parameter list. Placeholders are allocated in two tiers:
// first one study-id placeholder per grant (in grant order), then one
// sample-array placeholder per SAMPLE_ADMIN grant (in the order those grants
// appear). Placeholder N always binds to the N-th parameter, 1-based, so a
// clause compiled with firstParamIndex p expects its parameters to start at
// position p of the statement's argument list.
package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/delosis/psytools-server/pkg/auth"
)

// ErrEmptyGrantSet is returned when compiling an empty grant list. Callers
// must special-case "no accessible studies" before compiling and return an
// empty result instead of a vacuous predicate.
var ErrEmptyGrantSet = errors.New("empty grant set")

// TableContext names the columns of the target table that carry study and
// sample scope.
type TableContext struct {
	// StudyColumn is the study-id column expression, e.g. "u.study_id".
	StudyColumn string

	// SampleScope is a clause template restricting SAMPLE_ADMIN grants. It
	// must contain exactly one "%d" verb that receives the placeholder index
	// of the grant's sample-id array. When empty, the target table has no
	// sample granularity and SAMPLE_ADMIN grants scope to the whole study.
	SampleScope string

	// ViewerScope optionally narrows VIEWER grants with an extra condition
	// (no parameters), e.g. "d.sample_id IS NULL" for dataset listings where
	// viewers only see study-wide resources.
	ViewerScope string
}

// Columns builds a TableContext for a table exposing study and sample id
// columns directly. Rows with a null sample column belong to the whole study
// and stay visible to sample-scoped grants.
func Columns(studyColumn, sampleColumn string) TableContext {
	return TableContext{
		StudyColumn: studyColumn,
		SampleScope: "(" + sampleColumn + " IS NULL OR " + sampleColumn + " = ANY($%d))",
	}
}

// Exists builds a TableContext whose sample membership is resolved through a
// bridge table. existsTemplate must be a complete EXISTS(...) expression
// containing one "%d" verb for the sample-array placeholder.
func Exists(studyColumn, existsTemplate string) TableContext {
	return TableContext{
		StudyColumn: studyColumn,
		SampleScope: existsTemplate,
	}
}

// Predicate is a compiled filter: a clause referencing only placeholders,
// plus the values those placeholders bind to. StudyParams holds one study id
// per grant; SampleParams holds one array value per SAMPLE_ADMIN grant.
// Statement arguments must be joined in exactly that order.
type Predicate struct {
	Clause       string
	StudyParams  []interface{}
	SampleParams []interface{}

	firstParamIndex int
}

// Params returns the full ordered parameter list: study params first, then
// sample-array params.
func (p *Predicate) Params() []interface{} {
	out := make([]interface{}, 0, len(p.StudyParams)+len(p.SampleParams))
	out = append(out, p.StudyParams...)
	out = append(out, p.SampleParams...)
	return out
}

// NextParamIndex returns the first placeholder index free after this
// predicate, for statements appending further conditions.
func (p *Predicate) NextParamIndex() int {
	return p.firstParamIndex + len(p.StudyParams) + len(p.SampleParams)
}

// Compile builds the filter predicate for a grant list against a table
// context. firstParamIndex is the 1-based placeholder index of the
// predicate's first parameter within the enclosing statement.
func Compile(grants []auth.Grant, tc TableContext, firstParamIndex int) (*Predicate, error) {
	if len(grants) == 0 {
		return nil, ErrEmptyGrantSet
	}
	if firstParamIndex < 1 {
		return nil, fmt.Errorf("first parameter index must be 1-based, got %d", firstParamIndex)
	}
	if tc.StudyColumn == "" {
		return nil, fmt.Errorf("table context is missing a study column")
	}

	// First tier: one study placeholder per grant, in grant order.
	studyParams := make([]interface{}, 0, len(grants))
	studyIndex := make([]int, len(grants))
	next := firstParamIndex
	for i, g := range grants {
		studyIndex[i] = next
		studyParams = append(studyParams, g.StudyID)
		next++
	}

	// Second tier: one sample-array placeholder per SAMPLE_ADMIN grant,
	// allocated only after every study placeholder.
	var sampleParams []interface{}
	sampleIndex := make(map[int]int)
	for i, g := range grants {
		if g.Role != auth.RoleSampleAdmin || tc.SampleScope == "" {
			continue
		}
		sampleIndex[i] = next
		ids := g.SampleIDs
		if ids == nil {
			ids = []string{}
		}
		sampleParams = append(sampleParams, pq.Array(ids))
		next++
	}

	clauses := make([]string, 0, len(grants))
	for i, g := range grants {
		study := fmt.Sprintf("%s = $%d", tc.StudyColumn, studyIndex[i])
		switch {
		case g.Role == auth.RoleSampleAdmin && tc.SampleScope != "":
			// An empty sample set still scopes to the study: the array
			// matches nothing, leaving only null-sample rows visible.
			scope := fmt.Sprintf(tc.SampleScope, sampleIndex[i])
			clauses = append(clauses, "("+study+" AND "+scope+")")
		case g.Role == auth.RoleViewer && tc.ViewerScope != "":
			clauses = append(clauses, "("+study+" AND "+tc.ViewerScope+")")
		default:
			clauses = append(clauses, "("+study+")")
		}
	}

	return &Predicate{
		Clause:          strings.Join(clauses, " OR "),
		StudyParams:     studyParams,
		SampleParams:    sampleParams,
		firstParamIndex: firstParamIndex,
	}, nil
}
