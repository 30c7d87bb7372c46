package api

import (
	"net/http"

	"github.com/delosis/psytools-server/pkg/httputil"
	"github.com/delosis/psytools-server/pkg/middleware"
)

const defaultPeriodDays = 30

// handleStatus builds the usage-status report for the caller's accessible
// studies. A caller without grants gets the zeroed report, not an error.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	periodDays, err := httputil.ParseQueryInt(r, "periodDays", defaultPeriodDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	statusReport, err := s.aggregator.BuildReport(r.Context(), caller, periodDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, statusReport)
}
