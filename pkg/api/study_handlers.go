package api

import (
	"net/http"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/httputil"
	"github.com/delosis/psytools-server/pkg/middleware"
	"github.com/delosis/psytools-server/pkg/store"
)

// handleListUsers lists the study's participants visible to the caller
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	studyID, err := httputil.ParsePathString(r, "studyID")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := auth.Authorize(caller, auth.PermReadUsers); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.AuthorizeStudy(caller, studyID, auth.RoleSampleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	users, err := s.store.ListUsers(r.Context(), caller.GrantsFor(studyID), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

// handleListTaskLogs lists the study's task logs visible to the caller
func (s *Server) handleListTaskLogs(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	studyID, err := httputil.ParsePathString(r, "studyID")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := auth.Authorize(caller, auth.PermReadLogs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.AuthorizeStudy(caller, studyID, auth.RoleSampleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	logs, err := s.store.ListTaskLogs(r.Context(), caller.GrantsFor(studyID), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"logs": logs})
}

func listOptions(r *http.Request) (store.ListOptions, error) {
	limit, offset, err := httputil.ParsePage(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		return store.ListOptions{}, err
	}
	return store.ListOptions{
		Search: httputil.ParseQueryString(r, "search", ""),
		Limit:  limit,
		Offset: offset,
	}, nil
}
