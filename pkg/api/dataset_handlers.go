package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/httputil"
	"github.com/delosis/psytools-server/pkg/middleware"
	"github.com/delosis/psytools-server/pkg/store"
)

// handleListDatasets lists the datasets visible to the caller across all of
// its studies. Viewers only see study-wide (null sample) datasets.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	if err := auth.Authorize(caller, auth.PermReadDatasets); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	datasets, err := s.store.ListDatasets(r.Context(), caller.Grants, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"datasets": datasets})
}

// handleListDatasetFiles lists the file metadata of one visible dataset
func (s *Server) handleListDatasetFiles(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	datasetID, err := httputil.ParsePathString(r, "datasetID")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := auth.Authorize(caller, auth.PermReadDatasets); err != nil {
		s.writeError(w, r, err)
		return
	}

	dataset, err := s.visibleDataset(r, caller, datasetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	files, err := s.store.ListDatasetFiles(r.Context(), dataset.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"files": files})
}

// signedLinkResponse is the body returned when issuing a download link
type signedLinkResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleIssueLink issues a signed download link for one dataset file. Only
// admin-level scope on the dataset may mint links; viewers download directly.
func (s *Server) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return
	}

	datasetID, err := httputil.ParsePathString(r, "datasetID")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filePath, err := httputil.ParsePathString(r, "path")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	dataset, err := s.visibleDataset(r, caller, datasetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.AuthorizeStudy(caller, dataset.StudyID, auth.RoleSampleAdmin); err != nil {
		s.countLink("issue", "forbidden")
		s.writeError(w, r, err)
		return
	}

	file, err := s.store.GetDatasetFile(r.Context(), dataset.ID, filePath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	token, expires, err := s.linkSigner.Issue(caller, dataset.ID, file.Path)
	if err != nil {
		s.countLink("issue", "error")
		s.writeError(w, r, err)
		return
	}
	s.countLink("issue", "ok")

	httputil.WriteCreated(w, signedLinkResponse{
		Token:     token,
		URL:       fmt.Sprintf("/api/v1/datasets/%s/files/%s?token=%s", dataset.ID, file.Path, token),
		ExpiresAt: expires,
	})
}

// handleDownloadFile streams one dataset file. It accepts either the normal
// bearer identity or a signed link token; a link's embedded claims
// reconstruct an equivalent caller run through the same visibility gate.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	datasetID, err := httputil.ParsePathString(r, "datasetID")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filePath, err := httputil.ParsePathString(r, "path")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	caller, err := s.downloadCaller(r, datasetID, filePath)
	if err != nil {
		s.countLink("redeem", "rejected")
		httputil.WriteUnauthorized(w, "missing or invalid credentials")
		return
	}

	dataset, err := s.visibleDataset(r, caller, datasetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	file, err := s.store.GetDatasetFile(r.Context(), dataset.ID, filePath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := s.files.Open(r.Context(), dataset.ID, file.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer blob.Close()
	s.countLink("redeem", "ok")

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", file.SizeBytes))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Path))
	if _, err := io.Copy(w, blob); err != nil {
		s.log.WithError(err).WithField("dataset_id", dataset.ID).Warn("file stream interrupted")
	}
}

// downloadCaller resolves the caller for a file download: the bearer
// identity when present, otherwise a signed link token bound to exactly this
// dataset and path.
func (s *Server) downloadCaller(r *http.Request, datasetID, filePath string) (*auth.Caller, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
			return nil, fmt.Errorf("invalid authorization header format")
		}
		return s.identity.CallerFromToken(authHeader[len(prefix):])
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, fmt.Errorf("missing credentials")
	}

	claims, err := s.linkSigner.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.DatasetID != datasetID || claims.FilePath != filePath {
		return nil, fmt.Errorf("link does not match the requested file")
	}
	return auth.CallerFromClaims(claims.CallerID, claims.Grants, s.duplicatePolicy)
}

// visibleDataset loads a dataset and enforces the caller's visibility on it.
// Invisible datasets read as missing so their existence never leaks.
func (s *Server) visibleDataset(r *http.Request, caller *auth.Caller, datasetID string) (*store.Dataset, error) {
	dataset, err := s.store.GetDataset(r.Context(), datasetID)
	if err != nil {
		return nil, err
	}
	if !auth.DatasetVisible(caller, dataset.StudyID, dataset.SampleID) {
		return nil, store.ErrNotFound
	}
	return dataset, nil
}

func (s *Server) countLink(op, outcome string) {
	if s.metrics != nil {
		s.metrics.SignedLinkTotal.WithLabelValues(op, outcome).Inc()
	}
}
