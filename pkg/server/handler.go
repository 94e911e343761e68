package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/repository"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
)

type checkRequest struct {
	ImageURL        string `json:"image_url"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
	UserID          string `json:"user_id"`
	MissionID       string `json:"mission_id,omitempty"`
}

type batchRequest struct {
	UserID string                `json:"user_id"`
	Images []admission.BatchItem `json:"images"`
}

type imageRequest struct {
	ImageURL string `json:"image_url"`
}

type historyResponse struct {
	UserID  string                    `json:"user_id"`
	Count   int                       `json:"count"`
	History []*model.ImageFingerprint `json:"history"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// POST /api/v1/check
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	in, err := s.parseCheck(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	d, err := s.uc.Check(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// parseCheck accepts either a JSON body with image URLs or a multipart form
// carrying the image files
func (s *Server) parseCheck(r *http.Request) (*admission.CheckInput, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return s.parseCheckForm(r)
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "invalid request body", goerr.V("cause", err.Error()))
	}
	if req.UserID == "" {
		return nil, admission.ErrMissingUserID
	}

	img, err := s.loadRemote(r, req.ImageURL)
	if err != nil {
		return nil, err
	}
	in := &admission.CheckInput{
		Image:     img,
		UserID:    req.UserID,
		MissionID: missionOrDefault(req.MissionID),
	}
	if req.ProfileImageURL != "" {
		ref, err := s.loadRemote(r, req.ProfileImageURL)
		if err != nil {
			return nil, err
		}
		in.Reference = ref
	}
	return in, nil
}

func (s *Server) parseCheckForm(r *http.Request) (*admission.CheckInput, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "invalid multipart form", goerr.V("cause", err.Error()))
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		return nil, admission.ErrMissingUserID
	}

	img, err := formImage(r.MultipartForm, "image")
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "image file is required", goerr.V("user_id", userID))
	}
	ref, err := formImage(r.MultipartForm, "profile_image")
	if err != nil {
		return nil, err
	}

	return &admission.CheckInput{
		Image:     img,
		Reference: ref,
		UserID:    userID,
		MissionID: missionOrDefault(r.FormValue("mission_id")),
	}, nil
}

// formImage decodes the named file field. It returns nil when the field is
// absent.
func formImage(form *multipart.Form, field string) (*model.Image, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}

	f, err := files[0].Open()
	if err != nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "failed to open uploaded file", goerr.V("field", field), goerr.V("cause", err.Error()))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "failed to read uploaded file", goerr.V("field", field), goerr.V("cause", err.Error()))
	}
	return adapter.Decode("", data)
}

// loadRemote resolves a client supplied reference. Only http(s) URLs are
// accepted so that requests cannot read local files.
func (s *Server) loadRemote(r *http.Request, ref string) (*model.Image, error) {
	if ref == "" {
		return nil, goerr.Wrap(admission.ErrMissingImage, "image_url is required")
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, goerr.Wrap(adapter.ErrImageFetch, "image_url must be an http(s) URL", goerr.V("image_url", ref))
	}
	return s.uc.Load(r.Context(), ref)
}

// POST /api/v1/check/batch
func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.UserID == "" || len(req.Images) == 0 {
		badRequest(w, "user_id and images are required")
		return
	}
	if s.maxBatch > 0 && len(req.Images) > s.maxBatch {
		badRequest(w, "at most "+strconv.Itoa(s.maxBatch)+" images are allowed per batch")
		return
	}
	for i, item := range req.Images {
		if item.Source != "" && !strings.HasPrefix(item.Source, "http://") && !strings.HasPrefix(item.Source, "https://") {
			badRequest(w, "images["+strconv.Itoa(i)+"].image_url must be an http(s) URL")
			return
		}
	}

	result, err := s.uc.CheckBatch(r.Context(), req.UserID, req.Images)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/v1/presence
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	img, err := s.parseImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.uc.DetectPresence(r.Context(), img)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/v1/synthetic
func (s *Server) handleSynthetic(w http.ResponseWriter, r *http.Request) {
	img, err := s.parseImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.uc.DetectSynthetic(r.Context(), img)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) parseImage(r *http.Request) (*model.Image, error) {
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, goerr.Wrap(admission.ErrMissingImage, "invalid request body", goerr.V("cause", err.Error()))
	}
	return s.loadRemote(r, req.ImageURL)
}

// GET /api/v1/users/{user_id}/history?limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history, err := s.uc.ListHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = model.HistorySnapshot{}
	}
	writeJSON(w, http.StatusOK, &historyResponse{
		UserID:  userID,
		Count:   len(history),
		History: history,
	})
}

// DELETE /api/v1/fingerprints/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.uc.SoftDelete, model.StatusDeleted)
}

// POST /api/v1/fingerprints/{id}/archive
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.uc.Archive, model.StatusArchived)
}

type statusResponse struct {
	ID     model.FingerprintID `json:"id"`
	Status model.Status        `json:"status"`
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id model.FingerprintID) error, status model.Status) {
	id := model.FingerprintID(chi.URLParam(r, "id"))
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, &errorResponse{Error: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &statusResponse{ID: id, Status: status})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := &healthResponse{Status: "healthy", Timestamp: s.now().UTC()}
	if err := s.uc.Health(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func missionOrDefault(id string) string {
	if id == "" {
		return defaultMissionID
	}
	return id
}
