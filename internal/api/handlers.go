package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
)

var errBadRequest = errors.New("bad request")

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// fail maps a service error to a status code.
func fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, internalBody(err))
	}
}

// Stats handles GET /api/stats.
//
//	@Summary		Estimated record count of a collection
//	@Tags			status
//	@Produce		json
//	@Param			collection	query		string	false	"Collection name"
//	@Success		200			{object}	StatsResponse
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Stats(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTask handles GET /api/tasks/{id}.
//
//	@Summary		Get a registered task
//	@Tags			registry
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	models.Task
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id} [get]
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetUnit handles GET /api/units/{id}.
//
//	@Summary		Get a source unit and its outcome history
//	@Tags			registry
//	@Produce		json
//	@Param			id	path		string	true	"Source unit id"
//	@Success		200	{object}	UnitDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/units/{id} [get]
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.svc.Unit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, "get unit", err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// GetRecord handles GET /api/records?key={...}.
//
//	@Summary		Look up a reconciled record by key
//	@Tags			records
//	@Produce		json
//	@Param			collection	query		string	false	"Collection name"
//	@Param			key			query		string	true	"JSON object of key fields"
//	@Success		200			{object}	models.StoredRecord
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("key")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'key' is required"))
		return
	}
	var key models.Record
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("key must be a JSON object"))
		return
	}
	rec, err := h.svc.Record(r.Context(), q.Get("collection"), key)
	if err != nil {
		fail(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
