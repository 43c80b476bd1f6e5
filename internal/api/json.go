package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/starford/sift/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	// Kind is the error taxonomy name for store and extractor failures.
	Kind string `json:"kind,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// internalBody hides err's message but keeps its taxonomy kind.
func internalBody(err error) errResponse {
	body := errResponse{Error: "internal error"}
	if k := apperr.Kind(err); k != "Error" {
		body.Kind = k
	}
	return body
}
