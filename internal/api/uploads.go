package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	uploadDir      = "uploads"
	maxUploadBytes = 50 << 20 // 50 MB
)

// UploadHandler drops uploaded files into the watched source tree, where the
// watcher picks them up like any other new file.
type UploadHandler struct {
	root string
}

// NewUploadHandler creates a handler rooted at the watched directory.
func NewUploadHandler(root string) *UploadHandler {
	return &UploadHandler{root: root}
}

func (h *UploadHandler) uploadPath() string {
	return filepath.Join(h.root, uploadDir)
}

// safeName validates that the filename is a plain name (no path separators,
// no traversal) and returns the absolute path under the uploads dir.
func (h *UploadHandler) safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	abs := filepath.Join(h.uploadPath(), cleaned)
	if !strings.HasPrefix(abs, h.uploadPath()+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes uploads directory")
	}
	return abs, nil
}

// Upload handles POST /api/uploads (multipart/form-data, field "file").
//
// The file is written under a temporary name and renamed into place so the
// watcher never sees a partial file.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	abs, err := h.safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if err := os.MkdirAll(h.uploadPath(), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to create uploads dir"))
		return
	}

	tmp, err := os.CreateTemp(h.root, ".upload-*")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to create file"))
		return
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to write file"))
		return
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to store file"))
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Filename: header.Filename,
		Size:     written,
		Path:     uploadDir + "/" + header.Filename,
	})
}
