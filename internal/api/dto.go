package api

import "github.com/starford/sift/internal/models"

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Collection string `json:"collection" example:"dump" validate:"required"`
	Count      int64  `json:"count" example:"42" validate:"required"`
	Server     string `json:"server,omitempty" example:"SQLite version: 3.46.0"`
}

// UnitDetail is a source unit plus a summary of its history.
type UnitDetail struct {
	*models.SourceUnit
	Runs       int           `json:"runs" example:"3"`
	LastStatus models.Status `json:"last_status,omitempty" example:"completed"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Filename string `json:"filename" example:"ledger.csv" validate:"required"`
	Size     int64  `json:"size" example:"12345" validate:"required"`
	Path     string `json:"path" example:"uploads/ledger.csv" validate:"required"`
}
