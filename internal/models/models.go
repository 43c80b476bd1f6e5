// Package models defines the domain types for sift.
package models

import "time"

// Task is a registered extractor configuration. Two registrations with the
// same name, build, rev, preferred keys, options and tags are the same Task.
type Task struct {
	ID            string         `json:"id"`
	Fingerprint   string         `json:"fingerprint"`
	Name          string         `json:"name"`
	Build         int            `json:"build"`
	Rev           int            `json:"rev"`
	PreferredKeys []string       `json:"preferred_keys,omitempty"`
	Options       Options        `json:"options"`
	Tags          map[string]any `json:"tags,omitempty"`
	Doc           string         `json:"doc,omitempty"`
	Package       string         `json:"package,omitempty"`
	CreatedAt     time.Time      `json:"created"`
}

// SourceUnit is one leaf input: a plain file or a member extracted from a
// (possibly nested) archive.
type SourceUnit struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"`
	Name        string         `json:"name"`
	Dir         string         `json:"dirname"`
	Source      []string       `json:"source"`
	Tags        map[string]any `json:"tags,omitempty"`
	FileInfo    *FileInfo      `json:"file_info,omitempty"`
	History     []HistoryEntry `json:"records,omitempty"`
	CreatedAt   time.Time      `json:"created"`
	UpdatedAt   time.Time      `json:"updated,omitempty"`
}

// FileInfo is the file metadata captured when a SourceUnit is first registered.
type FileInfo struct {
	ModTime   time.Time `json:"mtime"`
	Timestamp int64     `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Owner identifies the (Task, SourceUnit) pair a provenance entry belongs to.
type Owner struct {
	TaskID string `json:"task_id"`
	UnitID string `json:"unit_id"`
}
