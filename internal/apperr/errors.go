// Package apperr defines the error taxonomy shared across sift.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// Location points at the place in a source where a decode failed.
type Location struct {
	File   string
	Line   int
	Column int
	Text   string
}

// ArchiveError reports a corrupt or unreadable container.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// ExtractorError reports a format-specific decode failure. Location is set
// only when the decoder supplies one.
type ExtractorError struct {
	Path     string
	Err      error
	Location *Location
}

func (e *ExtractorError) Error() string {
	if e.Location != nil && e.Location.Line > 0 {
		return fmt.Sprintf("extract %s (line %d, column %d): %v", e.Path, e.Location.Line, e.Location.Column, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
}

func (e *ExtractorError) Unwrap() error { return e.Err }

// StoreError reports a connectivity or write failure from the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError reports a missing or malformed configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Archive wraps err as an ArchiveError unless it already is one.
func Archive(path string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return err
	}
	return &ArchiveError{Path: path, Err: err}
}

// Extractor wraps err as an ExtractorError unless it already is one.
func Extractor(path string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExtractorError
	if errors.As(err, &ee) {
		return err
	}
	return &ExtractorError{Path: path, Err: err}
}

// Store wraps err as a StoreError unless it already is one. ErrNotFound is
// returned unwrapped so callers can keep comparing against it.
func Store(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Config wraps err as a ConfigError unless it already is one.
func Config(path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Path: path, Err: err}
}

// Kind returns the taxonomy tag of err.
func Kind(err error) string {
	var (
		ae *ArchiveError
		ee *ExtractorError
		se *StoreError
		ce *ConfigError
	)
	switch {
	case errors.As(err, &ae):
		return "ArchiveError"
	case errors.As(err, &ee):
		return "ExtractorError"
	case errors.As(err, &se):
		return "StoreError"
	case errors.As(err, &ce):
		return "ConfigError"
	default:
		return "Error"
	}
}

// IsStore reports whether err is a StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
