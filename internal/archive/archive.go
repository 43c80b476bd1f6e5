// Package archive flattens plain files and (possibly nested) archive
// containers into leaf members with provenance chains.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/sift/internal/apperr"
)

// Kind identifies a recognized container format.
type Kind int

const (
	KindNone Kind = iota
	KindZip
	KindTar
	KindTarGzip
	KindTarZstd
	KindGzip
	KindZstd
)

// Detect returns the container kind for name by extension.
func Detect(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, ".zip"):
		return KindZip
	case strings.HasSuffix(n, ".tar"):
		return KindTar
	case strings.HasSuffix(n, ".tar.gz"), strings.HasSuffix(n, ".tgz"):
		return KindTarGzip
	case strings.HasSuffix(n, ".tar.zst"), strings.HasSuffix(n, ".tzst"):
		return KindTarZstd
	case strings.HasSuffix(n, ".gz"):
		return KindGzip
	case strings.HasSuffix(n, ".zst"):
		return KindZstd
	}
	return KindNone
}

// Leaf is one non-container member reached by flattening.
type Leaf struct {
	// Name is the base name for a top-level plain file and the
	// path as stored in the container for nested members.
	Name string
	// LocalPath is readable until the WalkFunc for this leaf returns.
	LocalPath string
	// Source lists the containers traversed to reach the leaf, outermost
	// first. Empty for a plain file.
	Source  []string
	Size    int64
	ModTime time.Time
}

// WalkFunc is called once per leaf, in container order.
type WalkFunc func(ctx context.Context, leaf Leaf) error

// SkipAll may be returned by a WalkFunc to stop flattening without error.
var SkipAll = errors.New("archive: skip all")

// Flattener expands containers into scoped temporary directories that are
// removed on every exit path.
type Flattener struct {
	// TempDir is the parent of the scoped extraction directories.
	// Empty means os.TempDir().
	TempDir string
}

// Walk flattens path and calls fn for every leaf. Re-invoking Walk with the
// same path yields the same leaves. An unreadable or corrupt container fails
// the call with an *apperr.ArchiveError; errors returned by fn are passed
// through unchanged.
func (f *Flattener) Walk(ctx context.Context, path string, fn WalkFunc) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", path, err)
	}
	top := Leaf{
		Name:      filepath.Base(path),
		LocalPath: path,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
	}
	err = f.walk(ctx, top, nil, fn)
	if errors.Is(err, SkipAll) {
		return nil
	}
	return err
}

func (f *Flattener) walk(ctx context.Context, leaf Leaf, chain []string, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := Detect(leaf.Name)
	if kind == KindNone {
		leaf.Source = append([]string{}, chain...)
		return fn(ctx, leaf)
	}

	dir, err := os.MkdirTemp(f.TempDir, "sift-x-*")
	if err != nil {
		return apperr.Archive(leaf.LocalPath, err)
	}
	defer os.RemoveAll(dir)

	child := append(append([]string{}, chain...), leaf.Name)
	emit := func(m Leaf) error {
		return f.walk(ctx, m, child, fn)
	}

	switch kind {
	case KindZip:
		return expandZip(ctx, leaf.LocalPath, dir, emit)
	case KindGzip, KindZstd:
		return expandSingle(ctx, kind, leaf, dir, emit)
	default:
		return expandTar(ctx, kind, leaf.LocalPath, dir, emit)
	}
}

// callbackError marks errors that came from the walk callback so container
// readers can pass them through without reclassifying them.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

// extractTo copies r into dir/name, runs emit for the extracted member and
// removes it afterwards. Empty members are not emitted. name must be local
// to the container.
func extractTo(dir, name string, r io.Reader, meta Leaf, emit func(Leaf) error) error {
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("unsafe member path %q", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(target)
		return err
	}
	defer os.Remove(target)
	if n == 0 {
		return nil
	}

	meta.Name = name
	meta.LocalPath = target
	if meta.Size == 0 {
		meta.Size = n
	}
	if err := emit(meta); err != nil {
		return callbackError{err}
	}
	return nil
}

// finish converts a container-level failure into an ArchiveError while
// passing callback errors through untouched.
func finish(path string, err error) error {
	if err == nil {
		return nil
	}
	var cb callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Archive(path, err)
}
