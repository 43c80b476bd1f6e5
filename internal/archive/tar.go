package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decompress wraps r with the stream decoder for kind. The returned closer
// releases decoder resources and is never nil.
func decompress(kind Kind, r io.Reader) (io.Reader, func(), error) {
	switch kind {
	case KindTarGzip, KindGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { _ = gz.Close() }, nil
	case KindTarZstd, KindZstd:
		zd, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zd, zd.Close, nil
	default:
		return r, func() {}, nil
	}
}

func expandTar(ctx context.Context, kind Kind, path, dir string, emit func(Leaf) error) error {
	f, err := os.Open(path)
	if err != nil {
		return finish(path, err)
	}
	defer f.Close()

	r, release, err := decompress(kind, f)
	if err != nil {
		return finish(path, err)
	}
	defer release()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return finish(path, err)
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size == 0 {
			continue
		}
		err = extractTo(dir, hdr.Name, tr, Leaf{Size: hdr.Size, ModTime: hdr.ModTime}, emit)
		if err != nil {
			return finish(path, err)
		}
	}
}

// expandSingle handles a single compressed stream (data.csv.gz); its one
// member is named after the container without the compression suffix.
func expandSingle(ctx context.Context, kind Kind, leaf Leaf, dir string, emit func(Leaf) error) error {
	f, err := os.Open(leaf.LocalPath)
	if err != nil {
		return finish(leaf.LocalPath, err)
	}
	defer f.Close()

	r, release, err := decompress(kind, f)
	if err != nil {
		return finish(leaf.LocalPath, err)
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}

	name := memberName(kind, leaf.Name)
	if name == "" {
		return finish(leaf.LocalPath, fmt.Errorf("cannot derive member name from %q", leaf.Name))
	}
	meta := Leaf{ModTime: leaf.ModTime}
	if gz, ok := r.(*gzip.Reader); ok && !gz.ModTime.IsZero() {
		meta.ModTime = gz.ModTime
	}
	return finish(leaf.LocalPath, extractTo(dir, name, r, meta, emit))
}

func memberName(kind Kind, container string) string {
	base := container
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	ext := ".gz"
	if kind == KindZstd {
		ext = ".zst"
	}
	if len(base) <= len(ext) {
		return ""
	}
	return base[:len(base)-len(ext)]
}
