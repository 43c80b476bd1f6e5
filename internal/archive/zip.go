package archive

import (
	"context"

	"github.com/klauspost/compress/zip"
)

func expandZip(ctx context.Context, path, dir string, emit func(Leaf) error) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return finish(path, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() || zf.UncompressedSize64 == 0 {
			continue
		}
		if err := extractZipMember(zf, dir, emit); err != nil {
			return finish(path, err)
		}
	}
	return nil
}

func extractZipMember(zf *zip.File, dir string, emit func(Leaf) error) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return extractTo(dir, zf.Name, rc, Leaf{
		Size:    int64(zf.UncompressedSize64),
		ModTime: zf.Modified,
	}, emit)
}
