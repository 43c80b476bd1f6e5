package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
)

// DefaultBatchSize is the number of rows per batch when batch_size is unset.
const DefaultBatchSize = 500

// Record field names produced by the sheet extractor.
const (
	FieldSheet      = "_sh"
	FieldSheetIndex = "_shid"
	FieldRowNumber  = "_r"
	FieldRow        = "_row"
)

// Sheet reads spreadsheet rows: xlsx/xlsm workbooks and csv/tsv files.
type Sheet struct{}

// NewSheet returns the spreadsheet extractor.
func NewSheet() *Sheet { return &Sheet{} }

func (*Sheet) Info() Info {
	return Info{
		Name:          "sheet",
		Build:         1,
		Rev:           20251005,
		PreferredKeys: []string{FieldRow, FieldSheetIndex, FieldRowNumber},
		Doc:           "Default extractor for spreadsheet files. Available formats: xlsx, xlsm, csv, tsv.",
		Package:       "github.com/starford/sift/internal/extract",
	}
}

func (*Sheet) Open(_ context.Context, localPath string, opts models.Options) (BatchSource, error) {
	size := opts.Int("batch_size", DefaultBatchSize)
	if size <= 0 {
		size = DefaultBatchSize
	}

	var (
		book workbook
		err  error
	)
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".xlsx", ".xlsm":
		book, err = openXLSX(localPath)
	case ".csv":
		book, err = openDelimited(localPath, ',')
	case ".tsv":
		book, err = openDelimited(localPath, '\t')
	default:
		return Empty{}, nil
	}
	if err != nil {
		return nil, apperr.Extractor(localPath, err)
	}

	var sheets []sheetRef
	want := opts.Strings("sheets")
	for i, name := range book.sheets() {
		if len(want) > 0 && !slices.Contains(want, name) {
			continue
		}
		sheets = append(sheets, sheetRef{name: name, index: i})
	}
	return &sheetSource{path: localPath, book: book, sheets: sheets, size: size}, nil
}

type sheetRef struct {
	name  string
	index int
}

// workbook is a source of named sheets.
type workbook interface {
	sheets() []string
	rows(sheet string) (rowReader, error)
	close() error
}

// rowReader returns io.EOF after the last row.
type rowReader interface {
	next() ([]string, error)
	close() error
}

type sheetSource struct {
	path   string
	book   workbook
	sheets []sheetRef
	size   int

	pos     int
	cur     rowReader
	row     int
	emitted bool
}

func (s *sheetSource) Next(ctx context.Context) (models.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Batch{}, err
		}
		if s.cur == nil {
			if s.pos >= len(s.sheets) {
				return models.Batch{}, io.EOF
			}
			rr, err := s.book.rows(s.sheets[s.pos].name)
			if err != nil {
				return models.Batch{}, s.wrap(err)
			}
			s.cur, s.row, s.emitted = rr, 0, false
		}

		ref := s.sheets[s.pos]
		var (
			recs []models.Record
			done bool
		)
		for len(recs) < s.size {
			cols, err := s.cur.next()
			if errors.Is(err, io.EOF) {
				done = true
				break
			}
			if err != nil {
				return models.Batch{}, s.wrap(err)
			}
			s.row++
			if blank(cols) {
				continue
			}
			row := make([]any, len(cols))
			for i, c := range cols {
				row[i] = c
			}
			recs = append(recs, models.Record{FieldRowNumber: s.row, FieldRow: row})
		}

		if done {
			s.cur.close()
			s.cur = nil
			s.pos++
			if len(recs) == 0 && s.emitted {
				continue
			}
		}
		s.emitted = true
		return models.Batch{
			Records: recs,
			Extra:   map[string]any{FieldSheet: ref.name, FieldSheetIndex: ref.index},
		}, nil
	}
}

func (s *sheetSource) Close() error {
	if s.cur != nil {
		s.cur.close()
		s.cur = nil
	}
	return s.book.close()
}

func (s *sheetSource) wrap(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &apperr.ExtractorError{
			Path:     s.path,
			Err:      pe.Err,
			Location: &apperr.Location{File: filepath.Base(s.path), Line: pe.Line, Column: pe.Column},
		}
	}
	return apperr.Extractor(s.path, err)
}

func blank(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

type xlsxBook struct {
	f *excelize.File
}

func openXLSX(path string) (*xlsxBook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &xlsxBook{f: f}, nil
}

func (b *xlsxBook) sheets() []string { return b.f.GetSheetList() }

func (b *xlsxBook) rows(sheet string) (rowReader, error) {
	rows, err := b.f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("sheet %q: %w", sheet, err)
	}
	return &xlsxRows{rows: rows}, nil
}

func (b *xlsxBook) close() error { return b.f.Close() }

type xlsxRows struct {
	rows *excelize.Rows
}

func (r *xlsxRows) next() ([]string, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return r.rows.Columns()
}

func (r *xlsxRows) close() error { return r.rows.Close() }

// delimitedBook exposes a csv/tsv file as a single sheet named after the file.
type delimitedBook struct {
	path  string
	comma rune
}

func openDelimited(path string, comma rune) (*delimitedBook, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &delimitedBook{path: path, comma: comma}, nil
}

func (b *delimitedBook) sheets() []string {
	return []string{strings.TrimSuffix(filepath.Base(b.path), filepath.Ext(b.path))}
}

func (b *delimitedBook) rows(string) (rowReader, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.Comma = b.comma
	r.FieldsPerRecord = -1
	return &delimitedRows{f: f, r: r}, nil
}

func (b *delimitedBook) close() error { return nil }

type delimitedRows struct {
	f *os.File
	r *csv.Reader
}

func (r *delimitedRows) next() ([]string, error) { return r.r.Read() }
func (r *delimitedRows) close() error            { return r.f.Close() }
