package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/xuri/excelize/v2"
)

const (
	xlsxMaxRows = 10000
	xlsxMaxCols = 100
	// After this many rows an empty row ends the sheet.
	xlsxDenseRows = 100
)

// XLSX extracts cell text, properties and embedded pictures from workbooks.
type XLSX struct {
	types typeSet
}

// NewXLSX creates a new XLSX capability.
func NewXLSX() *XLSX {
	return &XLSX{types: typeSet{
		mimes:   []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		exts:    []string{".xlsx"},
		generic: []string{"application/zip"},
	}}
}

// Name returns the capability identifier.
func (x *XLSX) Name() string { return "xlsx" }

// Formats returns the handled extensions.
func (x *XLSX) Formats() []string { return x.types.exts }

// Accepts reports whether the detected type is an XLSX workbook.
func (x *XLSX) Accepts(mime, ext string) bool { return x.types.accepts(mime, ext) }

// Extract writes one section per sheet with cells joined by " | ".
func (x *XLSX) Extract(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
	meta, err := baseMetadata(src, "XLSXExtractor")
	if err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(src)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	x.readProperties(f, meta, sheets)

	var (
		text   []string
		images []string
	)
	for i, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text = append(text, fmt.Sprintf("=== Sheet: %s ===\n", sheet))

		saved, err := x.savePictures(f, sheet, i+1, len(images), outDir)
		if err != nil {
			return nil, err
		}
		images = append(images, saved...)

		rows, err := x.readRows(ctx, f, sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		text = append(text, rows...)
		text = append(text, "\n")
	}

	return finish(outDir, strings.Join(text, "\n"), meta, images)
}

func (x *XLSX) readProperties(f *excelize.File, meta *domain.DocumentMetadata, sheets []string) {
	props := meta.Properties
	props["sheets_count"] = len(sheets)
	props["sheet_names"] = sheets

	if dp, err := f.GetDocProps(); err == nil && dp != nil {
		meta.Title = dp.Title
		meta.Author = dp.Creator
		meta.Subject = dp.Subject
		if dp.Keywords != "" {
			meta.Keywords = splitKeywords(dp.Keywords)
		}
		if created := parseTime(dp.Created); created != nil {
			meta.CreatedAt = created
		}
		setIf(props, "category", dp.Category)
		setIf(props, "comments", dp.Description)
		setIf(props, "created", dp.Created)
		setIf(props, "modified", dp.Modified)
		setIf(props, "last_modified_by", dp.LastModifiedBy)
		setIf(props, "revision", dp.Revision)
		setIf(props, "version", dp.Version)
		setIf(props, "language", dp.Language)
	}
	if ap, err := f.GetAppProps(); err == nil && ap != nil {
		setIf(props, "company", ap.Company)
		setIf(props, "application", ap.Application)
	}
}

func (x *XLSX) readRows(ctx context.Context, f *excelize.File, sheet string) ([]string, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for n := 1; n <= xlsxMaxRows && rows.Next(); n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		if len(cols) > xlsxMaxCols {
			cols = cols[:xlsxMaxCols]
		}
		if !hasData(cols) {
			if n > xlsxDenseRows {
				break
			}
			continue
		}
		out = append(out, strings.Join(cols, " | "))
	}
	return out, rows.Error()
}

func (x *XLSX) savePictures(f *excelize.File, sheet string, sheetNo, offset int, outDir string) ([]string, error) {
	// Pictures are best effort; a sheet whose drawing part is unreadable
	// still yields its cell text.
	cells, err := f.GetPictureCells(sheet)
	if err != nil {
		return nil, nil
	}

	var saved []string
	for _, cell := range cells {
		pics, err := f.GetPictures(sheet, cell)
		if err != nil {
			continue
		}
		for _, pic := range pics {
			if len(pic.File) == 0 {
				continue
			}
			name := fmt.Sprintf("xlsx_sheet_%d_img_%d%s", sheetNo, offset+len(saved)+1, pic.Extension)
			rel, err := saveImage(outDir, name, pic.File)
			if err != nil {
				return nil, fmt.Errorf("save image: %w", err)
			}
			saved = append(saved, rel)
		}
	}
	return saved, nil
}

func hasData(cols []string) bool {
	for _, c := range cols {
		if c != "" {
			return true
		}
	}
	return false
}

func setIf(props map[string]any, key, value string) {
	if value != "" {
		props[key] = value
	}
}
