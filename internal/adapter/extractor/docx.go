package extractor

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/fumiama/go-docx"
)

// DOCX extracts paragraphs, tables, core properties and media from Word
// documents.
type DOCX struct {
	types typeSet
}

// NewDOCX creates a new DOCX capability.
func NewDOCX() *DOCX {
	return &DOCX{types: typeSet{
		mimes:   []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		exts:    []string{".docx"},
		generic: []string{"application/zip"},
	}}
}

// Name returns the capability identifier.
func (d *DOCX) Name() string { return "docx" }

// Formats returns the handled extensions.
func (d *DOCX) Formats() []string { return d.types.exts }

// Accepts reports whether the detected type is a Word document.
func (d *DOCX) Accepts(mime, ext string) bool { return d.types.accepts(mime, ext) }

// Extract writes paragraphs in document order; tables follow a "Table:" line
// with cells joined by " | ".
func (d *DOCX) Extract(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
	meta, err := baseMetadata(src, "DOCXExtractor")
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer zr.Close()

	var (
		hasBody bool
		media   []*zip.File
	)
	for _, f := range zr.File {
		switch {
		case f.Name == "word/document.xml":
			hasBody = true
		case f.Name == "docProps/core.xml":
			if err := readCoreProps(f, meta); err != nil {
				meta.Properties["core_properties_error"] = err.Error()
			}
		case strings.HasPrefix(f.Name, "word/media/") && !f.FileInfo().IsDir():
			media = append(media, f)
		}
	}
	if !hasBody {
		return nil, errors.New("not a Word document: word/document.xml missing")
	}

	doc, err := parseDocx(src)
	if err != nil {
		return nil, err
	}
	body, err := readBody(ctx, doc)
	if err != nil {
		return nil, err
	}
	meta.Properties["paragraph_count"] = body.paragraphs
	meta.Properties["word_count"] = body.words

	images, err := saveMedia(media, outDir)
	if err != nil {
		return nil, err
	}

	return finish(outDir, strings.Join(body.lines, "\n"), meta, images)
}

func parseDocx(src string) (*docx.Docx, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	doc, err := docx.Parse(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("parse document body: %w", err)
	}
	return doc, nil
}

type coreProps struct {
	Title          string `xml:"title"`
	Subject        string `xml:"subject"`
	Creator        string `xml:"creator"`
	Keywords       string `xml:"keywords"`
	Description    string `xml:"description"`
	LastModifiedBy string `xml:"lastModifiedBy"`
	Revision       string `xml:"revision"`
	Created        string `xml:"created"`
	Modified       string `xml:"modified"`
	Category       string `xml:"category"`
	ContentStatus  string `xml:"contentStatus"`
	Identifier     string `xml:"identifier"`
	Language       string `xml:"language"`
	Version        string `xml:"version"`
}

func readCoreProps(f *zip.File, meta *domain.DocumentMetadata) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	var cp coreProps
	if err := xml.NewDecoder(rc).Decode(&cp); err != nil {
		return fmt.Errorf("parse core properties: %w", err)
	}

	meta.Title = cp.Title
	meta.Author = cp.Creator
	meta.Subject = cp.Subject
	if cp.Keywords != "" {
		meta.Keywords = splitKeywords(cp.Keywords)
	}
	meta.CreatedAt = parseTime(cp.Created)
	if mod := parseTime(cp.Modified); mod != nil {
		meta.ModifiedAt = mod
	}

	props := meta.Properties
	setIf(props, "category", cp.Category)
	setIf(props, "comments", cp.Description)
	setIf(props, "content_status", cp.ContentStatus)
	setIf(props, "created", cp.Created)
	setIf(props, "identifier", cp.Identifier)
	setIf(props, "language", cp.Language)
	setIf(props, "last_modified_by", cp.LastModifiedBy)
	setIf(props, "modified", cp.Modified)
	setIf(props, "revision", cp.Revision)
	setIf(props, "version", cp.Version)
	return nil
}

type docxBody struct {
	lines      []string
	paragraphs int
	words      int
}

// readBody renders the top-level body items. Nested tables fold into the
// cell that holds them.
func readBody(ctx context.Context, doc *docx.Docx) (*docxBody, error) {
	var body docxBody
	count := func(text string) {
		body.paragraphs++
		body.words += len(strings.Fields(text))
	}

	for i, item := range doc.Document.Body.Items {
		if i%256 == 255 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		switch it := item.(type) {
		case *docx.Paragraph:
			text := paragraphText(it)
			if text == "" {
				body.paragraphs++
				continue
			}
			count(text)
			body.lines = append(body.lines, text)
		case *docx.Table:
			rows := tableRows(it, count)
			if len(rows) > 0 {
				body.lines = append(body.lines, "Table:")
				body.lines = append(body.lines, rows...)
				body.lines = append(body.lines, "")
			}
		}
	}
	return &body, nil
}

func tableRows(t *docx.Table, count func(string)) []string {
	var rows []string
	for _, row := range t.TableRows {
		cells := make([]string, 0, len(row.TableCells))
		for _, cell := range row.TableCells {
			cells = append(cells, cellText(cell, count))
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return rows
}

func cellText(cell *docx.WTableCell, count func(string)) string {
	var parts []string
	for _, p := range cell.Paragraphs {
		if text := paragraphText(p); text != "" {
			count(text)
			parts = append(parts, strings.ReplaceAll(text, "\n", " "))
		}
	}
	for _, nested := range cell.Tables {
		parts = append(parts, tableRows(nested, count)...)
	}
	return strings.Join(parts, " ")
}

func paragraphText(p *docx.Paragraph) string {
	var sb strings.Builder
	for _, child := range p.Children {
		switch c := child.(type) {
		case *docx.Run:
			runText(&sb, c)
		case *docx.Hyperlink:
			runText(&sb, &c.Run)
		}
	}
	return strings.TrimSpace(sb.String())
}

func runText(sb *strings.Builder, r *docx.Run) {
	for _, child := range r.Children {
		switch c := child.(type) {
		case *docx.Text:
			sb.WriteString(c.Text)
		case *docx.Tab:
			sb.WriteByte('\t')
		}
	}
}

// saveMedia copies the package's media parts to images/ in name order.
func saveMedia(media []*zip.File, outDir string) ([]string, error) {
	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })

	var saved []string
	for _, part := range media {
		data, err := readPart(part)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", part.Name, err)
		}
		name := fmt.Sprintf("docx_img_%d%s", len(saved)+1, strings.ToLower(path.Ext(part.Name)))
		rel, err := saveImage(outDir, name, data)
		if err != nil {
			return nil, fmt.Errorf("save image: %w", err)
		}
		saved = append(saved, rel)
	}
	return saved, nil
}

func readPart(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
