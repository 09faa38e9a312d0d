package extractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Artifact names inside a job's output directory.
const (
	ContentFile  = "content.txt"
	MetadataFile = "metadata.json"
	MetaTextFile = "meta.txt"
	ImagesDir    = "images"
)

// typeSet describes which detected types and extensions a capability takes.
// A generic container type (a zip for Office files) is accepted only together
// with a matching extension.
type typeSet struct {
	mimes   []string
	exts    []string
	generic []string
}

func (ts typeSet) accepts(mime, ext string) bool {
	mime = baseMIME(mime)
	ext = strings.ToLower(ext)
	if contains(ts.mimes, mime) {
		return true
	}
	return contains(ts.generic, mime) && contains(ts.exts, ext)
}

func baseMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// baseMetadata fills the file-level fields every capability reports.
func baseMetadata(src, method string) (*domain.DocumentMetadata, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	mt, err := mimetype.DetectFile(src)
	if err != nil {
		return nil, fmt.Errorf("detect type: %w", err)
	}
	mod := info.ModTime().UTC()
	return &domain.DocumentMetadata{
		Filename:         filepath.Base(src),
		FileSize:         info.Size(),
		FileType:         strings.ToLower(filepath.Ext(src)),
		MIMEType:         mt.String(),
		ModifiedAt:       &mod,
		Keywords:         []string{},
		Properties:       map[string]any{},
		ExtractedAt:      time.Now().UTC(),
		ExtractionMethod: method,
	}, nil
}

// finish writes the text and metadata artifacts and builds the result.
func finish(outDir, text string, meta *domain.DocumentMetadata, images []string) (*domain.ExtractionResult, error) {
	textPath := filepath.Join(outDir, ContentFile)
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", ContentFile, err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, MetadataFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", MetadataFile, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, MetaTextFile), []byte(metaText(meta)), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", MetaTextFile, err)
	}

	if images == nil {
		images = []string{}
	}
	return &domain.ExtractionResult{
		Success:    true,
		TextPath:   textPath,
		TextLength: utf8.RuneCountInString(text),
		Metadata:   meta,
		Images:     images,
	}, nil
}

// saveImage writes an embedded image under images/ and returns its path
// relative to outDir.
func saveImage(outDir, name string, data []byte) (string, error) {
	dir := filepath.Join(outDir, ImagesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(ImagesDir, name)), nil
}

func metaText(m *domain.DocumentMetadata) string {
	orNA := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	stamp := func(t *time.Time) string {
		if t == nil {
			return "N/A"
		}
		return t.Format(time.RFC3339)
	}
	pages := "N/A"
	if m.Pages > 0 {
		pages = fmt.Sprint(m.Pages)
	}

	lines := []string{
		"Document Metadata",
		"================",
		"",
		"Filename: " + m.Filename,
		"File Size: " + humanize.Comma(m.FileSize) + " bytes (" + humanize.Bytes(uint64(m.FileSize)) + ")",
		"File Type: " + m.FileType,
		"MIME Type: " + m.MIMEType,
		"Creation Date: " + stamp(m.CreatedAt),
		"Modification Date: " + stamp(m.ModifiedAt),
		"Author: " + orNA(m.Author),
		"Title: " + orNA(m.Title),
		"Subject: " + orNA(m.Subject),
		"Keywords: " + orNA(strings.Join(m.Keywords, ", ")),
		"Pages: " + pages,
		"Extraction Timestamp: " + m.ExtractedAt.Format(time.RFC3339),
		"Extraction Method: " + m.ExtractionMethod,
		"",
	}

	if len(m.Properties) > 0 {
		lines = append(lines, "Document Properties:", "-------------------")
		keys := make([]string, 0, len(m.Properties))
		for k := range m.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", k, m.Properties[k]))
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func splitKeywords(s string) []string {
	out := []string{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
