package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/cwygoda/extractor/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Markdown extracts Markdown documents with YAML or TOML front matter.
type Markdown struct {
	types typeSet
	md    goldmark.Markdown
}

// NewMarkdown creates a new Markdown capability.
func NewMarkdown() *Markdown {
	return &Markdown{
		types: typeSet{
			mimes:   []string{"text/markdown", "text/x-markdown"},
			exts:    []string{".md", ".markdown", ".mdown", ".mkd"},
			generic: []string{"text/plain"},
		},
		md: goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Footnote)),
	}
}

// Name returns the capability identifier.
func (m *Markdown) Name() string { return "markdown" }

// Formats returns the handled extensions.
func (m *Markdown) Formats() []string { return m.types.exts }

// Accepts reports whether the detected type is Markdown.
func (m *Markdown) Accepts(mime, ext string) bool { return m.types.accepts(mime, ext) }

// Extract writes the document text, outline and front matter to outDir.
func (m *Markdown) Extract(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) {
		return nil, errors.New("document is not valid UTF-8")
	}

	meta, err := baseMetadata(src, "MarkdownExtractor")
	if err != nil {
		return nil, err
	}

	content := strings.ReplaceAll(string(raw), "\r\n", "\n")
	fm, format, body, fmErr := splitFrontMatter(content)

	props := meta.Properties
	props["has_front_matter"] = len(fm) > 0
	if fmErr != nil {
		props["front_matter_error"] = fmErr.Error()
	}
	if len(fm) > 0 {
		props["front_matter"] = fm
		props["front_matter_format"] = format
		applyFrontMatter(meta, fm)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := []byte(body)
	doc := m.md.Parser().Parse(text.NewReader(source))
	headings := outline(doc, source)
	if len(headings) > 0 {
		props["heading_structure"] = headings
	}
	plain := plainText(doc, source)

	lines := []string{"=== Markdown Document ===", ""}
	if len(fm) > 0 {
		lines = append(lines, "Front Matter:")
		for _, k := range sortedKeys(fm) {
			lines = append(lines, fmt.Sprintf("%s: %v", k, fm[k]))
		}
		lines = append(lines, "")
	}
	if len(headings) > 0 {
		lines = append(lines, "Document Structure:")
		lines = append(lines, headings...)
		lines = append(lines, "")
	}
	lines = append(lines, "Content:", plain)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return finish(outDir, strings.Join(lines, "\n"), meta, nil)
}

// splitFrontMatter separates a leading --- YAML or +++ TOML block from the
// body. A block that fails to parse is left in the body.
func splitFrontMatter(content string) (map[string]any, string, string, error) {
	var (
		delim  string
		format string
	)
	switch {
	case strings.HasPrefix(content, "---\n"):
		delim, format = "---", "yaml"
	case strings.HasPrefix(content, "+++\n"):
		delim, format = "+++", "toml"
	default:
		return nil, "", content, nil
	}

	end := strings.Index(content[4:], "\n"+delim+"\n")
	if end < 0 {
		return nil, "", content, nil
	}
	block := content[4 : 4+end]
	body := content[4+end+len(delim)+2:]

	fm := map[string]any{}
	var err error
	if format == "yaml" {
		err = yaml.Unmarshal([]byte(block), &fm)
	} else {
		err = toml.Unmarshal([]byte(block), &fm)
	}
	if err != nil {
		return nil, "", content, fmt.Errorf("parse %s front matter: %w", format, err)
	}
	return fm, format, body, nil
}

func applyFrontMatter(meta *domain.DocumentMetadata, fm map[string]any) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fm[k]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
	meta.Title = str("title")
	meta.Author = str("author")
	meta.Subject = str("subject", "description")

	for _, k := range []string{"keywords", "tags"} {
		switch v := fm[k].(type) {
		case string:
			meta.Keywords = splitKeywords(v)
		case []any:
			for _, item := range v {
				meta.Keywords = append(meta.Keywords, fmt.Sprint(item))
			}
		default:
			continue
		}
		break
	}
}

// outline lists headings, indented two spaces per level below the first.
func outline(doc ast.Node, src []byte) []string {
	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			title := strings.TrimSpace(inlineText(h, src))
			if title != "" {
				out = append(out, strings.Repeat("  ", h.Level-1)+title)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}

// plainText renders the document as one line per block; table rows are
// joined with " | ".
func plainText(doc ast.Node, src []byte) string {
	var lines []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			segs := n.Lines()
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				lines = append(lines, strings.TrimRight(string(seg.Value(src)), "\n"))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *east.TableHeader, *east.TableRow:
			var cells []string
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				cells = append(cells, strings.TrimSpace(inlineText(c, src)))
			}
			lines = append(lines, strings.Join(cells, " | "))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if t := strings.TrimSpace(inlineText(n, src)); t != "" {
				lines = append(lines, t)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(lines, "\n")
}

func inlineText(n ast.Node, src []byte) string {
	var b bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c := c.(type) {
		case *ast.Text:
			b.Write(c.Segment.Value(src))
			switch {
			case c.HardLineBreak():
				b.WriteByte('\n')
			case c.SoftLineBreak():
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(c.Value)
		case *ast.AutoLink:
			b.Write(c.Label(src))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
