package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// Keep pdfcpu from creating its config directory under the user's home.
	api.DisableConfigDir()
}

// PDF extracts per-page text, embedded images and the document information
// dictionary.
type PDF struct {
	types typeSet
}

// NewPDF creates a new PDF capability.
func NewPDF() *PDF {
	return &PDF{types: typeSet{
		mimes: []string{"application/pdf"},
		exts:  []string{".pdf"},
	}}
}

// Name returns the capability identifier.
func (p *PDF) Name() string { return "pdf" }

// Formats returns the handled extensions.
func (p *PDF) Formats() []string { return p.types.exts }

// Accepts reports whether the detected type is PDF.
func (p *PDF) Accepts(mime, ext string) bool { return p.types.accepts(mime, ext) }

// Extract writes each page under a "--- Page N ---" header.
func (p *PDF) Extract(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
	meta, err := baseMetadata(src, "PDFExtractor")
	if err != nil {
		return nil, err
	}

	f, r, err := pdf.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	readInfo(r, meta)

	pages := r.NumPage()
	meta.Pages = pages

	var text []string
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		var body string
		if !page.V.IsNull() {
			body, err = page.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
		}
		text = append(text, fmt.Sprintf("--- Page %d ---\n%s\n", i, strings.TrimSpace(body)))
	}

	images, err := savePDFImages(ctx, src, outDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		meta.Properties["image_extraction_error"] = err.Error()
	}

	return finish(outDir, strings.Join(text, "\n"), meta, images)
}

// savePDFImages writes every image XObject as page_N_img_M.<type>, ordered
// by page and then object number. Images are stored as encoded in the file.
func savePDFImages(ctx context.Context, src, outDir string) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.ExtractImagesRaw(f, nil, conf)
	if err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}

	var imgs []model.Image
	for _, page := range pages {
		for _, img := range page {
			imgs = append(imgs, img)
		}
	}
	sort.Slice(imgs, func(i, j int) bool {
		if imgs[i].PageNr != imgs[j].PageNr {
			return imgs[i].PageNr < imgs[j].PageNr
		}
		return imgs[i].ObjNr < imgs[j].ObjNr
	})

	var (
		saved   []string
		perPage = make(map[int]int)
	)
	for _, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if img.Reader == nil {
			continue
		}
		data, err := io.ReadAll(img)
		if err != nil {
			return saved, fmt.Errorf("read image %d on page %d: %w", img.ObjNr, img.PageNr, err)
		}
		if len(data) == 0 {
			continue
		}
		perPage[img.PageNr]++
		ext := img.FileType
		if ext == "" {
			ext = "bin"
		}
		name := fmt.Sprintf("page_%d_img_%d.%s", img.PageNr, perPage[img.PageNr], ext)
		rel, err := saveImage(outDir, name, data)
		if err != nil {
			return saved, fmt.Errorf("save %s: %w", name, err)
		}
		saved = append(saved, rel)
	}
	return saved, nil
}

func readInfo(r *pdf.Reader, meta *domain.DocumentMetadata) {
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return
	}

	meta.Title = info.Key("Title").Text()
	meta.Author = info.Key("Author").Text()
	meta.Subject = info.Key("Subject").Text()
	if kw := info.Key("Keywords").Text(); kw != "" {
		meta.Keywords = splitKeywords(kw)
	}

	props := meta.Properties
	setIf(props, "creator", info.Key("Creator").Text())
	setIf(props, "producer", info.Key("Producer").Text())
	setIf(props, "creation_date_pdf", info.Key("CreationDate").Text())
	setIf(props, "modification_date_pdf", info.Key("ModDate").Text())
	props["encrypted"] = !r.Trailer().Key("Encrypt").IsNull()
}
