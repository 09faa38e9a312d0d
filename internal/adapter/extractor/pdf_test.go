package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// buildPDF writes a minimal single-font PDF with one page per entry in pages.
func buildPDF(t *testing.T, title string, pages ...string) string {
	t.Helper()

	n := len(pages)
	// 1 catalog, 2 pages, 3 font, 4 info, then page/content pairs.
	var objs []string
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 5+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Title (%s) /Author (Ada) /Keywords (alpha, beta) /Producer (test) >>", title),
	)
	for i, text := range pages {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 3 0 R >> >> >>", 6+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	return writePDF(t, objs)
}

// writePDF serialises numbered objects (1-based, object 1 the catalog and
// object 4 the info dictionary) with a matching xref table.
func writePDF(t *testing.T, objs []string) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info 4 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	p := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPDF_Extract(t *testing.T) {
	src := buildPDF(t, "Annual Report", "Hello first page", "Second page here")
	out := t.TempDir()

	res, err := NewPDF().Extract(context.Background(), src, out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	content := readArtifact(t, out, ContentFile)
	first := strings.Index(content, "--- Page 1 ---")
	second := strings.Index(content, "--- Page 2 ---")
	if first < 0 || second < first {
		t.Fatalf("page headers missing or out of order:\n%s", content)
	}
	if !strings.Contains(content[first:second], "Hello first page") {
		t.Errorf("page 1 text missing:\n%s", content)
	}
	if !strings.Contains(content[second:], "Second page here") {
		t.Errorf("page 2 text missing:\n%s", content)
	}

	meta := readMetadata(t, out)
	if meta.Pages != 2 {
		t.Errorf("pages = %d, want 2", meta.Pages)
	}
	if meta.Title != "Annual Report" || meta.Author != "Ada" {
		t.Errorf("metadata = %q %q", meta.Title, meta.Author)
	}
	if len(meta.Keywords) != 2 {
		t.Errorf("keywords = %v", meta.Keywords)
	}
	if meta.Properties["producer"] != "test" {
		t.Errorf("producer = %v", meta.Properties["producer"])
	}
	if res.TextLength == 0 {
		t.Error("TextLength = 0")
	}
	if len(res.Images) != 0 {
		t.Errorf("Images = %v, want none", res.Images)
	}
}

func TestPDF_Extract_Images(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{G: 255, A: 255})
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, img, nil); err != nil {
		t.Fatal(err)
	}

	stream := "BT /F1 12 Tf 72 712 Td (Chart below) Tj ET q 2 0 0 2 72 600 cm /Im1 Do Q"
	src := writePDF(t, []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [5 0 R] /Count 1 >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		"<< /Title (Charts) >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 6 0 R /Resources << /Font << /F1 3 0 R >> /XObject << /Im1 7 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		fmt.Sprintf("<< /Type /XObject /Subtype /Image /Width 2 /Height 2 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n%s\nendstream", jpg.Len(), jpg.String()),
	})
	out := t.TempDir()

	res, err := NewPDF().Extract(context.Background(), src, out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	meta := readMetadata(t, out)
	if msg, ok := meta.Properties["image_extraction_error"]; ok {
		t.Fatalf("image extraction failed: %v", msg)
	}
	if len(res.Images) != 1 || res.Images[0] != "images/page_1_img_1.jpg" {
		t.Fatalf("Images = %v, want [images/page_1_img_1.jpg]", res.Images)
	}
	data, err := os.ReadFile(filepath.Join(out, "images", "page_1_img_1.jpg"))
	if err != nil {
		t.Fatalf("image not written: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("saved image is not a JPEG: %v", err)
	}
	if cfg.Width != 2 || cfg.Height != 2 {
		t.Errorf("image size = %dx%d, want 2x2", cfg.Width, cfg.Height)
	}
	if !strings.Contains(readArtifact(t, out, ContentFile), "Chart below") {
		t.Error("page text missing")
	}
}

func TestPDF_Extract_Cancelled(t *testing.T) {
	src := buildPDF(t, "x", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewPDF().Extract(ctx, src, t.TempDir()); err == nil {
		t.Error("Extract() expected error for cancelled context")
	}
}

func TestPDF_Extract_Corrupt(t *testing.T) {
	src := writeSource(t, "bad.pdf", "%PDF-1.4\nthis is not a pdf body")

	if _, err := NewPDF().Extract(context.Background(), src, t.TempDir()); err == nil {
		t.Error("Extract() expected error for corrupt PDF")
	}
}
