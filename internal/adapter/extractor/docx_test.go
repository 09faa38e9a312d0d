package extractor

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const docxDocumentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
 xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
 xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<w:body>
<w:p><w:r><w:t>Quarterly</w:t></w:r><w:r><w:t xml:space="preserve"> summary</w:t></w:r></w:p>
<w:p></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>Region</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Sales</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>North</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>42</w:t></w:r></w:p><w:p><w:r><w:t>units</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>Closing words</w:t></w:r></w:p>
</w:body>
</w:document>`

const docxCore = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"
 xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/">
<dc:title>Q1 Report</dc:title>
<dc:creator>Ada</dc:creator>
<cp:keywords>sales, north</cp:keywords>
<cp:revision>3</cp:revision>
<dcterms:created>2024-01-02T03:04:05Z</dcterms:created>
</cp:coreProperties>`

const docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="png" ContentType="image/png"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rIdImg1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/>
<Relationship Id="rIdLink" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink" Target="https://example.com" TargetMode="External"/>
</Relationships>`

func buildDocx(t *testing.T, parts map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "report.docx")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range parts {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDOCX_Extract(t *testing.T) {
	src := buildDocx(t, map[string]string{
		"[Content_Types].xml":          docxContentTypes,
		"word/document.xml":            docxDocumentXML,
		"docProps/core.xml":            docxCore,
		"word/_rels/document.xml.rels": docxRels,
		"word/media/image1.png":        string(tinyPNG(t)),
	})
	out := t.TempDir()

	res, err := NewDOCX().Extract(context.Background(), src, out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := "Quarterly summary\nTable:\nRegion | Sales\nNorth | 42 units\n\nClosing words"
	if got := readArtifact(t, out, ContentFile); got != want {
		t.Errorf("content.txt =\n%q\nwant\n%q", got, want)
	}

	meta := readMetadata(t, out)
	if meta.Title != "Q1 Report" || meta.Author != "Ada" {
		t.Errorf("metadata = %q %q", meta.Title, meta.Author)
	}
	if len(meta.Keywords) != 2 || meta.Keywords[1] != "north" {
		t.Errorf("keywords = %v", meta.Keywords)
	}
	if meta.CreatedAt == nil || meta.CreatedAt.Year() != 2024 {
		t.Errorf("creation date = %v", meta.CreatedAt)
	}
	if meta.Properties["revision"] != "3" {
		t.Errorf("revision = %v", meta.Properties["revision"])
	}
	if meta.Properties["word_count"] != float64(9) {
		t.Errorf("word_count = %v, want 9", meta.Properties["word_count"])
	}

	if len(res.Images) != 1 || res.Images[0] != "images/docx_img_1.png" {
		t.Fatalf("Images = %v", res.Images)
	}
	if _, err := os.Stat(filepath.Join(out, "images", "docx_img_1.png")); err != nil {
		t.Errorf("image not written: %v", err)
	}
}

func TestDOCX_Extract_MissingBody(t *testing.T) {
	src := buildDocx(t, map[string]string{"docProps/core.xml": docxCore})

	_, err := NewDOCX().Extract(context.Background(), src, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "word/document.xml") {
		t.Errorf("Extract() error = %v", err)
	}
}

func TestDOCX_Extract_Malformed(t *testing.T) {
	src := buildDocx(t, map[string]string{"word/document.xml": "<w:document><w:body>"})

	if _, err := NewDOCX().Extract(context.Background(), src, t.TempDir()); err == nil {
		t.Error("Extract() expected error for truncated XML")
	}
}
