package results

import (
	"path/filepath"
	"strings"
)

// File names inside a job's output directory.
const (
	ExtractionLogFile = "extraction_log.json"
	ProcessLogFile    = "processing.log"

	partialSuffix = ".partial"
	trashPrefix   = ".trash-"
	archiveSuffix = "_results.zip"
	archiveTemp   = ".archive-"
)

// Layout maps job ids to paths under the results root.
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the results root.
func (l Layout) Root() string { return l.root }

// Dir is the committed output directory of a job.
func (l Layout) Dir(id string) string {
	return filepath.Join(l.root, id)
}

// PartialDir is the working directory used while a job executes.
func (l Layout) PartialDir(id string) string {
	return filepath.Join(l.root, id+partialSuffix)
}

// ArchivePath is where the downloadable archive of a job lives.
func (l Layout) ArchivePath(id string) string {
	return filepath.Join(l.Dir(id), id+archiveSuffix)
}

// inRoot reports whether p is a direct child of the root.
func (l Layout) inRoot(p string) bool {
	return filepath.Dir(filepath.Clean(p)) == filepath.Clean(l.root)
}

func isTrash(name string) bool {
	return strings.HasPrefix(name, trashPrefix)
}
