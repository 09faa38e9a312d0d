package extractor

import (
	"sort"

	"github.com/cwygoda/extractor/internal/domain"
)

// Registry holds registered extraction capabilities.
type Registry struct {
	extractors []domain.Extractor
}

// NewRegistry creates a new extractor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Default returns a registry with every built-in capability.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewMarkdown())
	r.Register(NewXLSX())
	r.Register(NewDOCX())
	r.Register(NewPDF())
	return r
}

// Register adds a capability to the registry.
func (r *Registry) Register(e domain.Extractor) {
	r.extractors = append(r.extractors, e)
}

// Match returns the first capability that accepts the type, or nil.
func (r *Registry) Match(mime, ext string) domain.Extractor {
	for _, e := range r.extractors {
		if e.Accepts(mime, ext) {
			return e
		}
	}
	return nil
}

// Formats lists every supported extension, sorted.
func (r *Registry) Formats() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.extractors {
		for _, f := range e.Formats() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
