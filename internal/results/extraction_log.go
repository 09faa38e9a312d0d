package results

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed extraction_log.schema.json
var extractionLogSchema []byte

var summarySchema = compileSummarySchema()

func compileSummarySchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction_log.schema.json", bytes.NewReader(extractionLogSchema)); err != nil {
		panic(fmt.Sprintf("add extraction log schema: %v", err))
	}
	return compiler.MustCompile("extraction_log.schema.json")
}

// WriteExtractionLog validates the summary and writes extraction_log.json
// into dir.
func (s *Store) WriteExtractionLog(dir string, summary domain.ExtractionSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode extraction log: %w", err)
	}
	if err := validateSummary(data); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ExtractionLogFile), data, 0o644)
}

// Summary reads back the extraction log of a committed job.
func (s *Store) Summary(id string) (*domain.ExtractionSummary, error) {
	data, err := os.ReadFile(filepath.Join(s.layout.Dir(id), ExtractionLogFile))
	if err != nil {
		return nil, err
	}
	if err := validateSummary(data); err != nil {
		return nil, err
	}
	var summary domain.ExtractionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode extraction log: %w", err)
	}
	return &summary, nil
}

func validateSummary(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode extraction log: %w", err)
	}
	if err := summarySchema.Validate(v); err != nil {
		return fmt.Errorf("extraction log does not match schema: %w", err)
	}
	return nil
}
