package reporting

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-harness/templates"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

const HTMLFilename = "results.html"

// HTMLSink renders the run tree as a standalone HTML page in the run directory.
type HTMLSink struct {
	runDir string
	tmpl   *template.Template
}

// NewHTMLSink creates an HTML sink writing into runDir
func NewHTMLSink(runDir string) (*HTMLSink, error) {
	tmpl, err := templates.GetHTMLTemplate(templates.ResultsTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTML formatter: %w", err)
	}
	return &HTMLSink{runDir: runDir, tmpl: tmpl}, nil
}

// Consume is a no-op; the page is built from the final summary.
func (s *HTMLSink) Consume(types.Event, string) error {
	return nil
}

// Complete writes the HTML file
func (s *HTMLSink) Complete(summary *types.RunSummary) error {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, templates.ResultsTemplate, BuildRunTree(summary)); err != nil {
		return fmt.Errorf("failed to format HTML: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.runDir, HTMLFilename), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write HTML file: %w", err)
	}
	return nil
}
