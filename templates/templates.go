// Package templates holds the embedded HTML report templates and the
// functions they use.
package templates

import (
	"embed"
	"fmt"
	"html/template"
)

const ResultsTemplate = "results.html.tmpl"

//go:embed *.html.tmpl
var templateFS embed.FS

// GetHTMLTemplate parses the named embedded template with the shared functions.
func GetHTMLTemplate(name string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(GetTemplateFunc()).ParseFS(templateFS, name)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	return tmpl, nil
}
