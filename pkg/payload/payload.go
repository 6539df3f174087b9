// Package payload renders the boot-time configuration payload handed to the
// provider at resource creation. The template content is opaque, externally
// authored text; the only recognized substitution point is the VPN listen
// port. Rendering is pure and performs no I/O.
package payload

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

// PortPlaceholder is the substitution point the template must contain.
const PortPlaceholder = "WG_PORT"

//go:embed templates/cloud-config.yml
var defaultTemplate string

// TemplateError reports a template missing a required placeholder.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template is missing required placeholder %q", e.Placeholder)
}

// DefaultTemplate returns the embedded cloud-init template.
func DefaultTemplate() string {
	return defaultTemplate
}

// Render fills the port placeholder and returns the payload text. It fails
// with a TemplateError if the placeholder is absent, before any resource
// creation can happen.
func Render(template string, port int) (string, error) {
	if !strings.Contains(template, PortPlaceholder) {
		return "", &TemplateError{Placeholder: PortPlaceholder}
	}
	return strings.ReplaceAll(template, PortPlaceholder, strconv.Itoa(port)), nil
}
