package dispatch

import "regexp"

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)
	leftoverPattern    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// Renderer substitutes {{key}} placeholders in message templates.
type Renderer struct{}

// NewRenderer creates a template renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render replaces every {{key}} occurrence with the matching variable value.
// Missing keys render as empty strings and any remaining unresolved tokens
// are stripped. Deterministic, no side effects.
func (r *Renderer) Render(template string, vars map[string]string) string {
	out := placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		return vars[key]
	})
	return leftoverPattern.ReplaceAllString(out, "")
}
