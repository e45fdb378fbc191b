package extractor

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// placeholderPattern matches double-brace placeholders, tolerating surrounding
// whitespace inside the braces: {{ var }} is equivalent to {{var}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// lookupFunc resolves one placeholder name. ok=false leaves the placeholder
// text untouched in the output.
type lookupFunc func(name string) (string, bool)

// renderWith substitutes every placeholder the lookup can resolve.
func renderWith(template string, lookup lookupFunc) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := lookup(name); ok {
			return value
		}
		return match
	})
}

// RenderTemplate substitutes declared variables into the template. Unknown
// placeholders pass through unchanged.
func RenderTemplate(template string, variables map[string]string) string {
	return renderWith(template, func(name string) (string, bool) {
		value, ok := variables[name]
		return value, ok
	})
}

// Renderer turns evaluator prompt messages into concrete messages for one
// record, resolving declared variable mappings or, when no mapping is
// supplied, auto-extracting record paths straight from the placeholders.
type Renderer struct {
	logger *zap.Logger
}

// NewRenderer creates a renderer.
func NewRenderer(logger *zap.Logger) *Renderer {
	return &Renderer{logger: logger.With(zap.String("component", "extractor"))}
}

// Variables resolves a declared variable table against the record. A mapping
// value that is a record path resolves to the record's value (missing paths
// resolve empty); any other mapping value is carried through as literal text,
// which lets evaluator authors embed fixed strings via the same mechanism.
func (r *Renderer) Variables(record *types.Record, mappings map[string]string) map[string]string {
	vars := make(map[string]string, len(mappings))
	for name, spec := range mappings {
		section, path, ok := ParseSpec(spec)
		if !ok {
			vars[name] = spec
			continue
		}
		value, found := ResolveSection(record, section, path)
		if !found {
			r.logger.Debug("variable path not present in record",
				zap.String("variable", name),
				zap.String("path", spec),
			)
		}
		vars[name] = value
	}
	return vars
}

// lookup returns the placeholder resolver for the record: the declared table
// when mappings exist, otherwise auto-extract mode where each placeholder is
// read as a section.path reference and missing fields render empty.
func (r *Renderer) lookup(record *types.Record, mappings map[string]string) lookupFunc {
	if len(mappings) > 0 {
		vars := r.Variables(record, mappings)
		return func(name string) (string, bool) {
			value, ok := vars[name]
			return value, ok
		}
	}
	return func(name string) (string, bool) {
		section, path, ok := ParseSpec(name)
		if !ok {
			return "", false
		}
		value, _ := ResolveSection(record, section, path)
		return value, true
	}
}

// RenderMessages renders every prompt message for the record. Plain string
// content goes through the template engine; multimodal part lists are rendered
// part by part, text through the template engine and media by substituting
// variables into the URL, with the original part order preserved.
func (r *Renderer) RenderMessages(record *types.Record, messages []types.PromptMessage, mappings map[string]string) []types.PromptMessage {
	lookup := r.lookup(record, mappings)

	rendered := make([]types.PromptMessage, 0, len(messages))
	for _, msg := range messages {
		out := types.PromptMessage{Role: msg.Role}
		if len(msg.Parts) == 0 {
			out.Content = renderWith(msg.Content, lookup)
			rendered = append(rendered, out)
			continue
		}
		out.Parts = make([]types.ContentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case types.PartText:
				out.Parts = append(out.Parts, types.ContentPart{
					Type: types.PartText,
					Text: renderWith(part.Text, lookup),
				})
			case types.PartImageURL, types.PartVideoURL:
				out.Parts = append(out.Parts, types.ContentPart{
					Type: part.Type,
					URL:  renderWith(part.URL, lookup),
				})
			default:
				r.logger.Warn("skipping content part of unknown type", zap.String("type", string(part.Type)))
			}
		}
		rendered = append(rendered, out)
	}
	return rendered
}
