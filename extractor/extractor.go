// Package extractor resolves evaluator variable paths against a record's JSON
// sections and renders prompt templates. Paths use dotted keys with optional
// bracketed array indices; "$" selects the entire section. Keys containing
// literal dots are tried as a whole key before the path is split.
package extractor

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arbiterhq/arbiter/types"
)

// WholeSection is the path selecting a record section in its entirety.
const WholeSection = "$"

// ResolvePath resolves a path against one record section and renders the value
// as text. Strings render verbatim, numbers and booleans in their canonical
// form, objects and arrays as compact JSON so downstream consumers receive
// reparsable JSON. Missing paths report ok=false, never an error.
func ResolvePath(section json.RawMessage, path string) (string, bool) {
	if len(section) == 0 {
		return "", false
	}
	parsed := gjson.ParseBytes(section)
	if parsed.Type == gjson.Null {
		return "", false
	}

	if path == WholeSection {
		return renderResult(parsed), true
	}

	// A key that merely contains dots must win over the dotted-path reading.
	if strings.Contains(path, ".") {
		if literal := parsed.Get(escapeDots(path)); literal.Exists() {
			return renderResult(literal), true
		}
	}

	result := parsed.Get(normalizePath(path))
	if !result.Exists() {
		return "", false
	}
	return renderResult(result), true
}

// ResolveSection resolves a path against the named section of a record.
func ResolveSection(record *types.Record, section types.RecordSection, path string) (string, bool) {
	if record == nil {
		return "", false
	}
	return ResolvePath(record.Section(section), path)
}

// ParseSpec splits a variable spec like "input.question" or "output" into a
// record section and a remainder path. A spec that does not start with a known
// section name is not a record path; ok is false and the spec should be
// treated as literal text.
func ParseSpec(spec string) (types.RecordSection, string, bool) {
	name, rest, found := strings.Cut(spec, ".")
	section := types.RecordSection(strings.ToLower(name))
	switch section {
	case types.SectionInput, types.SectionOutput, types.SectionMetadata:
	default:
		return "", "", false
	}
	if !found || rest == "" {
		return section, WholeSection, true
	}
	return section, rest, true
}

// renderResult turns a resolved JSON value into its text form.
func renderResult(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Null:
		return ""
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.Number:
		return r.Raw
	default:
		return compactJSON(r.Raw)
	}
}

// compactJSON strips insignificant whitespace. Invalid input passes through.
func compactJSON(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}

// normalizePath rewrites bracketed indices to dotted form: a[0].b -> a.0.b.
func normalizePath(path string) string {
	if !strings.ContainsAny(path, "[]") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			if b.Len() > 0 {
				b.WriteByte('.')
			}
		case ']':
		default:
			b.WriteByte(path[i])
		}
	}
	return b.String()
}

// escapeDots makes gjson treat the whole path as a single literal key.
func escapeDots(path string) string {
	return strings.ReplaceAll(path, ".", `\.`)
}
