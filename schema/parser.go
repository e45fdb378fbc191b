package schema

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/types"
)

// ParseReply parses an LLM reply into one feedback score per declared field.
// The result is all-or-nothing: a reply that fails to parse, is not a JSON
// object, lacks any declared field, or nests a field incorrectly yields an
// empty list rather than a partial one.
func ParseReply(recordID uuid.UUID, reply string, fields []types.OutputField) []types.FeedbackScore {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimFences(reply)), &root); err != nil {
		return nil
	}

	scores := make([]types.FeedbackScore, 0, len(fields))
	for _, field := range fields {
		raw, ok := root[field.Name]
		if !ok {
			return nil
		}
		value, reason, ok := parseField(raw, field.Type)
		if !ok {
			return nil
		}
		scores = append(scores, types.FeedbackScore{
			RecordID: recordID,
			Name:     field.Name,
			Value:    value,
			Reason:   reason,
			Source:   types.ScoreSourceOnlineScoring,
		})
	}
	return scores
}

// parseField extracts the {score, reason} pair of one field. A flat value
// lacking the nesting, a missing score, or a score of the wrong type all
// report ok=false.
func parseField(raw json.RawMessage, fieldType types.FieldType) (float64, string, bool) {
	var entry struct {
		Score  json.RawMessage `json:"score"`
		Reason string          `json:"reason"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, "", false
	}
	if len(entry.Score) == 0 {
		return 0, "", false
	}

	switch fieldType {
	case types.FieldBoolean:
		var b bool
		if err := json.Unmarshal(entry.Score, &b); err == nil {
			if b {
				return 1, entry.Reason, true
			}
			return 0, entry.Reason, true
		}
		// Some models answer booleans numerically.
		var n float64
		if err := json.Unmarshal(entry.Score, &n); err == nil {
			if n != 0 {
				return 1, entry.Reason, true
			}
			return 0, entry.Reason, true
		}
		return 0, "", false
	default:
		var n float64
		if err := json.Unmarshal(entry.Score, &n); err != nil {
			return 0, "", false
		}
		return n, entry.Reason, true
	}
}

// trimFences strips a surrounding markdown code fence, which instruction-mode
// providers frequently add despite being told not to.
func trimFences(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
