package schema

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/types"
)

var parserFields = []types.OutputField{
	{Name: "Relevance", Type: types.FieldInteger},
	{Name: "Grounded", Type: types.FieldBoolean},
}

func TestParseReplyExactFields(t *testing.T) {
	recordID := uuid.New()
	reply := `{"Relevance":{"score":4,"reason":"r"},"Grounded":{"score":true,"reason":"g"}}`

	scores := ParseReply(recordID, reply, parserFields)
	require.Len(t, scores, 2)

	assert.Equal(t, recordID, scores[0].RecordID)
	assert.Equal(t, "Relevance", scores[0].Name)
	assert.Equal(t, 4.0, scores[0].Value)
	assert.Equal(t, "r", scores[0].Reason)
	assert.Equal(t, types.ScoreSourceOnlineScoring, scores[0].Source)

	assert.Equal(t, "Grounded", scores[1].Name)
	assert.Equal(t, 1.0, scores[1].Value)
}

func TestParseReplySingleDeclaredField(t *testing.T) {
	scores := ParseReply(uuid.New(), `{"Relevance":{"score":4,"reason":"r"}}`,
		[]types.OutputField{{Name: "Relevance", Type: types.FieldInteger}})
	require.Len(t, scores, 1)
	assert.Equal(t, 4.0, scores[0].Value)
}

func TestParseReplyAllOrNothing(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "I would rate this a 4 out of 5"},
		{"json array", `[{"score":4}]`},
		{"json null", `null`},
		{"missing declared field", `{"Relevance":{"score":4,"reason":"r"}}`},
		{"flat object without nesting", `{"Relevance":4,"Grounded":true}`},
		{"missing score subfield", `{"Relevance":{"reason":"r"},"Grounded":{"score":true,"reason":"g"}}`},
		{"score of wrong type", `{"Relevance":{"score":"four","reason":"r"},"Grounded":{"score":true,"reason":"g"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// A structurally defective reply yields zero scores, never a subset.
			assert.Empty(t, ParseReply(uuid.New(), tc.reply, parserFields))
		})
	}
}

func TestParseReplyBooleanAsNumber(t *testing.T) {
	scores := ParseReply(uuid.New(), `{"Relevance":{"score":5,"reason":""},"Grounded":{"score":0,"reason":""}}`, parserFields)
	require.Len(t, scores, 2)
	assert.Equal(t, 0.0, scores[1].Value)
}

func TestParseReplyTrimsCodeFence(t *testing.T) {
	reply := "```json\n{\"Relevance\":{\"score\":3,\"reason\":\"ok\"},\"Grounded\":{\"score\":false,\"reason\":\"no\"}}\n```"
	scores := ParseReply(uuid.New(), reply, parserFields)
	require.Len(t, scores, 2)
	assert.Equal(t, 3.0, scores[0].Value)
	assert.Equal(t, 0.0, scores[1].Value)
}
