package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/stream"
	"github.com/arbiterhq/arbiter/types"
	"github.com/arbiterhq/arbiter/userlog"
)

type fakeStrategy struct {
	scores []types.FeedbackScore
	err    error
}

func (f *fakeStrategy) Type() types.EvaluatorType { return types.EvaluatorLLMAsJudge }

func (f *fakeStrategy) Evaluate(ctx context.Context, job *types.ScoringJob) ([]types.FeedbackScore, error) {
	return f.scores, f.err
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]types.FeedbackScore
	err     error
}

func (f *fakeSink) AcceptBatch(ctx context.Context, workspaceID string, batch []types.FeedbackScore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

type noUserLog struct{}

func (noUserLog) Log(context.Context, userlog.Level, uuid.UUID, string, uuid.UUID, string) {}

func newTestScorer(t *testing.T, strategy Strategy, scoreSink *fakeSink) *Scorer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := New(stream.DefaultConfig("jobs", "scorers"), client, strategy, scoreSink, noUserLog{}, zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func testJob() *types.ScoringJob {
	return &types.ScoringJob{
		RecordID:    uuid.New(),
		RuleID:      uuid.New(),
		RuleName:    "relevance",
		Type:        types.EvaluatorLLMAsJudge,
		WorkspaceID: "ws-1",
		Record:      types.Record{ID: uuid.New()},
	}
}

func TestScorerPersistsScores(t *testing.T) {
	job := testJob()
	scores := []types.FeedbackScore{
		{RecordID: job.RecordID, Name: "Relevance", Value: 4, Source: types.ScoreSourceOnlineScoring},
	}
	scoreSink := &fakeSink{}
	s := newTestScorer(t, &fakeStrategy{scores: scores}, scoreSink)

	err := s.handle(context.Background(), stream.Message{ID: "1-0"}, job)
	require.NoError(t, err)
	require.Len(t, scoreSink.batches, 1)
	assert.Equal(t, scores, scoreSink.batches[0])
}

func TestScorerPropagatesEvaluationFailure(t *testing.T) {
	scoreSink := &fakeSink{}
	s := newTestScorer(t, &fakeStrategy{err: errors.New("judge timeout")}, scoreSink)

	err := s.handle(context.Background(), stream.Message{ID: "1-0"}, testJob())
	require.Error(t, err)
	// Nothing reaches the sink on failure; the entry will retry.
	assert.Empty(t, scoreSink.batches)
}

func TestScorerAcksZeroScores(t *testing.T) {
	scoreSink := &fakeSink{}
	s := newTestScorer(t, &fakeStrategy{}, scoreSink)

	// A malformed reply yields zero scores: acknowledged, not retried.
	err := s.handle(context.Background(), stream.Message{ID: "1-0"}, testJob())
	require.NoError(t, err)
	assert.Empty(t, scoreSink.batches)
}

func TestScorerPropagatesSinkFailure(t *testing.T) {
	scoreSink := &fakeSink{err: errors.New("backend unavailable")}
	scores := []types.FeedbackScore{{Name: "Relevance", Value: 4}}
	s := newTestScorer(t, &fakeStrategy{scores: scores}, scoreSink)

	// Sink acceptance is awaited before acking; its failure is a processing
	// failure.
	err := s.handle(context.Background(), stream.Message{ID: "1-0"}, testJob())
	require.Error(t, err)
}

func TestScorerToleratesNilJob(t *testing.T) {
	s := newTestScorer(t, &fakeStrategy{}, &fakeSink{})
	require.NoError(t, s.handle(context.Background(), stream.Message{ID: "1-0"}, nil))
}

func TestScorerRequiresStrategyAndSink(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := stream.DefaultConfig("jobs", "scorers")
	_, err = New(cfg, client, nil, &fakeSink{}, noUserLog{}, zap.NewNop(), nil)
	assert.Error(t, err)

	_, err = New(cfg, client, &fakeStrategy{}, nil, noUserLog{}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func judgeJobCode(t *testing.T) json.RawMessage {
	t.Helper()
	code := types.JudgeCode{
		Model: types.ModelParams{Name: "gpt-4o-mini", Temperature: 0.1},
		Messages: []types.PromptMessage{
			{Role: types.RoleSystem, Content: "Judge the answer."},
			{Role: types.RoleUser, Content: "Q: {{question}} A: {{answer}}"},
		},
		Variables: map[string]string{
			"question": "input.question",
			"answer":   "output.answer",
		},
		Schema: []types.OutputField{{Name: "Relevance", Type: types.FieldInteger}},
	}
	raw, err := json.Marshal(code)
	require.NoError(t, err)
	return raw
}
