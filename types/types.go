// Package types provides core types used across the arbiter pipeline.
// This package has ZERO dependencies on other arbiter packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RecordSection identifies which part of a record a variable path resolves against.
type RecordSection string

const (
	SectionInput    RecordSection = "input"
	SectionOutput   RecordSection = "output"
	SectionMetadata RecordSection = "metadata"
)

// MetadataRulesKey is the metadata field holding an explicit allow-list of rule ids.
// When present, only the listed rules score the record and the sampling draw is skipped.
const MetadataRulesKey = "scoring_rules"

// Record is an observability record (a trace or span) eligible for online scoring.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	ProjectID uuid.UUID       `json:"project_id"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// Section returns the raw JSON for the given section of the record.
func (r *Record) Section(section RecordSection) json.RawMessage {
	switch section {
	case SectionInput:
		return r.Input
	case SectionOutput:
		return r.Output
	case SectionMetadata:
		return r.Metadata
	default:
		return nil
	}
}

// RuleAllowList extracts the explicit rule allow-list from the record's metadata,
// if present. A missing or malformed allow-list returns nil.
func (r *Record) RuleAllowList() []uuid.UUID {
	if len(r.Metadata) == 0 {
		return nil
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(r.Metadata, &meta); err != nil {
		return nil
	}
	raw, ok := meta[MetadataRulesKey]
	if !ok {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

// RecordsCreatedEvent notifies the sampler that new records were written.
type RecordsCreatedEvent struct {
	Records     []Record `json:"records"`
	WorkspaceID string   `json:"workspace_id"`
	UserName    string   `json:"user_name"`
}

// EvaluatorType selects the scoring strategy and the stream a job is routed to.
type EvaluatorType string

const (
	EvaluatorLLMAsJudge   EvaluatorType = "llm_as_judge"
	EvaluatorPythonMetric EvaluatorType = "user_defined_metric_python"
)

// Valid reports whether t is a known evaluator type.
func (t EvaluatorType) Valid() bool {
	switch t {
	case EvaluatorLLMAsJudge, EvaluatorPythonMetric:
		return true
	}
	return false
}

// Rule is an automation rule binding an evaluator to a project.
type Rule struct {
	ID           uuid.UUID       `json:"id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	Name         string          `json:"name"`
	SamplingRate float64         `json:"sampling_rate"`
	Enabled      bool            `json:"enabled"`
	Type         EvaluatorType   `json:"type"`
	Code         json.RawMessage `json:"code"`
}

// ScoringJob is a self-contained unit of scoring work. It carries a snapshot of
// everything needed to score so the scorer never re-reads mutable state.
type ScoringJob struct {
	RecordID    uuid.UUID       `json:"record_id"`
	RuleID      uuid.UUID       `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	Type        EvaluatorType   `json:"type"`
	Code        json.RawMessage `json:"code"`
	WorkspaceID string          `json:"workspace_id"`
	UserName    string          `json:"user_name"`
	Record      Record          `json:"record"`
}

// ScoreSource tags where a feedback score originated.
type ScoreSource string

// ScoreSourceOnlineScoring marks scores produced by the online scoring pipeline.
const ScoreSourceOnlineScoring ScoreSource = "online_scoring"

// FeedbackScore is one named score for one record, ready for the score sink.
type FeedbackScore struct {
	RecordID uuid.UUID   `json:"record_id"`
	Name     string      `json:"name"`
	Value    float64     `json:"value"`
	Reason   string      `json:"reason,omitempty"`
	Source   ScoreSource `json:"source"`
}
