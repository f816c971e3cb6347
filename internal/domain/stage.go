// Package domain provides domain models and business logic for the Paper Pipeline Service.
package domain

// Stage represents one phase of the document-processing pipeline.
// These values must match the database enum pipeline_stage.
type Stage string

const (
	StageSearch        Stage = "search"
	StageExtraction    Stage = "extraction"
	StageStructuring   Stage = "structuring"
	StageSummarization Stage = "summarization"
	StageGapAnalysis   Stage = "gap_analysis"
)

// AllStages lists the pipeline stages in processing order.
var AllStages = []Stage{
	StageSearch,
	StageExtraction,
	StageStructuring,
	StageSummarization,
	StageGapAnalysis,
}

// IsValid returns true if s is a known pipeline stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageSearch, StageExtraction, StageStructuring, StageSummarization, StageGapAnalysis:
		return true
	default:
		return false
	}
}

// Next returns the stage that follows s in the pipeline, or false if s is
// the terminal stage (or unknown).
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageSearch:
		return StageExtraction, true
	case StageExtraction:
		return StageStructuring, true
	case StageStructuring:
		return StageSummarization, true
	case StageSummarization:
		return StageGapAnalysis, true
	default:
		return "", false
	}
}

// DisplayName returns the human-readable name of the stage. The switch is
// exhaustive over the closed stage set.
func (s Stage) DisplayName() string {
	switch s {
	case StageSearch:
		return "Paper Search"
	case StageExtraction:
		return "Text Extraction"
	case StageStructuring:
		return "Content Structuring"
	case StageSummarization:
		return "Summarization"
	case StageGapAnalysis:
		return "Gap Analysis"
	default:
		return "Unknown Stage"
	}
}

// StageResultStatus is the status an external worker reports on a stage
// completed message. Workers must report one of these explicitly.
type StageResultStatus string

const (
	ResultStatusCompleted StageResultStatus = "COMPLETED"
	ResultStatusFailed    StageResultStatus = "FAILED"
	ResultStatusPartial   StageResultStatus = "PARTIAL"
)

// IsValid returns true if r is a known worker result status.
func (r StageResultStatus) IsValid() bool {
	switch r {
	case ResultStatusCompleted, ResultStatusFailed, ResultStatusPartial:
		return true
	default:
		return false
	}
}
