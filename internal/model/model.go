// Package model defines the pipeline's primary entities: Company,
// SourceDocument, BusinessConceptMaster, and CheckpointRecord.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DocType classifies the two kinds of source filings the pipeline ingests.
type DocType string

const (
	DocTypeAnnualReport   DocType = "annual_report"
	DocTypeResearchReport DocType = "research_report"
)

// ProcessingStatus is the coarse lifecycle state of a SourceDocument.
type ProcessingStatus string

const (
	ProcessingStatusPending   ProcessingStatus = "pending"
	ProcessingStatusCompleted ProcessingStatus = "completed"
	ProcessingStatusFailed    ProcessingStatus = "failed"
)

// ConceptCategory is the closed three-value vocabulary for a business
// concept's classification.
type ConceptCategory string

const (
	ConceptCategoryCore           ConceptCategory = "核心业务"
	ConceptCategoryEmerging       ConceptCategory = "新兴业务"
	ConceptCategoryStrategicLayer ConceptCategory = "战略布局"
)

// ValidConceptCategory reports whether c is one of the three recognized
// categories.
func ValidConceptCategory(c ConceptCategory) bool {
	switch c {
	case ConceptCategoryCore, ConceptCategoryEmerging, ConceptCategoryStrategicLayer:
		return true
	default:
		return false
	}
}

// Company is the registry row for one A-share issuer.
type Company struct {
	Code      string
	NameFull  string
	NameShort string
	Exchange  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlaceholderTokens are substrings that mark a company name field as a
// low-quality stand-in, used by the Archive Writer's upsert heuristic.
var PlaceholderTokens = []string{"待更新", "Company ", "未知", "Unknown", "TBD", "N/A"}

// SourceDocument is one archived filing extraction.
type SourceDocument struct {
	DocID              uuid.UUID
	CompanyCode        string
	DocType            DocType
	DocDate            time.Time
	ReportTitle        string
	FilePath           string
	FileHash           string
	OriginalContent    string
	RawLLMOutput       map[string]any
	ExtractionMetadata map[string]any
	ProcessingStatus   ProcessingStatus
	ErrorMessage       string
	CreatedAt          time.Time
}

// ConceptRelations holds the relation lists nested inside ConceptDetails.
type ConceptRelations struct {
	Customers                  []string `json:"customers"`
	Partners                   []string `json:"partners"`
	SubsidiariesOrInvestees    []string `json:"subsidiaries_or_investees"`
}

// ConceptDetails is the nested record describing a business concept's
// substance, merged field-by-field by the Fusion Engine.
type ConceptDetails struct {
	Description      string           `json:"description"`
	Metrics          map[string]any   `json:"metrics,omitempty"`
	Timeline         map[string]any   `json:"timeline,omitempty"`
	Relations        ConceptRelations `json:"relations"`
	SourceSentences  []string         `json:"source_sentences"`
}

// BusinessConceptMaster is the authoritative per-(company, concept-name)
// record, mutated in place by the Fusion Engine under optimistic locking.
type BusinessConceptMaster struct {
	ConceptID             uuid.UUID
	CompanyCode           string
	ConceptName           string
	ConceptCategory       ConceptCategory
	ImportanceScore       float64
	DevelopmentStage      string
	Embedding             []float32
	ConceptDetails        ConceptDetails
	LastUpdatedFromDocID  uuid.UUID
	Version               int
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StageName identifies one of the four pipeline stages tracked in a
// CheckpointRecord.
type StageName string

const (
	StageExtraction     StageName = "extraction"
	StageArchive        StageName = "archive"
	StageFusion         StageName = "fusion"
	StageVectorization  StageName = "vectorization"
)

// StageStatus is the outcome recorded for one stage attempt.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusSuccess StageStatus = "success"
	StageStatusSkipped StageStatus = "skipped"
	StageStatusFailed  StageStatus = "failed"
)

// StageRecord is the per-stage entry inside a CheckpointRecord.
type StageRecord struct {
	Status       StageStatus    `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	OutputPath   string         `json:"output_path,omitempty"`
	DocID        string         `json:"doc_id,omitempty"`
	ConceptCount int            `json:"concept_count,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// CheckpointRecord is process-local, per-source-file durable state.
type CheckpointRecord struct {
	FilePath     string                       `json:"file_path"`
	FileHash     string                       `json:"file_hash"`
	LastModified time.Time                    `json:"last_modified"`
	Stages       map[StageName]*StageRecord   `json:"stages"`
	CreatedAt    time.Time                    `json:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

// NewCheckpointRecord returns a fresh record with all four stages pending.
func NewCheckpointRecord(filePath, fileHash string, lastModified time.Time) *CheckpointRecord {
	now := time.Now().UTC()
	return &CheckpointRecord{
		FilePath:     filePath,
		FileHash:     fileHash,
		LastModified: lastModified,
		Stages: map[StageName]*StageRecord{
			StageExtraction:    {Status: StageStatusPending},
			StageArchive:       {Status: StageStatusPending},
			StageFusion:        {Status: StageStatusPending},
			StageVectorization: {Status: StageStatusPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StageStatusOf returns the current status of the named stage, or
// StageStatusPending if the stage has never been recorded.
func (c *CheckpointRecord) StageStatusOf(name StageName) StageStatus {
	rec, ok := c.Stages[name]
	if !ok || rec == nil {
		return StageStatusPending
	}
	return rec.Status
}
