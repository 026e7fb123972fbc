package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/quaero/internal/fingerprint"
	"github.com/ternarybob/quaero/internal/fusion"
	"github.com/ternarybob/quaero/internal/gapanalysis"
	"github.com/ternarybob/quaero/internal/metrics"
	"github.com/ternarybob/quaero/internal/model"
	"github.com/ternarybob/quaero/internal/vectorindex"
)

// mustParseUUID parses docID, returning uuid.Nil on a malformed string
// rather than panicking — a malformed doc_id here indicates a bug in
// the Archive stage, not invalid external input, so fusion simply
// receives a nil UUID and its downstream lookups fail loudly instead.
func mustParseUUID(docID string) uuid.UUID {
	id, err := uuid.Parse(docID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// extractedArtifact is the on-disk shape of the canonical extracted-JSON
// file, written pretty-printed, UTF-8, non-ASCII preserved (§6).
type extractedArtifact struct {
	DocumentType       model.DocType  `json:"document_type"`
	ExtractionData     map[string]any `json:"extraction_data"`
	ExtractionMetadata map[string]any `json:"extraction_metadata"`
}

// stageExtract implements S1: an already-materialized artifact or the
// existing-company cost-avoidance rule short-circuit the LLM call;
// otherwise the external extractor is invoked over the full document
// text.
func (o *Orchestrator) stageExtract(ctx context.Context, state *docState) error {
	start := time.Now()
	ctx, span := metrics.StartStageSpan(ctx, "extraction", state.companyCode)
	defer span.End()

	path := gapanalysis.CanonicalArtifactPath(o.ExtractedDir, state.item.DocType, state.item.Path)

	if gapanalysis.ExtractedArtifactExists(o.ExtractedDir, state.item.DocType, state.item.Path) {
		artifact, err := readArtifact(path)
		if err != nil {
			return o.failStage(state, model.StageExtraction, fmt.Errorf("read existing artifact: %w", err), start, "extraction")
		}
		state.extractionData = artifact.ExtractionData
		state.metadata = artifact.ExtractionMetadata
		o.adoptCompanyCode(state)
		return o.succeedStage(state, model.StageExtraction, path, start, "extraction", nil)
	}

	if state.item.DocType == model.DocTypeAnnualReport && state.companyCode != "" && o.isExistingCompany(state.companyCode) {
		if err := gapanalysis.SynthesizePlaceholderArtifact(o.ExtractedDir, state.item.DocType, state.item.Path, state.companyCode); err != nil {
			return o.failStage(state, model.StageExtraction, fmt.Errorf("synthesize placeholder artifact: %w", err), start, "extraction")
		}
		if o.Metrics != nil {
			o.Metrics.LLMSkippedTotal.Inc()
		}
		state.extractionData = map[string]any{"company_code": state.companyCode}
		state.metadata = map[string]any{"skipped_llm": true}
		return o.succeedStage(state, model.StageExtraction, path, start, "extraction", map[string]any{"skipped_llm": true})
	}

	text, _, err := fingerprint.ReadFullText(state.item.Path)
	if err != nil {
		return o.failStage(state, model.StageExtraction, fmt.Errorf("read source text: %w", err), start, "extraction")
	}

	result, err := o.Extractor.Extract(ctx, text, state.item.DocType)
	if err != nil {
		return o.failStage(state, model.StageExtraction, fmt.Errorf("llm extraction: %w", err), start, "extraction")
	}

	if err := writeArtifact(path, extractedArtifact{
		DocumentType:       result.DocumentType,
		ExtractionData:     result.ExtractionData,
		ExtractionMetadata: result.ExtractionMetadata,
	}); err != nil {
		return o.failStage(state, model.StageExtraction, fmt.Errorf("write artifact: %w", err), start, "extraction")
	}

	state.extractionData = result.ExtractionData
	state.metadata = result.ExtractionMetadata
	o.adoptCompanyCode(state)
	return o.succeedStage(state, model.StageExtraction, path, start, "extraction", nil)
}

// loadExtractionArtifact repopulates state.extractionData/metadata from
// the canonical on-disk artifact when the Extraction stage already
// succeeded in a prior process — a fresh docState otherwise has nothing
// for a retried Fusion or Vectorization stage to read.
func (o *Orchestrator) loadExtractionArtifact(state *docState) error {
	path := gapanalysis.CanonicalArtifactPath(o.ExtractedDir, state.item.DocType, state.item.Path)
	artifact, err := readArtifact(path)
	if err != nil {
		return fmt.Errorf("reload extracted artifact: %w", err)
	}
	state.extractionData = artifact.ExtractionData
	state.metadata = artifact.ExtractionMetadata
	o.adoptCompanyCode(state)
	return nil
}

// adoptCompanyCode fills in state.companyCode from extraction data when
// the gap analyzer's filename/body sniff came up empty, which happens
// most often for research reports whose code appears only in a table.
func (o *Orchestrator) adoptCompanyCode(state *docState) {
	if state.companyCode != "" {
		return
	}
	if code, ok := state.extractionData["company_code"].(string); ok {
		state.companyCode = code
	}
}

// stageArchive implements S2: recomputes the hash, resolves the
// document against the store by hash/path, and persists a new
// SourceDocument when neither matches.
func (o *Orchestrator) stageArchive(ctx context.Context, state *docState) error {
	start := time.Now()
	ctx, span := metrics.StartStageSpan(ctx, "archive", state.companyCode)
	defer span.End()

	currentHash, err := fingerprint.HashFile(state.item.Path)
	if err != nil {
		return o.failStage(state, model.StageArchive, fmt.Errorf("rehash source file: %w", err), start, "archive")
	}
	state.record.FileHash = currentHash

	originalContent, _, err := fingerprint.ReadFullText(state.item.Path)
	if err != nil {
		return o.failStage(state, model.StageArchive, fmt.Errorf("read source content: %w", err), start, "archive")
	}

	doc := &model.SourceDocument{
		CompanyCode:        state.companyCode,
		DocType:            state.item.DocType,
		DocDate:            deriveDocDate(state.item.Path, state.item.DocType),
		ReportTitle:        deriveReportTitle(state.extractionData, state.item.Path),
		FilePath:           state.item.Path,
		FileHash:           currentHash,
		OriginalContent:    originalContent,
		RawLLMOutput:       state.extractionData,
		ExtractionMetadata: state.metadata,
		ProcessingStatus:   model.ProcessingStatusCompleted,
	}

	docID, err := o.Archive.Save(ctx, doc, state.extractionData)
	if err != nil {
		switch err {
		case model.ErrFilePathHashMismatch:
			o.Checkpoints.UpdateStage(state.record, model.StageArchive, model.StageStatusSkipped, func(r *model.StageRecord) {
				r.ErrorMessage = err.Error()
			})
			if o.Metrics != nil {
				o.Metrics.ObserveStage("archive", state.companyCode, start, nil)
			}
			return nil
		case model.ErrUnknownCompany:
			return o.failStage(state, model.StageArchive, err, start, "archive")
		default:
			return o.failStage(state, model.StageArchive, fmt.Errorf("archive save: %w", err), start, "archive")
		}
	}

	if state.item.DocType == model.DocTypeAnnualReport && state.companyCode != "" {
		o.markCompanyExisting(state.companyCode)
	}

	state.docID = docID.String()
	return o.succeedStage(state, model.StageArchive, "", start, "archive", map[string]any{"doc_id": state.docID})
}

// stageFuse implements S3. A fusion failure is recorded on the
// checkpoint and logged but never returned as an error: vectorization
// of already-fused concepts may still proceed.
func (o *Orchestrator) stageFuse(ctx context.Context, state *docState) fusion.Counts {
	start := time.Now()
	ctx, span := metrics.StartStageSpan(ctx, "fusion", state.companyCode)
	defer span.End()

	counts, err := o.Fusion.Fuse(ctx, state.companyCode, mustParseUUID(state.docID), state.extractionData)
	if err != nil {
		switch err {
		case model.ErrNoBusinessConcepts:
			o.Checkpoints.UpdateStage(state.record, model.StageFusion, model.StageStatusSkipped, func(r *model.StageRecord) {
				r.ErrorMessage = err.Error()
			})
		case model.ErrOptimisticLockConflict:
			if o.Metrics != nil {
				o.Metrics.OptimisticLockConflictsTotal.Inc()
			}
			o.Checkpoints.UpdateStage(state.record, model.StageFusion, model.StageStatusFailed, func(r *model.StageRecord) {
				r.ErrorMessage = err.Error()
				r.ConceptCount = counts.Total
			})
		default:
			o.Checkpoints.UpdateStage(state.record, model.StageFusion, model.StageStatusFailed, func(r *model.StageRecord) {
				r.ErrorMessage = err.Error()
			})
		}
		o.Logger.Warn().Err(err).Str("path", state.item.Path).Str("company_code", state.companyCode).Msg("fusion stage did not complete cleanly")
		if o.Metrics != nil {
			o.Metrics.ObserveStage("fusion", state.companyCode, start, err)
		}
		return counts
	}

	o.Checkpoints.UpdateStage(state.record, model.StageFusion, model.StageStatusSuccess, func(r *model.StageRecord) {
		r.ConceptCount = counts.Total
		r.DocID = state.docID
	})
	if o.Metrics != nil {
		o.Metrics.ObserveStage("fusion", state.companyCode, start, nil)
	}
	return counts
}

// stageVectorize implements S4, scoped to the document's company_code.
// Failure is non-fatal to the document-level outcome.
func (o *Orchestrator) stageVectorize(ctx context.Context, state *docState) vectorindex.Status {
	start := time.Now()
	ctx, span := metrics.StartStageSpan(ctx, "vectorization", state.companyCode)
	defer span.End()

	status, err := o.VectorIndex.BuildForCompany(ctx, state.companyCode)
	if err != nil {
		o.Checkpoints.UpdateStage(state.record, model.StageVectorization, model.StageStatusFailed, func(r *model.StageRecord) {
			r.ErrorMessage = err.Error()
		})
		o.Logger.Warn().Err(err).Str("path", state.item.Path).Str("company_code", state.companyCode).Msg("vectorization stage did not complete cleanly")
		if o.Metrics != nil {
			o.Metrics.ObserveStage("vectorization", state.companyCode, start, err)
		}
		return status
	}

	o.Checkpoints.UpdateStage(state.record, model.StageVectorization, model.StageStatusSuccess, func(r *model.StageRecord) {
		r.ConceptCount = status.Succeeded
	})
	if o.Metrics != nil {
		o.Metrics.ObserveStage("vectorization", state.companyCode, start, nil)
	}
	return status
}

// succeedStage is the common path for marking one stage success. When
// extra carries a "doc_id" entry (the Archive stage's success payload),
// it is also written to the StageRecord's own DocID field, not just the
// opaque Extra bucket — ProcessDocument reads that field back on a
// resumed run to recover state.docID without re-archiving.
func (o *Orchestrator) succeedStage(state *docState, stage model.StageName, outputPath string, start time.Time, metricStage string, extra map[string]any) error {
	if err := o.Checkpoints.UpdateStage(state.record, stage, model.StageStatusSuccess, func(r *model.StageRecord) {
		r.OutputPath = outputPath
		r.Extra = extra
		if docID, ok := extra["doc_id"].(string); ok {
			r.DocID = docID
		}
	}); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	if o.Metrics != nil {
		o.Metrics.ObserveStage(metricStage, state.companyCode, start, nil)
	}
	return nil
}

// failStage is the common path for marking one stage failed and
// returning the triggering error to the caller, which halts the
// remaining stages for this document.
func (o *Orchestrator) failStage(state *docState, stage model.StageName, err error, start time.Time, metricStage string) error {
	o.Checkpoints.UpdateStage(state.record, stage, model.StageStatusFailed, func(r *model.StageRecord) {
		r.ErrorMessage = err.Error()
	})
	o.Logger.Error().Err(err).Str("path", state.item.Path).Str("stage", metricStage).Msg("stage failed")
	if o.Metrics != nil {
		o.Metrics.ObserveStage(metricStage, state.companyCode, start, err)
	}
	return err
}

func readArtifact(path string) (extractedArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return extractedArtifact{}, err
	}
	var artifact extractedArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return extractedArtifact{}, fmt.Errorf("unmarshal extracted artifact: %w", err)
	}
	return artifact, nil
}

// writeArtifact persists artifact atomically (temp file + rename) as
// pretty-printed UTF-8 JSON with non-ASCII characters preserved, per
// §6's filesystem layout contract.
func writeArtifact(path string, artifact extractedArtifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create extracted dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		return fmt.Errorf("marshal extracted artifact: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".extracted-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp artifact file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
