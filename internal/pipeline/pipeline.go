// Package pipeline implements the Pipeline Orchestrator (C5): it drives
// each work item through the four ordered stages (Extract, Archive,
// Fuse, Vectorize) under a bounded-parallelism semaphore, acquiring a
// per-file lock and persisting checkpoint state between every stage.
// Grounded on the teacher's internal/jobs/worker/job_processor.go
// lifecycle shape (ctx/cancel/wg, one goroutine per unit of work,
// structured per-stage logging) generalized from a single queue-drain
// loop to a bounded-fan-out driver over a known work list.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/quaero/internal/archive"
	"github.com/ternarybob/quaero/internal/checkpoint"
	"github.com/ternarybob/quaero/internal/filelock"
	"github.com/ternarybob/quaero/internal/fusion"
	"github.com/ternarybob/quaero/internal/gapanalysis"
	"github.com/ternarybob/quaero/internal/llm"
	"github.com/ternarybob/quaero/internal/metrics"
	"github.com/ternarybob/quaero/internal/model"
	"github.com/ternarybob/quaero/internal/vectorindex"
)

const defaultMaxConcurrent = 5

// Orchestrator is the Pipeline Orchestrator component. It owns no
// business logic beyond stage sequencing, lock/checkpoint bookkeeping,
// and the in-process existing-companies cache (§9's "replace the
// global cache with explicit passing" design note).
type Orchestrator struct {
	Checkpoints  *checkpoint.Store
	Locks        *filelock.Locker
	Store        gapanalysis.Store
	Extractor    llm.Extractor
	Archive      *archive.Writer
	Fusion       *fusion.Engine
	VectorIndex  *vectorindex.Builder
	Metrics      *metrics.Registry
	Logger       arbor.ILogger
	ExtractedDir string

	MaxConcurrent int
	LockTimeout   time.Duration

	companiesMu       sync.Mutex
	existingCompanies map[string]bool
}

// New constructs an Orchestrator. maxConcurrent defaults to 5 when <= 0.
func New(checkpoints *checkpoint.Store, locks *filelock.Locker, store gapanalysis.Store, extractor llm.Extractor,
	archiveWriter *archive.Writer, fusionEngine *fusion.Engine, vectorBuilder *vectorindex.Builder,
	reg *metrics.Registry, logger arbor.ILogger, extractedDir string, maxConcurrent int, lockTimeout time.Duration) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Orchestrator{
		Checkpoints:   checkpoints,
		Locks:         locks,
		Store:         store,
		Extractor:     extractor,
		Archive:       archiveWriter,
		Fusion:        fusionEngine,
		VectorIndex:   vectorBuilder,
		Metrics:       reg,
		Logger:        logger,
		ExtractedDir:  extractedDir,
		MaxConcurrent: maxConcurrent,
		LockTimeout:   lockTimeout,
	}
}

// Outcome records what happened to one work item, aggregated by Run
// into a Summary for the CLI's final report (§6).
type Outcome struct {
	Path         string
	Outcome      string // "processed", "skipped", "lock_skipped", "cancelled"
	SkipReason   string
	CompanyCode  string
	DocID        string
	FusionCounts fusion.Counts
	VectorStatus vectorindex.Status
	Err          error
}

// Summary aggregates every Outcome from one Run invocation.
type Summary struct {
	Results     []Outcome
	Processed   int
	Skipped     int
	LockSkipped int
	Failed      int
}

// Run seeds the existing-companies cache once, then drives every item
// in items through ProcessDocument with at most MaxConcurrent workers
// active at a time.
func (o *Orchestrator) Run(ctx context.Context, items []gapanalysis.WorkItem) (Summary, error) {
	if err := o.loadExistingCompanies(ctx); err != nil {
		return Summary{}, fmt.Errorf("seed existing-companies cache: %w", err)
	}

	if o.Metrics != nil {
		o.Metrics.QueueDepth.Set(float64(len(items)))
	}

	sem := semaphore.NewWeighted(int64(o.MaxConcurrent))
	results := make([]Outcome, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a slot; record the
			// remaining items as cancelled and stop dispatching more.
			results[i] = Outcome{Path: item.Path, Outcome: "cancelled", Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		go func(idx int, wi gapanalysis.WorkItem) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = o.ProcessDocument(ctx, wi)
			if o.Metrics != nil {
				o.Metrics.QueueDepth.Dec()
			}
		}(i, item)
	}
	wg.Wait()

	summary := Summary{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case "processed":
			summary.Processed++
		case "lock_skipped":
			summary.LockSkipped++
		case "skipped":
			summary.Skipped++
		}
		if r.Err != nil {
			summary.Failed++
		}
	}
	return summary, nil
}

// loadExistingCompanies seeds the in-process cache once per run, per
// §5's "populated once per run, advanced in-process" contract.
func (o *Orchestrator) loadExistingCompanies(ctx context.Context) error {
	codes, err := o.Store.ExistingCompanyCodes(ctx)
	if err != nil {
		return err
	}
	o.companiesMu.Lock()
	o.existingCompanies = codes
	o.companiesMu.Unlock()
	return nil
}

func (o *Orchestrator) isExistingCompany(code string) bool {
	o.companiesMu.Lock()
	defer o.companiesMu.Unlock()
	return o.existingCompanies[code]
}

func (o *Orchestrator) markCompanyExisting(code string) {
	o.companiesMu.Lock()
	defer o.companiesMu.Unlock()
	if o.existingCompanies == nil {
		o.existingCompanies = map[string]bool{}
	}
	o.existingCompanies[code] = true
}

// ProcessDocument drives one work item through the cost-avoidance
// shortcuts or the full four-stage pipeline, never returning an error
// for a single document's own failure — those are captured in the
// returned Outcome instead, so Run can keep processing the rest of the
// batch.
func (o *Orchestrator) ProcessDocument(ctx context.Context, item gapanalysis.WorkItem) Outcome {
	if !item.NeedsProcessing {
		if item.SkipReason == "cost_avoidance_existing_company" {
			if err := gapanalysis.SynthesizePlaceholderArtifact(o.ExtractedDir, item.DocType, item.Path, item.CompanyCode); err != nil {
				return Outcome{Path: item.Path, Outcome: "skipped", SkipReason: item.SkipReason, Err: err}
			}
			if o.Metrics != nil {
				o.Metrics.LLMSkippedTotal.Inc()
			}
		}
		o.Logger.Info().Str("path", item.Path).Str("company_code", item.CompanyCode).Str("reason", item.SkipReason).Msg("skipping work item")
		return Outcome{Path: item.Path, Outcome: "skipped", SkipReason: item.SkipReason, CompanyCode: item.CompanyCode}
	}

	ok, err := o.Locks.Acquire(item.Path, o.LockTimeout)
	if err != nil {
		return Outcome{Path: item.Path, Outcome: "skipped", SkipReason: "lock_error", Err: err}
	}
	if !ok {
		o.Logger.Warn().Str("path", item.Path).Msg("lock_skipped: timed out acquiring file lock")
		return Outcome{Path: item.Path, Outcome: "lock_skipped", SkipReason: "lock_skipped"}
	}
	defer o.Locks.Release(item.Path)

	info, err := os.Stat(item.Path)
	if err != nil {
		return Outcome{Path: item.Path, Outcome: "skipped", SkipReason: "stat_error", Err: err}
	}

	record, err := o.Checkpoints.Load(item.Path, item.FileHash, info.ModTime().UTC())
	if err != nil {
		return Outcome{Path: item.Path, Outcome: "skipped", SkipReason: "checkpoint_load_error", Err: err}
	}
	o.tryReconstructFromDB(ctx, item, record)

	state := &docState{
		item:        item,
		record:      record,
		companyCode: item.CompanyCode,
	}

	if ctx.Err() != nil {
		return Outcome{Path: item.Path, Outcome: "cancelled", Err: ctx.Err()}
	}

	if record.StageStatusOf(model.StageExtraction) != model.StageStatusSuccess {
		if err := o.stageExtract(ctx, state); err != nil {
			return Outcome{Path: item.Path, Outcome: "processed", CompanyCode: state.companyCode, Err: err}
		}
	} else if err := o.loadExtractionArtifact(state); err != nil {
		// Extraction already succeeded in a prior run, so this process
		// never populated state.extractionData itself — reload it from
		// the durable artifact so a retried Fusion/Vectorization stage
		// has the business_concepts to merge instead of seeing nothing.
		return Outcome{Path: item.Path, Outcome: "processed", CompanyCode: state.companyCode, Err: err}
	}

	if ctx.Err() != nil {
		return Outcome{Path: item.Path, Outcome: "cancelled", CompanyCode: state.companyCode, Err: ctx.Err()}
	}

	if record.StageStatusOf(model.StageArchive) != model.StageStatusSuccess {
		if err := o.stageArchive(ctx, state); err != nil {
			return Outcome{Path: item.Path, Outcome: "processed", CompanyCode: state.companyCode, Err: err}
		}
	} else if rec := record.Stages[model.StageArchive]; rec != nil {
		state.docID = rec.DocID
	}

	if state.docID == "" {
		// Archive never produced a usable doc_id (e.g. a prior skipped
		// run with an unresolved mismatch) — downstream stages have
		// nothing to operate on.
		return Outcome{Path: item.Path, Outcome: "processed", CompanyCode: state.companyCode}
	}

	if ctx.Err() != nil {
		return Outcome{Path: item.Path, Outcome: "cancelled", CompanyCode: state.companyCode, DocID: state.docID}
	}

	var fusionCounts fusion.Counts
	if record.StageStatusOf(model.StageFusion) != model.StageStatusSuccess {
		fusionCounts = o.stageFuse(ctx, state)
	}

	var vectorStatus vectorindex.Status
	if ctx.Err() == nil {
		vectorStatus = o.stageVectorize(ctx, state)
	}

	return Outcome{
		Path:         item.Path,
		Outcome:      "processed",
		CompanyCode:  state.companyCode,
		DocID:        state.docID,
		FusionCounts: fusionCounts,
		VectorStatus: vectorStatus,
	}
}

// tryReconstructFromDB short-circuits a document whose checkpoint file
// never existed but whose SourceDocument is already archived under the
// current hash — a defensive resume path beyond what the Gap Analyzer
// already filters, covering a checkpoints directory wiped independently
// of the store.
func (o *Orchestrator) tryReconstructFromDB(ctx context.Context, item gapanalysis.WorkItem, record *model.CheckpointRecord) {
	if o.Checkpoints.Exists(item.Path) {
		return
	}
	docID, hash, found, err := o.Store.FindDocIDByFilePath(ctx, item.Path)
	if err != nil || !found || hash != item.FileHash {
		return
	}
	reconstructed := checkpoint.ReconstructFromDB(item.Path, item.FileHash, docID, record.LastModified)
	if err := o.Checkpoints.Save(reconstructed); err != nil {
		o.Logger.Warn().Err(err).Str("path", item.Path).Msg("failed to persist reconstructed checkpoint")
		return
	}
	*record = *reconstructed
}

// docState carries per-document working state between stage functions
// within one ProcessDocument call.
type docState struct {
	item           gapanalysis.WorkItem
	record         *model.CheckpointRecord
	companyCode    string
	docID          string
	extractionData map[string]any
	metadata       map[string]any
}
