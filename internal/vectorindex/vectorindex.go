// Package vectorindex implements the Vector Index Builder (C8): batched
// text preparation, embedding, and dimension-checked persistence of
// BusinessConceptMaster embeddings. Grounded on the teacher's
// internal/services/embeddings/embedding_service.go batching/dimension
// logic, generalized from single-document embedding to a company- or
// database-wide sweep.
package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/quaero/internal/embedclient"
	"github.com/ternarybob/quaero/internal/metrics"
	"github.com/ternarybob/quaero/internal/model"
)

// ConceptStore is the subset of concept persistence the builder needs.
type ConceptStore interface {
	// FindMissingEmbeddings returns concepts in companyCode lacking an
	// embedding, or every active concept when includeAll is set. An
	// empty companyCode scans every company. limit <= 0 means unbounded.
	FindMissingEmbeddings(ctx context.Context, companyCode string, includeAll bool, limit int) ([]*model.BusinessConceptMaster, error)
	UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error
}

// CheckpointSink lets a long-running rebuild resume after interruption
// without re-embedding concepts already written, independent of the
// per-source-file checkpoint store the orchestrator uses.
type CheckpointSink interface {
	IsEmbedded(conceptID uuid.UUID) bool
	MarkEmbedded(conceptID uuid.UUID) error
	Flush() error
}

const (
	defaultBatchSize     = 32
	defaultMaxTextLength = 2000
)

// Builder is the Vector Index Builder component.
type Builder struct {
	Concepts      ConceptStore
	Embedder      embedclient.Embedder
	Sink          CheckpointSink // optional; nil disables resumability
	Metrics       *metrics.Registry // optional
	BatchSize     int
	MaxTextLength int
}

// New constructs a Builder. batchSize and maxTextLength default when
// zero; sink and reg may be nil.
func New(concepts ConceptStore, embedder embedclient.Embedder, sink CheckpointSink, reg *metrics.Registry, batchSize, maxTextLength int) *Builder {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxTextLength <= 0 {
		maxTextLength = defaultMaxTextLength
	}
	return &Builder{
		Concepts:      concepts,
		Embedder:      embedder,
		Sink:          sink,
		Metrics:       reg,
		BatchSize:     batchSize,
		MaxTextLength: maxTextLength,
	}
}

// Status summarizes one BuildForCompany or Rebuild invocation.
type Status struct {
	Total          int
	Processed      int
	Succeeded      int
	Failed         int
	Skipped        int
	ProcessingTime time.Duration
	Errors         []string
}

// BuildForCompany embeds every concept under companyCode currently
// lacking an embedding.
func (b *Builder) BuildForCompany(ctx context.Context, companyCode string) (Status, error) {
	return b.run(ctx, companyCode, false)
}

// Rebuild re-embeds every active concept across every company,
// regardless of whether it already has an embedding, used by the
// --full-rebuild CLI action after a model or preprocessing change.
func (b *Builder) Rebuild(ctx context.Context) (Status, error) {
	return b.run(ctx, "", true)
}

func (b *Builder) run(ctx context.Context, companyCode string, includeAll bool) (Status, error) {
	start := time.Now()
	status := Status{}

	concepts, err := b.Concepts.FindMissingEmbeddings(ctx, companyCode, includeAll, 0)
	if err != nil {
		return status, fmt.Errorf("find concepts to embed: %w", err)
	}
	status.Total = len(concepts)

	batchSize := b.BatchSize
	if limit := b.Embedder.MaxBatchSize(); limit > 0 && limit < batchSize {
		batchSize = limit
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	for i := 0; i < len(concepts); i += batchSize {
		if ctx.Err() != nil {
			status.ProcessingTime = time.Since(start)
			return status, ctx.Err()
		}
		end := i + batchSize
		if end > len(concepts) {
			end = len(concepts)
		}
		b.processBatch(ctx, concepts[i:end], &status)
		if b.Sink != nil {
			if err := b.Sink.Flush(); err != nil {
				return status, fmt.Errorf("flush checkpoint sink: %w", err)
			}
		}
	}

	status.ProcessingTime = time.Since(start)
	return status, nil
}

// processBatch embeds and persists one batch, skipping concepts already
// marked embedded in the sink and dropping any vector whose dimension
// does not match the embedder's declared dimension.
func (b *Builder) processBatch(ctx context.Context, batch []*model.BusinessConceptMaster, status *Status) {
	var pending []*model.BusinessConceptMaster
	var texts []string

	for _, c := range batch {
		if b.Sink != nil && b.Sink.IsEmbedded(c.ConceptID) {
			status.Skipped++
			continue
		}
		pending = append(pending, c)
		texts = append(texts, PrepareText(c.ConceptName, c.ConceptDetails.Description, b.MaxTextLength))
	}
	if len(pending) == 0 {
		return
	}

	batchStart := time.Now()
	if b.Metrics != nil {
		b.Metrics.EmbeddingRequestsTotal.Inc()
	}
	vectors, err := b.Embedder.EmbedTexts(ctx, texts)
	if b.Metrics != nil {
		b.Metrics.EmbeddingBatchDuration.Observe(time.Since(batchStart).Seconds())
	}
	if err != nil {
		if b.Metrics != nil {
			b.Metrics.EmbeddingFailuresTotal.Inc()
		}
		status.Failed += len(pending)
		status.Processed += len(pending)
		status.Errors = append(status.Errors, fmt.Sprintf("embed batch: %v", err))
		return
	}

	dim := b.Embedder.Dimension()
	for i, c := range pending {
		status.Processed++
		vec := vectors[i]
		if dim > 0 && len(vec) != dim {
			if b.Metrics != nil {
				b.Metrics.EmbeddingDimensionMismatchesTotal.Inc()
			}
			status.Failed++
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", c.ConceptID, model.ErrDimensionMismatch))
			continue
		}

		if err := b.Concepts.UpdateEmbedding(ctx, c.ConceptID, vec); err != nil {
			status.Failed++
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", c.ConceptID, err))
			continue
		}
		if b.Sink != nil {
			if err := b.Sink.MarkEmbedded(c.ConceptID); err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("%s: mark embedded: %v", c.ConceptID, err))
			}
		}
		status.Succeeded++
	}
}
