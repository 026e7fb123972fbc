// Package llm defines the Extractor contract consumed by the pipeline's
// Extract stage. The contract is opaque: the pipeline never depends on
// a concrete provider, only on this interface. See the anthropic
// sub-package for the concrete adapter wired by default.
package llm

import (
	"context"

	"github.com/ternarybob/quaero/internal/model"
)

// ExtractionResult is the typed record returned by an Extractor for one
// document. ExtractionData's shape depends on DocumentType: annual
// reports carry company identity fields plus business_concepts[];
// research reports carry company_code, report_title, and concepts where
// available.
type ExtractionResult struct {
	DocumentType       model.DocType
	ExtractionData     map[string]any
	ExtractionMetadata map[string]any
}

// Extractor is the external LLM adapter contract. Implementations must
// be deadline-aware (respect ctx) and idempotent: no state may persist
// across calls that would change the result of a later call with the
// same inputs.
type Extractor interface {
	// Extract runs business-concept extraction over the full text of a
	// single source document, guided by docTypeHint.
	Extract(ctx context.Context, text string, docTypeHint model.DocType) (*ExtractionResult, error)

	// HealthCheck verifies the adapter can reach its backing service.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}
