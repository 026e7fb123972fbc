// Package archive implements the Archive Writer (C6): idempotent
// SourceDocument persistence keyed by file_hash, plus the annual-report
// company-upsert heuristic. Grounded on the teacher's
// internal/storage/sqlite/document_storage.go repository style and the
// original's business_concept_master_repository.py IntegrityError →
// named-error-kind translation idiom.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ternarybob/quaero/internal/model"
)

// CompanyStore is the subset of company persistence the writer needs.
type CompanyStore interface {
	Get(ctx context.Context, code string) (*model.Company, error)
	Create(ctx context.Context, c *model.Company) error
	UpdateNames(ctx context.Context, code, nameFull, nameShort, exchange string) error
}

// DocumentStore is the subset of document persistence the writer needs.
type DocumentStore interface {
	FindByHash(ctx context.Context, fileHash string) (*model.SourceDocument, error)
	FindByPath(ctx context.Context, filePath string) (*model.SourceDocument, error)
	Create(ctx context.Context, d *model.SourceDocument) error
}

// Writer is the Archive Writer component.
type Writer struct {
	Companies CompanyStore
	Documents DocumentStore
}

// New constructs a Writer.
func New(companies CompanyStore, documents DocumentStore) *Writer {
	return &Writer{Companies: companies, Documents: documents}
}

// Save persists doc, idempotent on file_hash, and applies the
// annual-report company-upsert policy. Returns the assigned doc_id.
func (w *Writer) Save(ctx context.Context, doc *model.SourceDocument, extractionData map[string]any) (uuid.UUID, error) {
	if existing, err := w.Documents.FindByHash(ctx, doc.FileHash); err != nil {
		return uuid.Nil, fmt.Errorf("check existing document by hash: %w", err)
	} else if existing != nil {
		return existing.DocID, nil
	}

	if byPath, err := w.Documents.FindByPath(ctx, doc.FilePath); err != nil {
		return uuid.Nil, fmt.Errorf("check existing document by path: %w", err)
	} else if byPath != nil && byPath.FileHash != doc.FileHash {
		return uuid.Nil, model.ErrFilePathHashMismatch
	}

	if doc.DocType == model.DocTypeAnnualReport {
		if err := w.upsertCompany(ctx, doc.CompanyCode, extractionData); err != nil {
			return uuid.Nil, err
		}
	} else {
		company, err := w.Companies.Get(ctx, doc.CompanyCode)
		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup company %s: %w", doc.CompanyCode, err)
		}
		if company == nil {
			return uuid.Nil, model.ErrUnknownCompany
		}
	}

	if doc.DocID == uuid.Nil {
		doc.DocID = uuid.New()
	}
	if err := w.Documents.Create(ctx, doc); err != nil {
		return uuid.Nil, fmt.Errorf("create source document: %w", err)
	}
	return doc.DocID, nil
}

// upsertCompany creates a Company row if absent, or overwrites its name
// and exchange fields, each only when the new value is of higher quality.
func (w *Writer) upsertCompany(ctx context.Context, code string, extractionData map[string]any) error {
	nameFull, _ := extractionData["company_name_full"].(string)
	nameShort, _ := extractionData["company_name_short"].(string)
	exchange, _ := extractionData["exchange"].(string)

	existing, err := w.Companies.Get(ctx, code)
	if err != nil {
		return fmt.Errorf("lookup company %s: %w", code, err)
	}

	if existing == nil {
		return w.Companies.Create(ctx, &model.Company{
			Code:      code,
			NameFull:  nameFull,
			NameShort: nameShort,
			Exchange:  exchange,
		})
	}

	newFull := nameFull
	if !IsHigherQuality(existing.NameFull, nameFull) {
		newFull = existing.NameFull
	}
	newShort := nameShort
	if !IsHigherQuality(existing.NameShort, nameShort) {
		newShort = existing.NameShort
	}
	newExchange := exchange
	if !IsHigherQuality(existing.Exchange, exchange) {
		newExchange = existing.Exchange
	}
	if newFull == existing.NameFull && newShort == existing.NameShort && newExchange == existing.Exchange {
		return nil
	}
	return w.Companies.UpdateNames(ctx, code, newFull, newShort, newExchange)
}

// placeholderTokens are substrings marking a low-quality stand-in name.
var placeholderTokens = model.PlaceholderTokens

// IsHigherQuality implements the Archive Writer's company-name
// overwrite heuristic (§4.6): the new value replaces old when any of
// three conditions hold.
func IsHigherQuality(old, new string) bool {
	if new == "" {
		return false
	}
	if old == "" {
		return true
	}

	for _, token := range placeholderTokens {
		if strings.Contains(old, token) {
			return true
		}
	}

	oldLen := runeLen(old)
	newLen := runeLen(new)
	if float64(newLen) > 1.5*float64(oldLen) {
		return true
	}

	oldChinese := countChinese(old)
	newChinese := countChinese(new)
	if newChinese > oldChinese && float64(newChinese)/float64(newLen) > 0.3 {
		return true
	}

	return false
}

func runeLen(s string) int {
	return len([]rune(s))
}

func countChinese(s string) int {
	count := 0
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			count++
		}
	}
	return count
}
