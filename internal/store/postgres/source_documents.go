package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ternarybob/quaero/internal/model"
)

// SourceDocumentRepository persists SourceDocument rows.
type SourceDocumentRepository struct {
	store *Store
}

// FindByHash returns the SourceDocument with the given file_hash, or
// (nil, nil) if none exists.
func (r *SourceDocumentRepository) FindByHash(ctx context.Context, fileHash string) (*model.SourceDocument, error) {
	return r.findOneWhere(ctx, "file_hash = $1", fileHash)
}

// FindByPath returns the SourceDocument with the given file_path, or
// (nil, nil) if none exists.
func (r *SourceDocumentRepository) FindByPath(ctx context.Context, filePath string) (*model.SourceDocument, error) {
	return r.findOneWhere(ctx, "file_path = $1", filePath)
}

func (r *SourceDocumentRepository) findOneWhere(ctx context.Context, predicate string, arg any) (*model.SourceDocument, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	row := r.store.pool.QueryRow(ctx, `
		SELECT doc_id, company_code, doc_type, doc_date, report_title, file_path, file_hash,
		       raw_llm_output, extraction_metadata, original_content, processing_status, error_message, created_at
		FROM source_documents WHERE `+predicate, arg)

	var (
		d           model.SourceDocument
		rawLLM      []byte
		extraMeta   []byte
		companyCode *string
	)
	if err := row.Scan(&d.DocID, &companyCode, &d.DocType, &d.DocDate, &d.ReportTitle, &d.FilePath, &d.FileHash,
		&rawLLM, &extraMeta, &d.OriginalContent, &d.ProcessingStatus, &d.ErrorMessage, &d.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find source document: %w", err)
	}
	if companyCode != nil {
		d.CompanyCode = *companyCode
	}
	if len(rawLLM) > 0 {
		_ = json.Unmarshal(rawLLM, &d.RawLLMOutput)
	}
	if len(extraMeta) > 0 {
		_ = json.Unmarshal(extraMeta, &d.ExtractionMetadata)
	}
	return &d, nil
}

// Create inserts a new SourceDocument, returning ErrDuplicateFileHash if
// file_hash already exists.
func (r *SourceDocumentRepository) Create(ctx context.Context, d *model.SourceDocument) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	if d.DocID == uuid.Nil {
		d.DocID = uuid.New()
	}

	rawLLM, err := json.Marshal(d.RawLLMOutput)
	if err != nil {
		return fmt.Errorf("marshal raw_llm_output: %w", err)
	}
	extraMeta, err := json.Marshal(d.ExtractionMetadata)
	if err != nil {
		return fmt.Errorf("marshal extraction_metadata: %w", err)
	}

	_, err = r.store.pool.Exec(ctx, `
		INSERT INTO source_documents
			(doc_id, company_code, doc_type, doc_date, report_title, file_path, file_hash,
			 raw_llm_output, extraction_metadata, original_content, processing_status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		d.DocID, nullableString(d.CompanyCode), d.DocType, d.DocDate, d.ReportTitle, d.FilePath, d.FileHash,
		rawLLM, extraMeta, d.OriginalContent, d.ProcessingStatus, d.ErrorMessage)
	if err != nil {
		if isUniqueViolation(err, "source_documents_file_hash_key") {
			return model.ErrDuplicateFileHash
		}
		return fmt.Errorf("create source document: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// KnownFileHashes returns the full set of file_hash values currently
// archived, used once per run to populate the Gap Analyzer's
// already-seen-hash cache (§4.4).
func (r *SourceDocumentRepository) KnownFileHashes(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	rows, err := r.store.pool.Query(ctx, `SELECT file_hash FROM source_documents`)
	if err != nil {
		return nil, fmt.Errorf("list known file hashes: %w", err)
	}
	defer rows.Close()

	hashes := map[string]bool{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan file hash: %w", err)
		}
		hashes[hash] = true
	}
	return hashes, rows.Err()
}

// FindDocIDByFilePath looks up the doc_id and file_hash of the
// SourceDocument archived from filePath, used by the Gap Analyzer to
// detect a changed hash for a previously-seen path.
func (r *SourceDocumentRepository) FindDocIDByFilePath(ctx context.Context, filePath string) (docID, hash string, found bool, err error) {
	doc, err := r.FindByPath(ctx, filePath)
	if err != nil {
		return "", "", false, err
	}
	if doc == nil {
		return "", "", false, nil
	}
	return doc.DocID.String(), doc.FileHash, true, nil
}
