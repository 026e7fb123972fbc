package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ternarybob/quaero/internal/model"
)

// ConceptRepository persists BusinessConceptMaster rows, including the
// optimistic-locking update path the Fusion Engine depends on and the
// embedding-only write path the Vector Index Builder depends on.
// Grounded on the original's business_concept_master_repository.py
// update()/update_embedding() methods.
type ConceptRepository struct {
	store *Store
}

// FindByCompanyAndName returns the active concept matching
// (company_code, concept_name), or (nil, nil) if none exists.
func (r *ConceptRepository) FindByCompanyAndName(ctx context.Context, companyCode, conceptName string) (*model.BusinessConceptMaster, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	row := r.store.pool.QueryRow(ctx, `
		SELECT concept_id, company_code, concept_name, concept_category, importance_score,
		       development_stage, concept_details, last_updated_from_doc_id, version, is_active,
		       created_at, updated_at
		FROM business_concepts_master
		WHERE company_code = $1 AND concept_name = $2 AND is_active = true`,
		companyCode, conceptName)

	return scanConcept(row)
}

func scanConcept(row pgxRow) (*model.BusinessConceptMaster, error) {
	var (
		c             model.BusinessConceptMaster
		detailsJSON   []byte
		lastDocID     *uuid.UUID
	)
	if err := row.Scan(&c.ConceptID, &c.CompanyCode, &c.ConceptName, &c.ConceptCategory, &c.ImportanceScore,
		&c.DevelopmentStage, &detailsJSON, &lastDocID, &c.Version, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan business concept: %w", err)
	}
	if lastDocID != nil {
		c.LastUpdatedFromDocID = *lastDocID
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &c.ConceptDetails); err != nil {
			return nil, fmt.Errorf("unmarshal concept_details: %w", err)
		}
	}
	return &c, nil
}

// pgxRow is the minimal subset of pgx.Row this package scans against,
// letting scanConcept accept both a pgx.Row and a pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

// Create inserts a brand-new concept with version = 1.
func (r *ConceptRepository) Create(ctx context.Context, c *model.BusinessConceptMaster) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	if c.ConceptID == uuid.Nil {
		c.ConceptID = uuid.New()
	}
	c.Version = 1
	c.IsActive = true

	detailsJSON, err := json.Marshal(c.ConceptDetails)
	if err != nil {
		return fmt.Errorf("marshal concept_details: %w", err)
	}

	_, err = r.store.pool.Exec(ctx, `
		INSERT INTO business_concepts_master
			(concept_id, company_code, concept_name, concept_category, importance_score,
			 development_stage, concept_details, last_updated_from_doc_id, version, is_active,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		c.ConceptID, c.CompanyCode, c.ConceptName, c.ConceptCategory, formatScore(c.ImportanceScore),
		c.DevelopmentStage, detailsJSON, c.LastUpdatedFromDocID, c.Version, c.IsActive)
	if err != nil {
		return fmt.Errorf("create business concept: %w", err)
	}
	return nil
}

// UpdateFields applies a field merge to an existing concept, carrying a
// `WHERE version = expectedVersion` predicate. A zero-row update means a
// concurrent writer won the race; the caller receives
// model.ErrOptimisticLockConflict and must reload and retry.
func (r *ConceptRepository) UpdateFields(ctx context.Context, c *model.BusinessConceptMaster, expectedVersion int) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	detailsJSON, err := json.Marshal(c.ConceptDetails)
	if err != nil {
		return fmt.Errorf("marshal concept_details: %w", err)
	}

	newVersion := expectedVersion + 1
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE business_concepts_master
		SET importance_score = $1,
		    development_stage = $2,
		    concept_details = $3,
		    last_updated_from_doc_id = $4,
		    version = $5,
		    updated_at = now()
		WHERE concept_id = $6 AND version = $7`,
		formatScore(c.ImportanceScore), c.DevelopmentStage, detailsJSON, c.LastUpdatedFromDocID,
		newVersion, c.ConceptID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update business concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOptimisticLockConflict
	}
	c.Version = newVersion
	return nil
}

// UpdateEmbedding writes only the embedding column for conceptID. This
// deliberately does not touch version, per §3's invariant that
// embedding writes are not business-data mutations.
func (r *ConceptRepository) UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	_, err := r.store.pool.Exec(ctx, `
		UPDATE business_concepts_master SET embedding = $2 WHERE concept_id = $1`,
		conceptID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("update concept embedding: %w", err)
	}
	return nil
}

// FindMissingEmbeddings returns concepts in companyCode lacking an
// embedding, or every active concept when includeAll is set (used by a
// full rebuild). An empty companyCode scans every company. limit <= 0
// means unbounded.
func (r *ConceptRepository) FindMissingEmbeddings(ctx context.Context, companyCode string, includeAll bool, limit int) ([]*model.BusinessConceptMaster, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	query := `
		SELECT concept_id, company_code, concept_name, concept_category, importance_score,
		       development_stage, concept_details, last_updated_from_doc_id, version, is_active,
		       created_at, updated_at
		FROM business_concepts_master
		WHERE is_active = true`
	if !includeAll {
		query += " AND embedding IS NULL"
	}
	args := []any{}
	if companyCode != "" {
		query += " AND company_code = $1"
		args = append(args, companyCode)
	}
	query += " ORDER BY created_at"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find concepts missing embeddings: %w", err)
	}
	defer rows.Close()

	var results []*model.BusinessConceptMaster
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// formatScore rounds score to two-decimal precision, per §3's
// importance_score invariant.
func formatScore(score float64) float64 {
	return float64(int(score*100+0.5)) / 100
}
