package postgres

import (
	"context"
	"fmt"

	"github.com/ternarybob/quaero/internal/model"
)

// CompanyRepository persists Company rows, adapted from the teacher's
// document_storage.go repository style.
type CompanyRepository struct {
	store *Store
}

// Get returns the Company row for code, or (nil, nil) if it does not exist.
func (r *CompanyRepository) Get(ctx context.Context, code string) (*model.Company, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	row := r.store.pool.QueryRow(ctx, `
		SELECT code, name_full, name_short, exchange, created_at, updated_at
		FROM companies WHERE code = $1`, code)

	var c model.Company
	if err := row.Scan(&c.Code, &c.NameFull, &c.NameShort, &c.Exchange, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get company %s: %w", code, err)
	}
	return &c, nil
}

// Create inserts a new Company row.
func (r *CompanyRepository) Create(ctx context.Context, c *model.Company) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO companies (code, name_full, name_short, exchange, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())`,
		c.Code, c.NameFull, c.NameShort, c.Exchange)
	if err != nil {
		return fmt.Errorf("create company %s: %w", c.Code, err)
	}
	return nil
}

// UpdateNames overwrites name_full, name_short, and exchange for an
// existing company, used only when the Archive Writer's higher-quality
// heuristic approves the new values.
func (r *CompanyRepository) UpdateNames(ctx context.Context, code, nameFull, nameShort, exchange string) error {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	_, err := r.store.pool.Exec(ctx, `
		UPDATE companies SET name_full = $2, name_short = $3, exchange = $4, updated_at = now()
		WHERE code = $1`, code, nameFull, nameShort, exchange)
	if err != nil {
		return fmt.Errorf("update company %s: %w", code, err)
	}
	return nil
}

// ExistingCodes returns the full set of company codes currently in the
// store, used once per run to populate the Gap Analyzer's
// existing-companies cache (§4.4, §5).
func (r *CompanyRepository) ExistingCodes(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := r.store.commandContext(ctx)
	defer cancel()

	rows, err := r.store.pool.Query(ctx, `SELECT code FROM companies`)
	if err != nil {
		return nil, fmt.Errorf("list existing companies: %w", err)
	}
	defer rows.Close()

	codes := map[string]bool{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan company code: %w", err)
		}
		codes[code] = true
	}
	return codes, rows.Err()
}
