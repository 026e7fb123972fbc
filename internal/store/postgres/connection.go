// Package postgres implements the repositories consumed by the
// Checkpoint reconstruction path, Archive Writer (C6), Fusion Engine
// (C7), and Vector Index Builder (C8) against the schema in §6, using
// jackc/pgx/v5. Adapted from the teacher's internal/storage/sqlite
// repository-per-entity layout and its embedded migrations.go pattern.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps a pgx connection pool and exposes one repository per
// entity, mirroring the teacher's per-table storage struct shape.
type Store struct {
	pool    *pgxpool.Pool
	logger  arbor.ILogger
	timeout time.Duration

	Companies *CompanyRepository
	Documents *SourceDocumentRepository
	Concepts  *ConceptRepository
}

// Open creates a connection pool from cfg, runs pending migrations, and
// returns a ready-to-use Store.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger arbor.ILogger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize + cfg.PoolOverflow)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	store := &Store{
		pool:    pool,
		logger:  logger,
		timeout: cfg.CommandTimeout,
	}
	store.Companies = &CompanyRepository{store: store}
	store.Documents = &SourceDocumentRepository{store: store}
	store.Concepts = &ConceptRepository{store: store}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate applies every embedded .sql file in lexical order, wrapping
// each in its own transaction. Statements use IF NOT EXISTS / CREATE OR
// REPLACE so migrations are safe to re-run, matching the teacher's
// idempotent migration idiom.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Info().Str("migration", name).Msg("applied database migration")
	}
	return nil
}

// commandContext derives a context scoped to the pool-level command
// timeout, used by every repository method that issues a single
// short-lived statement.
func (s *Store) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// KnownFileHashes delegates to the document repository, letting *Store
// itself satisfy the Gap Analyzer's narrow Store contract.
func (s *Store) KnownFileHashes(ctx context.Context) (map[string]bool, error) {
	return s.Documents.KnownFileHashes(ctx)
}

// ExistingCompanyCodes delegates to the company repository.
func (s *Store) ExistingCompanyCodes(ctx context.Context) (map[string]bool, error) {
	return s.Companies.ExistingCodes(ctx)
}

// FindDocIDByFilePath delegates to the document repository.
func (s *Store) FindDocIDByFilePath(ctx context.Context, path string) (docID, hash string, found bool, err error) {
	return s.Documents.FindDocIDByFilePath(ctx, path)
}

// ClearAll truncates every pipeline-owned table, cascading to dependent
// rows, for the CLI's --clear-db maintenance action (supplemented from
// the original's production_pipeline.py reset path). Never called as
// part of normal processing.
func (s *Store) ClearAll(ctx context.Context) error {
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE business_concepts_master, source_documents, companies CASCADE`)
	if err != nil {
		return fmt.Errorf("clear database: %w", err)
	}
	return nil
}
