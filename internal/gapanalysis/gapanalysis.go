// Package gapanalysis scans the source tree and the store to produce a
// deterministic work list for the pipeline orchestrator (C4), grounded
// on the original's smart_incremental_extract.py existing-data cache
// and the other_examples auto-doc indexer's walk+gap-diff shape.
package gapanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/quaero/internal/fingerprint"
	"github.com/ternarybob/quaero/internal/model"
)

// WorkItem is one source file the orchestrator must (or need not)
// process.
type WorkItem struct {
	Path            string
	DocType         model.DocType
	FileHash        string
	CompanyCode     string
	ExistedInDB     bool
	NeedsProcessing bool
	SkipReason      string
}

// Store is the minimal subset of the persistence layer the analyzer
// needs, kept narrow so tests can substitute an in-memory fake.
type Store interface {
	KnownFileHashes(ctx context.Context) (map[string]bool, error)
	ExistingCompanyCodes(ctx context.Context) (map[string]bool, error)
	FindDocIDByFilePath(ctx context.Context, path string) (docID string, hash string, found bool, err error)
}

// CheckpointChecker is the minimal checkpoint-store surface the gap
// analyzer needs to avoid permanently skipping a document whose Fusion
// or Vectorization stage previously failed: a document already archived
// under a matching hash is only "already_complete" when its checkpoint
// (if any) shows every stage at success.
type CheckpointChecker interface {
	// AllStagesSucceeded reports whether sourcePath's on-disk checkpoint
	// has all four stages at success, or true when no checkpoint file
	// exists at all for it (nothing attempted, so nothing unresolved).
	AllStagesSucceeded(sourcePath string) bool
}

// Result is the gap analyzer's output: a deterministically ordered work
// list plus skip-reason totals.
type Result struct {
	WorkItems    []WorkItem
	SkipReasons  map[string]int
}

// Analyze walks annualDir and researchDir for *.md and *.txt candidates,
// typing files found under annualDir as annual reports and those under
// researchDir as research reports, classifies each against the store, and
// returns a deterministically ordered work list.
func Analyze(ctx context.Context, annualDir, researchDir, extractedDir string, store Store, checkpoints CheckpointChecker) (*Result, error) {
	knownHashes, err := store.KnownFileHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known file hashes: %w", err)
	}
	existingCompanies, err := store.ExistingCompanyCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing companies: %w", err)
	}

	var paths []string
	docTypes := map[string]model.DocType{}
	for _, root := range []struct {
		dir     string
		docType model.DocType
	}{{annualDir, model.DocTypeAnnualReport}, {researchDir, model.DocTypeResearchReport}} {
		found, err := walkCandidates(root.dir)
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			docTypes[p] = root.docType
		}
		paths = append(paths, found...)
	}
	sort.Strings(paths)

	result := &Result{SkipReasons: map[string]int{}}

	for _, path := range paths {
		item, err := classify(ctx, path, docTypes[path], extractedDir, knownHashes, existingCompanies, store, checkpoints)
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", path, err)
		}
		result.WorkItems = append(result.WorkItems, item)
		if !item.NeedsProcessing && item.SkipReason != "" {
			result.SkipReasons[item.SkipReason]++
		}
	}

	return result, nil
}

func walkCandidates(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".md" || ext == ".txt" {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return found, nil
}

func classify(ctx context.Context, path string, docType model.DocType, extractedDir string, knownHashes, existingCompanies map[string]bool, store Store, checkpoints CheckpointChecker) (WorkItem, error) {
	hash, err := fingerprint.HashFile(path)
	if err != nil {
		return WorkItem{}, err
	}
	companyCode, _ := fingerprint.ExtractCompanyCode(path)

	item := WorkItem{
		Path:        path,
		DocType:     docType,
		FileHash:    hash,
		CompanyCode: companyCode,
	}

	if ExtractedArtifactExists(extractedDir, docType, path) {
		item.NeedsProcessing = false
		item.SkipReason = "artifact_exists"
		return item, nil
	}

	if docType == model.DocTypeAnnualReport && companyCode != "" && existingCompanies[companyCode] {
		item.NeedsProcessing = false
		item.SkipReason = "cost_avoidance_existing_company"
		return item, nil
	}

	_, existingHash, found, err := store.FindDocIDByFilePath(ctx, path)
	if err != nil {
		return WorkItem{}, err
	}
	if !found {
		if knownHashes[hash] {
			item.ExistedInDB = true
			if checkpointComplete(checkpoints, path) {
				item.NeedsProcessing = false
				item.SkipReason = "hash_already_archived"
				return item, nil
			}
			item.NeedsProcessing = true
			return item, nil
		}
		item.NeedsProcessing = true
		return item, nil
	}

	item.ExistedInDB = true
	if existingHash == hash {
		if checkpointComplete(checkpoints, path) {
			item.NeedsProcessing = false
			item.SkipReason = "already_complete"
			return item, nil
		}
		item.NeedsProcessing = true
		return item, nil
	}

	item.NeedsProcessing = true
	return item, nil
}

// checkpointComplete reports whether path's checkpoint (if any) shows
// every stage at success, so a hash-matched, already-archived document
// whose Fusion or Vectorization stage previously failed falls through
// to NeedsProcessing instead of being skipped forever. A nil checker
// (e.g. an older caller that hasn't been wired up) is treated as
// complete, preserving the prior hash-only behavior.
func checkpointComplete(checkpoints CheckpointChecker, path string) bool {
	if checkpoints == nil {
		return true
	}
	return checkpoints.AllStagesSucceeded(path)
}

// ExtractedArtifactExists reports whether the canonical extracted-JSON
// artifact for path already exists under extractedDir.
func ExtractedArtifactExists(extractedDir string, docType model.DocType, sourcePath string) bool {
	_, err := os.Stat(CanonicalArtifactPath(extractedDir, docType, sourcePath))
	return err == nil
}

// CanonicalArtifactPath computes the canonical extracted-JSON path for
// a source file, per §6's filesystem layout.
func CanonicalArtifactPath(extractedDir string, docType model.DocType, sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	subdir := "research_reports"
	if docType == model.DocTypeAnnualReport {
		subdir = "annual_reports"
	}
	return filepath.Join(extractedDir, subdir, stem+"_extracted.json")
}

// SynthesizePlaceholderArtifact writes a minimal extracted-JSON artifact
// containing only company identity, used by the cost-avoidance
// short-circuit for annual reports of already-known companies.
func SynthesizePlaceholderArtifact(extractedDir string, docType model.DocType, sourcePath, companyCode string) error {
	path := CanonicalArtifactPath(extractedDir, docType, sourcePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create extracted dir: %w", err)
	}

	payload := map[string]any{
		"document_type": string(docType),
		"extraction_data": map[string]any{
			"company_code": companyCode,
		},
		"extraction_metadata": map[string]any{
			"skipped_llm": true,
			"synthesized_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal placeholder artifact: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
