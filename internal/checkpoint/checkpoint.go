// Package checkpoint implements the per-source-file durable state store
// (C2), adapted from the teacher's atomic temp-file+rename write
// discipline in internal/storage/sqlite/connection.go and the
// stage/status record shape of internal/jobs/state/progress.go.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/quaero/internal/model"
)

// Store persists CheckpointRecords as one JSON file per source file
// stem under a configured checkpoints directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoints dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// pathFor returns the canonical checkpoint file path for a source file.
func (s *Store) pathFor(sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return filepath.Join(s.dir, stem+"_checkpoint.json")
}

// Exists reports whether an on-disk checkpoint file already exists for
// sourcePath, letting callers distinguish a fresh record from a
// genuinely new one before deciding whether to consult
// ReconstructFromDB.
func (s *Store) Exists(sourcePath string) bool {
	_, err := os.Stat(s.pathFor(sourcePath))
	return err == nil
}

// AllStagesSucceeded reports whether sourcePath's on-disk checkpoint has
// every stage recorded success, or true if no checkpoint file exists
// yet for it (nothing attempted, so nothing is unresolved). Used by the
// Gap Analyzer so a document whose Fusion or Vectorization stage
// previously failed is not skipped forever once it is already archived
// under a matching hash.
func (s *Store) AllStagesSucceeded(sourcePath string) bool {
	data, err := os.ReadFile(s.pathFor(sourcePath))
	if err != nil {
		return true
	}
	var record model.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return true
	}
	for _, stage := range []model.StageName{model.StageExtraction, model.StageArchive, model.StageFusion, model.StageVectorization} {
		rec := record.Stages[stage]
		if rec == nil || rec.Status != model.StageStatusSuccess {
			return false
		}
	}
	return true
}

// Save durably persists record via the same atomic temp-file+rename
// write UpdateStage uses, exposed for callers (such as the
// orchestrator's DB-reconstruction path) that build a record directly
// rather than through UpdateStage.
func (s *Store) Save(record *model.CheckpointRecord) error {
	return s.save(record)
}

// Load returns the existing checkpoint for sourcePath if its on-disk
// file parses, otherwise a fresh record with all four stages pending.
func (s *Store) Load(sourcePath, fileHash string, lastModified time.Time) (*model.CheckpointRecord, error) {
	data, err := os.ReadFile(s.pathFor(sourcePath))
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewCheckpointRecord(sourcePath, fileHash, lastModified), nil
		}
		return model.NewCheckpointRecord(sourcePath, fileHash, lastModified), nil
	}

	var record model.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.NewCheckpointRecord(sourcePath, fileHash, lastModified), nil
	}
	return &record, nil
}

// ReconstructFromDB synthesizes a checkpoint marking all four stages
// success, used when no checkpoint file exists but the store already
// has a matching SourceDocument by file_hash — this avoids redundant
// extraction/archive work for documents a prior run already completed.
func ReconstructFromDB(sourcePath, fileHash, docID string, lastModified time.Time) *model.CheckpointRecord {
	record := model.NewCheckpointRecord(sourcePath, fileHash, lastModified)
	now := time.Now().UTC()
	for _, stage := range []model.StageName{model.StageExtraction, model.StageArchive, model.StageFusion, model.StageVectorization} {
		record.Stages[stage] = &model.StageRecord{
			Status:    model.StageStatusSuccess,
			Timestamp: now,
			DocID:     docID,
		}
	}
	record.UpdatedAt = now
	return record
}

// UpdateStage mutates one stage of record and durably persists the
// whole record via an atomic temp-file + rename write. Every mutation
// refreshes UpdatedAt.
func (s *Store) UpdateStage(record *model.CheckpointRecord, name model.StageName, status model.StageStatus, mutate func(*model.StageRecord)) error {
	now := time.Now().UTC()
	rec := &model.StageRecord{Status: status, Timestamp: now}
	if mutate != nil {
		mutate(rec)
	}
	if record.Stages == nil {
		record.Stages = map[model.StageName]*model.StageRecord{}
	}
	record.Stages[name] = rec
	record.UpdatedAt = now

	return s.save(record)
}

// save writes record atomically: write to a temp file in the same
// directory, then rename over the destination, so a concurrent reader
// or a crash mid-write never observes a partial file.
func (s *Store) save(record *model.CheckpointRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dest := s.pathFor(record.FilePath)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// Clear deletes every checkpoint file in the store's directory, for the
// CLI's --clear-checkpoints maintenance action. Never called as part of
// normal processing.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoints dir: %w", err)
	}
	cleared := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_checkpoint.json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return cleared, fmt.Errorf("remove checkpoint %s: %w", entry.Name(), err)
		}
		cleared++
	}
	return cleared, nil
}

// Repair scans the checkpoints directory for records stuck mid-stage —
// a process killed between write and rename should be impossible given
// the atomic-rename discipline above, but a defensive sweep catches any
// stage whose recorded status is not pending, success, skipped or
// failed, and resets that stage to pending so the next run re-attempts it.
// Grounded on the original's fix_incomplete_checkpoints.py maintenance
// script.
func (s *Store) Repair() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoints dir: %w", err)
	}

	repaired := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_checkpoint.json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record model.CheckpointRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}

		changed := false
		for name, rec := range record.Stages {
			if rec == nil {
				continue
			}
			switch rec.Status {
			case model.StageStatusPending, model.StageStatusSuccess, model.StageStatusSkipped, model.StageStatusFailed:
				continue
			default:
				record.Stages[name] = &model.StageRecord{Status: model.StageStatusPending}
				changed = true
			}
		}
		if changed {
			if err := s.save(&record); err != nil {
				return repaired, err
			}
			repaired++
		}
	}
	return repaired, nil
}
