package vectorindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileSink is a CheckpointSink backed by a single file of newline-
// separated concept IDs already embedded this rebuild, written with the
// same atomic temp-file+rename discipline as internal/checkpoint, so a
// killed rebuild resumes without re-embedding completed concepts.
type FileSink struct {
	path string
	mu   sync.Mutex
	seen map[uuid.UUID]bool
	new  []uuid.UUID
}

// NewFileSink loads path if it exists, or starts empty.
func NewFileSink(path string) (*FileSink, error) {
	sink := &FileSink{path: path, seen: map[uuid.UUID]bool{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sink, nil
		}
		return nil, fmt.Errorf("open vector checkpoint %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id, err := uuid.Parse(scanner.Text())
		if err != nil {
			continue
		}
		sink.seen[id] = true
	}
	return sink, scanner.Err()
}

// IsEmbedded reports whether conceptID was marked embedded in a prior
// call or a previous run's loaded checkpoint.
func (s *FileSink) IsEmbedded(conceptID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[conceptID]
}

// MarkEmbedded records conceptID as embedded in memory; durable
// persistence happens on Flush so a long rebuild is not slowed by a
// disk write per concept.
func (s *FileSink) MarkEmbedded(conceptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[conceptID] {
		return nil
	}
	s.seen[conceptID] = true
	s.new = append(s.new, conceptID)
	return nil
}

// Flush appends every concept marked since the last Flush to the
// checkpoint file via an atomic temp-file + rename rewrite of the whole
// set, so a crash mid-write never leaves a truncated file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.new) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".vector-checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp vector checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for id := range s.seen {
		if _, err := fmt.Fprintln(w, id.String()); err != nil {
			tmp.Close()
			return fmt.Errorf("write vector checkpoint: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush vector checkpoint buffer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp vector checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename vector checkpoint into place: %w", err)
	}

	s.new = nil
	return nil
}
