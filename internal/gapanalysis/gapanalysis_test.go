package gapanalysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quaero/internal/fingerprint"
)

type fakeStore struct {
	knownHashes map[string]bool
	companies   map[string]bool
	byPath      map[string]struct {
		docID string
		hash  string
	}
}

func (f *fakeStore) KnownFileHashes(ctx context.Context) (map[string]bool, error) {
	return f.knownHashes, nil
}

func (f *fakeStore) ExistingCompanyCodes(ctx context.Context) (map[string]bool, error) {
	return f.companies, nil
}

func (f *fakeStore) FindDocIDByFilePath(ctx context.Context, path string) (string, string, bool, error) {
	entry, ok := f.byPath[path]
	if !ok {
		return "", "", false, nil
	}
	return entry.docID, entry.hash, true, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		knownHashes: map[string]bool{},
		companies:   map[string]bool{},
		byPath: map[string]struct {
			docID string
			hash  string
		}{},
	}
}

// fakeChecker is a CheckpointChecker whose completeness by path is
// fully scripted, letting tests simulate a failed Fusion/Vectorization
// stage without a real on-disk checkpoint file.
type fakeChecker struct {
	complete map[string]bool
	// defaultComplete is returned for any path not present in complete.
	defaultComplete bool
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{complete: map[string]bool{}, defaultComplete: true}
}

func (f *fakeChecker) AllStagesSucceeded(sourcePath string) bool {
	if v, ok := f.complete[sourcePath]; ok {
		return v
	}
	return f.defaultComplete
}

func TestAnalyze_NewFileNeedsProcessing(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	path := filepath.Join(annualDir, "000001_2023.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：000001\n年报内容"), 0644))

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, newFakeStore(), newFakeChecker())
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 1)
	assert.True(t, result.WorkItems[0].NeedsProcessing)
}

func TestAnalyze_ArtifactExistsIsSkipped(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	path := filepath.Join(annualDir, "000001_2023.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：000001\n年报内容"), 0644))
	require.NoError(t, SynthesizePlaceholderArtifact(extractedDir, "annual_report", path, "000001"))

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, newFakeStore(), newFakeChecker())
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 1)
	assert.False(t, result.WorkItems[0].NeedsProcessing)
	assert.Equal(t, "artifact_exists", result.WorkItems[0].SkipReason)
}

func TestAnalyze_CostAvoidanceForKnownCompany(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	path := filepath.Join(annualDir, "000001_2023.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：000001\n年报内容"), 0644))

	store := newFakeStore()
	store.companies["000001"] = true

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, store, newFakeChecker())
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 1)
	assert.False(t, result.WorkItems[0].NeedsProcessing)
	assert.Equal(t, "cost_avoidance_existing_company", result.WorkItems[0].SkipReason)
}

func TestAnalyze_DeterministicOrdering(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(annualDir, "b.txt"), []byte("xxxxxx"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(annualDir, "a.txt"), []byte("xxxxxx"), 0644))

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, newFakeStore(), newFakeChecker())
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 2)
	assert.Contains(t, result.WorkItems[0].Path, "a.txt")
	assert.Contains(t, result.WorkItems[1].Path, "b.txt")
}

func TestAnalyze_HashMatchedButFailedStageRetriesInsteadOfSkipping(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	path := filepath.Join(annualDir, "000001_2023.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：000001\n年报内容"), 0644))
	hash, err := fingerprint.HashFile(path)
	require.NoError(t, err)

	store := newFakeStore()
	store.byPath[path] = struct {
		docID string
		hash  string
	}{docID: "doc-1", hash: hash}

	checker := newFakeChecker()
	checker.complete[path] = false // e.g. Fusion previously recorded OptimisticLockConflict

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, store, checker)
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 1)
	assert.True(t, result.WorkItems[0].NeedsProcessing, "a document with an unresolved checkpoint stage must be retried, not skipped forever")
	assert.Empty(t, result.WorkItems[0].SkipReason)
}

func TestAnalyze_HashMatchedAndAllStagesSucceededIsSkipped(t *testing.T) {
	annualDir := t.TempDir()
	researchDir := t.TempDir()
	extractedDir := t.TempDir()

	path := filepath.Join(annualDir, "000001_2023.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：000001\n年报内容"), 0644))
	hash, err := fingerprint.HashFile(path)
	require.NoError(t, err)

	store := newFakeStore()
	store.byPath[path] = struct {
		docID string
		hash  string
	}{docID: "doc-1", hash: hash}

	result, err := Analyze(context.Background(), annualDir, researchDir, extractedDir, store, newFakeChecker())
	require.NoError(t, err)
	require.Len(t, result.WorkItems, 1)
	assert.False(t, result.WorkItems[0].NeedsProcessing)
	assert.Equal(t, "already_complete", result.WorkItems[0].SkipReason)
}
