package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quaero/internal/model"
)

func TestLoad_FreshRecord(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	record, err := store.Load("/data/annual_reports/000001.txt", "abc123", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusPending, record.StageStatusOf(model.StageExtraction))
	assert.Equal(t, model.StageStatusPending, record.StageStatusOf(model.StageArchive))
}

func TestUpdateStage_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	record, err := store.Load("/data/annual_reports/000001.txt", "abc123", time.Now())
	require.NoError(t, err)

	err = store.UpdateStage(record, model.StageExtraction, model.StageStatusSuccess, func(r *model.StageRecord) {
		r.OutputPath = "data/extracted/annual_reports/000001_extracted.json"
	})
	require.NoError(t, err)

	reloaded, err := store.Load("/data/annual_reports/000001.txt", "abc123", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusSuccess, reloaded.StageStatusOf(model.StageExtraction))
	assert.Equal(t, "data/extracted/annual_reports/000001_extracted.json", reloaded.Stages[model.StageExtraction].OutputPath)
}

func TestReconstructFromDB_MarksAllStagesSuccess(t *testing.T) {
	record := ReconstructFromDB("/data/annual_reports/000001.txt", "abc123", "doc-1", time.Now())
	for _, stage := range []model.StageName{model.StageExtraction, model.StageArchive, model.StageFusion, model.StageVectorization} {
		assert.Equal(t, model.StageStatusSuccess, record.StageStatusOf(stage))
	}
}

func TestRepair_ResetsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	record, err := store.Load("/data/annual_reports/000002.txt", "def456", time.Now())
	require.NoError(t, err)
	record.Stages[model.StageFusion] = &model.StageRecord{Status: "in_progress"}
	require.NoError(t, store.save(record))

	repaired, err := store.Repair()
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	reloaded, err := store.Load("/data/annual_reports/000002.txt", "def456", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusPending, reloaded.StageStatusOf(model.StageFusion))
}
