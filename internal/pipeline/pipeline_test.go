package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/archive"
	"github.com/ternarybob/quaero/internal/checkpoint"
	"github.com/ternarybob/quaero/internal/filelock"
	"github.com/ternarybob/quaero/internal/fusion"
	"github.com/ternarybob/quaero/internal/gapanalysis"
	"github.com/ternarybob/quaero/internal/llm"
	"github.com/ternarybob/quaero/internal/model"
	"github.com/ternarybob/quaero/internal/vectorindex"
)

// --- fakes -----------------------------------------------------------

type fakeStore struct {
	hashes      map[string]bool
	companies   map[string]bool
	byPath      map[string]string // path -> docID
	hashByPath  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{hashes: map[string]bool{}, companies: map[string]bool{}, byPath: map[string]string{}, hashByPath: map[string]string{}}
}

func (f *fakeStore) KnownFileHashes(ctx context.Context) (map[string]bool, error) { return f.hashes, nil }
func (f *fakeStore) ExistingCompanyCodes(ctx context.Context) (map[string]bool, error) {
	return f.companies, nil
}
func (f *fakeStore) FindDocIDByFilePath(ctx context.Context, path string) (string, string, bool, error) {
	id, ok := f.byPath[path]
	if !ok {
		return "", "", false, nil
	}
	return id, f.hashByPath[path], true, nil
}

type fakeExtractor struct {
	result *llm.ExtractionResult
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, docTypeHint model.DocType) (*llm.ExtractionResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
func (f *fakeExtractor) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeExtractor) Close() error                          { return nil }

type fakeCompanyStore struct {
	byCode map[string]*model.Company
}

func newFakeCompanyStore() *fakeCompanyStore { return &fakeCompanyStore{byCode: map[string]*model.Company{}} }
func (f *fakeCompanyStore) Get(ctx context.Context, code string) (*model.Company, error) {
	return f.byCode[code], nil
}
func (f *fakeCompanyStore) Create(ctx context.Context, c *model.Company) error {
	f.byCode[c.Code] = c
	return nil
}
func (f *fakeCompanyStore) UpdateNames(ctx context.Context, code, nameFull, nameShort, exchange string) error {
	return nil
}

type fakeDocumentStore struct {
	byHash map[string]*model.SourceDocument
	byPath map[string]*model.SourceDocument
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{byHash: map[string]*model.SourceDocument{}, byPath: map[string]*model.SourceDocument{}}
}
func (f *fakeDocumentStore) FindByHash(ctx context.Context, fileHash string) (*model.SourceDocument, error) {
	return f.byHash[fileHash], nil
}
func (f *fakeDocumentStore) FindByPath(ctx context.Context, filePath string) (*model.SourceDocument, error) {
	return f.byPath[filePath], nil
}
func (f *fakeDocumentStore) Create(ctx context.Context, d *model.SourceDocument) error {
	d.DocID = uuid.New()
	f.byHash[d.FileHash] = d
	f.byPath[d.FilePath] = d
	return nil
}

type fakeConceptStore struct{}

func (fakeConceptStore) FindByCompanyAndName(ctx context.Context, companyCode, conceptName string) (*model.BusinessConceptMaster, error) {
	return nil, nil
}
func (fakeConceptStore) Create(ctx context.Context, c *model.BusinessConceptMaster) error { return nil }
func (fakeConceptStore) UpdateFields(ctx context.Context, c *model.BusinessConceptMaster, expectedVersion int) error {
	return nil
}

type fakeVectorConceptStore struct{}

func (fakeVectorConceptStore) FindMissingEmbeddings(ctx context.Context, companyCode string, includeAll bool, limit int) ([]*model.BusinessConceptMaster, error) {
	return nil, nil
}
func (fakeVectorConceptStore) UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error {
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (fakeEmbedder) Dimension() int                                                { return 4 }
func (fakeEmbedder) MaxBatchSize() int                                             { return 8 }
func (fakeEmbedder) HealthCheck(ctx context.Context) error                         { return nil }

// --- harness -----------------------------------------------------------

type harness struct {
	t             *testing.T
	dir           string
	orchestrator  *Orchestrator
	store         *fakeStore
	extractor     *fakeExtractor
	companies     *fakeCompanyStore
	documents     *fakeDocumentStore
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	checkpoints, err := checkpoint.New(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	locks, err := filelock.New(filepath.Join(dir, "locks"))
	require.NoError(t, err)

	store := newFakeStore()
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	extractor := &fakeExtractor{result: &llm.ExtractionResult{
		DocumentType:   model.DocTypeAnnualReport,
		ExtractionData: map[string]any{"company_code": "000001", "company_name_full": "测试公司"},
	}}

	archiveWriter := archive.New(companies, documents)
	fusionEngine := fusion.New(fakeConceptStore{}, 20)
	vectorBuilder := vectorindex.New(fakeVectorConceptStore{}, fakeEmbedder{}, nil, nil, 16, 100)

	logger := arbor.NewLogger()

	orch := New(checkpoints, locks, store, extractor, archiveWriter, fusionEngine, vectorBuilder, nil, logger,
		filepath.Join(dir, "extracted"), 2, 2*time.Second)

	return &harness{t: t, dir: dir, orchestrator: orch, store: store, extractor: extractor, companies: companies, documents: documents}
}

func (h *harness) writeSourceFile(name, content string) string {
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// --- tests -----------------------------------------------------------

func TestProcessDocument_FullySucceeds(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, FileHash: "irrelevant", CompanyCode: "000001", NeedsProcessing: true}

	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.Equal(t, "processed", outcome.Outcome)
	assert.NoError(t, outcome.Err)
	assert.NotEmpty(t, outcome.DocID)
	assert.Equal(t, 1, h.extractor.calls)
}

func TestProcessDocument_SkipsWithoutCallingExtractor(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: false, SkipReason: "already_complete"}

	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.Equal(t, "skipped", outcome.Outcome)
	assert.Equal(t, "already_complete", outcome.SkipReason)
	assert.Equal(t, 0, h.extractor.calls)
}

func TestProcessDocument_CostAvoidanceSynthesizesPlaceholderAndSkipsLLM(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2024_annual.txt", "another report")

	item := gapanalysis.WorkItem{
		Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001",
		NeedsProcessing: false, SkipReason: "cost_avoidance_existing_company",
	}

	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.Equal(t, "skipped", outcome.Outcome)
	assert.Equal(t, 0, h.extractor.calls)

	artifactPath := gapanalysis.CanonicalArtifactPath(filepath.Join(h.dir, "extracted"), model.DocTypeAnnualReport, path)
	_, err := os.Stat(artifactPath)
	assert.NoError(t, err)
}

func TestProcessDocument_ExtractionFailureHaltsArchiveStage(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = assertErr("llm exploded")
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: true}

	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.Error(t, outcome.Err)
	assert.Empty(t, outcome.DocID)
	assert.Empty(t, h.documents.byPath)
}

func TestProcessDocument_UnknownCompanyHaltsDocument(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = &llm.ExtractionResult{
		DocumentType:   model.DocTypeResearchReport,
		ExtractionData: map[string]any{"company_code": "999999", "report_title": "deep dive"},
	}
	path := h.writeSourceFile("999999_research.txt", "research report body")

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeResearchReport, CompanyCode: "999999", NeedsProcessing: true}

	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.ErrorIs(t, outcome.Err, model.ErrUnknownCompany)
	assert.Empty(t, outcome.DocID)
}

func TestProcessDocument_LockHeldElsewhereIsSkipped(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	ok, err := h.orchestrator.Locks.Acquire(path, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer h.orchestrator.Locks.Release(path)

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: true}
	outcome := h.orchestrator.ProcessDocument(context.Background(), item)
	assert.Equal(t, "lock_skipped", outcome.Outcome)
	assert.Equal(t, 0, h.extractor.calls)
}

func TestProcessDocument_CancelledContextStopsBeforeArchive(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: true}
	outcome := h.orchestrator.ProcessDocument(ctx, item)
	assert.Equal(t, "cancelled", outcome.Outcome)
}

func TestRun_AggregatesOutcomesAcrossItems(t *testing.T) {
	h := newHarness(t)
	path1 := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容一")
	path2 := h.writeSourceFile("000001_2022_annual.txt", "年度报告全文内容二")

	items := []gapanalysis.WorkItem{
		{Path: path1, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: true},
		{Path: path2, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: false, SkipReason: "already_complete"},
	}

	summary, err := h.orchestrator.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, summary.Results, 2)
}

// fakeConflictThenSuccessConceptStore fails the first UpdateFields call
// with an OptimisticLockConflict and succeeds on every subsequent call,
// modeling §4.7's "the next run resolves it" contract.
type fakeConflictThenSuccessConceptStore struct {
	existing *model.BusinessConceptMaster
	attempts int
}

func (f *fakeConflictThenSuccessConceptStore) FindByCompanyAndName(ctx context.Context, companyCode, conceptName string) (*model.BusinessConceptMaster, error) {
	return f.existing, nil
}
func (f *fakeConflictThenSuccessConceptStore) Create(ctx context.Context, c *model.BusinessConceptMaster) error {
	return nil
}
func (f *fakeConflictThenSuccessConceptStore) UpdateFields(ctx context.Context, c *model.BusinessConceptMaster, expectedVersion int) error {
	f.attempts++
	if f.attempts == 1 {
		return model.ErrOptimisticLockConflict
	}
	f.existing.Version = expectedVersion + 1
	return nil
}

// TestProcessDocument_RetriesFailedFusionAfterHashMatch covers the gap
// analyzer / orchestrator interaction behind a hash-matched, already-
// archived document whose Fusion stage previously failed: the gap
// analyzer must hand ProcessDocument a WorkItem with NeedsProcessing
// still true (rather than "already_complete"), so the retry reaches
// stageFuse without re-invoking the LLM or re-archiving.
func TestProcessDocument_RetriesFailedFusionAfterHashMatch(t *testing.T) {
	h := newHarness(t)
	path := h.writeSourceFile("000001_2023_annual.txt", "年度报告全文内容")

	concepts := &fakeConflictThenSuccessConceptStore{
		existing: &model.BusinessConceptMaster{
			ConceptID:       uuid.New(),
			CompanyCode:     "000001",
			ConceptName:     "智能制造",
			ConceptCategory: model.ConceptCategoryCore,
			Version:         1,
		},
	}
	h.orchestrator.Fusion = fusion.New(concepts, 20)
	h.extractor.result = &llm.ExtractionResult{
		DocumentType: model.DocTypeAnnualReport,
		ExtractionData: map[string]any{
			"company_code":      "000001",
			"company_name_full": "测试公司",
			"business_concepts": []any{
				map[string]any{
					"concept_name":     "智能制造",
					"concept_category": "核心业务",
					"importance_score": 0.9,
				},
			},
		},
	}

	item := gapanalysis.WorkItem{Path: path, DocType: model.DocTypeAnnualReport, CompanyCode: "000001", NeedsProcessing: true}

	first := h.orchestrator.ProcessDocument(context.Background(), item)
	require.Equal(t, "processed", first.Outcome)
	require.NoError(t, first.Err)
	assert.Equal(t, 1, first.FusionCounts.Total)
	assert.Equal(t, 0, first.FusionCounts.Updated, "first attempt should have lost the optimistic-lock race")
	assert.Equal(t, 1, h.extractor.calls)

	// A hash match on re-run must still surface NeedsProcessing=true
	// because the Fusion stage recorded failed, not success — this is
	// what internal/gapanalysis.checkpointComplete is responsible for.
	second := h.orchestrator.ProcessDocument(context.Background(), item)
	require.Equal(t, "processed", second.Outcome)
	require.NoError(t, second.Err)
	assert.Equal(t, 1, second.FusionCounts.Updated, "retry should resolve the fusion conflict")
	assert.Equal(t, 1, h.extractor.calls, "extraction must not re-run once archived")
	assert.Equal(t, 2, concepts.attempts)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
