package vectorindex

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quaero/internal/model"
)

type fakeConceptStore struct {
	concepts   []*model.BusinessConceptMaster
	embeddings map[uuid.UUID][]float32
}

func newFakeConceptStore(concepts ...*model.BusinessConceptMaster) *fakeConceptStore {
	return &fakeConceptStore{concepts: concepts, embeddings: map[uuid.UUID][]float32{}}
}

func (f *fakeConceptStore) FindMissingEmbeddings(ctx context.Context, companyCode string, includeAll bool, limit int) ([]*model.BusinessConceptMaster, error) {
	var out []*model.BusinessConceptMaster
	for _, c := range f.concepts {
		if companyCode != "" && c.CompanyCode != companyCode {
			continue
		}
		if !includeAll && f.embeddings[c.ConceptID] != nil {
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeConceptStore) UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error {
	f.embeddings[conceptID] = embedding
	return nil
}

type fakeEmbedder struct {
	dim        int
	maxBatch   int
	batchSizes []int
	fail       bool
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.fail {
		return nil, assertErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) Dimension() int     { return f.dim }
func (f *fakeEmbedder) MaxBatchSize() int  { return f.maxBatch }
func (f *fakeEmbedder) HealthCheck(ctx context.Context) error { return nil }

var assertErr = assertError("embed failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func concept(company, name string) *model.BusinessConceptMaster {
	return &model.BusinessConceptMaster{
		ConceptID:   uuid.New(),
		CompanyCode: company,
		ConceptName: name,
		ConceptDetails: model.ConceptDetails{
			Description: "a description of " + name,
		},
		IsActive: true,
	}
}

func TestBuildForCompany_EmbedsOnlyMissing(t *testing.T) {
	c1 := concept("000001", "核心业务一")
	store := newFakeConceptStore(c1)
	embedder := &fakeEmbedder{dim: 4, maxBatch: 8}
	builder := New(store, embedder, nil, nil, 16, 100)

	status, err := builder.BuildForCompany(context.Background(), "000001")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, 0, status.Failed)
	assert.NotNil(t, store.embeddings[c1.ConceptID])
}

func TestBuildForCompany_DimensionMismatchDropped(t *testing.T) {
	c1 := concept("000001", "核心业务一")
	store := newFakeConceptStore(c1)
	embedder := &fakeEmbedder{dim: 4, maxBatch: 8}
	builder := New(store, embedder, nil, nil, 16, 100)

	// force a dimension mismatch by wrapping embedder with a different
	// declared dimension than what it returns
	mismatched := &dimLiarEmbedder{fakeEmbedder: embedder, declaredDim: 8}
	builder.Embedder = mismatched

	status, err := builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 0, status.Succeeded)
	assert.Nil(t, store.embeddings[c1.ConceptID])
}

type dimLiarEmbedder struct {
	*fakeEmbedder
	declaredDim int
}

func (d *dimLiarEmbedder) Dimension() int { return d.declaredDim }

func TestRun_RespectsEmbedderBatchCap(t *testing.T) {
	concepts := make([]*model.BusinessConceptMaster, 0, 20)
	for i := 0; i < 20; i++ {
		concepts = append(concepts, concept("000001", "concept"))
	}
	store := newFakeConceptStore(concepts...)
	embedder := &fakeEmbedder{dim: 4, maxBatch: 5}
	builder := New(store, embedder, nil, nil, 16, 100)

	status, err := builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, status.Succeeded)
	for _, size := range embedder.batchSizes {
		assert.LessOrEqual(t, size, 5)
	}
}

func TestBuildForCompany_EmbedderFailureMarksAllFailed(t *testing.T) {
	c1 := concept("000001", "核心业务一")
	c2 := concept("000001", "核心业务二")
	store := newFakeConceptStore(c1, c2)
	embedder := &fakeEmbedder{dim: 4, maxBatch: 8, fail: true}
	builder := New(store, embedder, nil, nil, 16, 100)

	status, err := builder.BuildForCompany(context.Background(), "000001")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Failed)
	assert.NotEmpty(t, status.Errors)
}

type fakeSink struct {
	embedded map[uuid.UUID]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{embedded: map[uuid.UUID]bool{}}
}

func (s *fakeSink) IsEmbedded(id uuid.UUID) bool { return s.embedded[id] }
func (s *fakeSink) MarkEmbedded(id uuid.UUID) error {
	s.embedded[id] = true
	return nil
}
func (s *fakeSink) Flush() error { return nil }

func TestRun_SinkSkipsAlreadyEmbedded(t *testing.T) {
	c1 := concept("000001", "核心业务一")
	store := newFakeConceptStore(c1)
	embedder := &fakeEmbedder{dim: 4, maxBatch: 8}
	sink := newFakeSink()
	sink.embedded[c1.ConceptID] = true
	builder := New(store, embedder, sink, nil, 16, 100)

	status, err := builder.BuildForCompany(context.Background(), "000001")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Skipped)
	assert.Equal(t, 0, status.Succeeded)
}
