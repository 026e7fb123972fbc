package archive

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quaero/internal/model"
)

type fakeCompanyStore struct {
	byCode map[string]*model.Company
}

func newFakeCompanyStore() *fakeCompanyStore {
	return &fakeCompanyStore{byCode: map[string]*model.Company{}}
}

func (f *fakeCompanyStore) Get(ctx context.Context, code string) (*model.Company, error) {
	return f.byCode[code], nil
}

func (f *fakeCompanyStore) Create(ctx context.Context, c *model.Company) error {
	f.byCode[c.Code] = c
	return nil
}

func (f *fakeCompanyStore) UpdateNames(ctx context.Context, code, nameFull, nameShort, exchange string) error {
	c := f.byCode[code]
	c.NameFull = nameFull
	c.NameShort = nameShort
	c.Exchange = exchange
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
	f.byHash[d.FileHash] = d
	f.byPath[d.FilePath] = d
	return nil
}

func TestSave_CreatesCompanyOnFirstAnnualReport(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc := &model.SourceDocument{
		CompanyCode: "000001",
		DocType:     model.DocTypeAnnualReport,
		FilePath:    "data/annual_reports/000001_2023.txt",
		FileHash:    "hash1",
	}
	docID, err := writer.Save(context.Background(), doc, map[string]any{
		"company_name_full":  "平安银行股份有限公司",
		"company_name_short": "平安银行",
		"exchange":            "SZSE",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, docID)
	assert.Equal(t, "平安银行股份有限公司", companies.byCode["000001"].NameFull)
}

func TestSave_IdempotentOnFileHash(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc1 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash1"}
	id1, err := writer.Save(context.Background(), doc1, map[string]any{"company_name_full": "甲公司"})
	require.NoError(t, err)

	doc2 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash1"}
	id2, err := writer.Save(context.Background(), doc2, map[string]any{"company_name_full": "甲公司"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestSave_ResearchReportRequiresExistingCompany(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc := &model.SourceDocument{CompanyCode: "999999", DocType: model.DocTypeResearchReport, FilePath: "r.txt", FileHash: "hash2"}
	_, err := writer.Save(context.Background(), doc, nil)
	assert.ErrorIs(t, err, model.ErrUnknownCompany)
}

func TestSave_FilePathReusedWithDifferentHash(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc1 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash1"}
	_, err := writer.Save(context.Background(), doc1, map[string]any{"company_name_full": "甲公司"})
	require.NoError(t, err)

	doc2 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash-different"}
	_, err = writer.Save(context.Background(), doc2, map[string]any{"company_name_full": "甲公司"})
	assert.ErrorIs(t, err, model.ErrFilePathHashMismatch)
}

func TestSave_ExchangeNotOverwrittenByLowerQualityValue(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc1 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash1"}
	_, err := writer.Save(context.Background(), doc1, map[string]any{
		"company_name_full": "平安银行股份有限公司",
		"exchange":           "深圳证券交易所",
	})
	require.NoError(t, err)

	doc2 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "b.txt", FileHash: "hash2"}
	_, err = writer.Save(context.Background(), doc2, map[string]any{
		"company_name_full": "平安银行股份有限公司",
		"exchange":           "SZ",
	})
	require.NoError(t, err)

	assert.Equal(t, "深圳证券交易所", companies.byCode["000001"].Exchange)
}

func TestSave_ExchangeOverwrittenByHigherQualityValue(t *testing.T) {
	companies := newFakeCompanyStore()
	documents := newFakeDocumentStore()
	writer := New(companies, documents)

	doc1 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "a.txt", FileHash: "hash1"}
	_, err := writer.Save(context.Background(), doc1, map[string]any{
		"company_name_full": "平安银行股份有限公司",
		"exchange":           "SZ",
	})
	require.NoError(t, err)

	doc2 := &model.SourceDocument{CompanyCode: "000001", DocType: model.DocTypeAnnualReport, FilePath: "b.txt", FileHash: "hash2"}
	_, err = writer.Save(context.Background(), doc2, map[string]any{
		"company_name_full": "平安银行股份有限公司",
		"exchange":           "深圳证券交易所",
	})
	require.NoError(t, err)

	assert.Equal(t, "深圳证券交易所", companies.byCode["000001"].Exchange)
}

func TestIsHigherQuality_PlaceholderToken(t *testing.T) {
	assert.True(t, IsHigherQuality("待更新", "平安银行股份有限公司"))
}

func TestIsHigherQuality_LongerName(t *testing.T) {
	assert.True(t, IsHigherQuality("平安", "平安银行股份有限公司保险集团"))
	assert.False(t, IsHigherQuality("平安银行股份有限公司", "平安"))
}

func TestIsHigherQuality_MoreChineseCharacters(t *testing.T) {
	assert.True(t, IsHigherQuality("PAB", "平安银行"))
	assert.False(t, IsHigherQuality("平安银行股份有限公司", "PAB Co Ltd"))
}
