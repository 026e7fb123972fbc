package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quaero/internal/model"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	hash2, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
}

func TestHashFile_MissingFile(t *testing.T) {
	_, err := HashFile("/nonexistent/path.txt")
	assert.Error(t, err)
}

func TestInferDocType(t *testing.T) {
	cases := []struct {
		path string
		want model.DocType
	}{
		{"data/annual_reports/000001_2023.txt", model.DocTypeAnnualReport},
		{"data/research_reports/000001_note.txt", model.DocTypeResearchReport},
		{"data/misc/000001_年度报告_2023.txt", model.DocTypeAnnualReport},
		{"data/misc/random_note.txt", model.DocTypeResearchReport},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferDocType(tc.path), tc.path)
	}
}

func TestExtractCompanyCode_Filename(t *testing.T) {
	code, ok := ExtractCompanyCode("000001_2023_annual_report.txt")
	require.True(t, ok)
	assert.Equal(t, "000001", code)
}

func TestExtractCompanyCode_Body(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("股票代码：600519\n公司概况..."), 0644))

	code, ok := ExtractCompanyCode(path)
	require.True(t, ok)
	assert.Equal(t, "600519", code)
}

func TestExtractCompanyCode_NoMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("no codes here at all"), 0644))

	_, ok := ExtractCompanyCode(path)
	assert.False(t, ok)
}

func TestReadWithFallback_UTF8(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utf8.txt")
	require.NoError(t, os.WriteFile(path, []byte("中国平安 600519"), 0644))

	text, encodingName, err := ReadWithFallback(path, 2000)
	require.NoError(t, err)
	assert.Equal(t, "UTF-8", encodingName)
	assert.Contains(t, text, "600519")
}
