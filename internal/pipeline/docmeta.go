package pipeline

import (
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ternarybob/quaero/internal/model"
)

// yearPattern matches a plausible four-digit filing year embedded in a
// source filename.
var yearPattern = regexp.MustCompile(`(19|20)\d{2}`)

// deriveDocDate extracts a four-digit year from sourcePath's filename
// and returns Dec 31 UTC of that year for annual reports (the filing
// date A-share annual reports are conventionally keyed to), or Jan 1
// UTC of that year for research reports. Falls back to today (UTC) when
// no year is found. All timestamps are explicit time.UTC per the
// supplemented timezone-safety fix (original's set_db_timezone.py).
func deriveDocDate(sourcePath string, docType model.DocType) time.Time {
	base := filepath.Base(sourcePath)
	match := yearPattern.FindString(base)
	if match == "" {
		return time.Now().UTC()
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return time.Now().UTC()
	}
	if docType == model.DocTypeAnnualReport {
		return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// deriveReportTitle prefers the extracted company_name_full, falling
// back to the source filename's stem when extraction data carries no
// usable title.
func deriveReportTitle(extractionData map[string]any, sourcePath string) string {
	if nameFull, ok := extractionData["company_name_full"].(string); ok && nameFull != "" {
		return nameFull
	}
	if title, ok := extractionData["report_title"].(string); ok && title != "" {
		return title
	}
	stem := filepath.Base(sourcePath)
	return stem[:len(stem)-len(filepath.Ext(stem))]
}
