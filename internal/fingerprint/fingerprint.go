// Package fingerprint computes content hashes and infers document
// identity (type, company code) from source filings, adapted from the
// teacher's regex-ladder idiom in internal/common/url_utils.go.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/ternarybob/quaero/internal/model"
)

const streamBlockSize = 4096

// HashFile computes the SHA-256 hex digest of file, streamed in
// ≤4 KiB blocks so arbitrarily large filings never require loading the
// whole file into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, streamBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InferDocType classifies a file as an annual report or research report,
// preferring the directory path over filename heuristics, defaulting to
// research_report when neither gives a clear signal.
func InferDocType(path string) model.DocType {
	lower := strings.ToLower(path)

	if strings.Contains(lower, "annual_report") || strings.Contains(lower, "annual_reports") {
		return model.DocTypeAnnualReport
	}
	if strings.Contains(lower, "research_report") || strings.Contains(lower, "research_reports") {
		return model.DocTypeResearchReport
	}

	base := filepathBase(path)
	if strings.Contains(base, "年度报告") || strings.Contains(lower, "annual") {
		return model.DocTypeAnnualReport
	}
	return model.DocTypeResearchReport
}

func filepathBase(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}

// filenameCodePattern matches a 6-digit company code embedded in a
// filename, followed by an underscore or a non-digit.
var filenameCodePattern = regexp.MustCompile(`(\d{6})(?:_|[^\d])`)

// bodyCodePatterns is the ordered fallback list scanned against the
// first 2000 bytes of a document's decoded text; first match wins.
var bodyCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:股票代码|证券代码|代码)\s*[：:]\s*\**(\d{6})\**`),
	regexp.MustCompile(`\|\s*(\d{6})\s*\|`),
	regexp.MustCompile(`[（(](\d{6})[）)]`),
	regexp.MustCompile(`(?m)^(\d{6})\b`),
	regexp.MustCompile(`A股代码\s*[：:]\s*(\d{6})`),
	regexp.MustCompile(`(\d{6})[、/](?:\d{6}|\d{5})`),
	regexp.MustCompile(`\b(\d{6})\b`),
	regexp.MustCompile(`(?i)(?:SZ|SH)\s*(\d{6})`),
	regexp.MustCompile(`>(\d{6})<`),
	regexp.MustCompile(`股票代码[^0-9]{0,20}(\d{6})`),
	regexp.MustCompile(`(?:股票|证券|代码|简称)[^0-9]{0,50}(\d{6})`),
}

// ExtractCompanyCode finds a 6-digit A-share company code in the
// filename first, then in the first 2000 bytes of the file's decoded
// text using the ordered pattern list. Returns "", false when no valid
// code is found.
func ExtractCompanyCode(path string) (string, bool) {
	if m := filenameCodePattern.FindStringSubmatch(filepathBase(path)); m != nil {
		if code, ok := validateCode(m[1]); ok {
			return code, true
		}
	}

	text, _, err := ReadWithFallback(path, 2000)
	if err != nil {
		return "", false
	}

	for _, pattern := range bodyCodePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if code, ok := validateCode(m[1]); ok {
				return code, true
			}
		}
	}
	return "", false
}

func validateCode(raw string) (string, bool) {
	if len(raw) != 6 {
		return "", false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 999999 {
		return "", false
	}
	return raw, true
}

// encodingLadder is the deterministic fallback decode order tried after
// UTF-8 fails, matching the teacher's preference for CJK legacy
// encodings commonly found in A-share filings.
var encodingLadder = []struct {
	name string
	enc  encoding.Encoding
}{
	{"GBK", simplifiedchinese.GBK},
	{"GB2312", simplifiedchinese.HZGB2312},
	{"GB18030", simplifiedchinese.GB18030},
	{"Big5", traditionalchinese.Big5},
}

// ReadWithFallback reads up to maxBytes of path and decodes it as text,
// trying UTF-8 first and falling back through a deterministic CJK
// encoding ladder. Returns the decoded text and the name of the
// encoding that succeeded ("UTF-8" or one of the fallback names).
func ReadWithFallback(path string, maxBytes int) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	raw := make([]byte, maxBytes)
	n, err := f.Read(raw)
	if err != nil && err != io.EOF {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	raw = raw[:n]

	text, encodingName := decodeBytes(raw)
	return text, encodingName, nil
}

// ReadFullText reads the entirety of path and decodes it as text through
// the same UTF-8-first, CJK-ladder-fallback rule as ReadWithFallback,
// used by the Extract stage to obtain the full document body and by the
// Archive stage to populate original_content.
func ReadFullText(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	text, encodingName := decodeBytes(raw)
	return text, encodingName, nil
}

func decodeBytes(raw []byte) (string, string) {
	if isValidUTF8(raw) {
		return string(raw), "UTF-8"
	}
	for _, candidate := range encodingLadder {
		decoded, err := decodeWith(candidate.enc, raw)
		if err == nil {
			return decoded, candidate.name
		}
	}
	return string(raw), "UTF-8"
}

func isValidUTF8(b []byte) bool {
	for i := 0; i < len(b); {
		r := b[i]
		switch {
		case r < 0x80:
			i++
		case r&0xE0 == 0xC0:
			if !continuation(b, i, 2) {
				return false
			}
			i += 2
		case r&0xF0 == 0xE0:
			if !continuation(b, i, 3) {
				return false
			}
			i += 3
		case r&0xF8 == 0xF0:
			if !continuation(b, i, 4) {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

func continuation(b []byte, start, length int) bool {
	if start+length > len(b) {
		return false
	}
	for i := 1; i < length; i++ {
		if b[start+i]&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

func decodeWith(enc encoding.Encoding, raw []byte) (string, error) {
	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
