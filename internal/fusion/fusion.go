// Package fusion implements the Fusion Engine (C7): per-company,
// per-concept field merge under optimistic locking. Grounded on the
// original's business_concept_master_repository.py update() method,
// which is the direct semantic source for the optimistic-locking
// invariant this package implements.
package fusion

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ternarybob/quaero/internal/model"
)

// ConceptStore is the subset of concept persistence the engine needs.
type ConceptStore interface {
	FindByCompanyAndName(ctx context.Context, companyCode, conceptName string) (*model.BusinessConceptMaster, error)
	Create(ctx context.Context, c *model.BusinessConceptMaster) error
	UpdateFields(ctx context.Context, c *model.BusinessConceptMaster, expectedVersion int) error
}

// Engine is the Fusion Engine component.
type Engine struct {
	Concepts           ConceptStore
	MaxSourceSentences int
}

// New constructs an Engine. maxSourceSentences defaults to 20 when zero.
func New(concepts ConceptStore, maxSourceSentences int) *Engine {
	if maxSourceSentences <= 0 {
		maxSourceSentences = 20
	}
	return &Engine{Concepts: concepts, MaxSourceSentences: maxSourceSentences}
}

// Counts summarizes one Fuse invocation's outcome.
type Counts struct {
	Created int
	Updated int
	Skipped int
	Total   int
}

// incomingConcept is the shape of one entry in
// raw_llm_output.extraction_data.business_concepts[].
type incomingConcept struct {
	Name             string
	Category         model.ConceptCategory
	ImportanceScore  float64
	DevelopmentStage string
	Details          model.ConceptDetails
}

// Fuse merges every business concept in extractionData into the
// BusinessConceptMaster table under companyCode, returning aggregate
// counts. A fusion failure on one concept (optimistic-lock conflict or
// invalid category) is recorded and does not abort the rest of the
// batch, except that an OptimisticLockConflict on the current concept
// stops processing the remaining concepts in this call — matching §4.7's
// "partial; counts reflect the prefix" failure mode.
func (e *Engine) Fuse(ctx context.Context, companyCode string, docID uuid.UUID, extractionData map[string]any) (Counts, error) {
	concepts, err := parseIncomingConcepts(extractionData)
	if err != nil {
		return Counts{}, fmt.Errorf("parse business_concepts: %w", err)
	}
	if len(concepts) == 0 {
		return Counts{}, model.ErrNoBusinessConcepts
	}

	var counts Counts
	counts.Total = len(concepts)

	for _, incoming := range concepts {
		if !model.ValidConceptCategory(incoming.Category) {
			counts.Skipped++
			continue
		}

		existing, err := e.Concepts.FindByCompanyAndName(ctx, companyCode, incoming.Name)
		if err != nil {
			return counts, fmt.Errorf("lookup concept %s/%s: %w", companyCode, incoming.Name, err)
		}

		if existing == nil {
			if err := e.Concepts.Create(ctx, &model.BusinessConceptMaster{
				CompanyCode:          companyCode,
				ConceptName:          incoming.Name,
				ConceptCategory:      incoming.Category,
				ImportanceScore:      incoming.ImportanceScore,
				DevelopmentStage:     incoming.DevelopmentStage,
				ConceptDetails:       e.capSourceSentences(incoming.Details),
				LastUpdatedFromDocID: docID,
			}); err != nil {
				return counts, fmt.Errorf("create concept %s/%s: %w", companyCode, incoming.Name, err)
			}
			counts.Created++
			continue
		}

		merged := e.merge(existing.ConceptDetails, incoming)
		existing.ImportanceScore = incoming.ImportanceScore
		existing.DevelopmentStage = incoming.DevelopmentStage
		existing.ConceptDetails = merged
		existing.LastUpdatedFromDocID = docID

		if err := e.Concepts.UpdateFields(ctx, existing, existing.Version); err != nil {
			if err == model.ErrOptimisticLockConflict {
				return counts, model.ErrOptimisticLockConflict
			}
			return counts, fmt.Errorf("update concept %s/%s: %w", companyCode, incoming.Name, err)
		}
		counts.Updated++
	}

	return counts, nil
}

// merge applies the field-level merge policies of §4.7 to produce the
// next ConceptDetails value.
func (e *Engine) merge(old model.ConceptDetails, incoming incomingConcept) model.ConceptDetails {
	merged := model.ConceptDetails{
		Metrics:  incoming.Details.Metrics,
		Timeline: incoming.Details.Timeline,
	}

	if utf8.RuneCountInString(incoming.Details.Description) >= utf8.RuneCountInString(old.Description) {
		merged.Description = incoming.Details.Description
	} else {
		merged.Description = old.Description
	}

	merged.Relations = model.ConceptRelations{
		Customers:               unionDedupe(old.Relations.Customers, incoming.Details.Relations.Customers),
		Partners:                unionDedupe(old.Relations.Partners, incoming.Details.Relations.Partners),
		SubsidiariesOrInvestees: unionDedupe(old.Relations.SubsidiariesOrInvestees, incoming.Details.Relations.SubsidiariesOrInvestees),
	}

	merged.SourceSentences = orderedDedupeCap(append(append([]string{}, old.SourceSentences...), incoming.Details.SourceSentences...), e.MaxSourceSentences)

	return merged
}

func (e *Engine) capSourceSentences(details model.ConceptDetails) model.ConceptDetails {
	details.SourceSentences = orderedDedupeCap(details.SourceSentences, e.MaxSourceSentences)
	return details
}

func unionDedupe(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func orderedDedupeCap(values []string, cap int) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if len(out) >= cap {
			break
		}
	}
	return out
}

// parseIncomingConcepts reads extraction_data.business_concepts[] from
// the LLM's raw JSON-decoded output into typed incomingConcept values.
func parseIncomingConcepts(extractionData map[string]any) ([]incomingConcept, error) {
	if extractionData == nil {
		return nil, nil
	}
	raw, ok := extractionData["business_concepts"].([]any)
	if !ok {
		return nil, nil
	}

	concepts := make([]incomingConcept, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["concept_name"].(string)
		if name == "" {
			continue
		}
		category, _ := obj["concept_category"].(string)
		importance, _ := obj["importance_score"].(float64)
		stage, _ := obj["development_stage"].(string)

		details := model.ConceptDetails{}
		if d, ok := obj["concept_details"].(map[string]any); ok {
			details.Description, _ = d["description"].(string)
			if m, ok := d["metrics"].(map[string]any); ok {
				details.Metrics = m
			}
			if tl, ok := d["timeline"].(map[string]any); ok {
				details.Timeline = tl
			}
			if rel, ok := d["relations"].(map[string]any); ok {
				details.Relations = model.ConceptRelations{
					Customers:               stringSlice(rel["customers"]),
					Partners:                stringSlice(rel["partners"]),
					SubsidiariesOrInvestees: stringSlice(rel["subsidiaries_or_investees"]),
				}
			}
			details.SourceSentences = stringSlice(d["source_sentences"])
		}

		concepts = append(concepts, incomingConcept{
			Name:             name,
			Category:         model.ConceptCategory(category),
			ImportanceScore:  importance,
			DevelopmentStage: stage,
			Details:          details,
		})
	}
	return concepts, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// FindDuplicates reports the pairs of names in names that are
// near-duplicates of one another (Levenshtein distance of at most 2),
// as a read-only diagnostic. It never merges — concept
// renames are treated as distinct concepts per §4.7. Grounded on the
// original's analyze_duplicates.py / cleanup_duplicates.py scripts,
// narrowed here to reporting only.
func FindDuplicates(names []string) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if levenshtein(names[i], names[j]) <= 2 {
				pairs = append(pairs, [2]string{names[i], names[j]})
			}
		}
	}
	return pairs
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
