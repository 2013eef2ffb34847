package identity

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

const extractionSystemPrompt = `You extract durable personal facts from a conversation or document.

Return ONLY a JSON object of the form:
{"facts":[{"person":"<name>","key":"<snake_case_key>","value":"<value>","confidence":0.0,"quote":"<verbatim supporting text>"}],
 "relationships":[{"person_a":"<name>","person_b":"<name>","type":"<type>","confidence":0.0}]}

Rules:
- Only facts stated or strongly implied by the text. No guesses.
- Keys are stable and time-invariant: birth_date, city, employer, spouse_name.
  NEVER emit time-variant keys such as age, years_until, days_since; convert
  "he is 30" into a birth_year estimate instead.
- confidence is 0.1 (speculative) to 1.0 (explicitly stated).
- quote is the shortest verbatim span supporting the fact.
- Empty arrays when nothing qualifies.`

// timeVariantKeys are rejected even if the model emits them despite the
// prompt. Their value drifts with the calendar; they are computed at read
// time from stable facts.
var timeVariantKeys = map[string]bool{
	"age":            true,
	"current_age":    true,
	"years_old":      true,
	"years_until":    true,
	"days_since":     true,
	"time_remaining": true,
}

// Extractor turns raw archive text into graph writes: persons, facts and
// relationships. Runs at most once per source ref.
type Extractor struct {
	log   *logger.Logger
	llm   llm.Client
	store *Store
}

func NewExtractor(log *logger.Logger, client llm.Client, store *Store) *Extractor {
	return &Extractor{
		log:   log.With("service", "IdentityExtractor"),
		llm:   client,
		store: store,
	}
}

type extractedFact struct {
	Person     string  `json:"person"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Quote      string  `json:"quote"`
}

type extractedRelationship struct {
	PersonA    string  `json:"person_a"`
	PersonB    string  `json:"person_b"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type extractionResult struct {
	Facts         []extractedFact         `json:"facts"`
	Relationships []extractedRelationship `json:"relationships"`
}

// Extract runs fact extraction over one source text and writes the results
// to the graph. Already-extracted sources are skipped. Returns the number of
// facts written and the ids of every person the text turned out to mention.
func (e *Extractor) Extract(ctx context.Context, sourceRef, sourceType, text string) (int, []int64, error) {
	done, err := e.store.WasExtracted(ctx, sourceRef)
	if err != nil {
		return 0, nil, err
	}
	if done {
		return 0, nil, nil
	}

	raw, err := e.llm.GenerateText(ctx, extractionSystemPrompt, text,
		llm.WithRequestContext("fact_extraction"))
	if err != nil {
		return 0, nil, err
	}

	result, err := parseExtraction(raw)
	if err != nil {
		e.log.Warn("extraction output unparseable", "source_ref", sourceRef, "error", err)
		// Mark anyway; re-running on the same text will not parse better.
		return 0, nil, e.store.MarkExtracted(ctx, sourceRef, sourceType, 0)
	}

	written := 0
	seen := map[int64]bool{}
	var mentioned []int64
	note := func(id int64) {
		if !seen[id] {
			seen[id] = true
			mentioned = append(mentioned, id)
		}
	}
	for _, f := range result.Facts {
		key := strings.ToLower(strings.TrimSpace(f.Key))
		if f.Person == "" || key == "" || f.Value == "" {
			continue
		}
		if timeVariantKeys[key] {
			e.log.Debug("time-variant fact dropped", "key", key, "person", f.Person)
			continue
		}
		person, err := e.store.FindOrCreatePerson(ctx, f.Person, Identifiers{})
		if err != nil {
			e.log.Warn("person resolve failed during extraction", "person", f.Person, "error", err)
			continue
		}
		if _, err := e.store.SetFact(ctx, person.ID, FactInput{
			Key:         key,
			Value:       f.Value,
			Confidence:  clampConfidence(f.Confidence),
			SourceType:  sourceType,
			SourceRef:   sourceRef,
			SourceQuote: f.Quote,
		}); err != nil {
			e.log.Warn("fact write failed", "person_id", person.ID, "key", key, "error", err)
			continue
		}
		if err := e.store.LinkPersonAsset(ctx, person.ID, sourceType, sourceRef, types.RoleMentioned, clampConfidence(f.Confidence)); err != nil {
			e.log.Warn("person-asset link failed", "person_id", person.ID, "error", err)
		}
		note(person.ID)
		written++
	}

	for _, r := range result.Relationships {
		if r.PersonA == "" || r.PersonB == "" || r.Type == "" {
			continue
		}
		pa, err := e.store.FindOrCreatePerson(ctx, r.PersonA, Identifiers{})
		if err != nil {
			continue
		}
		pb, err := e.store.FindOrCreatePerson(ctx, r.PersonB, Identifiers{})
		if err != nil {
			continue
		}
		if err := e.store.SetRelationship(ctx, pa.ID, pb.ID, strings.ToLower(r.Type), clampConfidence(r.Confidence), sourceRef); err != nil {
			e.log.Warn("relationship write failed", "type", r.Type, "error", err)
			continue
		}
		note(pa.ID)
		note(pb.ID)
	}

	if err := e.store.MarkExtracted(ctx, sourceRef, sourceType, written); err != nil {
		return written, mentioned, err
	}
	e.log.Info("extraction complete", "source_ref", sourceRef, "facts", written, "persons", len(mentioned))
	return written, mentioned, nil
}

// parseExtraction tolerates markdown fences and leading prose around the
// JSON object.
func parseExtraction(raw string) (*extractionResult, error) {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	var result extractionResult
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 0.1
	case c > 1:
		return 1
	default:
		return c
	}
}
