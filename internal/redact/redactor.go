// Package redact detects and removes personally identifying information from
// text before it is embedded or stored. Detection is regex-driven with
// per-entity validators (check digits, Luhn) to keep false positives down.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/recallhq/recall-backend/internal/platform/logger"
)

type EntityType string

const (
	EntityPhone      EntityType = "PHONE_NUMBER"
	EntityEmail      EntityType = "EMAIL_ADDRESS"
	EntityILID       EntityType = "IL_ID_NUMBER"
	EntityCreditCard EntityType = "CREDIT_CARD"
	EntityIBAN       EntityType = "IBAN"
)

type Action string

const (
	// ActionRedact removes the span entirely.
	ActionRedact Action = "redact"
	// ActionReplace substitutes the span with <ENTITY_TYPE>.
	ActionReplace Action = "replace"
	// ActionHash substitutes <ENTITY_TYPE_xxxxxxxx> with an 8-char SHA256
	// prefix of the original span.
	ActionHash Action = "hash"
)

// Policy is the per-channel redaction configuration.
type Policy struct {
	Entities       []EntityType
	Action         Action
	ScoreThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{
		Entities:       []EntityType{EntityPhone, EntityEmail, EntityILID, EntityCreditCard, EntityIBAN},
		Action:         ActionReplace,
		ScoreThreshold: 0.5,
	}
}

// Match is one detected PII span.
type Match struct {
	Entity EntityType
	Start  int
	End    int
	Text   string
	Score  float64
}

type recognizer struct {
	entity   EntityType
	re       *regexp.Regexp
	score    float64
	validate func(string) bool
}

var recognizers = []recognizer{
	{
		entity: EntityEmail,
		re:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		score:  0.95,
	},
	{
		// International numbers and Israeli local formats (05x mobile,
		// 0x landline), with optional separators.
		entity:   EntityPhone,
		re:       regexp.MustCompile(`(?:\+\d{1,3}[\s\-]?)?(?:\(\d{1,4}\)[\s\-]?)?\d{1,4}(?:[\s\-]?\d{2,4}){2,4}`),
		score:    0.6,
		validate: validatePhone,
	},
	{
		entity:   EntityILID,
		re:       regexp.MustCompile(`\b\d{9}\b`),
		score:    0.7,
		validate: validateIsraeliID,
	},
	{
		entity:   EntityCreditCard,
		re:       regexp.MustCompile(`\b(?:\d[\s\-]?){13,19}\b`),
		score:    0.8,
		validate: validateLuhn,
	},
	{
		entity:   EntityIBAN,
		re:       regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		score:    0.85,
		validate: validateIBAN,
	},
}

// Redactor applies a Policy to text. Stateless apart from config; safe for
// concurrent use.
type Redactor struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Redactor {
	return &Redactor{log: log.With("service", "Redactor")}
}

// Detect returns non-overlapping matches above the policy threshold, ordered
// by position. Overlaps resolve to the higher-scoring (then longer) match.
func (r *Redactor) Detect(text string, policy Policy) []Match {
	wanted := map[EntityType]bool{}
	for _, e := range policy.Entities {
		wanted[e] = true
	}

	var all []Match
	for _, rec := range recognizers {
		if !wanted[rec.entity] || rec.score < policy.ScoreThreshold {
			continue
		}
		for _, loc := range rec.re.FindAllStringIndex(text, -1) {
			span := text[loc[0]:loc[1]]
			if rec.validate != nil && !rec.validate(span) {
				continue
			}
			all = append(all, Match{
				Entity: rec.entity,
				Start:  loc[0],
				End:    loc[1],
				Text:   span,
				Score:  rec.score,
			})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return (all[i].End - all[i].Start) > (all[j].End - all[j].Start)
	})
	var kept []Match
	for _, m := range all {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Apply rewrites text per the policy action and returns the result plus the
// matches that were rewritten.
func (r *Redactor) Apply(text string, policy Policy) (string, []Match) {
	matches := r.Detect(text, policy)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		switch policy.Action {
		case ActionRedact:
			// span dropped
		case ActionHash:
			b.WriteString(fmt.Sprintf("<%s_%s>", m.Entity, hashPrefix(m.Text)))
		default:
			b.WriteString(fmt.Sprintf("<%s>", m.Entity))
		}
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String(), matches
}

// ForEmbedding always uses the replace action so token structure stays
// stable regardless of the channel's storage policy.
func (r *Redactor) ForEmbedding(text string, policy Policy) string {
	p := policy
	p.Action = ActionReplace
	out, _ := r.Apply(text, p)
	return out
}

func hashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validatePhone requires enough digits for a real number and either an
// international prefix or an Israeli leading zero.
func validatePhone(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 9 || len(digits) > 15 {
		return false
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "+") {
		return true
	}
	// Israeli local formats: 05x mobile, 0x landline.
	return strings.HasPrefix(digits, "0")
}

// validateIsraeliID applies the national ID check digit (alternating 1/2
// weights, digit sum of two-digit products).
func validateIsraeliID(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 9 {
		return false
	}
	sum := 0
	for i, r := range digits {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 2
		}
		if d > 9 {
			d -= 9
		}
		sum += d
	}
	return sum%10 == 0
}

func validateLuhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validateIBAN runs the ISO 13616 mod-97 check.
func validateIBAN(s string) bool {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
			rem = (rem*10 + v) % 97
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}
