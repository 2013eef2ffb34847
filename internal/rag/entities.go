package rag

import (
	"context"
	"regexp"
	"strings"

	"github.com/recallhq/recall-backend/internal/identity"
	"github.com/recallhq/recall-backend/internal/platform/logger"
)

// latinNameRe captures capitalized word runs that are not sentence-initial
// question words. hebrewNameRe captures words following possessive/subject
// markers, which is where names land in Hebrew questions.
var (
	latinNameRe  = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)
	hebrewNameRe = regexp.MustCompile(`(?:של|עם|אצל)\s+([\x{0590}-\x{05FF}]{2,}(?:\s+[\x{0590}-\x{05FF}]{2,})?)`)
)

// queryStopwords are capitalized words that are query structure, not names.
var queryStopwords = map[string]bool{
	"what": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "did": true, "does": true, "is": true, "are": true,
	"was": true, "the": true, "tell": true, "show": true, "find": true,
	"give": true, "list": true, "can": true, "could": true, "please": true,
	"which": true, "whose": true, "about": true, "family": true,
}

// extractNames pulls candidate person names from a query.
func extractNames(query string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		out = append(out, name)
	}

	for _, m := range latinNameRe.FindAllString(query, -1) {
		first := strings.ToLower(strings.Fields(m)[0])
		if queryStopwords[first] {
			continue
		}
		add(m)
	}
	for _, m := range hebrewNameRe.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	return out
}

// resolver links query names to existing persons. Resolution here never
// creates persons: an unknown name in a question is not evidence the person
// exists.
type resolver struct {
	log   *logger.Logger
	graph *identity.Store
}

// resolve returns the ids of persons the query names. Unmatched names are
// dropped silently.
func (r *resolver) resolve(ctx context.Context, query string) []int64 {
	var ids []int64
	for _, name := range extractNames(query) {
		person, err := r.lookup(ctx, name)
		if err != nil {
			r.log.Warn("entity resolution failed", "name", name, "error", err)
			continue
		}
		if person != nil {
			ids = append(ids, person.ID)
		}
	}
	return ids
}

func (r *resolver) lookup(ctx context.Context, name string) (*personRef, error) {
	p, err := r.graph.LookupByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return &personRef{ID: p.ID, Name: p.CanonicalName}, nil
}

type personRef struct {
	ID   int64
	Name string
}
