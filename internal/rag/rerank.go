package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/ctxutil"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
)

// minRerankCandidates is the threshold below which fusion order stands as
// is; cross-encoding a tiny candidate set is not worth the round trip.
const minRerankCandidates = 5

// Reranker scores query/document pairs through an external cross-encoder
// service. An empty endpoint disables it.
type Reranker struct {
	log  *logger.Logger
	http *http.Client
}

func NewReranker(log *logger.Logger) *Reranker {
	return &Reranker{
		log:  log.With("service", "Reranker"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank reorders candidates by cross-encoder score and drops those under
// minScore. With no endpoint or fewer than five candidates, the fused order
// is kept and only the cutoff applies.
func (r *Reranker) Rerank(ctx context.Context, endpoint, query string, candidates []qdrant.ScoredPoint, minScore float64) ([]qdrant.ScoredPoint, error) {
	if endpoint == "" || len(candidates) < minRerankCandidates {
		return applyCutoff(candidates, minScore), nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Payload.Text
	}
	payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, apierr.Internal("rerank_encode_failed", err)
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.Internal("rerank_build_request_failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, apierr.ExternalUnavailable("rerank_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.ExternalUnavailable("rerank_failed", fmt.Errorf("rerank status %d", resp.StatusCode))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apierr.ExternalUnavailable("rerank_decode_failed", err)
	}
	if len(result.Scores) != len(candidates) {
		return nil, apierr.ExternalUnavailable("rerank_score_mismatch",
			fmt.Errorf("want %d scores, got %d", len(candidates), len(result.Scores)))
	}

	rescored := make([]qdrant.ScoredPoint, len(candidates))
	copy(rescored, candidates)
	for i := range rescored {
		rescored[i].Score = result.Scores[i]
	}
	sort.SliceStable(rescored, func(i, j int) bool { return rescored[i].Score > rescored[j].Score })
	return applyCutoff(rescored, minScore), nil
}

func applyCutoff(points []qdrant.ScoredPoint, minScore float64) []qdrant.ScoredPoint {
	if minScore <= 0 {
		return points
	}
	var out []qdrant.ScoredPoint
	for _, p := range points {
		if p.Score >= minScore {
			out = append(out, p)
		}
	}
	return out
}
