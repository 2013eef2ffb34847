// Package qdrant adapts the vector database for the archive: one collection,
// two named vectors per point (dense cosine + sparse dot-product), and a
// typed chunk payload. Search fuses both legs with reciprocal-rank fusion.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recallhq/recall-backend/internal/platform/ctxutil"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/sparse"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	// rrfK is the standard reciprocal-rank-fusion constant.
	rrfK = 60.0

	// Each search leg over-fetches so fusion has enough candidates to reorder.
	fusionFetchFactor = 4

	maxErrorBodyBytes = 1024
)

type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	HasSourceID(ctx context.Context, sourceID string) (bool, error)
	Search(ctx context.Context, dense []float32, sparseQuery sparse.Vector, k int, filter *Filter) ([]ScoredPoint, error)
	Scroll(ctx context.Context, offset string, limit int, filter *Filter) ([]ScoredPoint, string, error)
	SetPayload(ctx context.Context, pointIDs []string, partial map[string]any) error
	DeleteByFilter(ctx context.Context, filter *Filter) error
	DeleteByIDs(ctx context.Context, ids []string) error
	CollectionStats(ctx context.Context, sources []string) (Stats, error)
	Ping(ctx context.Context) error
}

type store struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewStore(log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	log.Info(
		"Qdrant vector store configured",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"dense_dim", cfg.DenseDim,
	)
	return s, nil
}

func (s *store) Ping(ctx context.Context) error {
	const op = "ping"
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return nil
}

// EnsureCollection creates the collection with the dual named-vector scheme
// when it does not exist yet, and verifies the dense dimension when it does.
func (s *store) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	var info struct {
		Config struct {
			Params struct {
				Vectors map[string]struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &info)
	if err == nil {
		dense, ok := info.Config.Params.Vectors[denseVectorName]
		if ok && dense.Size != 0 && dense.Size != s.cfg.DenseDim {
			return &OperationError{
				Code:      OperationErrorValidation,
				Operation: op,
				Message: fmt.Sprintf(
					"collection %q dense size mismatch: expected=%d actual=%d",
					s.cfg.Collection, s.cfg.DenseDim, dense.Size,
				),
			}
		}
		return nil
	}

	var opErrTyped *OperationError
	if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
		return err
	}

	create := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     s.cfg.DenseDim,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{},
		},
	}
	if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), create, nil); err != nil {
		return err
	}
	s.log.Info("Created vector collection", "collection", s.cfg.Collection)
	return nil
}

func (s *store) Upsert(ctx context.Context, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	upserts := make([]map[string]any, 0, len(points))
	for _, p := range points {
		if strings.TrimSpace(p.ID) == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if strings.TrimSpace(p.Payload.SourceID) == "" {
			return opErr(op, OperationErrorValidation, "payload source_id is required", nil)
		}
		if s.cfg.DenseDim > 0 && len(p.Dense) != s.cfg.DenseDim {
			return opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf(
					"point %q dense dimension mismatch: expected=%d got=%d",
					p.ID, s.cfg.DenseDim, len(p.Dense),
				),
				nil,
			)
		}
		payload, err := payloadToMap(p.Payload)
		if err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode payload failed", err)
		}
		upserts = append(upserts, map[string]any{
			"id": p.ID,
			"vector": map[string]any{
				denseVectorName: p.Dense,
				sparseVectorName: map[string]any{
					"indices": p.Sparse.Indices,
					"values":  p.Sparse.Values,
				},
			},
			"payload": payload,
		})
	}

	req := map[string]any{"points": upserts}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

// HasSourceID reports whether any chunk of the item exists. Chunks of a
// split item carry suffixed per-chunk source_ids, so the lookup keys on the
// asset_id every chunk shares, which equals the item's bare source_id.
func (s *store) HasSourceID(ctx context.Context, sourceID string) (bool, error) {
	const op = "has_source_id"
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return false, opErr(op, OperationErrorValidation, "source_id required", nil)
	}

	req := map[string]any{
		"filter": NewFilter().Eq(FieldAssetID, sourceID).asMap(),
		"exact":  true,
	}
	var result struct {
		Count int64 `json:"count"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), req, &result); err != nil {
		return false, err
	}
	return result.Count > 0, nil
}

// Search runs the dense and sparse legs concurrently with the same filter and
// fuses them with RRF, then truncates to k.
func (s *store) Search(ctx context.Context, dense []float32, sparseQuery sparse.Vector, k int, filter *Filter) ([]ScoredPoint, error) {
	const op = "search"
	if len(dense) == 0 {
		return nil, opErr(op, OperationErrorValidation, "dense query vector required", nil)
	}
	if s.cfg.DenseDim > 0 && len(dense) != s.cfg.DenseDim {
		return nil, opErr(
			op,
			OperationErrorValidation,
			fmt.Sprintf("dense query dimension mismatch: expected=%d got=%d", s.cfg.DenseDim, len(dense)),
			nil,
		)
	}
	if k <= 0 {
		k = 10
	}
	fetch := k * fusionFetchFactor

	var denseHits, sparseHits []ScoredPoint
	g, gctx := errgroup.WithContext(ctxutil.Default(ctx))
	g.Go(func() error {
		hits, err := s.searchLeg(gctx, map[string]any{
			"name":   denseVectorName,
			"vector": dense,
		}, fetch, filter)
		if err != nil {
			return err
		}
		denseHits = hits
		return nil
	})
	if len(sparseQuery.Indices) > 0 {
		g.Go(func() error {
			hits, err := s.searchLeg(gctx, map[string]any{
				"name": sparseVectorName,
				"vector": map[string]any{
					"indices": sparseQuery.Indices,
					"values":  sparseQuery.Values,
				},
			}, fetch, filter)
			if err != nil {
				return err
			}
			sparseHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseRRF(denseHits, sparseHits)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (s *store) searchLeg(ctx context.Context, vector map[string]any, limit int, filter *Filter) ([]ScoredPoint, error) {
	const op = "search"
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if fm := filter.asMap(); fm != nil {
		req["filter"] = fm
	}

	var raw []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}
	return decodeItems(raw)
}

// fuseRRF merges ranked lists with score(d) = sum over lists of 1/(60+rank).
// Ties break on point id for determinism.
func fuseRRF(lists ...[]ScoredPoint) []ScoredPoint {
	scores := make(map[string]float64)
	points := make(map[string]ScoredPoint)
	for _, list := range lists {
		for rank, hit := range list {
			scores[hit.ID] += 1.0 / (rrfK + float64(rank+1))
			if _, seen := points[hit.ID]; !seen {
				points[hit.ID] = hit
			}
		}
	}

	out := make([]ScoredPoint, 0, len(scores))
	for id, score := range scores {
		p := points[id]
		p.Score = score
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Scroll iterates points in bounded batches; offset "" starts from the
// beginning and the returned offset is "" when exhausted.
func (s *store) Scroll(ctx context.Context, offset string, limit int, filter *Filter) ([]ScoredPoint, string, error) {
	const op = "scroll"
	if limit <= 0 || limit > 1000 {
		limit = 256
	}

	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != "" {
		req["offset"] = offset
	}
	if fm := filter.asMap(); fm != nil {
		req["filter"] = fm
	}

	var result struct {
		Points         []searchResultItem `json:"points"`
		NextPageOffset json.RawMessage    `json:"next_page_offset"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, "", err
	}

	points, err := decodeItems(result.Points)
	if err != nil {
		return nil, "", err
	}
	return points, decodePointID(result.NextPageOffset), nil
}

func (s *store) SetPayload(ctx context.Context, pointIDs []string, partial map[string]any) error {
	const op = "set_payload"
	if len(pointIDs) == 0 || len(partial) == 0 {
		return nil
	}
	req := map[string]any{
		"payload": partial,
		"points":  pointIDs,
	}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/payload?wait=true"), req, nil)
}

func (s *store) DeleteByFilter(ctx context.Context, filter *Filter) error {
	const op = "delete_by_filter"
	if filter.IsEmpty() {
		return opErr(op, OperationErrorValidation, "refusing to delete with empty filter", nil)
	}
	req := map[string]any{"filter": filter.asMap()}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *store) DeleteByIDs(ctx context.Context, ids []string) error {
	const op = "delete_by_ids"
	pointIDs := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		pointIDs = append(pointIDs, id)
	}
	if len(pointIDs) == 0 {
		return nil
	}
	req := map[string]any{"points": pointIDs}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *store) CollectionStats(ctx context.Context, sources []string) (Stats, error) {
	const op = "stats"

	var info struct {
		PointsCount int64 `json:"points_count"`
	}
	if err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &info); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalPoints:    info.PointsCount,
		CountsBySource: make(map[string]int64, len(sources)),
	}
	for _, source := range sources {
		req := map[string]any{
			"filter": NewFilter().Eq(FieldSource, source).asMap(),
			"exact":  true,
		}
		var result struct {
			Count int64 `json:"count"`
		}
		if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), req, &result); err != nil {
			return Stats{}, err
		}
		stats.CountsBySource[source] = result.Count
	}
	return stats, nil
}

func decodeItems(raw []searchResultItem) ([]ScoredPoint, error) {
	out := make([]ScoredPoint, 0, len(raw))
	for _, item := range raw {
		payload, err := payloadFromMap(item.Payload)
		if err != nil {
			return nil, opErr("decode", OperationErrorDecodeFailed, "decode point payload failed", err)
		}
		out = append(out, ScoredPoint{
			ID:      decodePointID(item.ID),
			Score:   item.Score,
			Payload: payload,
		})
	}
	return out, nil
}

func (s *store) collectionPath(suffix string) string {
	return "/collections/" + s.cfg.Collection + suffix
}

func (s *store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") || strings.EqualFold(statusString, "acknowledged") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
