package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/http/response"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/rag"
)

// knownSources enumerate the channels a full reset walks, since the vector
// store refuses unfiltered deletes.
var knownSources = []string{"whatsapp", "gmail", "paperless", "call_recording"}

type RAGHandler struct {
	log     *logger.Logger
	engine  *rag.Engine
	vectors qdrant.Store
}

func NewRAGHandler(log *logger.Logger, engine *rag.Engine, vectors qdrant.Store) *RAGHandler {
	return &RAGHandler{
		log:     log.With("service", "RAGHandler"),
		engine:  engine,
		vectors: vectors,
	}
}

// POST /rag/query
func (h *RAGHandler) Query(c *gin.Context) {
	var req rag.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	resp, err := h.engine.Query(c.Request.Context(), req)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, resp)
}

type searchReq struct {
	Query   string      `json:"query"`
	Filters rag.Filters `json:"filters"`
	K       int         `json:"k"`
}

// POST /rag/search
func (h *RAGHandler) Search(c *gin.Context) {
	var req searchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sources, err := h.engine.Search(c.Request.Context(), req.Query, req.Filters, req.K)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sources": sources})
}

type resetReq struct {
	Confirm bool   `json:"confirm"`
	Source  string `json:"source"`
}

// POST /rag/reset
func (h *RAGHandler) Reset(c *gin.Context) {
	var req resetReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if !req.Confirm {
		response.RespondError(c, http.StatusBadRequest, "confirm_required",
			fmt.Errorf("reset requires confirm=true"))
		return
	}

	sources := knownSources
	if req.Source != "" {
		sources = []string{req.Source}
	}
	deleted := make([]string, 0, len(sources))
	for _, source := range sources {
		filter := qdrant.NewFilter().Eq(qdrant.FieldSource, source)
		if err := h.vectors.DeleteByFilter(c.Request.Context(), filter); err != nil {
			h.log.Error("reset delete failed", "source", source, "error", err)
			response.RespondAPIError(c, err)
			return
		}
		deleted = append(deleted, source)
	}
	h.log.Info("vector store reset", "sources", deleted)
	response.RespondOK(c, gin.H{"status": "ok", "sources": deleted})
}

type deleteBySourceReq struct {
	SourceID string `json:"source_id" binding:"required"`
}

// POST /rag/delete-by-source
func (h *RAGHandler) DeleteBySource(c *gin.Context) {
	var req deleteBySourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	// Keyed on asset_id so every chunk of a split item is removed.
	filter := qdrant.NewFilter().Eq(qdrant.FieldAssetID, req.SourceID)
	if err := h.vectors.DeleteByFilter(c.Request.Context(), filter); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// GET /rag/stats
func (h *RAGHandler) Stats(c *gin.Context) {
	stats, err := h.vectors.CollectionStats(c.Request.Context(), knownSources)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, stats)
}
