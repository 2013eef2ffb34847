package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/recallhq/recall-backend/internal/http/handlers"
	httpMW "github.com/recallhq/recall-backend/internal/http/middleware"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/plugins"
)

type RouterConfig struct {
	Log *logger.Logger

	HealthHandler       *httpH.HealthHandler
	RAGHandler          *httpH.RAGHandler
	ConversationHandler *httpH.ConversationHandler
	SettingsHandler     *httpH.SettingsHandler
	MediaHandler        *httpH.MediaHandler
	CostsHandler        *httpH.CostsHandler

	// PluginRegistry mounts /plugins/<prefix> routes and legacy aliases.
	PluginRegistry *plugins.Registry
}

func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.Health)
		r.GET("/plugins", cfg.HealthHandler.ListPlugins)
	}

	if cfg.RAGHandler != nil {
		r.POST("/rag/query", cfg.RAGHandler.Query)
		r.POST("/rag/search", cfg.RAGHandler.Search)
		r.POST("/rag/reset", cfg.RAGHandler.Reset)
		r.POST("/rag/delete-by-source", cfg.RAGHandler.DeleteBySource)
		r.GET("/rag/stats", cfg.RAGHandler.Stats)
	}

	if cfg.ConversationHandler != nil {
		r.GET("/conversations", cfg.ConversationHandler.List)
		r.POST("/conversations", cfg.ConversationHandler.Create)
		r.GET("/conversations/:id", cfg.ConversationHandler.Get)
		r.PATCH("/conversations/:id", cfg.ConversationHandler.Rename)
		r.DELETE("/conversations/:id", cfg.ConversationHandler.Delete)
	}

	if cfg.SettingsHandler != nil {
		r.GET("/settings", cfg.SettingsHandler.List)
		r.POST("/settings", cfg.SettingsHandler.Update)
		r.POST("/settings/reset", cfg.SettingsHandler.Reset)
	}

	if cfg.MediaHandler != nil {
		r.GET("/media/images/:name", cfg.MediaHandler.Image)
		r.GET("/media/events/:name", cfg.MediaHandler.Event)
	}

	if cfg.CostsHandler != nil {
		r.GET("/costs", cfg.CostsHandler.Summary)
		r.GET("/costs/conversations/:id", cfg.CostsHandler.Conversation)
	}

	if cfg.PluginRegistry != nil {
		if err := cfg.PluginRegistry.Start(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}
