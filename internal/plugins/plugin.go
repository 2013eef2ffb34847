// Package plugins is the channel plugin framework. A plugin owns one archive
// source (messaging, email, documents, recordings): it declares its settings,
// receives webhooks or runs scheduled syncs, and feeds items into the
// ingestion pipeline through the Host.
package plugins

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/ingest"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/settings"
)

// Host is everything a plugin may touch. Plugins never reach around it.
type Host struct {
	Log      *logger.Logger
	Settings *settings.Store
	Pipeline *ingest.Pipeline
	Vectors  qdrant.Store
	Tasks    ingest.TaskEnqueuer
}

// ChannelPlugin is the required capability set.
type ChannelPlugin interface {
	Name() string
	DisplayName() string
	Icon() string
	Version() string
	Description() string

	// DefaultSettings are registered additively under plugins.<name>.*.
	DefaultSettings() []settings.Default

	// RoutePrefix is the mount point under /plugins. Usually the plugin name.
	RoutePrefix() string

	Initialize(host *Host) error
	Shutdown() error

	// HealthCheck reports per-dependency status: "ok" or an error string.
	HealthCheck(ctx context.Context) map[string]string
}

// WebhookHandler is the optional capability for plugins that receive pushes.
// Routes mounts the plugin's endpoints on its route group.
type WebhookHandler interface {
	Routes(rg *gin.RouterGroup)
	// LegacyRoutes optionally mounts backward-compatible top-level paths
	// (for example /webhook). May be a no-op.
	LegacyRoutes(r gin.IRouter)
}

// SyncHandler is the optional capability for plugins that pull on a
// schedule.
type SyncHandler interface {
	SyncInterval() string // parseable by time.ParseDuration
	ScheduledSync(ctx context.Context) error
}
