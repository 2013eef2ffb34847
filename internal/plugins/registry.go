package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/types"
)

const defaultSyncInterval = 15 * time.Minute

// Registry owns plugin lifecycle: defaults registration, initialization of
// enabled plugins, route mounting, scheduled syncs and the health rollup.
// Plugins register at wiring time; enabling and disabling is a settings
// concern, and route unmounting requires a restart.
type Registry struct {
	log      *logger.Logger
	host     *Host
	settings *settings.Store

	mu      sync.RWMutex
	all     []ChannelPlugin
	enabled map[string]ChannelPlugin
}

func NewRegistry(log *logger.Logger, host *Host) *Registry {
	return &Registry{
		log:      log.With("service", "PluginRegistry"),
		host:     host,
		settings: host.Settings,
		enabled:  map[string]ChannelPlugin{},
	}
}

// Register adds a plugin to the known set. Call before Start.
func (r *Registry) Register(p ChannelPlugin) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("plugin must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.all {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin %q already registered", p.Name())
		}
	}
	r.all = append(r.all, p)
	return nil
}

func enabledKey(name string) string {
	return "plugins." + name + ".enabled"
}

// Start registers every plugin's defaults, then initializes the enabled ones
// and mounts their routes under /plugins/<prefix>. A plugin that fails to
// initialize is logged and left disabled; it never takes the host down.
func (r *Registry) Start(router gin.IRouter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.all {
		defaults := append([]settings.Default{{
			Key:         enabledKey(p.Name()),
			Value:       "false",
			Category:    "plugins",
			Type:        types.SettingBool,
			Description: "Enable the " + p.DisplayName() + " plugin",
		}}, p.DefaultSettings()...)
		if err := r.settings.RegisterDefaults(defaults); err != nil {
			return fmt.Errorf("register defaults for plugin %s: %w", p.Name(), err)
		}
	}

	for _, p := range r.all {
		if !r.settings.GetBool(enabledKey(p.Name()), false) {
			r.log.Debug("plugin disabled", "plugin", p.Name())
			continue
		}
		if err := p.Initialize(r.host); err != nil {
			r.log.Error("plugin initialization failed", "plugin", p.Name(), "error", err)
			continue
		}
		r.enabled[p.Name()] = p
		r.log.Info("plugin enabled",
			"plugin", p.Name(), "version", p.Version(), "prefix", p.RoutePrefix())

		if wh, ok := p.(WebhookHandler); ok && router != nil {
			group := router.Group("/plugins/" + p.RoutePrefix())
			wh.Routes(group)
			wh.LegacyRoutes(router)
		}
	}
	return nil
}

// StartSyncLoops launches one ticker per enabled SyncHandler. Loops stop
// when ctx is cancelled.
func (r *Registry) StartSyncLoops(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.enabled {
		sh, ok := p.(SyncHandler)
		if !ok {
			continue
		}
		interval := defaultSyncInterval
		if d, err := time.ParseDuration(sh.SyncInterval()); err == nil && d > 0 {
			interval = d
		}
		go r.syncLoop(ctx, p.Name(), sh, interval)
	}
}

func (r *Registry) syncLoop(ctx context.Context, name string, sh SyncHandler, interval time.Duration) {
	r.log.Info("sync loop started", "plugin", name, "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("sync loop stopped", "plugin", name)
			return
		case <-ticker.C:
			if err := sh.ScheduledSync(ctx); err != nil {
				r.log.Warn("scheduled sync failed", "plugin", name, "error", err)
			}
		}
	}
}

// Shutdown stops every enabled plugin.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.enabled {
		if err := p.Shutdown(); err != nil {
			r.log.Warn("plugin shutdown failed", "plugin", name, "error", err)
		}
		delete(r.enabled, name)
	}
}

// Enabled lists the enabled plugins.
func (r *Registry) Enabled() []ChannelPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelPlugin, 0, len(r.enabled))
	for _, p := range r.enabled {
		out = append(out, p)
	}
	return out
}

// All lists every registered plugin with its enablement state.
func (r *Registry) All() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.all))
	for _, p := range r.all {
		_, enabled := r.enabled[p.Name()]
		out = append(out, PluginInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			Icon:        p.Icon(),
			Version:     p.Version(),
			Description: p.Description(),
			Enabled:     enabled,
		})
	}
	return out
}

type PluginInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Icon        string `json:"icon"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// HealthStatus is the rollup shape for /health.
type HealthStatus struct {
	Status  string                       `json:"status"` // healthy | degraded | down
	Plugins map[string]map[string]string `json:"plugins"`
	Core    map[string]string            `json:"core"`
}

// CoreChecker probes one core dependency (graph db, vector store, broker).
type CoreChecker struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthRollup aggregates plugin health checks and core dependency probes.
// All core deps healthy and all plugin deps ok: healthy. Any plugin dep
// failing: degraded. Any core dep failing: down.
func (r *Registry) HealthRollup(ctx context.Context, core []CoreChecker) HealthStatus {
	out := HealthStatus{
		Status:  "healthy",
		Plugins: map[string]map[string]string{},
		Core:    map[string]string{},
	}

	for _, c := range core {
		if err := c.Check(ctx); err != nil {
			out.Core[c.Name] = err.Error()
			out.Status = "down"
		} else {
			out.Core[c.Name] = "ok"
		}
	}

	for _, p := range r.Enabled() {
		deps := p.HealthCheck(ctx)
		out.Plugins[p.Name()] = deps
		for _, status := range deps {
			if status != "ok" && out.Status == "healthy" {
				out.Status = "degraded"
			}
		}
	}
	return out
}
