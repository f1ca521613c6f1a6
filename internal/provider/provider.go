package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cache"
	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/config"
	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/logging"
	"github.com/any-hub/origin-cache/internal/resource"
	"github.com/any-hub/origin-cache/internal/strategy"
	"github.com/any-hub/origin-cache/internal/upstream"
)

// Provider 持有一份配置对应的全部组件。
type Provider struct {
	global  config.GlobalConfig
	servers []config.ServerConfig
	name    string
	logger  logrus.FieldLogger

	stats     *cachestats.CacheStatistics
	cache     *cache.Manager
	selector  *upstream.ServerSelector
	strategy  *strategy.CachingStrategy
	resources *resource.Manager
}

// New 按配置构建组件，不做任何 IO；调用 Start 后才可使用。
func New(cfg *config.Config, logger logrus.FieldLogger) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := cfg.Global
	servers := cfg.EffectiveServers()
	name := fmt.Sprintf("%s%s", originHost(g, servers), g.VirtualPath)
	logger = logger.WithField("provider", name)

	stats := cachestats.New(logging.Component(logger, "stats"))
	cacheMgr, err := cache.NewManager(cache.Options{
		Dir:            g.CacheDir,
		Realm:          g.CacheRealm,
		Size:           g.CacheSize,
		CleanupEnabled: g.CleanupEnabled,
		HighWatermark:  g.CleanupHighWatermark,
		LowWatermark:   g.CleanupLowWatermark,
	}, stats, logging.Component(logger, "cache"))
	if err != nil {
		return nil, fmt.Errorf("build cache manager: %w", err)
	}

	upstreamLogger := logging.Component(logger, "upstream")
	selector := upstream.NewServerSelector(nil, g.DNSRefreshPeriod.DurationValue(), upstreamLogger)
	requester := upstream.NewStreamRequester(g.ConnectionTimeout.DurationValue(), g.IdleTimeout.DurationValue(), upstreamLogger)
	requests := upstream.NewRequestManager(selector, requester, upstreamLogger)
	strat := strategy.New(cacheMgr, requests, stats, g.CacheTTL.DurationValue(), logging.Component(logger, "strategy"))

	return &Provider{
		global:    g,
		servers:   servers,
		name:      name,
		logger:    logger,
		stats:     stats,
		cache:     cacheMgr,
		selector:  selector,
		strategy:  strat,
		resources: resource.NewManager(strat, stats, logging.Component(logger, "resource")),
	}, nil
}

// originHost 返回构造源站 URL 时使用的主机名。
func originHost(g config.GlobalConfig, servers []config.ServerConfig) string {
	if g.VirtualHostname != "" {
		return g.VirtualHostname
	}
	if len(servers) > 0 {
		return servers[0].Hostname
	}
	return ""
}

func (p *Provider) Name() string                        { return p.name }
func (p *Provider) Stats() *cachestats.CacheStatistics  { return p.stats }
func (p *Provider) Strategy() *strategy.CachingStrategy { return p.strategy }

// Start 创建缓存目录、登记源站并启动 DNS 刷新。
// 源站解析失败不会阻止启动，下一次刷新会重试。
func (p *Provider) Start(ctx context.Context) error {
	if err := p.cache.Setup(ctx); err != nil {
		return err
	}
	for _, server := range p.servers {
		if err := p.selector.AddServer(ctx, server.Hostname, server.Port, server.Priority); err != nil {
			p.logger.WithFields(logrus.Fields{
				"action": "provider_start",
				"server": server.Address(),
			}).WithError(err).Warn("server_resolve_failed")
		}
	}
	p.strategy.Setup(ctx)
	p.logger.WithFields(logrus.Fields{
		"action":    "provider_start",
		"cache_dir": p.cache.Dir(),
		"servers":   len(p.servers),
		"cache_ttl": p.global.CacheTTL.DurationValue().String(),
	}).Info("provider_started")
	return nil
}

// Stop 停止统计推送与 DNS 刷新，并取消所有下载会话。
func (p *Provider) Stop() {
	p.StopStatsUpdates()
	p.strategy.Cleanup()
	p.logger.WithField("action", "provider_stop").Info("provider_stopped")
}

// StartStatsUpdates 推送 provider-name 后开始周期推送统计。
func (p *Provider) StartStatsUpdates(updater cachestats.Updater) {
	if updater == nil {
		return
	}
	updater.Update("provider-name", p.name)
	p.stats.StartUpdates(updater, p.global.StatsUpdatePeriod.DurationValue())
}

func (p *Provider) StopStatsUpdates() {
	p.stats.StopUpdates()
}

// Root 返回逻辑路径树的根节点。
func (p *Provider) Root() fileprovider.FilePath {
	return &filePath{provider: p}
}
