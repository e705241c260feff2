package cmd

import (
	"context"

	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/deepseek"
	"github.com/lkarlslund/sessionrelay/pkg/dispatch"
	"github.com/lkarlslund/sessionrelay/pkg/grok"
	"github.com/lkarlslund/sessionrelay/pkg/selector"
	"github.com/lkarlslund/sessionrelay/pkg/tokencache"
)

// buildDispatchRegistry wires the credential-pool-backed provider adapters
// (DeepSeek, Grok) into a dispatch.Registry, gated by cfg.Projects, mirroring
// the teacher's providers.go pattern of building one resolver per configured
// backend. The returned background functions must be run as goroutines
// alongside the server (e.g. the Grok quota refresher); they block until ctx
// is cancelled.
func buildDispatchRegistry(cfg *config.ServerConfig) (*dispatch.Registry, []func(context.Context), *grok.Store) {
	reg := dispatch.NewRegistry()
	var background []func(context.Context)
	var grokStore *grok.Store

	cache := tokencache.New(cfg.AccountsDir)
	pool := selector.New()

	if cfg.Projects["deepseek"].Enabled {
		ds := deepseek.NewAdapter(deepseek.Config{
			Keys:              cfg.DeepSeek.Keys,
			WasmPath:          cfg.DeepSeek.WasmPath,
			ProxyURL:          cfg.DeepSeek.ProxyURL,
			ProxyPoolURL:      cfg.DeepSeek.ProxyPoolURL,
			ProxyPoolInterval: cfg.DeepSeek.ProxyPoolInterval,
		}, cache, pool)
		_ = ds.Refresh()
		reg.Register(ds, "deepseek")
	}

	if cfg.Projects["grok"].Enabled {
		store := grok.NewStore(cache)
		grokStore = store
		grokCfg := grok.Config{
			BaseURL:           cfg.Grok.BaseURL,
			XStatsigID:        cfg.Grok.XStatsigID,
			DynamicStatsig:    cfg.Grok.DynamicStatsig,
			Temporary:         cfg.Grok.Temporary,
			ProxyURL:          cfg.Grok.ProxyURL,
			ProxyPoolURL:      cfg.Grok.ProxyPoolURL,
			ProxyPoolInterval: cfg.Grok.ProxyPoolInterval,
			RetryStatusCodes:  cfg.Grok.RetryStatusCodes,
			FilteredTags:      cfg.Grok.FilteredTags,
			ShowThinking:      cfg.Grok.ShowThinking,
			ImageMode:         cfg.Grok.ImageMode,
			ImageCacheMaxMB:   cfg.Grok.ImageCacheMaxMB,
			VideoCacheMaxMB:   cfg.Grok.VideoCacheMaxMB,
		}
		gk := grok.NewAdapter(grokCfg, store, cfg.MediaCacheDir)
		reg.Register(gk, "grok")

		refresher := grok.NewRefresher(store, grok.NewClient(grokCfg), cfg.Grok.AutoRefreshTokens)
		background = append(background, refresher.Run)
	}

	return reg, background, grokStore
}
