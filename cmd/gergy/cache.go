package main

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/api/bridge"
)

// cacheStatsReport is the output of `cache stats`. Shared reports whether
// the backend's contents are visible to other processes.
type cacheStatsReport struct {
	Backend string `json:"backend"`
	Shared  bool   `json:"shared"`
	bridge.CacheStatsResult
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the relevance cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show this process's cache counters and backend availability",
		Long: `Show cache counters and backend availability.

The counters belong to the runtime this command opens, not to a running
"gergy serve". With the memory backend nothing is shared between processes,
so hits and misses are always zero here; query a server's counters through
its cache.stats bridge method or its /metrics endpoint. With the redis
backend the availability check reflects the shared cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			if rt.Cache != nil {
				if err := rt.Cache.Ping(cmd.Context()); err != nil {
					a.logger.WithError(err).Warn("cache backend unreachable")
				}
			}

			backend := a.cfg.Cache.Backend
			if backend == "memory" {
				a.logger.Warn("memory cache is private to this process; counters do not reflect a running server")
			}

			stats, ok := rt.Coordinator.CacheStats()
			return writeJSON(cmd, cacheStatsReport{
				Backend:          backend,
				Shared:           backend == "redis",
				CacheStatsResult: bridge.CacheStatsResult{Enabled: ok, Stats: stats},
			})
		},
	})
	return cmd
}
