package main

import (
	"log/slog"
	"net/http"

	"github.com/kstaniek/go-obd-poller/internal/feed"
	"github.com/kstaniek/go-obd-poller/internal/hub"
)

// initFeed builds the websocket feed and starts its listener. Both results are
// nil when the feed is disabled.
func initFeed(cfg *appConfig, l *slog.Logger) (*feed.Server, *http.Server) {
	if cfg.feedAddr == "" {
		return nil, nil
	}
	h := hub.New()
	h.OutBufSize = cfg.feedBuffer
	if p, ok := hub.ParsePolicy(cfg.feedPolicy); ok {
		h.Policy = p
	}
	l.Info("feed_config", "addr", cfg.feedAddr, "buffer", h.OutBufSize, "policy", cfg.feedPolicy)
	fs := feed.New(h)
	return fs, fs.Start(cfg.feedAddr)
}
