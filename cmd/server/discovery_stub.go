//go:build !mdns

package main

import (
	"log/slog"

	"github.com/re-minder/PRSummarizer.ai/internal/usecase/remote"
)

// Built without the mdns tag: discovery scans find nothing and peers come
// from static configuration only.
func newDiscoverer(_ *slog.Logger) remote.Discoverer {
	return remote.NewNoopDiscoverer()
}
