//go:build mdns

package main

import (
	"log/slog"

	"github.com/re-minder/PRSummarizer.ai/internal/usecase/remote"
)

func newDiscoverer(log *slog.Logger) remote.Discoverer {
	return remote.NewMDNSDiscoverer(log)
}
