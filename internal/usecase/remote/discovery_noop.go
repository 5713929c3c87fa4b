package remote

import "context"

// NoopDiscoverer is the placeholder used when mDNS support is not compiled
// in (no "mdns" build tag) or discovery is disabled.
type NoopDiscoverer struct{}

// NewNoopDiscoverer creates a NoopDiscoverer.
func NewNoopDiscoverer() *NoopDiscoverer { return &NoopDiscoverer{} }

// Scan returns nothing; peers come only from static configuration.
func (n *NoopDiscoverer) Scan(_ context.Context) ([]PeerInfo, error) {
	return nil, nil
}
