package remote

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// PeerInfo identifies one reachable peer server.
type PeerInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Discoverer finds peer servers on the network. The mDNS implementation is
// behind the "mdns" build tag; the default build gets the noop variant.
type Discoverer interface {
	Scan(ctx context.Context) ([]PeerInfo, error)
}

// Manager holds all peer links, keyed by peer name. It satisfies the
// runtime package's PeerLauncher so remote-kind agent definitions can be
// launched through it.
type Manager struct {
	mu     sync.Mutex
	peers  map[string]*Peer
	bus    domain.EventBus
	logger *slog.Logger
}

// NewManager creates a peer manager publishing link-state events on bus.
func NewManager(bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		peers:  make(map[string]*Peer),
		bus:    bus,
		logger: logger,
	}
}

// AddPeer creates a link to the named peer. Adding an existing name is a
// no-op so repeated discovery scans stay cheap.
func (m *Manager) AddPeer(info PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers[info.Name]; exists {
		return
	}
	m.peers[info.Name] = NewPeer(info.Name, info.URL, m.bus, m.logger)
	m.logger.Info("peer link added", "peer", info.Name, "url", info.URL)
}

// Peer returns the named link, or ErrNotFound (peer subsystem).
func (m *Manager) Peer(name string) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[name]
	if !ok {
		return nil, domain.NewSubSystemError("peer", "PeerManager.Peer",
			domain.ErrNotFound, name)
	}
	return p, nil
}

// List returns the known peers sorted by name.
func (m *Manager) List() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerInfo{Name: p.name, URL: p.url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LaunchAgent implements the runtime PeerLauncher contract: it resolves the
// peer by name and proxies the launch over its link.
func (m *Manager) LaunchAgent(ctx context.Context, peer string, params domain.RuntimeParams) (domain.AgentHandle, error) {
	p, err := m.Peer(peer)
	if err != nil {
		return nil, err
	}
	return p.LaunchAgent(ctx, params)
}

// CreateSession creates a session on the named peer and returns its id.
func (m *Manager) CreateSession(ctx context.Context, peer, applicationID, privacyKey string, graph domain.AgentGraph) (string, error) {
	p, err := m.Peer(peer)
	if err != nil {
		return "", err
	}
	return p.CreateSession(ctx, applicationID, privacyKey, graph)
}

// RunDiscovery scans for peers on the given interval until ctx is
// cancelled, adding any it has not seen. Blocks; run it in a goroutine.
func (m *Manager) RunDiscovery(ctx context.Context, d Discoverer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		infos, err := d.Scan(ctx)
		if err != nil {
			m.logger.Warn("peer discovery scan failed", "error", err)
		}
		for _, info := range infos {
			m.AddPeer(info)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close tears down every peer link.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}
