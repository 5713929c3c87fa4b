//go:build mdns

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_prsummarizer._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// MDNSDiscoverer finds peer servers on the local network via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// NewMDNSDiscoverer creates an MDNSDiscoverer.
func NewMDNSDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Scan browses for peer services on the local network.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]PeerInfo, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var peers []PeerInfo
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			info, ok := entryToPeer(entry)
			if !ok {
				continue
			}
			mu.Lock()
			peers = append(peers, info)
			mu.Unlock()
			d.logger.Debug("mdns discovered peer", "peer", info.Name, "url", info.URL)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]PeerInfo, len(peers))
	copy(result, peers)
	mu.Unlock()
	return result, nil
}

// Advertise registers this server as a peer on the local network. Blocks
// until ctx is cancelled; call it in a goroutine.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, name string, port int) error {
	server, err := zeroconf.Register(name, mdnsServiceType, mdnsDomain, port,
		[]string{"path=/peer"}, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToPeer(entry *zeroconf.ServiceEntry) (PeerInfo, bool) {
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		host = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	} else {
		return PeerInfo{}, false
	}

	path := "/peer"
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok {
			path = v
		}
	}
	return PeerInfo{
		Name: entry.ServiceRecord.Instance,
		URL:  "ws://" + host + path,
	}, true
}
