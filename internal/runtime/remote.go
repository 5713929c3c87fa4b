package runtime

import (
	"context"
	"log/slog"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// PeerLauncher starts an agent on a named peer server. Implemented by the
// remote peer manager; the indirection keeps this package free of any
// transport dependency.
type PeerLauncher interface {
	LaunchAgent(ctx context.Context, peer string, params domain.RuntimeParams) (domain.AgentHandle, error)
}

// Remote proxies launches to the peer server named by the definition's
// runtime address.
type Remote struct {
	peers  PeerLauncher
	logger *slog.Logger
}

// NewRemote creates the remote runtime.
func NewRemote(peers PeerLauncher, logger *slog.Logger) *Remote {
	return &Remote{peers: peers, logger: logger}
}

func (r *Remote) Launch(ctx context.Context, params domain.RuntimeParams) (domain.AgentHandle, error) {
	const op = "Remote.Launch"

	peer := params.Definition.Runtime.Address
	if r.peers == nil {
		return nil, domain.NewSubSystemError("runtime", op,
			domain.ErrPeerUnavailable, "no peer links configured")
	}

	h, err := r.peers.LaunchAgent(ctx, peer, params)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	r.logger.Info("agent launched on peer",
		"session_id", params.SessionID, "agent", params.Name, "peer", peer)
	return h, nil
}
