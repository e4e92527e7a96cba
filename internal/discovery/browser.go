package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DISCOVERY_INTERVAL = 20 * time.Second

// Browser keeps browsing in the background and reports each peer the first
// time it shows up.
type Browser struct {
	self     string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	browse   func(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]Peer, error)

	ctx    context.Context
	cancel context.CancelFunc

	peers            map[string]Peer
	peersMutex       sync.RWMutex
	onPeerDiscovered func(Peer)
}

// NewBrowser ignores advertisements for self, the local device id.
func NewBrowser(self string, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		self:     self,
		interval: DISCOVERY_INTERVAL,
		timeout:  BROWSE_TIMEOUT,
		logger:   logger,
		browse:   Browse,
		peers:    make(map[string]Peer),
	}
}

func (b *Browser) SetOnPeerDiscovered(callback func(Peer)) {
	b.peersMutex.Lock()
	defer b.peersMutex.Unlock()
	b.onPeerDiscovered = callback
}

func (b *Browser) Start() {
	b.Stop()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	ctx := b.ctx

	go func() {
		b.logger.Info("Starting peer discovery")
		b.discover(ctx)

		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.discover(ctx)
			case <-ctx.Done():
				b.logger.Info("Peer discovery stopped")
				return
			}
		}
	}()
}

func (b *Browser) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Browser) discover(ctx context.Context) {
	peers, err := b.browse(ctx, b.timeout, b.logger)
	if err != nil {
		b.logger.Error("Peer discovery failed", zap.Error(err))
		return
	}
	b.logger.Debug("Peer discovery completed", zap.Int("peers", len(peers)))
	b.update(peers)
}

func (b *Browser) update(peers []Peer) {
	b.peersMutex.Lock()
	var discovered []Peer
	for _, peer := range peers {
		if peer.DeviceID == b.self {
			continue
		}
		if _, exists := b.peers[peer.DeviceID]; !exists {
			discovered = append(discovered, peer)
		}
		b.peers[peer.DeviceID] = peer
	}
	callback := b.onPeerDiscovered
	b.peersMutex.Unlock()

	if callback == nil {
		return
	}
	for _, peer := range discovered {
		callback(peer)
	}
}

func (b *Browser) Peers() []Peer {
	b.peersMutex.RLock()
	defer b.peersMutex.RUnlock()

	peers := make([]Peer, 0, len(b.peers))
	for _, peer := range b.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}
