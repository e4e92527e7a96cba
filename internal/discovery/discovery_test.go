package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPeerFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("device-abc", SERVICE_TYPE, DOMAIN)
	entry.HostName = "bench.local."
	entry.Port = 8765
	entry.Text = []string{"version=1", TXT_DEVICE_PREFIX + "device-xyz"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	peer, ok := peerFromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "device-xyz", peer.DeviceID)
	assert.Equal(t, "device-abc", peer.Instance)
	assert.Equal(t, []string{"192.168.1.20", "fe80::1"}, peer.Addresses)
	assert.Equal(t, "192.168.1.20:8765", peer.Address())
	assert.Equal(t, "device-xyz@192.168.1.20:8765", peer.Endpoint())
}

func TestPeerFromEntryFallsBackToInstance(t *testing.T) {
	entry := zeroconf.NewServiceEntry("device-abc", SERVICE_TYPE, DOMAIN)

	peer, ok := peerFromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "device-abc", peer.DeviceID)
	assert.Empty(t, peer.Address())
	assert.Equal(t, "device-abc", peer.Endpoint())

	_, ok = peerFromEntry(nil)
	assert.False(t, ok)
}

func TestBrowserReportsNewPeersOnce(t *testing.T) {
	browser := NewBrowser("device-self", zap.NewNop())

	var mu sync.Mutex
	var discovered []string
	browser.SetOnPeerDiscovered(func(peer Peer) {
		mu.Lock()
		defer mu.Unlock()
		discovered = append(discovered, peer.DeviceID)
	})

	browser.update([]Peer{{DeviceID: "device-b"}, {DeviceID: "device-self"}, {DeviceID: "device-a"}})
	browser.update([]Peer{{DeviceID: "device-a", Port: 9000}})

	mu.Lock()
	assert.ElementsMatch(t, []string{"device-a", "device-b"}, discovered)
	mu.Unlock()

	peers := browser.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "device-a", peers[0].DeviceID)
	assert.Equal(t, 9000, peers[0].Port)
}

func TestBrowserLoop(t *testing.T) {
	browser := NewBrowser("device-self", zap.NewNop())
	browser.interval = 10 * time.Millisecond

	calls := make(chan struct{}, 16)
	browser.browse = func(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]Peer, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return []Peer{{DeviceID: "device-remote"}}, nil
	}

	found := make(chan Peer, 1)
	browser.SetOnPeerDiscovered(func(peer Peer) { found <- peer })

	browser.Start()
	defer browser.Stop()

	select {
	case peer := <-found:
		assert.Equal(t, "device-remote", peer.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("peer was not discovered")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("discovery did not repeat")
		}
	}
}
