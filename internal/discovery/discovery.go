package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	SERVICE_TYPE      = "_equipinv._tcp"
	DOMAIN            = "local."
	TXT_DEVICE_PREFIX = "device="
	BROWSE_TIMEOUT    = 5 * time.Second
)

// Peer is a hosting instance found on the local network.
type Peer struct {
	DeviceID  string   `json:"deviceId"`
	Instance  string   `json:"instance"`
	HostName  string   `json:"hostName"`
	Addresses []string `json:"addresses"`
	Port      int      `json:"port"`
}

// Address is the first reachable host:port, preferring IPv4.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 || p.Port == 0 {
		return ""
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
}

// Endpoint renders the peer in the id@host:port form the sync commands take.
func (p Peer) Endpoint() string {
	address := p.Address()
	if address == "" {
		return p.DeviceID
	}
	return p.DeviceID + "@" + address
}

// Advertisement keeps a hosting instance announced until Shutdown.
type Advertisement struct {
	server *zeroconf.Server
}

func Advertise(deviceID string, port int) (*Advertisement, error) {
	server, err := zeroconf.Register(deviceID, SERVICE_TYPE, DOMAIN, port, []string{TXT_DEVICE_PREFIX + deviceID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to advertise %s: %w", SERVICE_TYPE, err)
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Browse collects advertised peers until timeout or ctx ends.
func Browse(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]Peer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = BROWSE_TIMEOUT
	}

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := resolver.Browse(ctx, SERVICE_TYPE, DOMAIN, entries); err != nil {
			logger.Error("Failed to browse for peers", zap.Error(err))
		}
	}()

	found := make(map[string]Peer)

loop:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break loop
			}
			peer, ok := peerFromEntry(entry)
			if !ok {
				continue
			}
			logger.Debug("Peer discovered", zap.String("device", peer.DeviceID), zap.String("address", peer.Address()))
			found[peer.DeviceID] = peer
		case <-ctx.Done():
			break loop
		}
	}

	peers := make([]Peer, 0, len(found))
	for _, peer := range found {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}

	peer := Peer{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
	}

	for _, txt := range entry.Text {
		if id, ok := strings.CutPrefix(txt, TXT_DEVICE_PREFIX); ok {
			peer.DeviceID = id
		}
	}
	if peer.DeviceID == "" {
		peer.DeviceID = entry.Instance
	}
	if peer.DeviceID == "" {
		return Peer{}, false
	}

	for _, ip := range entry.AddrIPv4 {
		peer.Addresses = append(peer.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		peer.Addresses = append(peer.Addresses, ip.String())
	}

	return peer, true
}
