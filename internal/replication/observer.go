package replication

import "sync"

type Status string

const (
	StatusReady        Status = "ready"
	StatusHosting      Status = "hosting"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type StatusEvent struct {
	Status       Status        `json:"status"`
	DeviceID     string        `json:"deviceId"`
	Endpoint     string        `json:"endpoint,omitempty"`
	PeerID       string        `json:"peerId,omitempty"`
	Reachability *Reachability `json:"reachability,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// Observer is notified of coordinator events. Calls arrive on coordinator
// and transport goroutines and must not block for long.
type Observer interface {
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)
	OnSyncRequest(fromID string)
	OnSyncComplete(success bool, reason string)
	OnStatusChange(event StatusEvent)
}

// Handlers adapts optional callbacks to Observer. Nil fields are no-ops.
type Handlers struct {
	PeerConnected    func(peerID string)
	PeerDisconnected func(peerID string)
	SyncRequest      func(fromID string)
	SyncComplete     func(success bool, reason string)
	StatusChange     func(event StatusEvent)
}

func (h Handlers) OnPeerConnected(peerID string) {
	if h.PeerConnected != nil {
		h.PeerConnected(peerID)
	}
}

func (h Handlers) OnPeerDisconnected(peerID string) {
	if h.PeerDisconnected != nil {
		h.PeerDisconnected(peerID)
	}
}

func (h Handlers) OnSyncRequest(fromID string) {
	if h.SyncRequest != nil {
		h.SyncRequest(fromID)
	}
}

func (h Handlers) OnSyncComplete(success bool, reason string) {
	if h.SyncComplete != nil {
		h.SyncComplete(success, reason)
	}
}

func (h Handlers) OnStatusChange(event StatusEvent) {
	if h.StatusChange != nil {
		h.StatusChange(event)
	}
}

type observers struct {
	mu         sync.RWMutex
	next       int
	registered map[int]Observer
}

func (o *observers) add(observer Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.registered == nil {
		o.registered = make(map[int]Observer)
	}

	id := o.next
	o.next++
	o.registered[id] = observer

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.registered, id)
	}
}

func (o *observers) each(fn func(Observer)) {
	o.mu.RLock()
	list := make([]Observer, 0, len(o.registered))
	for _, observer := range o.registered {
		list = append(list, observer)
	}
	o.mu.RUnlock()

	for _, observer := range list {
		fn(observer)
	}
}
