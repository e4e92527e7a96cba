package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/monorkin/equipment-inventory/internal/logging"
	"github.com/monorkin/equipment-inventory/internal/models"
	"github.com/monorkin/equipment-inventory/internal/ratelimit"
	"github.com/monorkin/equipment-inventory/internal/signaling"
	"github.com/monorkin/equipment-inventory/internal/store"
	"github.com/monorkin/equipment-inventory/internal/transport"
)

const (
	DEFAULT_NEGOTIATION_TIMEOUT = 30 * time.Second
	DEFAULT_SYNC_REQUEST_RATE   = rate.Limit(1)
	DEFAULT_SYNC_REQUEST_BURST  = 3
	STORE_TIMEOUT               = 30 * time.Second
)

//go:generate mockgen -source=coordinator.go -destination=mocks/mock_coordinator.go -package=mocks

// SnapshotStore is the part of the store replication needs.
type SnapshotStore interface {
	ExportSnapshot(ctx context.Context) (*store.Snapshot, error)
	ImportSnapshot(ctx context.Context, snapshot *store.Snapshot) error
	AddSyncRecord(ctx context.Context, syncType models.SyncType, payload any) (*models.SyncRecord, error)
}

// Host exposes this instance to peers outside the local signaling group
// while hosting.
type Host interface {
	Start(ctx context.Context) (Reachability, error)
	Bus() signaling.Bus
	Stop(ctx context.Context) error
}

// RelayDialer joins the signaling relay of a remote host.
type RelayDialer func(ctx context.Context, address string) (signaling.Bus, error)

type Options struct {
	DeviceID  string
	Store     SnapshotStore
	Bus       signaling.Bus
	Transport transport.Transport
	// Host and Dial are optional. Without them the coordinator only reaches
	// peers on its local bus.
	Host   Host
	Dial   RelayDialer
	Logger *zap.Logger

	NegotiationTimeout time.Duration
	SyncRequestRate    rate.Limit
	SyncRequestBurst   int
}

type role int

const (
	roleNone role = iota
	roleHosting
	roleClient
)

type syncRecordPayload struct {
	Peer     string `json:"peer,omitempty"`
	Sessions int    `json:"sessions"`
	Sites    int    `json:"sites"`
	Devices  int    `json:"devices"`
}

// Coordinator owns the replication role of this instance and every peer
// session. It is safe for concurrent use; its lock is never held while
// calling into sessions, buses, the store or observers.
type Coordinator struct {
	deviceID  string
	store     SnapshotStore
	bus       signaling.Bus
	transport transport.Transport
	host      Host
	dial      RelayDialer
	logger    *zap.Logger

	negotiationTimeout time.Duration
	limiters           *ratelimit.Store
	// candidates that arrived before their session existed
	pending   *cache.Cache
	observers observers

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	role         role
	status       Status
	reachability *Reachability
	sessions     map[string]*Session
	remotes      map[string]signaling.Bus
	unsubscribes []func()
	closed       bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("coordinator requires a device id")
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator requires a store")
	}
	if opts.Bus == nil {
		return nil, errors.New("coordinator requires a signaling bus")
	}
	if opts.Transport == nil {
		return nil, errors.New("coordinator requires a transport")
	}

	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = DEFAULT_NEGOTIATION_TIMEOUT
	}
	limit := opts.SyncRequestRate
	if limit <= 0 {
		limit = DEFAULT_SYNC_REQUEST_RATE
	}
	burst := opts.SyncRequestBurst
	if burst <= 0 {
		burst = DEFAULT_SYNC_REQUEST_BURST
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		deviceID:           opts.DeviceID,
		store:              opts.Store,
		bus:                opts.Bus,
		transport:          opts.Transport,
		host:               opts.Host,
		dial:               opts.Dial,
		logger:             logging.Named(opts.Logger, logging.NameCoordinator, zap.String("device", opts.DeviceID)),
		negotiationTimeout: timeout,
		limiters:           ratelimit.NewStore(limit, burst),
		pending:            cache.New(timeout, 2*timeout),
		ctx:                ctx,
		cancel:             cancel,
		status:             StatusReady,
		sessions:           make(map[string]*Session),
		remotes:            make(map[string]signaling.Bus),
	}, nil
}

func (c *Coordinator) DeviceID() string {
	return c.deviceID
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Reachability is set while hosting.
func (c *Coordinator) Reachability() (Reachability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reachability == nil {
		return Reachability{}, false
	}
	return *c.reachability, true
}

func (c *Coordinator) Subscribe(observer Observer) (unsubscribe func()) {
	return c.observers.add(observer)
}

func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	sessions := c.sessionListLocked()
	c.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// StartHosting makes this instance accept offers. Calling it again while
// hosting returns the current reachability.
func (c *Coordinator) StartHosting(ctx context.Context) (Reachability, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reachability{}, ErrCoordinatorClosed
	}
	switch c.role {
	case roleClient:
		c.mu.Unlock()
		return Reachability{}, fmt.Errorf("cannot host while connected as a client: %w", ErrRoleConflict)
	case roleHosting:
		reachability := *c.reachability
		c.mu.Unlock()
		return reachability, nil
	}
	c.role = roleHosting
	c.reachability = &Reachability{DeviceID: c.deviceID}
	c.subscribeLocked(c.bus)
	c.mu.Unlock()

	reachability := Reachability{DeviceID: c.deviceID}
	if c.host != nil {
		started, err := c.host.Start(ctx)
		if err != nil {
			c.mu.Lock()
			released := c.deactivateLocked()
			c.mu.Unlock()
			closeBuses(released)

			c.setStatus(StatusEvent{Status: StatusDisconnected, Reason: err.Error()})
			return Reachability{}, fmt.Errorf("failed to start hosting: %w", err)
		}
		reachability = started
		reachability.DeviceID = c.deviceID

		if bus := c.host.Bus(); bus != nil {
			c.mu.Lock()
			c.subscribeLocked(bus)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.reachability = &reachability
	c.mu.Unlock()

	c.logger.Info("Hosting", zap.String("address", reachability.Address()))
	c.setStatus(StatusEvent{Status: StatusHosting, Reachability: &reachability})
	return reachability, nil
}

// StopHosting closes every session and stops accepting offers. It is a
// no-op when not hosting.
func (c *Coordinator) StopHosting(ctx context.Context) error {
	c.mu.Lock()
	if c.role != roleHosting {
		c.mu.Unlock()
		return nil
	}
	sessions := c.sessionListLocked()
	released := c.deactivateLocked()
	c.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
	closeBuses(released)

	var err error
	if c.host != nil {
		err = c.host.Stop(ctx)
	}

	c.logger.Info("Stopped hosting")
	c.setStatus(StatusEvent{Status: StatusDisconnected})
	return err
}

// ConnectTo offers a session to the peer named by endpoint. It returns once
// the offer is signaled; the session opens asynchronously.
func (c *Coordinator) ConnectTo(ctx context.Context, endpoint Endpoint) (*Session, error) {
	if endpoint.DeviceID == "" && endpoint.Address == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if endpoint.DeviceID == c.deviceID {
		return nil, fmt.Errorf("%w: cannot connect to self", ErrInvalidEndpoint)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	if c.role == roleHosting {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot connect while hosting: %w", ErrRoleConflict)
	}
	if c.role == roleNone {
		c.role = roleClient
		c.subscribeLocked(c.bus)
	}
	c.mu.Unlock()

	c.setStatus(StatusEvent{Status: StatusConnecting, Endpoint: endpoint.String()})

	if endpoint.Address != "" {
		if err := c.joinRemote(ctx, endpoint.Address); err != nil {
			c.abandonClient(err)
			return nil, err
		}
	}

	c.mu.Lock()
	session, err := newSession(uuid.NewString(), endpoint.DeviceID, true, c.transport, c, c.negotiationTimeout, logging.Named(c.logger, logging.NameSession))
	if err == nil {
		c.sessions[session.ID()] = session
	}
	c.mu.Unlock()
	if err != nil {
		c.abandonClient(err)
		return nil, err
	}

	if err := session.offer(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to offer session: %w", err)
	}

	c.logger.Info("Offered session", zap.String("endpoint", endpoint.String()), zap.String("session", session.ID()))
	return session, nil
}

// Disconnect closes every client session. It is a no-op unless the
// instance is a client.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	if c.role != roleClient {
		c.mu.Unlock()
		return
	}
	sessions := c.sessionListLocked()
	var released []signaling.Bus
	if len(sessions) == 0 {
		released = c.deactivateLocked()
	}
	c.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
	if len(sessions) == 0 {
		closeBuses(released)
		c.setStatus(StatusEvent{Status: StatusDisconnected})
	}
}

// TriggerSync pushes the current snapshot to every open session and to the
// local bus. Bus peers holding a session with this instance ignore the bus
// copy. It reports false when there is no active role.
func (c *Coordinator) TriggerSync(ctx context.Context) (bool, error) {
	c.mu.Lock()
	active := c.role != roleNone
	c.mu.Unlock()
	if !active {
		return false, nil
	}

	snapshot, err := c.store.ExportSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to export snapshot: %w", err)
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return false, err
	}

	sent := c.sendAll(Message{Type: MessageSyncData, Data: data}, "")

	err = c.publish(ctx, []signaling.Bus{c.bus}, signaling.Message{Type: signaling.TypeSyncData, Data: data})
	if err != nil {
		c.logger.Warn("Failed to publish snapshot on local bus", zap.Error(err))
	}

	c.recordSend(ctx, "", sent, snapshot)
	c.logger.Info("Triggered sync", zap.Int("sessions", sent))
	return true, nil
}

// RequestSync asks connected peers for their snapshot.
func (c *Coordinator) RequestSync(ctx context.Context) (bool, error) {
	c.mu.Lock()
	active := c.role != roleNone
	buses := c.busesLocked()
	c.mu.Unlock()
	if !active {
		return false, nil
	}

	c.sendAll(Message{Type: MessageSyncRequest}, "")

	if err := c.publish(ctx, buses, signaling.Message{Type: signaling.TypeSyncRequest}); err != nil {
		return true, fmt.Errorf("failed to publish sync request: %w", err)
	}
	return true, nil
}

// PingAll pings every open session and returns how many pings went out.
func (c *Coordinator) PingAll() int {
	data, err := encodeJSON(pingData{SentAt: time.Now()})
	if err != nil {
		return 0
	}
	return c.sendAll(Message{Type: MessagePing, Data: data}, "")
}

// Close ends whatever role is active. The coordinator cannot be reused.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.StopHosting(ctx)
	c.Disconnect()
	c.cancel()
	return err
}

func (c *Coordinator) signal(ctx context.Context, msg signaling.Message) error {
	c.mu.Lock()
	buses := c.busesLocked()
	c.mu.Unlock()
	return c.publish(ctx, buses, msg)
}

func (c *Coordinator) publish(ctx context.Context, buses []signaling.Bus, msg signaling.Message) error {
	msg.From = c.deviceID
	return signaling.NewMulti(buses...).Publish(ctx, msg)
}

func (c *Coordinator) handleSignal(msg signaling.Message) {
	if msg.From == c.deviceID || !msg.AddressedTo(c.deviceID) {
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.Debug("Dropping signaling message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, STORE_TIMEOUT)
	defer cancel()

	switch msg.Type {
	case signaling.TypeOffer:
		c.acceptOffer(ctx, msg)
	case signaling.TypeAnswer:
		session := c.session(msg.Session)
		if session == nil || !session.Initiator() {
			return
		}
		if err := session.applyAnswer(ctx, msg.From, *msg.SDP); err != nil {
			c.logger.Warn("Failed to apply answer", zap.String("session", msg.Session), zap.Error(err))
			_ = session.Close()
		}
	case signaling.TypeICECandidate:
		c.applyCandidate(msg)
	case signaling.TypeSyncRequest:
		if c.hasOpenSession(msg.From) {
			c.logger.Debug("Ignoring bus sync request from a session peer", zap.String("from", msg.From))
			return
		}
		c.handleBusSyncRequest(ctx, msg.From)
	case signaling.TypeSyncData:
		if c.hasOpenSession(msg.From) {
			c.logger.Debug("Ignoring bus snapshot from a session peer", zap.String("from", msg.From))
			return
		}
		c.mu.Lock()
		active := c.role != roleNone
		c.mu.Unlock()
		if !active {
			c.logger.Debug("Ignoring snapshot without an active role", zap.String("from", msg.From))
			return
		}
		c.applySnapshot(ctx, msg.From, msg.Data)
	}
}

func (c *Coordinator) acceptOffer(ctx context.Context, msg signaling.Message) {
	c.mu.Lock()
	if c.role != roleHosting {
		c.mu.Unlock()
		c.logger.Debug("Ignoring offer while not hosting", zap.String("from", msg.From))
		return
	}
	if _, exists := c.sessions[msg.Session]; exists {
		c.mu.Unlock()
		return
	}
	session, err := newSession(msg.Session, msg.From, false, c.transport, c, c.negotiationTimeout, logging.Named(c.logger, logging.NameSession))
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Failed to create session", zap.Error(err))
		return
	}
	c.sessions[session.ID()] = session
	c.mu.Unlock()

	if err := session.answer(ctx, *msg.SDP); err != nil {
		c.logger.Warn("Failed to answer offer", zap.String("from", msg.From), zap.Error(err))
		_ = session.Close()
		return
	}

	for _, parked := range c.takeParked(session.ID()) {
		c.addCandidate(session, parked)
	}
}

func (c *Coordinator) applyCandidate(msg signaling.Message) {
	c.mu.Lock()
	session, ok := c.sessions[msg.Session]
	if !ok {
		var parked []signaling.Message
		if cached, found := c.pending.Get(msg.Session); found {
			parked = cached.([]signaling.Message)
		}
		c.pending.SetDefault(msg.Session, append(parked, msg))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.addCandidate(session, msg)
}

func (c *Coordinator) takeParked(sessionID string) []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, found := c.pending.Get(sessionID)
	if !found {
		return nil
	}
	c.pending.Delete(sessionID)
	return cached.([]signaling.Message)
}

func (c *Coordinator) addCandidate(session *Session, msg signaling.Message) {
	if err := session.addCandidate(msg.From, *msg.Candidate); err != nil {
		c.logger.Warn("Failed to add candidate", zap.String("session", session.ID()), zap.Error(err))
	}
}

// handleBusSyncRequest answers a request that arrived over signaling rather
// than a peer channel: over open sessions with that peer when there are
// any, over the local bus otherwise.
func (c *Coordinator) handleBusSyncRequest(ctx context.Context, from string) {
	c.notify(func(o Observer) { o.OnSyncRequest(from) })

	c.mu.Lock()
	active := c.role != roleNone
	c.mu.Unlock()
	if !active {
		return
	}
	if !c.limiters.Allow(from) {
		c.logger.Warn("Throttling sync requests", zap.String("from", from))
		return
	}

	snapshot, err := c.store.ExportSnapshot(ctx)
	if err != nil {
		c.logger.Error("Failed to export snapshot", zap.Error(err))
		return
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		c.logger.Error("Failed to encode snapshot", zap.Error(err))
		return
	}

	sent := c.sendAll(Message{Type: MessageSyncData, Data: data}, from)
	if sent == 0 {
		err := c.publish(ctx, []signaling.Bus{c.bus}, signaling.Message{Type: signaling.TypeSyncData, To: from, Data: data})
		if err != nil {
			c.logger.Warn("Failed to publish snapshot", zap.String("to", from), zap.Error(err))
			return
		}
	}
	c.recordSend(ctx, from, sent, snapshot)
}

func (c *Coordinator) sessionOpened(session *Session) {
	peerID := session.RemoteID()
	c.notify(func(o Observer) { o.OnPeerConnected(peerID) })

	c.mu.Lock()
	client := c.role == roleClient
	c.mu.Unlock()
	if client {
		c.setStatus(StatusEvent{Status: StatusConnected, PeerID: peerID})
	}
}

func (c *Coordinator) sessionClosed(session *Session, reason error) {
	c.mu.Lock()
	if c.sessions[session.ID()] == session {
		delete(c.sessions, session.ID())
	}
	lastClient := c.role == roleClient && len(c.sessions) == 0
	var released []signaling.Bus
	if lastClient {
		released = c.deactivateLocked()
	}
	c.mu.Unlock()
	closeBuses(released)

	peerID := session.RemoteID()
	if peerID != "" && !c.hasOpenSession(peerID) {
		c.limiters.Forget(peerID)
	}
	if session.wasOpened() {
		c.notify(func(o Observer) { o.OnPeerDisconnected(peerID) })
	}

	if lastClient {
		event := StatusEvent{Status: StatusDisconnected, PeerID: peerID}
		if reason != nil {
			event.Reason = reason.Error()
		}
		c.setStatus(event)
	}
}

func (c *Coordinator) sessionMessage(session *Session, msg Message) {
	ctx, cancel := context.WithTimeout(c.ctx, STORE_TIMEOUT)
	defer cancel()

	peerID := session.RemoteID()

	switch msg.Type {
	case MessageSyncRequest:
		c.notify(func(o Observer) { o.OnSyncRequest(peerID) })
		if !c.limiters.Allow(peerID) {
			c.logger.Warn("Throttling sync requests", zap.String("from", peerID))
			return
		}
		c.replyWithSnapshot(ctx, session)
	case MessageSyncData:
		c.applySnapshot(ctx, peerID, msg.Data)
	case MessagePing:
		_ = session.Send(Message{Type: MessagePong, Data: msg.Data})
	case MessagePong:
		c.logger.Debug("Pong", zap.String("from", peerID))
	default:
		c.logger.Warn("Unknown peer message", zap.String("type", string(msg.Type)), zap.String("from", peerID))
	}
}

func (c *Coordinator) replyWithSnapshot(ctx context.Context, session *Session) {
	snapshot, err := c.store.ExportSnapshot(ctx)
	if err != nil {
		c.logger.Error("Failed to export snapshot", zap.Error(err))
		return
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		c.logger.Error("Failed to encode snapshot", zap.Error(err))
		return
	}

	if err := session.Send(Message{Type: MessageSyncData, Data: data}); err != nil {
		if !errors.Is(err, ErrChannelNotOpen) {
			c.logger.Warn("Failed to send snapshot", zap.Error(err))
		}
		return
	}
	c.recordSend(ctx, session.RemoteID(), 1, snapshot)
}

// applySnapshot replaces local content with a received snapshot. Decode
// and import failures leave the store untouched.
func (c *Coordinator) applySnapshot(ctx context.Context, from string, data []byte) {
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		c.logger.Warn("Rejected snapshot", zap.String("from", from), zap.Error(err))
		c.notify(func(o Observer) { o.OnSyncComplete(false, err.Error()) })
		return
	}

	if err := c.store.ImportSnapshot(ctx, snapshot); err != nil {
		c.logger.Warn("Failed to import snapshot", zap.String("from", from), zap.Error(err))
		c.notify(func(o Observer) { o.OnSyncComplete(false, err.Error()) })
		return
	}

	summary := snapshot.Summary()
	_, err = c.store.AddSyncRecord(ctx, models.SyncTypeReceive, syncRecordPayload{
		Peer:     from,
		Sessions: 1,
		Sites:    summary.Sites,
		Devices:  summary.Devices,
	})
	if err != nil {
		c.logger.Warn("Failed to record received sync", zap.Error(err))
	}

	c.logger.Info("Applied snapshot", zap.String("from", from), zap.Int("sites", summary.Sites), zap.Int("devices", summary.Devices))
	c.notify(func(o Observer) { o.OnSyncComplete(true, "") })
}

func (c *Coordinator) recordSend(ctx context.Context, peer string, sessions int, snapshot *store.Snapshot) {
	summary := snapshot.Summary()
	_, err := c.store.AddSyncRecord(ctx, models.SyncTypeSend, syncRecordPayload{
		Peer:     peer,
		Sessions: sessions,
		Sites:    summary.Sites,
		Devices:  summary.Devices,
	})
	if err != nil {
		c.logger.Warn("Failed to record sent sync", zap.Error(err))
	}
}

// sendAll sends msg on every open session, or only those with peer when
// peer is set. Sessions that are not open are skipped silently.
func (c *Coordinator) sendAll(msg Message, peer string) int {
	c.mu.Lock()
	sessions := c.sessionListLocked()
	c.mu.Unlock()

	sent := 0
	for _, session := range sessions {
		if peer != "" && session.RemoteID() != peer {
			continue
		}
		err := session.Send(msg)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrChannelNotOpen):
		default:
			c.logger.Warn("Failed to send", zap.String("session", session.ID()), zap.Error(err))
		}
	}
	return sent
}

func (c *Coordinator) joinRemote(ctx context.Context, address string) error {
	if c.dial == nil {
		return ErrRemoteUnsupported
	}

	c.mu.Lock()
	_, joined := c.remotes[address]
	c.mu.Unlock()
	if joined {
		return nil
	}

	bus, err := c.dial(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", address, err)
	}

	c.mu.Lock()
	if _, joined := c.remotes[address]; joined || c.role != roleClient {
		c.mu.Unlock()
		_ = bus.Close()
		return nil
	}
	c.remotes[address] = bus
	c.subscribeLocked(bus)
	c.mu.Unlock()
	return nil
}

// abandonClient drops the client role when a connect attempt fails before
// any session exists.
func (c *Coordinator) abandonClient(reason error) {
	c.mu.Lock()
	var released []signaling.Bus
	abandoned := c.role == roleClient && len(c.sessions) == 0
	if abandoned {
		released = c.deactivateLocked()
	}
	c.mu.Unlock()
	closeBuses(released)

	if abandoned {
		c.setStatus(StatusEvent{Status: StatusDisconnected, Reason: reason.Error()})
	}
}

// hasOpenSession reports whether peer is reachable over an open session.
// Sync traffic from such a peer also shows up on the bus and is taken from
// the session only.
func (c *Coordinator) hasOpenSession(peer string) bool {
	c.mu.Lock()
	sessions := c.sessionListLocked()
	c.mu.Unlock()

	for _, session := range sessions {
		if session.RemoteID() == peer && session.State() == StateOpen {
			return true
		}
	}
	return false
}

func (c *Coordinator) session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Coordinator) sessionListLocked() []*Session {
	sessions := make([]*Session, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (c *Coordinator) busesLocked() []signaling.Bus {
	buses := []signaling.Bus{c.bus}
	if c.role == roleHosting && c.host != nil {
		if bus := c.host.Bus(); bus != nil {
			buses = append(buses, bus)
		}
	}
	for _, remote := range c.remotes {
		buses = append(buses, remote)
	}
	return buses
}

func (c *Coordinator) subscribeLocked(bus signaling.Bus) {
	c.unsubscribes = append(c.unsubscribes, bus.Subscribe(c.handleSignal))
}

// deactivateLocked resets the role and returns the remote buses the caller
// must close once the lock is released.
func (c *Coordinator) deactivateLocked() []signaling.Bus {
	for _, unsubscribe := range c.unsubscribes {
		unsubscribe()
	}
	c.unsubscribes = nil

	released := make([]signaling.Bus, 0, len(c.remotes))
	for address, remote := range c.remotes {
		released = append(released, remote)
		delete(c.remotes, address)
	}

	c.role = roleNone
	c.reachability = nil
	return released
}

func (c *Coordinator) setStatus(event StatusEvent) {
	event.DeviceID = c.deviceID

	c.mu.Lock()
	c.status = event.Status
	c.mu.Unlock()

	c.logger.Debug("Status", zap.String("status", string(event.Status)), zap.String("reason", event.Reason))
	c.notify(func(o Observer) { o.OnStatusChange(event) })
}

func (c *Coordinator) notify(fn func(Observer)) {
	c.observers.each(fn)
}

func closeBuses(buses []signaling.Bus) {
	for _, bus := range buses {
		_ = bus.Close()
	}
}
