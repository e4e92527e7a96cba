package replication_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/database"
	"github.com/monorkin/equipment-inventory/internal/replication"
	"github.com/monorkin/equipment-inventory/internal/replication/mocks"
	"github.com/monorkin/equipment-inventory/internal/signaling"
	"github.com/monorkin/equipment-inventory/internal/store"
	"github.com/monorkin/equipment-inventory/internal/transport"
)

const waitTimeout = 5 * time.Second

type syncResult struct {
	success bool
	reason  string
}

type eventLog struct {
	connected    chan string
	disconnected chan string
	syncRequests chan string
	syncs        chan syncResult
	statuses     chan replication.StatusEvent
}

func newEventLog() *eventLog {
	return &eventLog{
		connected:    make(chan string, 64),
		disconnected: make(chan string, 64),
		syncRequests: make(chan string, 64),
		syncs:        make(chan syncResult, 64),
		statuses:     make(chan replication.StatusEvent, 64),
	}
}

func (e *eventLog) handlers() replication.Handlers {
	return replication.Handlers{
		PeerConnected:    func(id string) { e.connected <- id },
		PeerDisconnected: func(id string) { e.disconnected <- id },
		SyncRequest:      func(id string) { e.syncRequests <- id },
		SyncComplete:     func(ok bool, reason string) { e.syncs <- syncResult{ok, reason} },
		StatusChange:     func(event replication.StatusEvent) { e.statuses <- event },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func waitForStatus(t *testing.T, events *eventLog, status replication.Status) replication.StatusEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case event := <-events.statuses:
			if event.Status == status {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", status)
		}
	}
}

type network struct {
	hub       *signaling.Hub
	transport *transport.Loopback
}

func newNetwork() *network {
	return &network{hub: signaling.NewHub(), transport: transport.NewLoopback()}
}

type peer struct {
	id          string
	store       *store.Store
	coordinator *replication.Coordinator
	events      *eventLog
}

func newStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "inventory.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	return store.New(db, zap.NewNop())
}

func newCoordinator(t *testing.T, net *network, opts replication.Options) *replication.Coordinator {
	t.Helper()

	bus := net.hub.Join()
	opts.Bus = bus
	opts.Transport = net.transport
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	coordinator, err := replication.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = coordinator.Close(context.Background())
		_ = bus.Close()
	})

	return coordinator
}

func newPeer(t *testing.T, net *network, id string) *peer {
	t.Helper()

	s := newStore(t)
	events := newEventLog()
	coordinator := newCoordinator(t, net, replication.Options{DeviceID: id, Store: s})
	coordinator.Subscribe(events.handlers())

	return &peer{id: id, store: s, coordinator: coordinator, events: events}
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	lab, err := s.AddSite(ctx, "Lab")
	require.NoError(t, err)
	office, err := s.AddSite(ctx, "Office")
	require.NoError(t, err)

	for _, input := range []store.DeviceInput{
		{SiteID: lab.ID, PositionX: 1, PositionY: 1, Name: "Oscilloscope", Info: "4 channel"},
		{SiteID: lab.ID, PositionX: 2, PositionY: 1, Name: "Bench supply"},
		{SiteID: office.ID, PositionX: 1, PositionY: 3, Name: "Printer", Info: "Second floor"},
	} {
		_, err := s.UpsertDevice(ctx, input)
		require.NoError(t, err)
	}
}

func inventory(t *testing.T, s *store.Store) []string {
	t.Helper()

	snapshot, err := s.ExportSnapshot(context.Background())
	require.NoError(t, err)

	sites := make(map[uint]string, len(snapshot.Sites))
	for _, site := range snapshot.Sites {
		sites[site.ID] = site.Name
	}

	var rows []string
	for _, site := range snapshot.Sites {
		rows = append(rows, "site "+site.Name)
	}
	for _, device := range snapshot.Devices {
		rows = append(rows, fmt.Sprintf("%s (%d,%d) %s: %s", sites[device.SiteID], device.PositionX, device.PositionY, device.Name, device.Info))
	}
	sort.Strings(rows)
	return rows
}

func connect(t *testing.T, host, client *peer) {
	t.Helper()

	_, err := client.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: host.id})
	require.NoError(t, err)

	assert.Equal(t, host.id, waitFor(t, client.events.connected))
	assert.Equal(t, client.id, waitFor(t, host.events.connected))
}

func TestHostPushesSnapshotToEveryClient(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	first := newPeer(t, net, "device-first")
	second := newPeer(t, net, "device-second")
	seed(t, host.store)

	reachability, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-host", reachability.DeviceID)
	assert.Equal(t, replication.StatusHosting, host.coordinator.Status())

	connect(t, host, first)
	connect(t, host, second)
	assert.Equal(t, replication.StatusConnected, waitForStatus(t, first.events, replication.StatusConnected).Status)
	assert.Len(t, host.coordinator.Sessions(), 2)

	triggered, err := host.coordinator.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.True(t, triggered)

	assert.Equal(t, syncResult{success: true}, waitFor(t, first.events.syncs))
	assert.Equal(t, syncResult{success: true}, waitFor(t, second.events.syncs))

	expected := inventory(t, host.store)
	assert.Equal(t, expected, inventory(t, first.store))
	assert.Equal(t, expected, inventory(t, second.store))

	records, err := host.store.ListSyncRecords(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.EqualValues(t, "send", records[0].Type)
}

func TestClientRequestsSync(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")
	seed(t, host.store)

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	connect(t, host, client)

	requested, err := client.coordinator.RequestSync(context.Background())
	require.NoError(t, err)
	assert.True(t, requested)

	assert.Equal(t, "device-client", waitFor(t, host.events.syncRequests))
	assert.True(t, waitFor(t, client.events.syncs).success)
	assert.Equal(t, inventory(t, host.store), inventory(t, client.store))
}

func TestSessionPeerAppliesEachTriggerOnce(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")
	seed(t, host.store)

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	connect(t, host, client)

	triggered, err := host.coordinator.TriggerSync(context.Background())
	require.NoError(t, err)
	require.True(t, triggered)

	assert.True(t, waitFor(t, client.events.syncs).success)
	assert.Never(t, func() bool { return len(client.events.syncs) > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	records, err := client.store.ListSyncRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, "receive", records[0].Type)

	requested, err := client.coordinator.RequestSync(context.Background())
	require.NoError(t, err)
	require.True(t, requested)

	assert.Equal(t, "device-client", waitFor(t, host.events.syncRequests))
	assert.True(t, waitFor(t, client.events.syncs).success)
	assert.Never(t, func() bool {
		return len(host.events.syncRequests) > 0 || len(client.events.syncs) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestUnparseableSnapshotOverSessionLeavesStoreUntouched(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")
	seed(t, host.store)
	before := inventory(t, host.store)

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)

	session, err := client.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: host.id})
	require.NoError(t, err)
	assert.Equal(t, host.id, waitFor(t, client.events.connected))
	assert.Equal(t, client.id, waitFor(t, host.events.connected))

	require.NoError(t, session.Send(replication.Message{
		Type: replication.MessageSyncData,
		Data: json.RawMessage(`"garbage"`),
	}))

	result := waitFor(t, host.events.syncs)
	assert.False(t, result.success)
	assert.NotEmpty(t, result.reason)
	assert.Equal(t, before, inventory(t, host.store))

	records, err := host.store.ListSyncRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPingAll(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	assert.Zero(t, host.coordinator.PingAll())

	connect(t, host, client)
	assert.Equal(t, 1, client.coordinator.PingAll())
}

func TestRolesAreExclusive(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)

	_, err = host.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-client"})
	assert.ErrorIs(t, err, replication.ErrRoleConflict)

	_, err = client.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-nobody"})
	require.NoError(t, err)

	_, err = client.coordinator.StartHosting(context.Background())
	assert.ErrorIs(t, err, replication.ErrRoleConflict)
}

func TestStartHostingTwiceReturnsSameReachability(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")

	first, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	second, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStopHostingClosesSessions(t *testing.T) {
	net := newNetwork()
	host := newPeer(t, net, "device-host")
	client := newPeer(t, net, "device-client")

	_, err := host.coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	connect(t, host, client)

	require.NoError(t, host.coordinator.StopHosting(context.Background()))

	assert.Equal(t, "device-client", waitFor(t, host.events.disconnected))
	assert.Equal(t, "device-host", waitFor(t, client.events.disconnected))
	waitForStatus(t, client.events, replication.StatusDisconnected)
	assert.Empty(t, host.coordinator.Sessions())

	triggered, err := host.coordinator.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.False(t, triggered)

	// no longer hosting, so the client role is available again
	_, err = host.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-client"})
	assert.NoError(t, err)
}

func TestSessionSendBeforeOpen(t *testing.T) {
	net := newNetwork()
	client := newPeer(t, net, "device-client")

	session, err := client.coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-nobody"})
	require.NoError(t, err)

	assert.Equal(t, replication.StateNegotiating, session.State())
	assert.ErrorIs(t, session.Send(replication.Message{Type: replication.MessageSyncRequest}), replication.ErrChannelNotOpen)

	require.NoError(t, session.Close())
	assert.Equal(t, replication.StateClosed, session.State())
	assert.NoError(t, session.Close())
	assert.ErrorIs(t, session.Send(replication.Message{Type: replication.MessageSyncRequest}), replication.ErrChannelNotOpen)
}

func TestNegotiationTimeout(t *testing.T) {
	net := newNetwork()
	events := newEventLog()
	client := newCoordinator(t, net, replication.Options{
		DeviceID:           "device-client",
		Store:              newStore(t),
		NegotiationTimeout: 50 * time.Millisecond,
	})
	client.Subscribe(events.handlers())

	session, err := client.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-nobody"})
	require.NoError(t, err)

	event := waitForStatus(t, events, replication.StatusDisconnected)
	assert.Contains(t, event.Reason, "timed out")
	assert.Equal(t, replication.StateClosed, session.State())
	assert.Empty(t, client.Sessions())
}

func TestConnectToRejectsEmptyEndpoint(t *testing.T) {
	net := newNetwork()
	client := newPeer(t, net, "device-client")

	_, err := client.coordinator.ConnectTo(context.Background(), replication.Endpoint{})
	assert.ErrorIs(t, err, replication.ErrInvalidEndpoint)

	_, err = client.coordinator.ConnectTo(context.Background(), replication.Endpoint{Address: "127.0.0.1:1"})
	assert.ErrorIs(t, err, replication.ErrRemoteUnsupported)
	assert.Equal(t, replication.StatusDisconnected, client.coordinator.Status())
}

func TestUnparseableSnapshotReportsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockSnapshotStore(ctrl)
	mockStore.EXPECT().ImportSnapshot(gomock.Any(), gomock.Any()).Times(0)
	mockStore.EXPECT().AddSyncRecord(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	net := newNetwork()
	events := newEventLog()
	coordinator := newCoordinator(t, net, replication.Options{DeviceID: "device-host", Store: mockStore})
	coordinator.Subscribe(events.handlers())

	_, err := coordinator.StartHosting(context.Background())
	require.NoError(t, err)

	sender := net.hub.Join()
	t.Cleanup(func() { _ = sender.Close() })
	require.NoError(t, sender.Publish(context.Background(), signaling.Message{
		Type: signaling.TypeSyncData,
		From: "device-other",
		Data: json.RawMessage(`"not a snapshot"`),
	}))

	result := waitFor(t, events.syncs)
	assert.False(t, result.success)
	assert.NotEmpty(t, result.reason)
}

func TestImportFailureReportsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockSnapshotStore(ctrl)
	mockStore.EXPECT().ImportSnapshot(gomock.Any(), gomock.Any()).Return(errors.New("constraint violated"))
	mockStore.EXPECT().AddSyncRecord(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	net := newNetwork()
	events := newEventLog()
	coordinator := newCoordinator(t, net, replication.Options{DeviceID: "device-host", Store: mockStore})
	coordinator.Subscribe(events.handlers())

	_, err := coordinator.StartHosting(context.Background())
	require.NoError(t, err)

	sender := net.hub.Join()
	t.Cleanup(func() { _ = sender.Close() })
	require.NoError(t, sender.Publish(context.Background(), signaling.Message{
		Type: signaling.TypeSyncData,
		From: "device-other",
		Data: json.RawMessage(`{"version":1,"sites":[],"devices":[]}`),
	}))

	result := waitFor(t, events.syncs)
	assert.Equal(t, syncResult{success: false, reason: "constraint violated"}, result)
}

func TestSnapshotIgnoredWithoutRole(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockSnapshotStore(ctrl)

	net := newNetwork()
	events := newEventLog()
	coordinator := newCoordinator(t, net, replication.Options{DeviceID: "device-idle", Store: mockStore})
	coordinator.Subscribe(events.handlers())

	triggered, err := coordinator.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.False(t, triggered)

	sender := net.hub.Join()
	t.Cleanup(func() { _ = sender.Close() })
	require.NoError(t, sender.Publish(context.Background(), signaling.Message{
		Type: signaling.TypeSyncData,
		From: "device-other",
		Data: json.RawMessage(`{"version":1}`),
	}))

	assert.Never(t, func() bool { return len(events.syncs) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestHostStartFailureReleasesRole(t *testing.T) {
	ctrl := gomock.NewController(t)
	host := mocks.NewMockHost(ctrl)
	host.EXPECT().Start(gomock.Any()).Return(replication.Reachability{}, errors.New("address in use"))

	net := newNetwork()
	coordinator := newCoordinator(t, net, replication.Options{
		DeviceID: "device-host",
		Store:    newStore(t),
		Host:     host,
	})

	_, err := coordinator.StartHosting(context.Background())
	assert.ErrorContains(t, err, "address in use")
	assert.Equal(t, replication.StatusDisconnected, coordinator.Status())

	_, err = coordinator.ConnectTo(context.Background(), replication.Endpoint{DeviceID: "device-other"})
	assert.NoError(t, err)
}

func TestHostReachability(t *testing.T) {
	ctrl := gomock.NewController(t)
	net := newNetwork()
	relay := net.hub.Join()
	t.Cleanup(func() { _ = relay.Close() })

	host := mocks.NewMockHost(ctrl)
	host.EXPECT().Start(gomock.Any()).Return(replication.Reachability{Host: "192.168.1.20", Port: 8765}, nil)
	host.EXPECT().Bus().Return(relay).AnyTimes()
	host.EXPECT().Stop(gomock.Any()).Return(nil)

	coordinator := newCoordinator(t, net, replication.Options{
		DeviceID: "device-host",
		Store:    newStore(t),
		Host:     host,
	})

	reachability, err := coordinator.StartHosting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-host", reachability.DeviceID)
	assert.Equal(t, "192.168.1.20:8765", reachability.Address())
	assert.Equal(t, "device-host@192.168.1.20:8765", reachability.Endpoint().String())

	current, ok := coordinator.Reachability()
	assert.True(t, ok)
	assert.Equal(t, reachability, current)

	require.NoError(t, coordinator.StopHosting(context.Background()))
	_, ok = coordinator.Reachability()
	assert.False(t, ok)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		input    string
		expected replication.Endpoint
		wantErr  bool
	}{
		{input: "device-abc-123", expected: replication.Endpoint{DeviceID: "device-abc-123"}},
		{input: "192.168.1.5:8765", expected: replication.Endpoint{Address: "192.168.1.5:8765"}},
		{input: "device-abc@10.0.0.2:8765", expected: replication.Endpoint{DeviceID: "device-abc", Address: "10.0.0.2:8765"}},
		{input: "  device-x  ", expected: replication.Endpoint{DeviceID: "device-x"}},
		{input: "", wantErr: true},
		{input: "@host:1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			endpoint, err := replication.ParseEndpoint(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, replication.ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, endpoint)
		})
	}
}

func TestHandlersToleratesNilCallbacks(t *testing.T) {
	var handlers replication.Handlers
	assert.NotPanics(t, func() {
		handlers.OnPeerConnected("a")
		handlers.OnPeerDisconnected("a")
		handlers.OnSyncRequest("a")
		handlers.OnSyncComplete(true, "")
		handlers.OnStatusChange(replication.StatusEvent{})
	})
}
