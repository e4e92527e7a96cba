package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorkin/equipment-inventory/internal/identity"
	"github.com/monorkin/equipment-inventory/internal/replication"
	"github.com/monorkin/equipment-inventory/internal/signaling"
)

func newTestApp(t *testing.T, dir string, bus signaling.Bus) *App {
	t.Helper()

	a, err := New(Options{
		SettingsPath: filepath.Join(dir, "settings.json"),
		DBPath:       filepath.Join(dir, "inventory.sqlite"),
		LogDir:       filepath.Join(dir, "logs"),
		Console:      &bytes.Buffer{},
		Bus:          bus,
	})
	require.NoError(t, err)
	return a
}

func TestIdentitySurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	first := newTestApp(t, dir, nil)
	id := first.Identity.ID
	require.NoError(t, first.Close())
	assert.Contains(t, id, identity.PREFIX)

	second := newTestApp(t, dir, nil)
	defer second.Close()
	assert.Equal(t, id, second.Identity.ID)
	assert.Equal(t, filepath.Join(dir, "settings.json"), second.Settings.Path())
}

func TestSeed(t *testing.T) {
	a := newTestApp(t, t.TempDir(), nil)
	defer a.Close()

	ctx := context.Background()
	counts, err := a.Seed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(demoSites), counts.Sites)
	assert.EqualValues(t, 12, counts.Devices)

	again, err := a.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, counts, again)

	sites, err := a.Store.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 3)
	assert.Equal(t, "Lab", sites[0].Name)

	devices, err := a.Store.ListDevices(ctx, sites[0].ID)
	require.NoError(t, err)
	require.Len(t, devices, 4)
	assert.Equal(t, "Soldering station", devices[3].Name)
	assert.Equal(t, 1, devices[3].PositionX)
	assert.Equal(t, 2, devices[3].PositionY)
}

func TestReplicationIsBuiltOnce(t *testing.T) {
	hub := signaling.NewHub()
	bus := hub.Join()
	a := newTestApp(t, t.TempDir(), bus)
	defer a.Close()

	coordinator, err := a.Replication()
	require.NoError(t, err)
	assert.Equal(t, a.Identity.ID, coordinator.DeviceID())
	assert.Equal(t, replication.StatusReady, coordinator.Status())

	again, err := a.Replication()
	require.NoError(t, err)
	assert.Same(t, coordinator, again)
	assert.False(t, a.ownsBus)
}

func TestAppsReplicateOverSharedBus(t *testing.T) {
	hub := signaling.NewHub()
	ctx := context.Background()

	host := newTestApp(t, t.TempDir(), hub.Join())
	defer host.Close()
	client := newTestApp(t, t.TempDir(), hub.Join())
	defer client.Close()

	for _, a := range []*App{host, client} {
		a.Settings.Sync.Port = 0
		a.Settings.Sync.AdvertiseMDNS = false
	}

	_, err := host.Seed(ctx)
	require.NoError(t, err)

	hostCoordinator, err := host.Replication()
	require.NoError(t, err)
	clientCoordinator, err := client.Replication()
	require.NoError(t, err)

	connected := make(chan string, 4)
	synced := make(chan bool, 4)
	clientCoordinator.Subscribe(replication.Handlers{
		PeerConnected: func(id string) { connected <- id },
		SyncComplete: func(ok bool, _ string) {
			select {
			case synced <- ok:
			default:
			}
		},
	})

	_, err = hostCoordinator.StartHosting(ctx)
	require.NoError(t, err)

	_, err = clientCoordinator.ConnectTo(ctx, replication.Endpoint{DeviceID: host.Identity.ID})
	require.NoError(t, err)

	select {
	case id := <-connected:
		assert.Equal(t, host.Identity.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	triggered, err := hostCoordinator.TriggerSync(ctx)
	require.NoError(t, err)
	require.True(t, triggered)

	select {
	case ok := <-synced:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("client never synced")
	}

	counts, err := client.Store.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Sites)
	assert.EqualValues(t, 12, counts.Devices)
}
