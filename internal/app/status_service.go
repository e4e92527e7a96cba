package app

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/replication"
)

const (
	dbusName      = "io.stanko.EquipmentInventory"
	dbusPath      = "/io/stanko/EquipmentInventory"
	dbusInterface = "io.stanko.EquipmentInventory.Sync"

	STATUS_CALL_TIMEOUT = 30 * time.Second
)

// StatusService exposes the replication status of a running instance on the
// session bus so desktop integrations can show it and trigger syncs.
type StatusService struct {
	coordinator *replication.Coordinator
	conn        *dbus.Conn
	unsubscribe func()
	logger      *zap.Logger
}

func NewStatusService(coordinator *replication.Coordinator, logger *zap.Logger) (*StatusService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	service := &StatusService{
		coordinator: coordinator,
		conn:        conn,
		logger:      logger,
	}

	err = conn.Export(service, dbus.ObjectPath(dbusPath), dbusInterface)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export service: %w", err)
	}

	node := &introspect.Node{
		Name: dbusPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: dbusInterface,
				Methods: []introspect.Method{
					{
						Name: "GetStatus",
						Args: []introspect.Arg{
							{Name: "status", Direction: "out", Type: "a{sv}"},
						},
					},
					{
						Name: "TriggerSync",
						Args: []introspect.Arg{
							{Name: "triggered", Direction: "out", Type: "b"},
						},
					},
					{
						Name: "RequestSync",
						Args: []introspect.Arg{
							{Name: "requested", Direction: "out", Type: "b"},
						},
					},
				},
				Signals: []introspect.Signal{
					{
						Name: "StatusChanged",
						Args: []introspect.Arg{
							{Name: "status", Type: "a{sv}"},
						},
					},
					{
						Name: "SyncCompleted",
						Args: []introspect.Arg{
							{Name: "success", Type: "b"},
							{Name: "reason", Type: "s"},
						},
					},
				},
			},
		},
	}

	err = conn.Export(introspect.NewIntrospectable(node), dbus.ObjectPath(dbusPath), "org.freedesktop.DBus.Introspectable")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export introspection: %w", err)
	}

	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", dbusName)
	}

	service.unsubscribe = coordinator.Subscribe(replication.Handlers{
		StatusChange: func(event replication.StatusEvent) {
			if err := service.conn.Emit(dbus.ObjectPath(dbusPath), dbusInterface+".StatusChanged", statusVariant(event)); err != nil {
				service.logger.Debug("Failed to emit status", zap.Error(err))
			}
		},
		SyncComplete: func(success bool, reason string) {
			if err := service.conn.Emit(dbus.ObjectPath(dbusPath), dbusInterface+".SyncCompleted", success, reason); err != nil {
				service.logger.Debug("Failed to emit sync result", zap.Error(err))
			}
		},
	})

	return service, nil
}

func statusVariant(event replication.StatusEvent) map[string]dbus.Variant {
	status := map[string]dbus.Variant{
		"status":   dbus.MakeVariant(string(event.Status)),
		"deviceId": dbus.MakeVariant(event.DeviceID),
	}
	if event.PeerID != "" {
		status["peerId"] = dbus.MakeVariant(event.PeerID)
	}
	if event.Endpoint != "" {
		status["endpoint"] = dbus.MakeVariant(event.Endpoint)
	}
	if event.Reason != "" {
		status["reason"] = dbus.MakeVariant(event.Reason)
	}
	if event.Reachability != nil {
		status["address"] = dbus.MakeVariant(event.Reachability.Address())
	}
	return status
}

// GetStatus returns the current status and the number of open sessions.
func (s *StatusService) GetStatus() (map[string]dbus.Variant, *dbus.Error) {
	event := replication.StatusEvent{
		Status:   s.coordinator.Status(),
		DeviceID: s.coordinator.DeviceID(),
	}
	if reachability, ok := s.coordinator.Reachability(); ok {
		event.Reachability = &reachability
	}

	status := statusVariant(event)

	open := 0
	for _, session := range s.coordinator.Sessions() {
		if session.State == replication.StateOpen {
			open++
		}
	}
	status["sessions"] = dbus.MakeVariant(int32(open))
	return status, nil
}

func (s *StatusService) TriggerSync() (bool, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), STATUS_CALL_TIMEOUT)
	defer cancel()

	triggered, err := s.coordinator.TriggerSync(ctx)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return triggered, nil
}

func (s *StatusService) RequestSync() (bool, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), STATUS_CALL_TIMEOUT)
	defer cancel()

	requested, err := s.coordinator.RequestSync(ctx)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return requested, nil
}

func (s *StatusService) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
