package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const (
	dbusPath      = "/io/stanko/EquipmentInventory/Signaling"
	dbusInterface = "io.stanko.EquipmentInventory.Signaling"
	dbusMember    = "Message"
)

// DBusBus groups every instance on the same session bus. Messages travel as
// JSON strings in a broadcast signal.
type DBusBus struct {
	conn      *dbus.Conn
	signals   chan *dbus.Signal
	subs      subscribers
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func NewDBus(logger *zap.Logger) (*DBusBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dbus.ObjectPath(dbusPath)),
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember(dbusMember),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to signaling messages: %w", err)
	}

	node := &introspect.Node{
		Name: dbusPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: dbusInterface,
				Signals: []introspect.Signal{
					{
						Name: dbusMember,
						Args: []introspect.Arg{
							{Name: "message", Type: "s"},
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

	bus := &DBusBus{
		conn:    conn,
		signals: make(chan *dbus.Signal, 64),
		logger:  logger,
		done:    make(chan struct{}),
	}

	conn.Signal(bus.signals)
	go bus.listen()

	logger.Debug("Joined session bus signaling group", zap.String("unique_name", bus.uniqueName()))
	return bus, nil
}

func (b *DBusBus) uniqueName() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (b *DBusBus) listen() {
	self := b.uniqueName()

	for {
		var signal *dbus.Signal
		select {
		case signal = <-b.signals:
		case <-b.done:
			return
		}

		if signal == nil {
			continue
		}
		if signal.Path != dbus.ObjectPath(dbusPath) || signal.Name != dbusInterface+"."+dbusMember {
			continue
		}
		if signal.Sender == self {
			continue
		}
		if len(signal.Body) != 1 {
			continue
		}

		payload, ok := signal.Body[0].(string)
		if !ok {
			continue
		}

		msg, err := Decode([]byte(payload))
		if err != nil {
			b.logger.Debug("Dropped malformed signaling message", zap.String("sender", signal.Sender), zap.Error(err))
			continue
		}

		b.subs.dispatch(msg)
	}
}

func (b *DBusBus) Publish(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := b.conn.Emit(dbus.ObjectPath(dbusPath), dbusInterface+"."+dbusMember, string(data)); err != nil {
		return fmt.Errorf("failed to emit signaling message: %w", err)
	}
	return nil
}

func (b *DBusBus) Subscribe(handler Handler) func() {
	return b.subs.add(handler)
}

func (b *DBusBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.RemoveSignal(b.signals)
		err = b.conn.Close()
	})
	return err
}
