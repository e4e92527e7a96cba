package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/config"
	"github.com/monorkin/equipment-inventory/internal/database"
	"github.com/monorkin/equipment-inventory/internal/hosting"
	"github.com/monorkin/equipment-inventory/internal/identity"
	"github.com/monorkin/equipment-inventory/internal/logging"
	"github.com/monorkin/equipment-inventory/internal/replication"
	"github.com/monorkin/equipment-inventory/internal/signaling"
	"github.com/monorkin/equipment-inventory/internal/store"
	"github.com/monorkin/equipment-inventory/internal/transport"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

type Options struct {
	Verbose bool
	// SettingsPath and DBPath default to the XDG locations.
	SettingsPath string
	DBPath       string
	LogDir       string
	Console      io.Writer
	// Bus replaces the session-bus signaling group, mainly for tests.
	Bus signaling.Bus
}

// App wires settings, identity, storage and, on demand, replication.
type App struct {
	Settings *config.Settings
	Logger   *zap.Logger
	DB       *gorm.DB
	Store    *store.Store
	Identity identity.Identity

	bus         signaling.Bus
	ownsBus     bool
	server      *hosting.Server
	coordinator *replication.Coordinator
	status      *StatusService
}

func New(opts Options) (*App, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = config.LogDir()
	}
	logger, err := logging.New(logging.Options{Verbose: opts.Verbose, Dir: logDir, Console: opts.Console})
	if err != nil {
		return nil, err
	}

	settingsPath := opts.SettingsPath
	if settingsPath == "" {
		settingsPath = config.DefaultSettingsPath()
	}
	created, settings := config.LoadOrInitializeSettings(settingsPath)
	if err := settings.ApplyEnv(); err != nil {
		return nil, err
	}
	if created {
		logger.Debug("Created new settings file", zap.String("path", settings.Path()))
		if err := settings.Save(); err != nil {
			logger.Error("Failed to save new settings", zap.Error(err))
		}
	} else {
		logger.Debug("Loaded existing settings", zap.String("path", settings.Path()))
	}

	id, err := identity.Ensure(settings)
	if err != nil {
		return nil, err
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = config.DBPath()
	}
	db, err := database.Open(dbPath, logging.Named(logger, logging.NameStore))
	if err != nil {
		return nil, err
	}

	logger.Debug("Initialized", zap.String("device", id.ID), zap.String("database", dbPath))

	return &App{
		Settings: settings,
		Logger:   logger,
		DB:       db,
		Store:    store.New(db, logging.Named(logger, logging.NameStore)),
		Identity: id,
		bus:      opts.Bus,
	}, nil
}

// Replication builds the coordinator and its hosting server on first use.
func (a *App) Replication() (*replication.Coordinator, error) {
	if a.coordinator != nil {
		return a.coordinator, nil
	}

	bus := a.localBus()
	channels := transport.NewWebSocket(logging.Named(a.Logger, logging.NameTransport))
	syncSettings := a.Settings.Sync

	a.server = hosting.New(hosting.Options{
		DeviceID:  a.Identity.ID,
		Port:      syncSettings.Port,
		Advertise: syncSettings.AdvertiseMDNS,
		Transport: channels,
		Logger:    a.Logger,
	})

	coordinator, err := replication.New(replication.Options{
		DeviceID:           a.Identity.ID,
		Store:              a.Store,
		Bus:                bus,
		Transport:          channels,
		Host:               a.server,
		Dial:               a.dialRelay,
		Logger:             a.Logger,
		NegotiationTimeout: syncSettings.NegotiationTimeout(),
		SyncRequestRate:    rate.Limit(syncSettings.RequestRate),
		SyncRequestBurst:   syncSettings.RequestBurst,
	})
	if err != nil {
		return nil, err
	}
	a.coordinator = coordinator

	status, err := NewStatusService(coordinator, a.Logger)
	if err != nil {
		a.Logger.Debug("Status service unavailable", zap.Error(err))
	} else {
		a.status = status
	}

	return coordinator, nil
}

// localBus prefers the session bus so every instance of this user joins
// the same signaling group. Without one the instance signals only through
// relays.
func (a *App) localBus() signaling.Bus {
	if a.bus != nil {
		return a.bus
	}

	bus, err := signaling.NewDBus(logging.Named(a.Logger, logging.NameSignaling))
	if err != nil {
		a.Logger.Warn("Session bus unavailable, same-host peers will not be found", zap.Error(err))
		a.bus = signaling.NewHub().Join()
	} else {
		a.bus = bus
	}
	a.ownsBus = true
	return a.bus
}

func (a *App) dialRelay(ctx context.Context, address string) (signaling.Bus, error) {
	return signaling.DialRelay(ctx, address, logging.Named(a.Logger, logging.NameSignaling))
}

func (a *App) Close() error {
	var errs error

	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	if a.status != nil {
		errs = errors.Join(errs, a.status.Close())
	}
	if a.coordinator != nil {
		errs = errors.Join(errs, a.coordinator.Close(ctx))
	}
	if a.ownsBus && a.bus != nil {
		errs = errors.Join(errs, a.bus.Close())
	}
	if a.DB != nil {
		errs = errors.Join(errs, database.Close(a.DB))
	}
	_ = a.Logger.Sync()

	return errs
}
