package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/models"
)

const SnapshotVersion = 1

// Snapshot is the full replicable inventory. Image bytes are not part of it.
type Snapshot struct {
	Version    int              `json:"version" yaml:"version"`
	ExportedAt time.Time        `json:"exportedAt" yaml:"exportedAt"`
	Sites      []SnapshotSite   `json:"sites" yaml:"sites"`
	Devices    []SnapshotDevice `json:"devices" yaml:"devices"`
}

type SnapshotSite struct {
	ID        uint      `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

type SnapshotDevice struct {
	ID        uint      `json:"id" yaml:"id"`
	SiteID    uint      `json:"siteId" yaml:"siteId"`
	PositionX int       `json:"positionX" yaml:"positionX"`
	PositionY int       `json:"positionY" yaml:"positionY"`
	Name      string    `json:"name" yaml:"name"`
	Info      string    `json:"info" yaml:"info"`
	ImageID   *uint     `json:"imageId" yaml:"imageId"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type SnapshotSummary struct {
	Sites   int `json:"sites"`
	Devices int `json:"devices"`
}

func (snapshot *Snapshot) Summary() SnapshotSummary {
	return SnapshotSummary{Sites: len(snapshot.Sites), Devices: len(snapshot.Devices)}
}

// ExportSnapshot reads all sites and devices in one consistent view.
func (s *Store) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	var sites []models.Site
	var devices []models.Device

	err := s.transaction(ctx, "export snapshot", func(tx *gorm.DB) error {
		if err := tx.Order("id").Find(&sites).Error; err != nil {
			return err
		}
		return tx.Order("id").Find(&devices).Error
	})
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: s.now(),
		Sites:      make([]SnapshotSite, 0, len(sites)),
		Devices:    make([]SnapshotDevice, 0, len(devices)),
	}

	for _, site := range sites {
		snapshot.Sites = append(snapshot.Sites, SnapshotSite{
			ID:        site.ID,
			Name:      site.Name,
			CreatedAt: site.CreatedAt,
		})
	}

	for _, device := range devices {
		snapshot.Devices = append(snapshot.Devices, SnapshotDevice{
			ID:        device.ID,
			SiteID:    device.SiteID,
			PositionX: device.PositionX,
			PositionY: device.PositionY,
			Name:      device.Name,
			Info:      device.Info,
			ImageID:   device.ImageID,
			CreatedAt: device.CreatedAt,
			UpdatedAt: device.UpdatedAt,
		})
	}

	return snapshot, nil
}

// ImportSnapshot replaces every site, device and image with the snapshot
// content. Records get fresh ids; device site references are remapped and
// photo references cleared. Either everything is replaced or nothing is.
func (s *Store) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ValidateSnapshot(snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrImportFailed, err)
	}

	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"images", "devices", "sites"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		siteIDs := make(map[uint]uint, len(snapshot.Sites))
		for _, entry := range snapshot.Sites {
			site := models.Site{
				Name:      strings.TrimSpace(entry.Name),
				CreatedAt: timeOr(entry.CreatedAt, now),
			}
			if err := tx.Create(&site).Error; err != nil {
				return fmt.Errorf("site %q: %w", entry.Name, err)
			}
			siteIDs[entry.ID] = site.ID
		}

		for _, entry := range snapshot.Devices {
			createdAt := timeOr(entry.CreatedAt, now)
			device := models.Device{
				SiteID:    siteIDs[entry.SiteID],
				PositionX: entry.PositionX,
				PositionY: entry.PositionY,
				Name:      entry.Name,
				Info:      entry.Info,
				CreatedAt: createdAt,
				UpdatedAt: timeOr(entry.UpdatedAt, createdAt),
			}
			if err := tx.Create(&device).Error; err != nil {
				return fmt.Errorf("device %d at (%d, %d): %w", entry.ID, entry.PositionX, entry.PositionY, err)
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("Snapshot import rolled back", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrImportFailed, err)
	}

	s.logger.Info("Snapshot imported",
		zap.Int("sites", len(snapshot.Sites)),
		zap.Int("devices", len(snapshot.Devices)),
	)
	return nil
}

func timeOr(value, fallback time.Time) time.Time {
	if value.IsZero() {
		return fallback
	}
	return value
}
