package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/models"
)

// DeviceInput describes the content of one grid cell. A nil or empty Image
// leaves the current photo untouched.
type DeviceInput struct {
	SiteID    uint
	PositionX int
	PositionY int
	Name      string
	Info      string
	Image     []byte
}

func (s *Store) ListDevices(ctx context.Context, siteID uint) ([]models.Device, error) {
	var devices []models.Device
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("position_y, position_x").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for site %d: %w", siteID, err)
	}
	return devices, nil
}

// FindDeviceAt returns nil when the cell is empty.
func (s *Store) FindDeviceAt(ctx context.Context, siteID uint, x, y int) (*models.Device, error) {
	var device models.Device
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND position_x = ? AND position_y = ?", siteID, x, y).
		Take(&device).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device at (%d, %d): %w", x, y, err)
	}
	return &device, nil
}

// UpsertDevice creates the device occupying (SiteID, PositionX, PositionY) or
// updates the one already there, keeping its id and creation time.
func (s *Store) UpsertDevice(ctx context.Context, input DeviceInput) (*models.Device, error) {
	var device models.Device
	created := false

	err := s.transaction(ctx, "upsert device", func(tx *gorm.DB) error {
		err := tx.
			Where("site_id = ? AND position_x = ? AND position_y = ?", input.SiteID, input.PositionX, input.PositionY).
			Take(&device).Error

		switch {
		case err == nil:
			if err := s.updateDeviceFields(tx, &device, input.Name, input.Info); err != nil {
				return err
			}
		case isNotFound(err):
			if err := requireSite(tx, input.SiteID); err != nil {
				return err
			}

			now := s.now()
			device = models.Device{
				SiteID:    input.SiteID,
				PositionX: input.PositionX,
				PositionY: input.PositionY,
				Name:      input.Name,
				Info:      input.Info,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&device).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("(%d, %d): %w", input.PositionX, input.PositionY, ErrPositionOccupied)
				}
				return err
			}
			created = true
		default:
			return err
		}

		if len(input.Image) > 0 {
			return s.replaceImage(tx, &device, input.Image)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Device saved",
		zap.Uint("device_id", device.ID),
		zap.Uint("site_id", device.SiteID),
		zap.Int("x", device.PositionX),
		zap.Int("y", device.PositionY),
		zap.Bool("created", created),
	)
	return &device, nil
}

// UpdateDevice rewrites name, info and optionally the photo of a device
// addressed by id.
func (s *Store) UpdateDevice(ctx context.Context, id uint, name, info string, image []byte) (*models.Device, error) {
	var device models.Device

	err := s.transaction(ctx, "update device", func(tx *gorm.DB) error {
		if err := tx.Take(&device, id).Error; err != nil {
			if isNotFound(err) {
				return fmt.Errorf("device %d: %w", id, ErrNotFound)
			}
			return err
		}

		if err := s.updateDeviceFields(tx, &device, name, info); err != nil {
			return err
		}

		if len(image) > 0 {
			return s.replaceImage(tx, &device, image)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &device, nil
}

// GetDevice returns nil for an unknown id. The photo is inlined when the
// referenced image still exists.
func (s *Store) GetDevice(ctx context.Context, id uint) (*models.Device, error) {
	db := s.db.WithContext(ctx)

	var device models.Device
	err := db.Take(&device, id).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}

	if device.ImageID == nil {
		return &device, nil
	}

	var image models.Image
	err = db.Take(&image, *device.ImageID).Error
	switch {
	case isNotFound(err):
		s.logger.Warn("Device references a missing image", zap.Uint("device_id", id), zap.Uint("image_id", *device.ImageID))
	case err != nil:
		return nil, fmt.Errorf("failed to load image for device %d: %w", id, err)
	default:
		device.Image = &image
	}

	return &device, nil
}

func (s *Store) DeleteDevice(ctx context.Context, id uint) error {
	return s.transaction(ctx, "delete device", func(tx *gorm.DB) error {
		var device models.Device
		if err := tx.Take(&device, id).Error; err != nil {
			if isNotFound(err) {
				return fmt.Errorf("device %d: %w", id, ErrNotFound)
			}
			return err
		}

		images := tx.Where("machine_id = ?", device.ID)
		if device.ImageID != nil {
			images = images.Or("id = ?", *device.ImageID)
		}
		if err := images.Delete(&models.Image{}).Error; err != nil {
			return err
		}

		return tx.Delete(&device).Error
	})
}

// SweepOrphanImages deletes images no device points at.
func (s *Store) SweepOrphanImages(ctx context.Context) (int64, error) {
	var removed int64

	err := s.transaction(ctx, "sweep images", func(tx *gorm.DB) error {
		referenced := tx.Model(&models.Device{}).Select("image_id").Where("image_id IS NOT NULL")
		result := tx.Where("id NOT IN (?)", referenced).Delete(&models.Image{})
		removed = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("Removed orphaned images", zap.Int64("count", removed))
	}
	return removed, nil
}

func (s *Store) updateDeviceFields(tx *gorm.DB, device *models.Device, name, info string) error {
	device.Name = name
	device.Info = info
	device.UpdatedAt = s.nextUpdatedAt(device.UpdatedAt)

	return tx.Model(device).UpdateColumns(map[string]any{
		"name":       device.Name,
		"info":       device.Info,
		"updated_at": device.UpdatedAt,
	}).Error
}

// replaceImage stores data as the device's photo and drops the previous one.
func (s *Store) replaceImage(tx *gorm.DB, device *models.Device, data []byte) error {
	var previous uint
	hadPrevious := device.ImageID != nil
	if hadPrevious {
		previous = *device.ImageID
	}
	machineID := device.ID

	image := models.Image{
		MachineID: &machineID,
		Data:      data,
		Timestamp: s.now(),
	}
	if err := tx.Create(&image).Error; err != nil {
		return err
	}

	if err := tx.Model(device).UpdateColumn("image_id", image.ID).Error; err != nil {
		return err
	}
	imageID := image.ID
	device.ImageID = &imageID

	if hadPrevious && previous != imageID {
		if err := tx.Delete(&models.Image{}, previous).Error; err != nil {
			return err
		}
	}

	return nil
}

// nextUpdatedAt never returns a time at or before previous.
func (s *Store) nextUpdatedAt(previous time.Time) time.Time {
	now := s.now()
	if !now.After(previous) {
		now = previous.Add(time.Microsecond)
	}
	return now
}

func requireSite(tx *gorm.DB, siteID uint) error {
	var count int64
	if err := tx.Model(&models.Site{}).Where("id = ?", siteID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("site %d: %w", siteID, ErrNotFound)
	}
	return nil
}
