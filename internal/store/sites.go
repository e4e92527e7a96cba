package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/models"
)

func (s *Store) ListSites(ctx context.Context) ([]models.Site, error) {
	var sites []models.Site
	if err := s.db.WithContext(ctx).Order("name").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

func (s *Store) GetSite(ctx context.Context, id uint) (*models.Site, error) {
	var site models.Site
	err := s.db.WithContext(ctx).Take(&site, id).Error
	if isNotFound(err) {
		return nil, fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load site %d: %w", id, err)
	}
	return &site, nil
}

// AddSite stores a site under its trimmed name.
func (s *Store) AddSite(ctx context.Context, name string) (*models.Site, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	site := &models.Site{Name: name, CreatedAt: s.now()}

	err := s.transaction(ctx, "add site", func(tx *gorm.DB) error {
		if err := tx.Create(site).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%q: %w", name, ErrDuplicateName)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Site added", zap.Uint("site_id", site.ID), zap.String("name", site.Name))
	return site, nil
}

// DeleteSite removes the site together with its devices and their images.
func (s *Store) DeleteSite(ctx context.Context, id uint) error {
	var removedDevices int

	err := s.transaction(ctx, "delete site", func(tx *gorm.DB) error {
		var site models.Site
		if err := tx.Take(&site, id).Error; err != nil {
			if isNotFound(err) {
				return fmt.Errorf("site %d: %w", id, ErrNotFound)
			}
			return err
		}

		var deviceIDs []uint
		if err := tx.Model(&models.Device{}).Where("site_id = ?", id).Pluck("id", &deviceIDs).Error; err != nil {
			return err
		}

		if len(deviceIDs) > 0 {
			var imageIDs []uint
			err := tx.Model(&models.Device{}).
				Where("site_id = ? AND image_id IS NOT NULL", id).
				Pluck("image_id", &imageIDs).Error
			if err != nil {
				return err
			}

			if err := tx.Where("machine_id IN ?", deviceIDs).Delete(&models.Image{}).Error; err != nil {
				return err
			}
			if len(imageIDs) > 0 {
				if err := tx.Where("id IN ?", imageIDs).Delete(&models.Image{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("site_id = ?", id).Delete(&models.Device{}).Error; err != nil {
				return err
			}
		}

		removedDevices = len(deviceIDs)
		return tx.Delete(&site).Error
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Site deleted", zap.Uint("site_id", id), zap.Int("devices", removedDevices))
	return nil
}
