package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/models"
)

// Store is the inventory persisted in SQLite. Every mutation runs in a single
// transaction spanning all tables it touches.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		s.logger.Debug("Transaction rolled back", zap.String("op", op), zap.Error(err))
	}
	return txError(op, err)
}

type Counts struct {
	Sites   int64 `json:"sites"`
	Devices int64 `json:"devices"`
	Images  int64 `json:"images"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Site{}).Count(&counts.Sites).Error; err != nil {
		return counts, fmt.Errorf("failed to count sites: %w", err)
	}
	if err := db.Model(&models.Device{}).Count(&counts.Devices).Error; err != nil {
		return counts, fmt.Errorf("failed to count devices: %w", err)
	}
	if err := db.Model(&models.Image{}).Count(&counts.Images).Error; err != nil {
		return counts, fmt.Errorf("failed to count images: %w", err)
	}

	return counts, nil
}
