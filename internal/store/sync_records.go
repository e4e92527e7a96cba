package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/monorkin/equipment-inventory/internal/models"
)

func (s *Store) AddSyncRecord(ctx context.Context, syncType models.SyncType, payload any) (*models.SyncRecord, error) {
	if !syncType.Valid() {
		return nil, fmt.Errorf("invalid sync record type %q", syncType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync record payload: %w", err)
	}

	record := &models.SyncRecord{
		Type:      syncType,
		Payload:   datatypes.JSON(data),
		Timestamp: s.now(),
	}

	err = s.transaction(ctx, "add sync record", func(tx *gorm.DB) error {
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListSyncRecords returns the log newest first.
func (s *Store) ListSyncRecords(ctx context.Context) ([]models.SyncRecord, error) {
	var records []models.SyncRecord
	if err := s.db.WithContext(ctx).Order("timestamp desc, id desc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}
	return records, nil
}

func (s *Store) ClearSyncRecords(ctx context.Context) (int64, error) {
	var removed int64

	err := s.transaction(ctx, "clear sync records", func(tx *gorm.DB) error {
		result := tx.Where("1 = 1").Delete(&models.SyncRecord{})
		removed = result.RowsAffected
		return result.Error
	})

	return removed, err
}
