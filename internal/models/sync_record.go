package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncType string

const (
	SyncTypeSend    SyncType = "send"
	SyncTypeReceive SyncType = "receive"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeSend || t == SyncTypeReceive
}

// SyncRecord is an audit entry written whenever a snapshot leaves or arrives.
type SyncRecord struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Type      SyncType       `gorm:"not null" json:"type"`
	Payload   datatypes.JSON `json:"payload"`
	Timestamp time.Time      `gorm:"index" json:"timestamp"`
}
