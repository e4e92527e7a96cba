package models

import "time"

// Image holds the photo bytes of a Device. MachineID points back at the
// owning device and is filled in once the device row exists.
type Image struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MachineID *uint     `gorm:"index" json:"machineId"`
	Data      []byte    `gorm:"not null" json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
