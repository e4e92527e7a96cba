package models

import "time"

// Device is a piece of equipment occupying one grid cell of a Site.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SiteID    uint      `gorm:"not null;uniqueIndex:idx_devices_site_position" json:"siteId"`
	PositionX int       `gorm:"not null;uniqueIndex:idx_devices_site_position" json:"positionX"`
	PositionY int       `gorm:"not null;uniqueIndex:idx_devices_site_position" json:"positionY"`
	Name      string    `gorm:"not null;default:''" json:"name"`
	Info      string    `gorm:"not null;default:''" json:"info"`
	ImageID   *uint     `json:"imageId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Image is only populated by lookups that resolve the photo.
	Image *Image `gorm:"-" json:"image,omitempty"`
}

func (d *Device) HasImage() bool {
	return d.ImageID != nil
}
