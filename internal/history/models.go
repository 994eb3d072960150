package history

import "time"

// StatusSample is one recorded snapshot. A new sample is written only when
// the snapshot differs from the previous one.
type StatusSample struct {
	ID      uint      `gorm:"primaryKey"`
	At      time.Time `gorm:"index;not null"`
	Status  int       `gorm:"not null"`
	Devices []DeviceSample
}

// DeviceSample is the state of one device inside a StatusSample
type DeviceSample struct {
	ID             uint   `gorm:"primaryKey"`
	StatusSampleID uint   `gorm:"index;not null"`
	DeviceID       string `gorm:"size:128;index;not null"`
	Name           string `gorm:"size:255"`
	Using          bool
	Activity       string `gorm:"size:512"`
}
