package assignment

import "github.com/endurotracker/backend/internal/track"

// Binding links a rider to a device and category for an event, carrying the
// official timing window. Management of bindings belongs to the excluded
// admin surface; the pipeline only reads them and overwrites timing bounds.
type Binding struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RiderName   string `gorm:"column:rider_name;size:128;not null"`
	DeviceID    string `gorm:"column:device_id;size:64;not null;index"`
	Category    string `gorm:"column:category;size:64"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	StartEpoch  *int64 `gorm:"column:start_epoch"`
	FinishEpoch *int64 `gorm:"column:finish_epoch"`
}

// TableName provides the explicit table binding for GORM.
func (Binding) TableName() string {
	return "race_bindings"
}

// Window returns the binding's timing window.
func (b Binding) Window() track.Window {
	return track.Window{Start: b.StartEpoch, Finish: b.FinishEpoch}
}
