package track

import (
	"errors"
	"fmt"
	"strings"
)

const maxDeviceIDLength = 64

var (
	// ErrInvalidDeviceID indicates a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("track: invalid device id")
	// ErrInvalidBindingID indicates a participant binding identifier is not positive.
	ErrInvalidBindingID = errors.New("track: invalid binding id")
)

// DeviceID represents a validated tracker identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxDeviceIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxDeviceIDLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Fix is a single in-memory GNSS sample. Optional readings stay nil when the
// device did not report them.
type Fix struct {
	Epoch      int64
	Lat        float64
	Lon        float64
	Ele        *float64
	Sog        *float64
	Cog        *float64
	Hdop       *float64
	Quality    *int
	Satellites *int
}

// CanonicalPoint is the persisted, deduplicated form of a Fix. One logical row
// exists per (device_id, t_epoch); retried uploads collapse onto it.
type CanonicalPoint struct {
	ID              int64    `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID        string   `gorm:"column:device_id;size:64;not null;index;uniqueIndex:ux_points_device_time,priority:1"`
	Epoch           int64    `gorm:"column:t_epoch;not null;index;uniqueIndex:ux_points_device_time,priority:2"`
	Lat             float64  `gorm:"column:lat;not null"`
	Lon             float64  `gorm:"column:lon;not null"`
	Ele             *float64 `gorm:"column:ele"`
	Sog             *float64 `gorm:"column:sog"`
	Cog             *float64 `gorm:"column:cog"`
	Hdop            *float64 `gorm:"column:hdop"`
	Quality         *int     `gorm:"column:fx"`
	Satellites      *int     `gorm:"column:nsat"`
	ReceivedAtEpoch int64    `gorm:"column:received_at_epoch;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CanonicalPoint) TableName() string {
	return "points"
}

// Fix projects the persisted row back into the in-memory sample form.
func (p CanonicalPoint) Fix() Fix {
	return Fix{
		Epoch:      p.Epoch,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Ele:        p.Ele,
		Sog:        p.Sog,
		Cog:        p.Cog,
		Hdop:       p.Hdop,
		Quality:    p.Quality,
		Satellites: p.Satellites,
	}
}

// TrackCache is the live snapshot for a participant binding. Exactly one row
// per binding, overwritten in place on every rebuild.
type TrackCache struct {
	BindingID       int64  `gorm:"column:binding_id;primaryKey"`
	GeoJSON         string `gorm:"column:geojson;type:text"`
	ETag            string `gorm:"column:etag;size:64"`
	UpdatedAtEpoch  int64  `gorm:"column:updated_at_epoch;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TrackCache) TableName() string {
	return "track_cache"
}

// TrackHist is an archived snapshot for a participant binding. Rows are
// append-only; the most recent row (highest id) is the current official track.
type TrackHist struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	BindingID      int64  `gorm:"column:binding_id;not null;index"`
	GeoJSON        string `gorm:"column:geojson;type:text"`
	GPX            string `gorm:"column:gpx;type:text"`
	RawText        string `gorm:"column:raw_txt;type:text"`
	ETag           string `gorm:"column:etag;size:64"`
	UpdatedAtEpoch int64  `gorm:"column:updated_at_epoch;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TrackHist) TableName() string {
	return "track_hist"
}

// Window is an optional start/finish epoch pair used to trim a track to the
// official timing interval. Either bound may be nil, meaning unbounded.
type Window struct {
	Start  *int64
	Finish *int64
}

// IsUnbounded reports whether neither bound is set.
func (w Window) IsUnbounded() bool {
	return w.Start == nil && w.Finish == nil
}
