package ingest

import "fmt"

// RawUpload is the durable copy of an uploaded compact payload, exactly as
// received. Rows are created on ingest and mutated only by the normalizer,
// which stamps processed_at_epoch exactly once; they are never deleted by the
// pipeline.
type RawUpload struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         string  `gorm:"column:device_id;size:64;not null;index"`
	PayloadJSON      string  `gorm:"column:payload_json;type:text;not null"`
	ReceivedAtEpoch  int64   `gorm:"column:received_at_epoch;not null"`
	ProcessedAtEpoch *int64  `gorm:"column:processed_at_epoch"`
	ParseError       *string `gorm:"column:parse_error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (RawUpload) TableName() string {
	return "ingest_raw"
}

// ValidationError reports a malformed request shape. It is the client's
// fault, surfaced synchronously, and implies no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TimingMarker is a single start/finish line observation. The endpoint's only
// contract is synchronous validation and acknowledgment; persistence is
// deferred to a later stage.
type TimingMarker struct {
	Epoch    int64  `json:"epoch"`
	DeviceID string `json:"device_id"`
	Phase    string `json:"phase"`
	Source   string `json:"source"`
}
