package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/endurotracker/backend/internal/assignment"
	"github.com/endurotracker/backend/internal/track"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingAssignments = errors.New("assignment service is required")
	errMissingTracks      = errors.New("track store is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "ingest.service.new"
	opStage       = "ingest.stage_compact"
	opTextLog     = "ingest.text_log"
	opUnprocessed = "ingest.unprocessed_batch"
	opMark        = "ingest.mark_processed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CompactPayload is the wire and storage shape of a compact upload. The
// payload is re-serialized compactly before staging so the durable copy is
// both minimal and known-valid JSON.
type CompactPayload struct {
	DeviceID string            `json:"device_id"`
	Fixes    []json.RawMessage `json:"f"`
}

// ServiceConfig describes the dependencies of the ingest service.
type ServiceConfig struct {
	Database    *gorm.DB
	Assignments *assignment.Service
	Tracks      *track.Store
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service stages raw uploads and runs the synchronous text-log path.
type Service struct {
	db          *gorm.DB
	assignments *assignment.Service
	tracks      *track.Store
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs the ingest service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Assignments == nil {
		return nil, newServiceError(opServiceNew, "missing_assignments", errMissingAssignments)
	}
	if cfg.Tracks == nil {
		return nil, newServiceError(opServiceNew, "missing_tracks", errMissingTracks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		assignments: cfg.Assignments,
		tracks:      cfg.Tracks,
		clock:       clock,
		logger:      logger,
	}, nil
}

// StageCompact durably stores a compact fix batch for later normalization and
// returns the number of fixes received. Individual malformed fixes are not
// inspected here; they are preserved verbatim and validated downstream. A
// failed write is not acknowledged, so retried uploads may create duplicate
// raw rows; normalization deduplicates at the canonical-point layer.
func (s *Service) StageCompact(ctx context.Context, rawDeviceID string, fixes []json.RawMessage) (int, error) {
	deviceID, err := track.NewDeviceID(rawDeviceID)
	if err != nil {
		return 0, newValidationError("device_id", "must be a non-empty string of at most 64 characters")
	}
	if len(fixes) == 0 {
		return 0, newValidationError("f", "must be a non-empty array of fixes")
	}

	payload, err := json.Marshal(CompactPayload{DeviceID: deviceID.String(), Fixes: fixes})
	if err != nil {
		return 0, newValidationError("f", "payload is not serializable JSON")
	}

	row := RawUpload{
		DeviceID:        deviceID.String(),
		PayloadJSON:     string(payload),
		ReceivedAtEpoch: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error("raw upload stage failed", zap.Error(err), zap.String("device_id", deviceID.String()))
		return 0, newServiceError(opStage, "insert_failed", err)
	}
	return len(fixes), nil
}

// ValidateMarker checks a timing marker's shape and field values. There is
// deliberately no durable effect: the contract is acceptance or rejection.
func (s *Service) ValidateMarker(marker TimingMarker) error {
	if marker.Epoch <= 0 {
		return newValidationError("epoch", "must be a positive epoch timestamp")
	}
	if _, err := track.NewDeviceID(marker.DeviceID); err != nil {
		return newValidationError("device_id", "must be a non-empty string of at most 64 characters")
	}
	switch marker.Phase {
	case "start", "finish":
	default:
		return newValidationError("phase", "must be start or finish")
	}
	switch marker.Source {
	case "rfid", "pi":
	default:
		return newValidationError("source", "must be rfid or pi")
	}
	return nil
}

// TextLogResult reports the outcome of the synchronous text-log path.
type TextLogResult struct {
	BindingID         int64
	FixCount          int
	TrimmedCount      int
	BackfilledBinding []int64
}

// IngestTextLog runs the synchronous end-to-end text path: parse the
// line-delimited log, trim it to the device's most recent binding window,
// convert to GPX and GeoJSON, and archive the snapshot directly, bypassing
// the batch normalizer. Earlier bindings on the same device that have no
// archived snapshot yet are back-filled from the same log, each trimmed to
// its own window, preserving historical continuity across reassignment.
func (s *Service) IngestTextLog(ctx context.Context, rawDeviceID, logText string) (TextLogResult, error) {
	deviceID, err := track.NewDeviceID(rawDeviceID)
	if err != nil {
		return TextLogResult{}, newValidationError("device_id", "must be a non-empty string of at most 64 characters")
	}
	if logText == "" {
		return TextLogResult{}, newValidationError("log", "must be non-empty")
	}

	fixes := track.ParseTextFixes(logText)
	if len(fixes) == 0 {
		return TextLogResult{}, newValidationError("log", "contains no valid fixes")
	}

	binding, bound, err := s.assignments.LatestForDevice(ctx, deviceID)
	if err != nil {
		return TextLogResult{}, newServiceError(opTextLog, "binding_lookup_failed", err)
	}
	if !bound {
		return TextLogResult{}, newValidationError("device_id", "device has no participant binding")
	}

	// Snapshot which earlier bindings lack history before archiving anything,
	// so the row written below does not mask them.
	missing, err := s.assignments.MissingHistory(ctx, deviceID)
	if err != nil {
		return TextLogResult{}, newServiceError(opTextLog, "missing_history_lookup_failed", err)
	}

	trimmed := track.FilterByWindow(fixes, binding.Window())
	if _, err := s.archiveSnapshot(ctx, binding.ID, deviceID, trimmed, logText); err != nil {
		return TextLogResult{}, err
	}

	result := TextLogResult{
		BindingID:    binding.ID,
		FixCount:     len(fixes),
		TrimmedCount: len(trimmed),
	}

	for _, earlier := range missing {
		if earlier.ID == binding.ID {
			continue
		}
		earlierTrimmed := track.FilterByWindow(fixes, earlier.Window())
		if len(earlierTrimmed) == 0 {
			continue
		}
		if _, err := s.archiveSnapshot(ctx, earlier.ID, deviceID, earlierTrimmed, logText); err != nil {
			return TextLogResult{}, err
		}
		result.BackfilledBinding = append(result.BackfilledBinding, earlier.ID)
	}

	return result, nil
}

// archiveSnapshot appends a history row for the binding. When the trimmed fix
// set is empty only the raw text is preserved, so a later manual override can
// still retrim from source.
func (s *Service) archiveSnapshot(ctx context.Context, bindingID int64, deviceID track.DeviceID, fixes []track.Fix, rawText string) (track.TrackHist, error) {
	snapshot := track.TrackHist{BindingID: bindingID, RawText: rawText}
	if len(fixes) > 0 {
		gpxText, err := track.BuildGPX(fixes, fmt.Sprintf("EnduroTracker %s", deviceID.String()))
		if err != nil {
			return track.TrackHist{}, newServiceError(opTextLog, "gpx_build_failed", err)
		}
		geoJSON, err := track.BuildGeoJSON(fixes, deviceID)
		if err != nil {
			return track.TrackHist{}, newServiceError(opTextLog, "geojson_build_failed", err)
		}
		snapshot.GPX = gpxText
		snapshot.GeoJSON = geoJSON
	}
	archived, err := s.tracks.AppendHistory(ctx, snapshot)
	if err != nil {
		return track.TrackHist{}, newServiceError(opTextLog, "archive_failed", err)
	}
	return archived, nil
}

// UnprocessedBatch returns up to limit raw rows that have not been normalized
// yet, oldest first by arrival.
func (s *Service) UnprocessedBatch(ctx context.Context, limit int) ([]RawUpload, error) {
	var rows []RawUpload
	err := s.db.WithContext(ctx).
		Where("processed_at_epoch IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, newServiceError(opUnprocessed, "query_failed", err)
	}
	return rows, nil
}

// MarkProcessed stamps a raw row as normalized, recording a failure reason
// when every fix in it was invalid. A processed row is never retried.
func (s *Service) MarkProcessed(ctx context.Context, rowID int64, parseError *string) error {
	processedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).
		Model(&RawUpload{}).
		Where("id = ?", rowID).
		Updates(map[string]interface{}{
			"processed_at_epoch": processedAt,
			"parse_error":        parseError,
		}).Error
	if err != nil {
		return newServiceError(opMark, "update_failed", err)
	}
	return nil
}
