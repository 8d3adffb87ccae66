package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingETagProvider = errors.New("etag provider is required")
	// ErrSnapshotNotFound indicates neither the requested snapshot store held a track.
	ErrSnapshotNotFound = errors.New("track: snapshot not found")
	// ErrInvalidRange indicates a point range whose start is not before its finish.
	ErrInvalidRange = errors.New("track: start epoch must be before finish epoch")
	noOpLogger      = zap.NewNop()
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew        = "track.store.new"
	opInsertPoints    = "track.insert_points"
	opPointsForDevice = "track.points_for_device"
	opDistinctDevices = "track.distinct_devices"
	opLatestReceived  = "track.latest_received"
	opDeleteRange     = "track.delete_range"
	opUpsertLive      = "track.upsert_live"
	opAppendHistory   = "track.append_history"
	opLatestHistory   = "track.latest_history"
	opSnapshot        = "track.snapshot"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the track store.
type StoreConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	ETagProvider ETagProvider
	Logger       *zap.Logger
}

// Store persists canonical points and derived track snapshots.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	etags  ETagProvider
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.ETagProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_etag_provider", errMissingETagProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, etags: cfg.ETagProvider, logger: logger}, nil
}

// InsertPoints writes a batch of canonical points with an insert-or-skip
// conflict policy on (device_id, t_epoch). Duplicate pairs from retried
// uploads are silently ignored; the number of rows actually written is
// returned. ReceivedAtEpoch is stamped with the store clock.
func (s *Store) InsertPoints(ctx context.Context, points []CanonicalPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	receivedAt := s.clock().UTC().Unix()
	for i := range points {
		points[i].ReceivedAtEpoch = receivedAt
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "t_epoch"}},
			DoNothing: true,
		}).
		Create(&points)
	if result.Error != nil {
		s.logger.Error("point insert failed", zap.Error(result.Error), zap.Int("batch", len(points)))
		return 0, newStoreError(opInsertPoints, "insert_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// PointsForDevice returns the device's canonical points ordered by timestamp,
// trimmed to the window at the query level when bounds are present.
func (s *Store) PointsForDevice(ctx context.Context, deviceID DeviceID, window Window) ([]CanonicalPoint, error) {
	query := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID.String()).
		Order("t_epoch ASC")
	if window.Start != nil {
		query = query.Where("t_epoch >= ?", *window.Start)
	}
	if window.Finish != nil {
		query = query.Where("t_epoch <= ?", *window.Finish)
	}

	var points []CanonicalPoint
	if err := query.Find(&points).Error; err != nil {
		s.logger.Error("point query failed", zap.Error(err), zap.String("device_id", deviceID.String()))
		return nil, newStoreError(opPointsForDevice, "query_failed", err)
	}
	return points, nil
}

// DistinctDevices lists every device id with at least one canonical point.
func (s *Store) DistinctDevices(ctx context.Context) ([]string, error) {
	var devices []string
	err := s.db.WithContext(ctx).
		Model(&CanonicalPoint{}).
		Distinct().
		Order("device_id ASC").
		Pluck("device_id", &devices).Error
	if err != nil {
		return nil, newStoreError(opDistinctDevices, "query_failed", err)
	}
	return devices, nil
}

// LatestReceivedEpoch returns the most recent server receipt epoch among a
// device's points, with ok=false when the device has none. This is the
// staleness watermark for live cache rebuilds.
func (s *Store) LatestReceivedEpoch(ctx context.Context, deviceID DeviceID) (int64, bool, error) {
	var latest *int64
	err := s.db.WithContext(ctx).
		Model(&CanonicalPoint{}).
		Where("device_id = ?", deviceID.String()).
		Select("MAX(received_at_epoch)").
		Scan(&latest).Error
	if err != nil {
		return 0, false, newStoreError(opLatestReceived, "query_failed", err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// DeletePointsInRange removes a device's points with start <= t_epoch <= finish
// and returns the number of rows deleted.
func (s *Store) DeletePointsInRange(ctx context.Context, deviceID DeviceID, startEpoch, finishEpoch int64) (int64, error) {
	if startEpoch >= finishEpoch {
		return 0, newStoreError(opDeleteRange, "invalid_range", ErrInvalidRange)
	}
	result := s.db.WithContext(ctx).
		Where("device_id = ? AND t_epoch >= ? AND t_epoch <= ?", deviceID.String(), startEpoch, finishEpoch).
		Delete(&CanonicalPoint{})
	if result.Error != nil {
		s.logger.Error("point range delete failed", zap.Error(result.Error), zap.String("device_id", deviceID.String()))
		return 0, newStoreError(opDeleteRange, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// UpsertLiveTrack replaces the live snapshot for a binding, keeping exactly one
// row per binding. Concurrent rebuilds are last-write-wins: every rebuild
// recomputes fully from source points, so no read-modify-write is needed.
func (s *Store) UpsertLiveTrack(ctx context.Context, bindingID int64, geoJSON string) error {
	if bindingID <= 0 {
		return newStoreError(opUpsertLive, "invalid_binding_id", ErrInvalidBindingID)
	}
	etag, err := s.etags.NewETag()
	if err != nil {
		return newStoreError(opUpsertLive, "etag_failed", err)
	}
	row := TrackCache{
		BindingID:      bindingID,
		GeoJSON:        geoJSON,
		ETag:           etag,
		UpdatedAtEpoch: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "binding_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		s.logger.Error("live track upsert failed", zap.Error(err), zap.Int64("binding_id", bindingID))
		return newStoreError(opUpsertLive, "upsert_failed", err)
	}
	return nil
}

// LiveTrack returns the cached live snapshot for a binding, or nil when none
// has been built yet.
func (s *Store) LiveTrack(ctx context.Context, bindingID int64) (*TrackCache, error) {
	var row TrackCache
	err := s.db.WithContext(ctx).Where("binding_id = ?", bindingID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opSnapshot, "live_query_failed", err)
	}
	return &row, nil
}

// AppendHistory archives a snapshot for a binding. History rows are never
// updated or overwritten.
func (s *Store) AppendHistory(ctx context.Context, snapshot TrackHist) (TrackHist, error) {
	if snapshot.BindingID <= 0 {
		return TrackHist{}, newStoreError(opAppendHistory, "invalid_binding_id", ErrInvalidBindingID)
	}
	etag, err := s.etags.NewETag()
	if err != nil {
		return TrackHist{}, newStoreError(opAppendHistory, "etag_failed", err)
	}
	snapshot.ID = 0
	snapshot.ETag = etag
	snapshot.UpdatedAtEpoch = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		s.logger.Error("history append failed", zap.Error(err), zap.Int64("binding_id", snapshot.BindingID))
		return TrackHist{}, newStoreError(opAppendHistory, "insert_failed", err)
	}
	return snapshot, nil
}

// LatestHistory returns the most recent archived snapshot for a binding, or
// nil when the binding has none.
func (s *Store) LatestHistory(ctx context.Context, bindingID int64) (*TrackHist, error) {
	var row TrackHist
	err := s.db.WithContext(ctx).
		Where("binding_id = ?", bindingID).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opLatestHistory, "query_failed", err)
	}
	return &row, nil
}

// SnapshotPreference selects which snapshot store a read should consult first.
type SnapshotPreference string

const (
	// PreferLive consults the live cache first, falling back to history.
	PreferLive SnapshotPreference = "live"
	// PreferHistory consults the archive first, falling back to the live cache.
	PreferHistory SnapshotPreference = "history"
)

// TrackForBinding returns a binding's GeoJSON from the preferred snapshot
// store, falling back to the other. The source actually used is reported.
func (s *Store) TrackForBinding(ctx context.Context, bindingID int64, preference SnapshotPreference) (string, SnapshotPreference, error) {
	liveFirst := preference != PreferHistory

	if liveFirst {
		if geoJSON, ok, err := s.liveGeoJSON(ctx, bindingID); err != nil || ok {
			return geoJSON, PreferLive, err
		}
		if geoJSON, ok, err := s.historyGeoJSON(ctx, bindingID); err != nil || ok {
			return geoJSON, PreferHistory, err
		}
	} else {
		if geoJSON, ok, err := s.historyGeoJSON(ctx, bindingID); err != nil || ok {
			return geoJSON, PreferHistory, err
		}
		if geoJSON, ok, err := s.liveGeoJSON(ctx, bindingID); err != nil || ok {
			return geoJSON, PreferLive, err
		}
	}
	return "", preference, newStoreError(opSnapshot, "not_found", ErrSnapshotNotFound)
}

func (s *Store) liveGeoJSON(ctx context.Context, bindingID int64) (string, bool, error) {
	row, err := s.LiveTrack(ctx, bindingID)
	if err != nil {
		return "", false, err
	}
	if row == nil || row.GeoJSON == "" {
		return "", false, nil
	}
	return row.GeoJSON, true, nil
}

func (s *Store) historyGeoJSON(ctx context.Context, bindingID int64) (string, bool, error) {
	row, err := s.LatestHistory(ctx, bindingID)
	if err != nil {
		return "", false, err
	}
	if row == nil || row.GeoJSON == "" {
		return "", false, nil
	}
	return row.GeoJSON, true, nil
}

// FixesOf projects persisted points into in-memory fixes, preserving order.
func FixesOf(points []CanonicalPoint) []Fix {
	fixes := make([]Fix, 0, len(points))
	for _, point := range points {
		fixes = append(fixes, point.Fix())
	}
	return fixes
}
