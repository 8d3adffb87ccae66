package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/endurotracker/backend/internal/track"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrBindingNotFound indicates the requested participant binding does not exist.
	ErrBindingNotFound = errors.New("assignment: binding not found")
	noOpLogger         = zap.NewNop()
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
	opServiceNew      = "assignment.service.new"
	opLatestForDevice = "assignment.latest_for_device"
	opMissingHistory  = "assignment.missing_history"
	opSetWindow       = "assignment.set_manual_window"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies for binding lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads participant bindings and applies manual timing overrides.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the binding service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LatestForDevice returns the most recent binding for a device (highest id
// wins, matching the management layer's reassignment order). ok is false when
// the device has never been bound.
func (s *Service) LatestForDevice(ctx context.Context, deviceID track.DeviceID) (Binding, bool, error) {
	var binding Binding
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID.String()).
		Order("id DESC").
		First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Binding{}, false, nil
	}
	if err != nil {
		s.logger.Error("binding lookup failed", zap.Error(err), zap.String("device_id", deviceID.String()))
		return Binding{}, false, newServiceError(opLatestForDevice, "query_failed", err)
	}
	return binding, true, nil
}

// MissingHistory returns the device's bindings that have no archived track
// snapshot yet, oldest first. Used by the text-log path to back-fill history
// when a device was reassigned mid-event.
func (s *Service) MissingHistory(ctx context.Context, deviceID track.DeviceID) ([]Binding, error) {
	var bindings []Binding
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID.String()).
		Where("NOT EXISTS (SELECT 1 FROM track_hist WHERE track_hist.binding_id = race_bindings.id)").
		Order("id ASC").
		Find(&bindings).Error
	if err != nil {
		s.logger.Error("missing-history lookup failed", zap.Error(err), zap.String("device_id", deviceID.String()))
		return nil, newServiceError(opMissingHistory, "query_failed", err)
	}
	return bindings, nil
}

// Get returns a binding by id.
func (s *Service) Get(ctx context.Context, bindingID int64) (Binding, error) {
	var binding Binding
	err := s.db.WithContext(ctx).Where("id = ?", bindingID).Take(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Binding{}, newServiceError(opLatestForDevice, "not_found", ErrBindingNotFound)
	}
	if err != nil {
		return Binding{}, newServiceError(opLatestForDevice, "query_failed", err)
	}
	return binding, nil
}

// SetManualWindow overwrites both timing bounds for a binding. A nil bound
// clears that side of the window. The updated binding is returned.
func (s *Service) SetManualWindow(ctx context.Context, bindingID int64, start, finish *int64) (Binding, error) {
	result := s.db.WithContext(ctx).
		Model(&Binding{}).
		Where("id = ?", bindingID).
		Updates(map[string]interface{}{
			"start_epoch":  start,
			"finish_epoch": finish,
		})
	if result.Error != nil {
		s.logger.Error("manual window update failed", zap.Error(result.Error), zap.Int64("binding_id", bindingID))
		return Binding{}, newServiceError(opSetWindow, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Binding{}, newServiceError(opSetWindow, "not_found", ErrBindingNotFound)
	}
	return s.Get(ctx, bindingID)
}
