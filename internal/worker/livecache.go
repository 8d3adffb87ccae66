package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/endurotracker/backend/internal/assignment"
	"github.com/endurotracker/backend/internal/track"
)

var errMissingAssignments = errors.New("assignment service is required")

// defaultCacheSchedule refreshes the live cache every five seconds.
const defaultCacheSchedule = "@every 5s"

// CacheWorkerConfig describes the live-cache refresher's dependencies.
type CacheWorkerConfig struct {
	Assignments *assignment.Service
	Tracks      *track.Store
	Schedule    string
	Logger      *zap.Logger
}

// CacheWorker keeps the single-row live snapshot of each actively bound
// device fresh. A snapshot is rebuilt only when new points have arrived since
// the last build, measured by the server receipt watermark.
type CacheWorker struct {
	assignments *assignment.Service
	tracks      *track.Store
	schedule    string
	logger      *zap.Logger
}

// NewCacheWorker constructs the live-cache refresher.
func NewCacheWorker(cfg CacheWorkerConfig) (*CacheWorker, error) {
	if cfg.Assignments == nil {
		return nil, fmt.Errorf("worker.cache.new: %w", errMissingAssignments)
	}
	if cfg.Tracks == nil {
		return nil, fmt.Errorf("worker.cache.new: %w", errMissingTracks)
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultCacheSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &CacheWorker{
		assignments: cfg.Assignments,
		tracks:      cfg.Tracks,
		schedule:    schedule,
		logger:      logger,
	}, nil
}

// Cycle walks every device with canonical points and refreshes the live
// snapshot of its current binding when stale. Per-device failures are logged
// and skipped so one broken device cannot starve the rest; the count of
// rebuilt snapshots is returned.
func (w *CacheWorker) Cycle(ctx context.Context) (int, error) {
	devices, err := w.tracks.DistinctDevices(ctx)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, raw := range devices {
		deviceID, err := track.NewDeviceID(raw)
		if err != nil {
			continue
		}
		refreshed, err := w.refreshDevice(ctx, deviceID)
		if err != nil {
			w.logger.Error("live cache refresh failed", zap.Error(err), zap.String("device_id", raw))
			continue
		}
		if refreshed {
			rebuilt++
		}
	}
	return rebuilt, nil
}

func (w *CacheWorker) refreshDevice(ctx context.Context, deviceID track.DeviceID) (bool, error) {
	binding, bound, err := w.assignments.LatestForDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if !bound {
		return false, nil
	}

	watermark, hasPoints, err := w.tracks.LatestReceivedEpoch(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if !hasPoints {
		return false, nil
	}
	cached, err := w.tracks.LiveTrack(ctx, binding.ID)
	if err != nil {
		return false, err
	}
	if cached != nil && cached.UpdatedAtEpoch >= watermark {
		return false, nil
	}

	points, err := w.tracks.PointsForDevice(ctx, deviceID, binding.Window())
	if err != nil {
		return false, err
	}
	geoJSON, err := track.BuildGeoJSON(track.FixesOf(points), deviceID)
	if err != nil {
		return false, err
	}
	if err := w.tracks.UpsertLiveTrack(ctx, binding.ID, geoJSON); err != nil {
		return false, err
	}
	w.logger.Debug("live cache rebuilt",
		zap.Int64("binding_id", binding.ID),
		zap.String("device_id", deviceID.String()),
		zap.Int("points", len(points)))
	return true, nil
}

// Schedule registers the worker on a seconds-resolution cron runner and
// returns it unstarted. Panics inside a cycle are recovered by the chain so
// the schedule keeps firing.
func (w *CacheWorker) Schedule(ctx context.Context) (*cron.Cron, error) {
	cronLogger := newCronLogger(w.logger)
	runner := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	_, err := runner.AddFunc(w.schedule, func() {
		if _, err := w.Cycle(ctx); err != nil {
			w.logger.Error("live cache cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("worker.cache.schedule: %w", err)
	}
	return runner, nil
}
