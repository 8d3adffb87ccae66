package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/endurotracker/backend/internal/ingest"
	"github.com/endurotracker/backend/internal/track"
)

var (
	errMissingIngest = errors.New("ingest service is required")
	errMissingTracks = errors.New("track store is required")
	noOpLogger       = zap.NewNop()
)

const (
	defaultParseBatchSize = 200
	defaultParseIdle      = time.Second
)

// NormalizerConfig describes the dependencies and pacing of the batch parser.
type NormalizerConfig struct {
	Ingest       *ingest.Service
	Tracks       *track.Store
	BatchSize    int
	IdleInterval time.Duration
	Logger       *zap.Logger
}

// Normalizer drains staged raw uploads into canonical points. Each staged row
// is processed exactly once: the processed stamp is written even when every
// fix in the row is invalid, so a poison payload cannot wedge the queue.
type Normalizer struct {
	ingest       *ingest.Service
	tracks       *track.Store
	batchSize    int
	idleInterval time.Duration
	logger       *zap.Logger
}

// NewNormalizer constructs the batch parse worker.
func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	if cfg.Ingest == nil {
		return nil, fmt.Errorf("worker.normalizer.new: %w", errMissingIngest)
	}
	if cfg.Tracks == nil {
		return nil, fmt.Errorf("worker.normalizer.new: %w", errMissingTracks)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultParseBatchSize
	}
	idleInterval := cfg.IdleInterval
	if idleInterval <= 0 {
		idleInterval = defaultParseIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Normalizer{
		ingest:       cfg.Ingest,
		tracks:       cfg.Tracks,
		batchSize:    batchSize,
		idleInterval: idleInterval,
		logger:       logger,
	}, nil
}

// Cycle processes one batch of staged rows and reports how many rows it
// handled. A zero return means the queue is drained.
func (n *Normalizer) Cycle(ctx context.Context) (int, error) {
	rows, err := n.ingest.UnprocessedBatch(ctx, n.batchSize)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := n.processRow(ctx, row); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// Run drains the queue, then polls at the idle interval until the context is
// cancelled. Batch errors are logged and retried on the next tick rather than
// stopping the loop.
func (n *Normalizer) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		handled, err := n.Cycle(ctx)
		if err != nil {
			n.logger.Error("normalizer cycle failed", zap.Error(err))
			timer.Reset(n.idleInterval)
			continue
		}
		if handled == 0 {
			timer.Reset(n.idleInterval)
			continue
		}
		// More work may be queued behind a full batch. Loop immediately.
		timer.Reset(0)
	}
}

func (n *Normalizer) processRow(ctx context.Context, row ingest.RawUpload) error {
	points, failureReason := n.decodeRow(row)

	if len(points) > 0 {
		inserted, err := n.tracks.InsertPoints(ctx, points)
		if err != nil {
			// The row stays unprocessed and is retried next cycle.
			return err
		}
		n.logger.Debug("raw row normalized",
			zap.Int64("row_id", row.ID),
			zap.String("device_id", row.DeviceID),
			zap.Int("decoded", len(points)),
			zap.Int64("inserted", inserted))
	}

	return n.ingest.MarkProcessed(ctx, row.ID, failureReason)
}

// decodeRow parses a staged payload into canonical points. The failure reason
// is non-nil only when the whole row produced nothing: an unreadable payload
// or a batch whose every fix was invalid. Partial failures decode what they
// can and record nothing.
func (n *Normalizer) decodeRow(row ingest.RawUpload) ([]track.CanonicalPoint, *string) {
	var payload ingest.CompactPayload
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
		reason := fmt.Sprintf("payload not parseable: %v", err)
		return nil, &reason
	}
	deviceID, err := track.NewDeviceID(payload.DeviceID)
	if err != nil {
		reason := fmt.Sprintf("invalid device id: %v", err)
		return nil, &reason
	}

	points := make([]track.CanonicalPoint, 0, len(payload.Fixes))
	invalid := 0
	for _, raw := range payload.Fixes {
		var fields []*float64
		if err := json.Unmarshal(raw, &fields); err != nil {
			invalid++
			continue
		}
		point, err := track.ParseCompactFix(deviceID, fields)
		if err != nil {
			invalid++
			continue
		}
		points = append(points, point)
	}

	if len(points) == 0 {
		reason := fmt.Sprintf("all %d fixes invalid", invalid)
		return nil, &reason
	}
	if invalid > 0 {
		n.logger.Warn("raw row partially decoded",
			zap.Int64("row_id", row.ID),
			zap.String("device_id", row.DeviceID),
			zap.Int("invalid", invalid))
	}
	return points, nil
}
