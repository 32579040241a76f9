package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opShouldCreate      = "snapshot.should_create"
	opCreate            = "snapshot.create"
	opQueue             = "snapshot.queue"
	opGet               = "snapshot.get"
	opList              = "snapshot.list"
	reasonInvalidParams = "invalid_params"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonQueueFull     = "queue_full"
	reasonNotFound      = "snapshot_not_found"
	reasonDecompress    = "decompress_failed"
	fieldObjectID       = "object_id"
	fieldSnapshotID     = "snapshot_id"
	compressionZstd     = "zstd"
	orderNewestFirst    = "created_at_ms DESC, sid DESC"

	// DefaultInterval is the minimum age of the latest snapshot before another is due.
	DefaultInterval = 10 * time.Minute
	// DefaultQueueSize bounds pending queued snapshot requests.
	DefaultQueueSize = 64
)

var (
	errMissingDatabase = errors.New("snapshot: database handle is required")
	// ErrQueueFull indicates that the snapshot queue cannot accept more requests.
	ErrQueueFull = errors.New("snapshot: queue is full")
)

// Config describes the dependencies of Control.
type Config struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Interval  time.Duration
	QueueSize int
	Logger    *zap.Logger
}

// Control decides when snapshots are due and stores them compressed.
type Control struct {
	db       *gorm.DB
	clock    func() time.Time
	interval time.Duration
	queue    chan collab.InsertSnapshotParams
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   *zap.Logger
}

// NewControl constructs the snapshot controller. Queued requests are only
// written once Run is started.
func NewControl(cfg Config) (*Control, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, err
	}
	return &Control{
		db:       cfg.Database,
		clock:    clock,
		interval: interval,
		queue:    make(chan collab.InsertSnapshotParams, queueSize),
		encoder:  encoder,
		decoder:  decoder,
		logger:   logger,
	}, nil
}

// Run drains queued snapshot requests until ctx is cancelled.
func (control *Control) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case params := <-control.queue:
			if _, err := control.CreateSnapshot(ctx, params); err != nil {
				control.logger.Warn("queued snapshot failed",
					zap.String(fieldObjectID, params.ObjectID),
					zap.Error(err))
			}
		}
	}
}

// Close releases the compression resources.
func (control *Control) Close() {
	_ = control.encoder.Close()
	control.decoder.Close()
}

// Pending returns the number of queued snapshot requests.
func (control *Control) Pending() int {
	return len(control.queue)
}

// ShouldCreateSnapshot reports whether objectID has no snapshot or only ones
// older than the configured interval.
func (control *Control) ShouldCreateSnapshot(ctx context.Context, objectID string) (bool, error) {
	if err := collab.ValidateObjectID(objectID); err != nil {
		return false, collab.NewValidationError(opShouldCreate, reasonInvalidParams, err)
	}
	var latest collab.SnapshotRecord
	err := database.Conn(ctx, control.db).
		Select("sid", "created_at_ms").
		Where("oid = ?", objectID).
		Order(orderNewestFirst).
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		control.logError(opShouldCreate, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
		return false, collab.NewInternalError(opShouldCreate, reasonQueryFailed, err)
	}
	age := control.clock().Sub(time.UnixMilli(latest.CreatedAtMillis))
	return age >= control.interval, nil
}

// CreateSnapshot stores params as a new immutable snapshot.
func (control *Control) CreateSnapshot(ctx context.Context, params collab.InsertSnapshotParams) (collab.SnapshotMeta, error) {
	if err := params.Validate(); err != nil {
		return collab.SnapshotMeta{}, collab.NewValidationError(opCreate, reasonInvalidParams, err)
	}
	createdAt := control.clock().UTC()
	record := collab.SnapshotRecord{
		ObjectID:        params.ObjectID,
		WorkspaceID:     params.WorkspaceID,
		CollabType:      int(params.CollabType),
		Blob:            control.encoder.EncodeAll(params.EncodedCollabV1, nil),
		Length:          len(params.EncodedCollabV1),
		Compression:     compressionZstd,
		CreatedAtMillis: createdAt.UnixMilli(),
	}
	if err := database.Conn(ctx, control.db).Create(&record).Error; err != nil {
		control.logError(opCreate, reasonInsertFailed, err, zap.String(fieldObjectID, params.ObjectID))
		return collab.SnapshotMeta{}, collab.NewInternalError(opCreate, reasonInsertFailed, err)
	}
	return collab.SnapshotMeta{
		SnapshotID: record.SnapshotID,
		ObjectID:   record.ObjectID,
		CreatedAt:  time.UnixMilli(record.CreatedAtMillis).UTC(),
	}, nil
}

// QueueSnapshot validates params and hands them to the worker without blocking.
func (control *Control) QueueSnapshot(params collab.InsertSnapshotParams) error {
	if err := params.Validate(); err != nil {
		return collab.NewValidationError(opQueue, reasonInvalidParams, err)
	}
	select {
	case control.queue <- params:
		return nil
	default:
		control.logError(opQueue, reasonQueueFull, ErrQueueFull, zap.String(fieldObjectID, params.ObjectID))
		return collab.NewInternalError(opQueue, reasonQueueFull, ErrQueueFull)
	}
}

// GetSnapshot returns one snapshot of objectID in workspaceID.
func (control *Control) GetSnapshot(ctx context.Context, workspaceID, objectID string, snapshotID int64) (collab.SnapshotData, error) {
	var record collab.SnapshotRecord
	err := database.Conn(ctx, control.db).
		Where("sid = ? AND oid = ? AND workspace_id = ?", snapshotID, objectID, workspaceID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.SnapshotData{}, collab.NewNotFoundError(opGet, reasonNotFound, nil)
	}
	if err != nil {
		control.logError(opGet, reasonQueryFailed, err, zap.String(fieldObjectID, objectID), zap.Int64(fieldSnapshotID, snapshotID))
		return collab.SnapshotData{}, collab.NewInternalError(opGet, reasonQueryFailed, err)
	}
	payload, err := control.decompress(record)
	if err != nil {
		control.logError(opGet, reasonDecompress, err, zap.String(fieldObjectID, objectID), zap.Int64(fieldSnapshotID, snapshotID))
		return collab.SnapshotData{}, collab.NewInternalError(opGet, reasonDecompress, err)
	}
	return collab.SnapshotData{
		SnapshotID:      record.SnapshotID,
		ObjectID:        record.ObjectID,
		WorkspaceID:     record.WorkspaceID,
		EncodedCollabV1: payload,
		CreatedAt:       time.UnixMilli(record.CreatedAtMillis).UTC(),
	}, nil
}

// GetCollabSnapshotList lists snapshot metadata for objectID in workspaceID,
// newest first.
func (control *Control) GetCollabSnapshotList(ctx context.Context, workspaceID, objectID string) (collab.SnapshotMetas, error) {
	var records []collab.SnapshotRecord
	err := database.Conn(ctx, control.db).
		Select("sid", "oid", "created_at_ms").
		Where("oid = ? AND workspace_id = ?", objectID, workspaceID).
		Order(orderNewestFirst).
		Find(&records).Error
	if err != nil {
		control.logError(opList, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
		return collab.SnapshotMetas{}, collab.NewInternalError(opList, reasonQueryFailed, err)
	}
	metas := collab.SnapshotMetas{Items: make([]collab.SnapshotMeta, 0, len(records))}
	for _, record := range records {
		metas.Items = append(metas.Items, collab.SnapshotMeta{
			SnapshotID: record.SnapshotID,
			ObjectID:   record.ObjectID,
			CreatedAt:  time.UnixMilli(record.CreatedAtMillis).UTC(),
		})
	}
	return metas, nil
}

func (control *Control) decompress(record collab.SnapshotRecord) ([]byte, error) {
	if record.Compression != compressionZstd {
		return record.Blob, nil
	}
	return control.decoder.DecodeAll(record.Blob, make([]byte, 0, record.Length))
}

func (control *Control) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	control.logger.Error("snapshot control error", attrs...)
}
