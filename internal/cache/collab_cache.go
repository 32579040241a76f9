package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opIsExist              = "cache.is_exist"
	opInsertEncodeCollab   = "cache.insert_encode_collab_data"
	opGetCollabEncodeData  = "cache.get_collab_encode_data"
	opBatchGetEncodeCollab = "cache.batch_get_encode_collab"
	opRemoveCollab         = "cache.remove_collab"
	reasonQueryFailed      = "query_failed"
	reasonLockFailed       = "lock_failed"
	reasonWriteFailed      = "write_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonDecodeFailed     = "decode_failed"
	reasonMissingTx        = "missing_transaction"
	reasonWorkspaceMatch   = "workspace_mismatch"
	reasonInvalidParams    = "invalid_params"
	reasonRecordNotFound   = "record_not_found"
	reasonRedisRead        = "redis_read_failed"
	reasonRedisWrite       = "redis_write_failed"
	fieldObjectID          = "object_id"
	fieldWorkspaceID       = "workspace_id"
	hashFieldWorkspace     = "workspace_id"
	hashFieldEncoded       = "encoded_collab_v1"
	queryObjectID          = "object_id = ?"
	queryObjectIDIn        = "object_id IN ?"
	queryWorkspaceObject   = "workspace_id = ? AND object_id = ?"

	// DefaultTTL bounds how long an encoded state stays in Redis after a read.
	DefaultTTL = 10 * time.Minute

	encodeCollabKeyPrefix = "af:encode_collab_v1:"
)

var (
	errMissingDatabase = errors.New("cache: database handle is required")
	// ErrWorkspaceMismatch indicates an object id already owned by another workspace.
	ErrWorkspaceMismatch = errors.New("cache: object belongs to another workspace")
	errMissingTx         = errors.New("cache: insert requires a transaction")
)

// Config describes the dependencies of CollabCache.
type Config struct {
	Database *gorm.DB
	// Redis fronts the store when set; nil serves every read from the store.
	Redis  redis.Cmdable
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// QueryState reports Redis lookup counters.
type QueryState struct {
	TotalAttempts   int64
	SuccessAttempts int64
}

// CollabCache fronts the collab table with a Redis hash per object.
type CollabCache struct {
	db              *gorm.DB
	redis           redis.Cmdable
	ttl             time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	totalAttempts   atomic.Int64
	successAttempts atomic.Int64
}

// NewCollabCache constructs the cache.
func NewCollabCache(cfg Config) (*CollabCache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollabCache{
		db:     cfg.Database,
		redis:  cfg.Redis,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}, nil
}

// EncodeCollabKey returns the Redis key holding the encoded state of objectID.
func EncodeCollabKey(objectID string) string {
	return encodeCollabKeyPrefix + objectID
}

// Transaction runs fn inside a store transaction. A transaction already bound
// to ctx is joined through a savepoint. Redis invalidations issued inside fn
// wait for the commit.
func (c *CollabCache) Transaction(ctx context.Context, fn func(txCtx context.Context, transaction *gorm.DB) error) error {
	return database.Transaction(ctx, c.db, fn)
}

// IsExist reports whether a collab row exists for objectID.
func (c *CollabCache) IsExist(ctx context.Context, objectID string) (bool, error) {
	var count int64
	err := database.Conn(ctx, c.db).
		Model(&collab.CollabRecord{}).
		Where(queryObjectID, objectID).
		Count(&count).Error
	if err != nil {
		c.logError(opIsExist, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
		return false, collab.NewInternalError(opIsExist, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// InsertEncodeCollabData writes params inside transaction, creating the row or
// replacing the encoded state of an existing one. The Redis copy is dropped
// once the transaction bound to ctx commits.
func (c *CollabCache) InsertEncodeCollabData(ctx context.Context, transaction *gorm.DB, workspaceID string, uid int64, params collab.CollabParams) error {
	if transaction == nil {
		return collab.NewInternalError(opInsertEncodeCollab, reasonMissingTx, errMissingTx)
	}
	if err := params.Validate(); err != nil {
		return collab.NewValidationError(opInsertEncodeCollab, reasonInvalidParams, err)
	}

	nowSeconds := c.clock().UTC().Unix()
	var existing collab.CollabRecord
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryObjectID, params.ObjectID).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := collab.CollabRecord{
			ObjectID:         params.ObjectID,
			WorkspaceID:      workspaceID,
			OwnerUID:         uid,
			CollabType:       int(params.CollabType),
			EncodedCollabV1:  params.EncodedCollabV1,
			Length:           len(params.EncodedCollabV1),
			CreatedAtSeconds: nowSeconds,
			UpdatedAtSeconds: nowSeconds,
		}
		if err := transaction.Create(&record).Error; err != nil {
			c.logError(opInsertEncodeCollab, reasonWriteFailed, err,
				zap.String(fieldObjectID, params.ObjectID),
				zap.String(fieldWorkspaceID, workspaceID))
			return collab.NewInternalError(opInsertEncodeCollab, reasonWriteFailed, err)
		}
	case err != nil:
		c.logError(opInsertEncodeCollab, reasonLockFailed, err, zap.String(fieldObjectID, params.ObjectID))
		return collab.NewInternalError(opInsertEncodeCollab, reasonLockFailed, err)
	default:
		if existing.WorkspaceID != workspaceID {
			return collab.NewValidationError(opInsertEncodeCollab, reasonWorkspaceMatch,
				fmt.Errorf("%w: %s", ErrWorkspaceMismatch, params.ObjectID))
		}
		updateErr := transaction.Model(&collab.CollabRecord{}).
			Where(queryObjectID, params.ObjectID).
			Updates(map[string]interface{}{
				"collab_type":       int(params.CollabType),
				"encoded_collab_v1": params.EncodedCollabV1,
				"len":               len(params.EncodedCollabV1),
				"updated_at_s":      nowSeconds,
			}).Error
		if updateErr != nil {
			c.logError(opInsertEncodeCollab, reasonWriteFailed, updateErr, zap.String(fieldObjectID, params.ObjectID))
			return collab.NewInternalError(opInsertEncodeCollab, reasonWriteFailed, updateErr)
		}
	}

	c.invalidateAfterCommit(ctx, opInsertEncodeCollab, params.ObjectID)
	return nil
}

// GetCollabEncodeData returns the decoded state of one object, consulting
// Redis before the store and backfilling Redis on a store hit.
func (c *CollabCache) GetCollabEncodeData(ctx context.Context, uid int64, params collab.QueryCollabParams) (collab.EncodedCollab, error) {
	if c.redis != nil {
		if encoded, ok := c.readRedis(ctx, params.WorkspaceID, params.ObjectID); ok {
			return encoded, nil
		}
	}

	var record collab.CollabRecord
	err := database.Conn(ctx, c.db).
		Where(queryObjectID, params.ObjectID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.EncodedCollab{}, collab.NewNotFoundError(opGetCollabEncodeData, reasonRecordNotFound, nil)
	}
	if err != nil {
		c.logError(opGetCollabEncodeData, reasonQueryFailed, err,
			zap.String(fieldObjectID, params.ObjectID),
			zap.Int64("uid", uid))
		return collab.EncodedCollab{}, collab.NewInternalError(opGetCollabEncodeData, reasonQueryFailed, err)
	}
	if params.WorkspaceID != "" && record.WorkspaceID != params.WorkspaceID {
		return collab.EncodedCollab{}, collab.NewNotFoundError(opGetCollabEncodeData, reasonWorkspaceMatch, nil)
	}
	encoded, err := collab.DecodeEncodedCollab(record.EncodedCollabV1)
	if err != nil {
		c.logError(opGetCollabEncodeData, reasonDecodeFailed, err, zap.String(fieldObjectID, params.ObjectID))
		return collab.EncodedCollab{}, collab.NewInternalError(opGetCollabEncodeData, reasonDecodeFailed, err)
	}
	c.writeRedis(ctx, record)
	return encoded, nil
}

// LoadEncodeCollab returns the persisted state of objectID whichever workspace
// owns it. Live sessions start from it.
func (c *CollabCache) LoadEncodeCollab(ctx context.Context, objectID string) (collab.EncodedCollab, error) {
	return c.GetCollabEncodeData(ctx, 0, collab.QueryCollabParams{ObjectID: objectID})
}

// BatchGetEncodeCollab resolves every query to a result keyed by object id.
// Objects found in neither Redis nor the store, or owned by another workspace
// than the query names, are reported as failed.
func (c *CollabCache) BatchGetEncodeCollab(ctx context.Context, uid int64, queries []collab.QueryCollab) map[string]collab.QueryCollabResult {
	results := make(map[string]collab.QueryCollabResult, len(queries))
	pending := make([]string, 0, len(queries))
	scopes := make(map[string]string, len(queries))
	for _, query := range queries {
		if _, ok := scopes[query.ObjectID]; ok {
			continue
		}
		scopes[query.ObjectID] = query.WorkspaceID
		pending = append(pending, query.ObjectID)
	}
	if len(pending) == 0 {
		return results
	}

	if c.redis != nil {
		pending = c.batchReadRedis(ctx, pending, scopes, results)
	}
	if len(pending) == 0 {
		return results
	}

	var records []collab.CollabRecord
	err := database.Conn(ctx, c.db).
		Where(queryObjectIDIn, pending).
		Find(&records).Error
	if err != nil {
		c.logError(opBatchGetEncodeCollab, reasonQueryFailed, err, zap.Int64("uid", uid), zap.Int("count", len(pending)))
		for _, objectID := range pending {
			results[objectID] = collab.FailedResult(err.Error())
		}
		return results
	}
	for _, record := range records {
		if scope := scopes[record.ObjectID]; scope != "" && scope != record.WorkspaceID {
			continue
		}
		results[record.ObjectID] = collab.SuccessResult(record.EncodedCollabV1)
		c.writeRedis(ctx, record)
	}
	for _, objectID := range pending {
		if _, ok := results[objectID]; !ok {
			results[objectID] = collab.FailedResult(collab.ErrNotFound.Error())
		}
	}
	return results
}

// RemoveCollab deletes the object row of workspaceID, its policies and its
// Redis copy. Removing an absent object, or one owned by another workspace,
// changes nothing and succeeds.
func (c *CollabCache) RemoveCollab(ctx context.Context, workspaceID, objectID string) error {
	err := database.Transaction(ctx, c.db, func(txCtx context.Context, transaction *gorm.DB) error {
		removed := transaction.
			Where(queryWorkspaceObject, workspaceID, objectID).
			Delete(&collab.CollabRecord{})
		if removed.Error != nil {
			return removed.Error
		}
		if removed.RowsAffected == 0 {
			return nil
		}
		if err := transaction.Where(queryObjectID, objectID).Delete(&collab.AccessPolicy{}).Error; err != nil {
			return err
		}
		c.invalidateAfterCommit(txCtx, opRemoveCollab, objectID)
		return nil
	})
	if err != nil {
		c.logError(opRemoveCollab, reasonDeleteFailed, err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldObjectID, objectID))
		return collab.NewInternalError(opRemoveCollab, reasonDeleteFailed, err)
	}
	return nil
}

// QueryState returns a snapshot of the Redis lookup counters.
func (c *CollabCache) QueryState() QueryState {
	return QueryState{
		TotalAttempts:   c.totalAttempts.Load(),
		SuccessAttempts: c.successAttempts.Load(),
	}
}

func (c *CollabCache) readRedis(ctx context.Context, workspaceID, objectID string) (collab.EncodedCollab, bool) {
	c.totalAttempts.Add(1)
	values, err := c.redis.HGetAll(ctx, EncodeCollabKey(objectID)).Result()
	if err != nil {
		c.logger.Warn("redis lookup failed",
			zap.String("operation", opGetCollabEncodeData),
			zap.String("reason", reasonRedisRead),
			zap.String(fieldObjectID, objectID),
			zap.Error(err))
		return collab.EncodedCollab{}, false
	}
	raw, ok := values[hashFieldEncoded]
	if !ok {
		return collab.EncodedCollab{}, false
	}
	if workspaceID != "" && values[hashFieldWorkspace] != workspaceID {
		return collab.EncodedCollab{}, false
	}
	encoded, err := collab.DecodeEncodedCollab([]byte(raw))
	if err != nil {
		c.logError(opGetCollabEncodeData, reasonDecodeFailed, err, zap.String(fieldObjectID, objectID))
		c.invalidate(ctx, opGetCollabEncodeData, objectID)
		return collab.EncodedCollab{}, false
	}
	c.successAttempts.Add(1)
	return encoded, true
}

func (c *CollabCache) batchReadRedis(ctx context.Context, objectIDs []string, scopes map[string]string, results map[string]collab.QueryCollabResult) []string {
	commands := make([]*redis.MapStringStringCmd, len(objectIDs))
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for index, objectID := range objectIDs {
			commands[index] = pipe.HGetAll(ctx, EncodeCollabKey(objectID))
		}
		return nil
	})
	c.totalAttempts.Add(int64(len(objectIDs)))
	if err != nil {
		c.logger.Warn("redis batch lookup failed",
			zap.String("operation", opBatchGetEncodeCollab),
			zap.String("reason", reasonRedisRead),
			zap.Error(err))
		return objectIDs
	}

	missing := objectIDs[:0:0]
	for index, objectID := range objectIDs {
		values := commands[index].Val()
		raw, ok := values[hashFieldEncoded]
		if !ok {
			missing = append(missing, objectID)
			continue
		}
		if scope := scopes[objectID]; scope != "" && values[hashFieldWorkspace] != scope {
			missing = append(missing, objectID)
			continue
		}
		c.successAttempts.Add(1)
		results[objectID] = collab.SuccessResult([]byte(raw))
	}
	return missing
}

func (c *CollabCache) writeRedis(ctx context.Context, record collab.CollabRecord) {
	if c.redis == nil {
		return
	}
	key := EncodeCollabKey(record.ObjectID)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			hashFieldWorkspace, record.WorkspaceID,
			hashFieldEncoded, record.EncodedCollabV1)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		c.logger.Warn("redis backfill failed",
			zap.String("operation", opGetCollabEncodeData),
			zap.String("reason", reasonRedisWrite),
			zap.String(fieldObjectID, record.ObjectID),
			zap.Error(err))
	}
}

func (c *CollabCache) invalidateAfterCommit(ctx context.Context, operation, objectID string) {
	if c.redis == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	database.AfterCommit(ctx, func() {
		c.invalidate(detached, operation, objectID)
	})
}

func (c *CollabCache) invalidate(ctx context.Context, operation, objectID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, EncodeCollabKey(objectID)).Err(); err != nil {
		c.logger.Warn("redis invalidation failed",
			zap.String("operation", operation),
			zap.String("reason", reasonRedisWrite),
			zap.String(fieldObjectID, objectID),
			zap.Error(err))
	}
}

func (c *CollabCache) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("collab cache error", attrs...)
}
