// Package storage is the single entry point for collab reads and writes. Every
// operation checks permissions before touching the cache, the store or the
// live session.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opInsertOrUpdate     = "storage.insert_or_update_collab"
	opInsertWithTx       = "storage.insert_new_collab_with_transaction"
	opGetEncodeCollab    = "storage.get_encode_collab"
	opDeleteCollab       = "storage.delete_collab"
	opLiveQuery          = "storage.live_query"
	reasonInvalidParams  = "invalid_params"
	reasonInvalidEncoded = "invalid_encoded_collab"
	reasonTransaction    = "transaction_failed"
	reasonMissingTx      = "missing_transaction"
	reasonLiveTimeout    = "live_query_timeout"
	reasonNotFound       = "record_not_found"
	actionWriteWorkspace = "write workspace"
	actionWriteCollab    = "write collab"
	actionReadCollab     = "read collab"
	actionDeleteCollab   = "delete collab"
	fieldObjectID        = "object_id"
	fieldWorkspaceID     = "workspace_id"

	// DefaultLiveQueryTimeout bounds a live state query, covering both the send
	// and the reply.
	DefaultLiveQueryTimeout = 5 * time.Second
)

var (
	errMissingCache         = errors.New("storage: cache is required")
	errMissingAccessControl = errors.New("storage: access control is required")
	errMissingSnapshot      = errors.New("storage: snapshot control is required")
	errMissingTransaction   = errors.New("storage: transaction is required")
	errLiveQueryTimeout     = errors.New("storage: live session did not answer in time")
)

// AccessControl answers permission questions for collab objects.
type AccessControl interface {
	EnforceReadCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	EnforceWriteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	EnforceWriteWorkspace(ctx context.Context, uid int64, workspaceID string) (bool, error)
	EnforceDelete(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	UpdatePolicy(ctx context.Context, uid int64, objectID string, level collab.AccessLevel) error
}

// Cache fronts the persistent collab store.
type Cache interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context, transaction *gorm.DB) error) error
	IsExist(ctx context.Context, objectID string) (bool, error)
	InsertEncodeCollabData(ctx context.Context, transaction *gorm.DB, workspaceID string, uid int64, params collab.CollabParams) error
	GetCollabEncodeData(ctx context.Context, uid int64, params collab.QueryCollabParams) (collab.EncodedCollab, error)
	BatchGetEncodeCollab(ctx context.Context, uid int64, queries []collab.QueryCollab) map[string]collab.QueryCollabResult
	RemoveCollab(ctx context.Context, workspaceID, objectID string) error
	QueryState() cache.QueryState
}

// SnapshotControl creates and retrieves snapshots.
type SnapshotControl interface {
	ShouldCreateSnapshot(ctx context.Context, objectID string) (bool, error)
	CreateSnapshot(ctx context.Context, params collab.InsertSnapshotParams) (collab.SnapshotMeta, error)
	QueueSnapshot(params collab.InsertSnapshotParams) error
	GetSnapshot(ctx context.Context, workspaceID, objectID string, snapshotID int64) (collab.SnapshotData, error)
	GetCollabSnapshotList(ctx context.Context, workspaceID, objectID string) (collab.SnapshotMetas, error)
}

// Config describes the dependencies of CollabStorage.
type Config struct {
	Cache           Cache
	AccessControl   AccessControl
	SnapshotControl SnapshotControl
	// RealtimeCommands reaches the live session; nil disables live reads.
	RealtimeCommands chan<- realtime.Command
	LiveQueryTimeout time.Duration
	Logger           *zap.Logger
}

// CollabStorage is the access-controlled storage facade.
type CollabStorage struct {
	cache            Cache
	accessControl    AccessControl
	snapshotControl  SnapshotControl
	realtimeCommands chan<- realtime.Command
	liveQueryTimeout time.Duration
	logger           *zap.Logger
}

// NewCollabStorage constructs the facade.
func NewCollabStorage(cfg Config) (*CollabStorage, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.AccessControl == nil {
		return nil, errMissingAccessControl
	}
	if cfg.SnapshotControl == nil {
		return nil, errMissingSnapshot
	}
	timeout := cfg.LiveQueryTimeout
	if timeout <= 0 {
		timeout = DefaultLiveQueryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollabStorage{
		cache:            cfg.Cache,
		accessControl:    cfg.AccessControl,
		snapshotControl:  cfg.SnapshotControl,
		realtimeCommands: cfg.RealtimeCommands,
		liveQueryTimeout: timeout,
		logger:           logger,
	}, nil
}

// InsertOrUpdateCollab creates objectID with uid as its full-access owner, or
// replaces the state of an existing object uid may write.
func (s *CollabStorage) InsertOrUpdateCollab(ctx context.Context, workspaceID string, uid int64, params collab.CollabParams) error {
	if err := validateCollabParams(opInsertOrUpdate, workspaceID, uid, params); err != nil {
		return err
	}
	exists, err := s.cache.IsExist(ctx, params.ObjectID)
	if err != nil {
		return err
	}
	if err := s.enforceWrite(ctx, opInsertOrUpdate, workspaceID, uid, params.ObjectID, exists); err != nil {
		return err
	}

	err = s.cache.Transaction(ctx, func(txCtx context.Context, transaction *gorm.DB) error {
		return s.writeInTransaction(txCtx, transaction, opInsertOrUpdate, workspaceID, uid, params, exists)
	})
	return s.transactionError(opInsertOrUpdate, workspaceID, params.ObjectID, err)
}

// InsertNewCollabWithTransaction runs the creation path inside transaction so
// that the caller commits or rolls back the object with its own writes. Callers
// opening transaction through database.Transaction and passing its context get
// the Redis invalidation deferred to their commit.
func (s *CollabStorage) InsertNewCollabWithTransaction(ctx context.Context, workspaceID string, uid int64, params collab.CollabParams, transaction *gorm.DB) error {
	if transaction == nil {
		return collab.NewInternalError(opInsertWithTx, reasonMissingTx, errMissingTransaction)
	}
	if err := validateCollabParams(opInsertWithTx, workspaceID, uid, params); err != nil {
		return err
	}
	txCtx := database.ContextWithTransaction(ctx, transaction)
	exists, err := s.cache.IsExist(txCtx, params.ObjectID)
	if err != nil {
		return err
	}
	if err := s.enforceWrite(txCtx, opInsertWithTx, workspaceID, uid, params.ObjectID, exists); err != nil {
		return err
	}
	err = s.writeInTransaction(txCtx, transaction, opInsertWithTx, workspaceID, uid, params, exists)
	return s.transactionError(opInsertWithTx, workspaceID, params.ObjectID, err)
}

// GetEncodeCollab returns the state of an object uid may read. Unless the
// caller is initializing the collab, the live session is asked first and the
// cache serves the read when it is absent, fails or is too slow.
func (s *CollabStorage) GetEncodeCollab(ctx context.Context, uid int64, params collab.QueryCollabParams, isCollabInit bool) (collab.EncodedCollab, error) {
	if err := params.Validate(); err != nil {
		return collab.EncodedCollab{}, collab.NewValidationError(opGetEncodeCollab, reasonInvalidParams, err)
	}
	allowed, err := s.accessControl.EnforceReadCollab(ctx, params.WorkspaceID, uid, params.ObjectID)
	if err != nil {
		return collab.EncodedCollab{}, err
	}
	if !allowed {
		return collab.EncodedCollab{}, collab.NewPermissionDenied(opGetEncodeCollab, uid, actionReadCollab)
	}

	if !isCollabInit {
		exists, err := s.cache.IsExist(ctx, params.ObjectID)
		if err != nil {
			return collab.EncodedCollab{}, err
		}
		if !exists {
			return collab.EncodedCollab{}, collab.NewNotFoundError(opGetEncodeCollab, reasonNotFound, nil)
		}
		if live := s.queryLive(ctx, params.ObjectID); live != nil {
			return *live, nil
		}
	}
	return s.cache.GetCollabEncodeData(ctx, uid, params)
}

// BatchGetCollab resolves every query independently. Invalid queries become
// failed entries carrying the validation error; the result holds one entry per
// distinct object id.
func (s *CollabStorage) BatchGetCollab(ctx context.Context, uid int64, queries []collab.QueryCollab) map[string]collab.QueryCollabResult {
	results := make(map[string]collab.QueryCollabResult, len(queries))
	valid := make([]collab.QueryCollab, 0, len(queries))
	for _, query := range queries {
		if err := query.Validate(); err != nil {
			results[query.ObjectID] = collab.FailedResult(err.Error())
			continue
		}
		valid = append(valid, query)
	}
	if len(valid) == 0 {
		return results
	}
	for objectID, result := range s.cache.BatchGetEncodeCollab(ctx, uid, valid) {
		results[objectID] = result
	}
	return results
}

// DeleteCollab removes an object uid may delete. Deleting an absent object
// succeeds.
func (s *CollabStorage) DeleteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) error {
	if err := collab.ValidateWorkspaceID(workspaceID); err != nil {
		return collab.NewValidationError(opDeleteCollab, reasonInvalidParams, err)
	}
	if err := collab.ValidateObjectID(objectID); err != nil {
		return collab.NewValidationError(opDeleteCollab, reasonInvalidParams, err)
	}
	allowed, err := s.accessControl.EnforceDelete(ctx, workspaceID, uid, objectID)
	if err != nil {
		return err
	}
	if !allowed {
		return collab.NewPermissionDenied(opDeleteCollab, uid, actionDeleteCollab)
	}
	return s.cache.RemoveCollab(ctx, workspaceID, objectID)
}

// ShouldCreateSnapshot reports whether a snapshot of objectID is due.
func (s *CollabStorage) ShouldCreateSnapshot(ctx context.Context, objectID string) (bool, error) {
	return s.snapshotControl.ShouldCreateSnapshot(ctx, objectID)
}

// CreateSnapshot stores a snapshot synchronously.
func (s *CollabStorage) CreateSnapshot(ctx context.Context, params collab.InsertSnapshotParams) (collab.SnapshotMeta, error) {
	return s.snapshotControl.CreateSnapshot(ctx, params)
}

// QueueSnapshot defers snapshot creation to the snapshot worker.
func (s *CollabStorage) QueueSnapshot(params collab.InsertSnapshotParams) error {
	return s.snapshotControl.QueueSnapshot(params)
}

// GetCollabSnapshot returns one snapshot.
func (s *CollabStorage) GetCollabSnapshot(ctx context.Context, workspaceID, objectID string, snapshotID int64) (collab.SnapshotData, error) {
	return s.snapshotControl.GetSnapshot(ctx, workspaceID, objectID, snapshotID)
}

// GetCollabSnapshotList lists snapshot metadata of objectID in workspaceID,
// newest first.
func (s *CollabStorage) GetCollabSnapshotList(ctx context.Context, workspaceID, objectID string) (collab.SnapshotMetas, error) {
	return s.snapshotControl.GetCollabSnapshotList(ctx, workspaceID, objectID)
}

// EncodeCollabRedisQueryState returns the cache lookup counters.
func (s *CollabStorage) EncodeCollabRedisQueryState() cache.QueryState {
	return s.cache.QueryState()
}

func (s *CollabStorage) enforceWrite(ctx context.Context, operation, workspaceID string, uid int64, objectID string, exists bool) error {
	var (
		allowed bool
		action  string
		err     error
	)
	if exists {
		allowed, err = s.accessControl.EnforceWriteCollab(ctx, workspaceID, uid, objectID)
		action = actionWriteCollab
	} else {
		allowed, err = s.accessControl.EnforceWriteWorkspace(ctx, uid, workspaceID)
		action = actionWriteWorkspace
	}
	if err != nil {
		return err
	}
	if !allowed {
		return collab.NewPermissionDenied(operation, uid, action)
	}
	return nil
}

// writeInTransaction grants the creator full access when the object is new and
// writes the state. txCtx carries transaction.
func (s *CollabStorage) writeInTransaction(txCtx context.Context, transaction *gorm.DB, operation, workspaceID string, uid int64, params collab.CollabParams, existed bool) error {
	if !existed {
		existsNow, err := s.cache.IsExist(txCtx, params.ObjectID)
		if err != nil {
			return err
		}
		if existsNow {
			existed = true
			if err := s.enforceWrite(txCtx, operation, workspaceID, uid, params.ObjectID, true); err != nil {
				return err
			}
		}
	}
	if !existed {
		if err := s.accessControl.UpdatePolicy(txCtx, uid, params.ObjectID, collab.AccessLevelFullAccess); err != nil {
			return err
		}
	}
	return s.cache.InsertEncodeCollabData(txCtx, transaction, workspaceID, uid, params)
}

func (s *CollabStorage) transactionError(operation, workspaceID, objectID string, err error) error {
	if err == nil {
		return nil
	}
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		return err
	}
	s.logger.Error("collab storage error",
		zap.String("operation", operation),
		zap.String("reason", reasonTransaction),
		zap.String(fieldWorkspaceID, workspaceID),
		zap.String(fieldObjectID, objectID),
		zap.Error(err))
	return collab.NewInternalError(operation, reasonTransaction, err)
}

func (s *CollabStorage) queryLive(ctx context.Context, objectID string) *collab.EncodedCollab {
	if s.realtimeCommands == nil {
		return nil
	}
	timer := time.NewTimer(s.liveQueryTimeout)
	defer timer.Stop()

	ret := make(chan *collab.EncodedCollab, 1)
	select {
	case s.realtimeCommands <- realtime.GetEncodeCollab{ObjectID: objectID, Ret: ret}:
	case <-timer.C:
		s.logLiveTimeout(objectID)
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case live := <-ret:
		return live
	case <-timer.C:
		s.logLiveTimeout(objectID)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *CollabStorage) logLiveTimeout(objectID string) {
	err := collab.NewTimeoutError(opLiveQuery, reasonLiveTimeout, errLiveQueryTimeout)
	s.logger.Warn("live state query timed out, reading from cache",
		zap.String(fieldObjectID, objectID),
		zap.Duration("timeout", s.liveQueryTimeout),
		zap.Error(err))
}

func validateCollabParams(operation, workspaceID string, uid int64, params collab.CollabParams) error {
	if err := collab.ValidateWorkspaceID(workspaceID); err != nil {
		return collab.NewValidationError(operation, reasonInvalidParams, err)
	}
	if err := collab.ValidateUID(uid); err != nil {
		return collab.NewValidationError(operation, reasonInvalidParams, err)
	}
	if err := params.Validate(); err != nil {
		return collab.NewValidationError(operation, reasonInvalidParams, err)
	}
	if err := params.CheckEncodeCollab(); err != nil {
		return collab.NewValidationError(operation, reasonInvalidEncoded, err)
	}
	return nil
}
