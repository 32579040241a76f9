package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEnforceRead           = "access.enforce_read_collab"
	opEnforceWrite          = "access.enforce_write_collab"
	opEnforceWriteWorkspace = "access.enforce_write_workspace"
	opEnforceDelete         = "access.enforce_delete"
	opEnforceManage         = "access.enforce_manage_policy"
	opEnforceLive           = "access.enforce_live"
	opUpdatePolicy          = "access.update_policy"
	reasonPolicyLookup      = "policy_lookup_failed"
	reasonMemberLookup      = "member_lookup_failed"
	reasonObjectLookup      = "object_lookup_failed"
	reasonObjectNotFound    = "object_not_found"
	reasonPolicyUpsert      = "policy_upsert_failed"
	reasonInvalidLevel      = "invalid_access_level"
	reasonInvalidInput      = "invalid_input"
)

var errMissingDatabase = errors.New("access: database handle is required")

// Config describes the dependencies of CollabAccessControl.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// CollabAccessControl answers permission questions from the policy and
// workspace membership tables.
//
// An object is only reachable through the workspace that owns it. Within that
// workspace an explicit collab policy always wins. Without one, workspace
// owners and members may read and write, and only workspace owners may delete.
type CollabAccessControl struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCollabAccessControl constructs the gorm-backed access control.
func NewCollabAccessControl(cfg Config) (*CollabAccessControl, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollabAccessControl{db: cfg.Database, logger: logger}, nil
}

// EnforceReadCollab reports whether uid may read objectID through workspaceID.
func (ac *CollabAccessControl) EnforceReadCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	inScope, _, err := ac.inWorkspace(ctx, opEnforceRead, workspaceID, objectID)
	if err != nil || !inScope {
		return false, err
	}
	level, found, err := ac.policyLevel(ctx, opEnforceRead, uid, objectID)
	if err != nil || found {
		return found && level.CanRead(), err
	}
	role, member, err := ac.memberRole(ctx, opEnforceRead, uid, workspaceID)
	if err != nil {
		return false, err
	}
	return member && role.CanWriteWorkspace(), nil
}

// EnforceWriteCollab reports whether uid may update objectID through workspaceID.
func (ac *CollabAccessControl) EnforceWriteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	inScope, _, err := ac.inWorkspace(ctx, opEnforceWrite, workspaceID, objectID)
	if err != nil || !inScope {
		return false, err
	}
	level, found, err := ac.policyLevel(ctx, opEnforceWrite, uid, objectID)
	if err != nil || found {
		return found && level.CanWrite(), err
	}
	role, member, err := ac.memberRole(ctx, opEnforceWrite, uid, workspaceID)
	if err != nil {
		return false, err
	}
	return member && role.CanWriteWorkspace(), nil
}

// EnforceWriteWorkspace reports whether uid may create objects in workspaceID.
func (ac *CollabAccessControl) EnforceWriteWorkspace(ctx context.Context, uid int64, workspaceID string) (bool, error) {
	role, member, err := ac.memberRole(ctx, opEnforceWriteWorkspace, uid, workspaceID)
	if err != nil {
		return false, err
	}
	return member && role.CanWriteWorkspace(), nil
}

// EnforceDelete reports whether uid may delete objectID through workspaceID.
func (ac *CollabAccessControl) EnforceDelete(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	inScope, _, err := ac.inWorkspace(ctx, opEnforceDelete, workspaceID, objectID)
	if err != nil || !inScope {
		return false, err
	}
	return ac.canDelete(ctx, opEnforceDelete, workspaceID, uid, objectID)
}

// EnforceManagePolicy reports whether uid may change who can access objectID.
// The object must already exist in workspaceID.
func (ac *CollabAccessControl) EnforceManagePolicy(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error) {
	inScope, exists, err := ac.inWorkspace(ctx, opEnforceManage, workspaceID, objectID)
	if err != nil || !inScope {
		return false, err
	}
	if !exists {
		return false, collab.NewNotFoundError(opEnforceManage, reasonObjectNotFound, nil)
	}
	return ac.canDelete(ctx, opEnforceManage, workspaceID, uid, objectID)
}

// EnforceLiveRead reports whether uid may follow the live session of
// objectID. Only persisted objects have live sessions.
func (ac *CollabAccessControl) EnforceLiveRead(ctx context.Context, uid int64, objectID string) (bool, error) {
	workspaceID, exists, err := ac.objectWorkspace(ctx, opEnforceLive, objectID)
	if err != nil || !exists {
		return false, err
	}
	return ac.EnforceReadCollab(ctx, workspaceID, uid, objectID)
}

// EnforceLiveWrite reports whether uid may push revisions to objectID.
func (ac *CollabAccessControl) EnforceLiveWrite(ctx context.Context, uid int64, objectID string) (bool, error) {
	workspaceID, exists, err := ac.objectWorkspace(ctx, opEnforceLive, objectID)
	if err != nil || !exists {
		return false, err
	}
	return ac.EnforceWriteCollab(ctx, workspaceID, uid, objectID)
}

func (ac *CollabAccessControl) canDelete(ctx context.Context, operation, workspaceID string, uid int64, objectID string) (bool, error) {
	level, found, err := ac.policyLevel(ctx, operation, uid, objectID)
	if err != nil {
		return false, err
	}
	if found && level.CanDelete() {
		return true, nil
	}
	role, member, err := ac.memberRole(ctx, operation, uid, workspaceID)
	if err != nil {
		return false, err
	}
	return member && role == collab.WorkspaceRoleOwner, nil
}

// UpdatePolicy records level for uid over objectID, replacing any previous level.
// It runs inside the transaction bound to ctx when there is one.
func (ac *CollabAccessControl) UpdatePolicy(ctx context.Context, uid int64, objectID string, level collab.AccessLevel) error {
	if !level.Valid() {
		return collab.NewValidationError(opUpdatePolicy, reasonInvalidLevel, fmt.Errorf("%w: %d", collab.ErrInvalidAccessLevel, int(level)))
	}
	if err := collab.ValidateUID(uid); err != nil {
		return collab.NewValidationError(opUpdatePolicy, reasonInvalidInput, err)
	}
	if err := collab.ValidateObjectID(objectID); err != nil {
		return collab.NewValidationError(opUpdatePolicy, reasonInvalidInput, err)
	}

	policy := collab.AccessPolicy{UID: uid, ObjectID: objectID, AccessLevel: int(level)}
	err := database.Conn(ctx, ac.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}, {Name: "object_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_level"}),
		}).
		Create(&policy).Error
	if err != nil {
		ac.logError(opUpdatePolicy, reasonPolicyUpsert, err, zap.Int64("uid", uid), zap.String("object_id", objectID))
		return collab.NewInternalError(opUpdatePolicy, reasonPolicyUpsert, err)
	}
	return nil
}

// inWorkspace reports whether objectID is absent or owned by workspaceID, and
// whether it exists.
func (ac *CollabAccessControl) inWorkspace(ctx context.Context, operation, workspaceID, objectID string) (bool, bool, error) {
	owner, exists, err := ac.objectWorkspace(ctx, operation, objectID)
	if err != nil {
		return false, false, err
	}
	return !exists || owner == workspaceID, exists, nil
}

func (ac *CollabAccessControl) objectWorkspace(ctx context.Context, operation, objectID string) (string, bool, error) {
	var record collab.CollabRecord
	err := database.Conn(ctx, ac.db).
		Select("workspace_id").
		Where("object_id = ?", objectID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		ac.logError(operation, reasonObjectLookup, err, zap.String("object_id", objectID))
		return "", false, collab.NewInternalError(operation, reasonObjectLookup, err)
	}
	return record.WorkspaceID, true, nil
}

func (ac *CollabAccessControl) policyLevel(ctx context.Context, operation string, uid int64, objectID string) (collab.AccessLevel, bool, error) {
	var policy collab.AccessPolicy
	err := database.Conn(ctx, ac.db).
		Where("uid = ? AND object_id = ?", uid, objectID).
		Take(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		ac.logError(operation, reasonPolicyLookup, err, zap.Int64("uid", uid), zap.String("object_id", objectID))
		return 0, false, collab.NewInternalError(operation, reasonPolicyLookup, err)
	}
	return collab.AccessLevel(policy.AccessLevel), true, nil
}

func (ac *CollabAccessControl) memberRole(ctx context.Context, operation string, uid int64, workspaceID string) (collab.WorkspaceRole, bool, error) {
	var member collab.WorkspaceMember
	err := database.Conn(ctx, ac.db).
		Where("workspace_id = ? AND uid = ?", workspaceID, uid).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		ac.logError(operation, reasonMemberLookup, err, zap.Int64("uid", uid), zap.String("workspace_id", workspaceID))
		return "", false, collab.NewInternalError(operation, reasonMemberLookup, err)
	}
	return collab.WorkspaceRole(member.Role), true, nil
}

func (ac *CollabAccessControl) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	ac.logger.Error("access control error", attrs...)
}
