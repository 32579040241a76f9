// Package workspace creates workspaces together with their initial document
// and manages their membership.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateWorkspace   = "workspace.create"
	opAddMember         = "workspace.add_member"
	opListWorkspaces    = "workspace.list"
	reasonInvalidInput  = "invalid_input"
	reasonIDFailed      = "id_generation_failed"
	reasonWriteFailed   = "write_failed"
	reasonQueryFailed   = "query_failed"
	actionAddMember     = "add workspace member"
	maxWorkspaceNameLen = 320
)

var (
	errMissingDatabase   = errors.New("workspace: database handle is required")
	errMissingCollabs    = errors.New("workspace: collab creator is required")
	errInvalidName       = errors.New("workspace: invalid name")
	errOwnerRoleReserved = errors.New("workspace: owner role cannot be granted")
)

// EmptyDocState is the state of a document with no content.
var EmptyDocState = []byte{0x00, 0x00}

// CollabCreator creates a collab object inside a caller transaction.
type CollabCreator interface {
	InsertNewCollabWithTransaction(ctx context.Context, workspaceID string, uid int64, params collab.CollabParams, transaction *gorm.DB) error
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Collabs    CollabCreator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages workspaces.
type Service struct {
	db         *gorm.DB
	collabs    CollabCreator
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// CreatedWorkspace reports a new workspace and its initial document.
type CreatedWorkspace struct {
	Workspace       collab.Workspace
	InitialObjectID string
}

// NewService constructs the workspace service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Collabs == nil {
		return nil, errMissingCollabs
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		collabs:    cfg.Collabs,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CreateWorkspace creates a workspace owned by uid, its owner membership and
// the initial document in one transaction. An initial document without an
// object id or state receives a generated id and an empty state.
func (s *Service) CreateWorkspace(ctx context.Context, uid int64, name string, initial collab.CollabParams) (CreatedWorkspace, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxWorkspaceNameLen {
		return CreatedWorkspace{}, collab.NewValidationError(opCreateWorkspace, reasonInvalidInput, errInvalidName)
	}
	if err := collab.ValidateUID(uid); err != nil {
		return CreatedWorkspace{}, collab.NewValidationError(opCreateWorkspace, reasonInvalidInput, err)
	}

	workspaceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateWorkspace, reasonIDFailed, err)
		return CreatedWorkspace{}, collab.NewInternalError(opCreateWorkspace, reasonIDFailed, err)
	}
	if initial.ObjectID == "" {
		initial.ObjectID, err = s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateWorkspace, reasonIDFailed, err)
			return CreatedWorkspace{}, collab.NewInternalError(opCreateWorkspace, reasonIDFailed, err)
		}
	}
	if len(initial.EncodedCollabV1) == 0 {
		initial.EncodedCollabV1 = collab.EncodedCollab{DocState: EmptyDocState}.EncodeV1()
	}

	record := collab.Workspace{
		WorkspaceID:      workspaceID,
		OwnerUID:         uid,
		Name:             name,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = database.Transaction(ctx, s.db, func(txCtx context.Context, transaction *gorm.DB) error {
		if err := transaction.Create(&record).Error; err != nil {
			s.logError(opCreateWorkspace, reasonWriteFailed, err, zap.String("workspace_id", workspaceID))
			return collab.NewInternalError(opCreateWorkspace, reasonWriteFailed, err)
		}
		owner := collab.WorkspaceMember{WorkspaceID: workspaceID, UID: uid, Role: string(collab.WorkspaceRoleOwner)}
		if err := transaction.Create(&owner).Error; err != nil {
			s.logError(opCreateWorkspace, reasonWriteFailed, err, zap.String("workspace_id", workspaceID))
			return collab.NewInternalError(opCreateWorkspace, reasonWriteFailed, err)
		}
		return s.collabs.InsertNewCollabWithTransaction(txCtx, workspaceID, uid, initial, transaction)
	})
	if err != nil {
		return CreatedWorkspace{}, err
	}
	return CreatedWorkspace{Workspace: record, InitialObjectID: initial.ObjectID}, nil
}

// AddMember grants role in workspaceID to memberUID. Only the workspace owner
// may add members, and ownership cannot be granted.
func (s *Service) AddMember(ctx context.Context, requesterUID int64, workspaceID string, memberUID int64, role collab.WorkspaceRole) error {
	if err := collab.ValidateWorkspaceID(workspaceID); err != nil {
		return collab.NewValidationError(opAddMember, reasonInvalidInput, err)
	}
	if err := collab.ValidateUID(memberUID); err != nil {
		return collab.NewValidationError(opAddMember, reasonInvalidInput, err)
	}
	if role == collab.WorkspaceRoleOwner {
		return collab.NewValidationError(opAddMember, reasonInvalidInput, errOwnerRoleReserved)
	}
	if _, err := collab.ParseWorkspaceRole(string(role)); err != nil {
		return collab.NewValidationError(opAddMember, reasonInvalidInput, err)
	}

	var requester collab.WorkspaceMember
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND uid = ?", workspaceID, requesterUID).
		Take(&requester).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && collab.WorkspaceRole(requester.Role) != collab.WorkspaceRoleOwner) {
		return collab.NewPermissionDenied(opAddMember, requesterUID, actionAddMember)
	}
	if err != nil {
		s.logError(opAddMember, reasonQueryFailed, err, zap.String("workspace_id", workspaceID))
		return collab.NewInternalError(opAddMember, reasonQueryFailed, err)
	}

	if memberUID == requesterUID {
		return collab.NewValidationError(opAddMember, reasonInvalidInput, errOwnerRoleReserved)
	}

	member := collab.WorkspaceMember{WorkspaceID: workspaceID, UID: memberUID, Role: string(role)}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).Error
	if err != nil {
		s.logError(opAddMember, reasonWriteFailed, err, zap.String("workspace_id", workspaceID), zap.Int64("uid", memberUID))
		return collab.NewInternalError(opAddMember, reasonWriteFailed, err)
	}
	return nil
}

// ListWorkspaces returns the workspaces uid belongs to.
func (s *Service) ListWorkspaces(ctx context.Context, uid int64) ([]collab.Workspace, error) {
	var workspaces []collab.Workspace
	err := s.db.WithContext(ctx).
		Joins("JOIN af_workspace_member ON af_workspace_member.workspace_id = af_workspace.workspace_id").
		Where("af_workspace_member.uid = ?", uid).
		Order("af_workspace.created_at_s ASC").
		Find(&workspaces).Error
	if err != nil {
		s.logError(opListWorkspaces, reasonQueryFailed, err, zap.Int64("uid", uid))
		return nil, collab.NewInternalError(opListWorkspaces, reasonQueryFailed, fmt.Errorf("list workspaces: %w", err))
	}
	return workspaces, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("workspace service error", attrs...)
}
