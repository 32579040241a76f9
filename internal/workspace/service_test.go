package workspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (ids *sequenceIDs) NewID() (string, error) {
	ids.next++
	return "id-" + string(rune('a'+ids.next-1)), nil
}

func newTestService(testContext *testing.T, collabs CollabCreator) (*Service, *gorm.DB) {
	testContext.Helper()
	db := dbtest.Open(testContext)
	if collabs == nil {
		collabs = newStorage(testContext, db)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Collabs:    collabs,
		IDProvider: &sequenceIDs{},
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func newStorage(testContext *testing.T, db *gorm.DB) *storage.CollabStorage {
	testContext.Helper()
	collabCache, err := cache.NewCollabCache(cache.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build cache: %v", err)
	}
	accessControl, err := access.NewCollabAccessControl(access.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build access control: %v", err)
	}
	snapshotControl, err := snapshot.NewControl(snapshot.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build snapshot control: %v", err)
	}
	testContext.Cleanup(snapshotControl.Close)
	collabStorage, err := storage.NewCollabStorage(storage.Config{
		Cache:           collabCache,
		AccessControl:   accessControl,
		SnapshotControl: snapshotControl,
	})
	if err != nil {
		testContext.Fatalf("failed to build storage: %v", err)
	}
	return collabStorage
}

func TestCreateWorkspaceWritesInitialDocument(testContext *testing.T) {
	service, db := newTestService(testContext, nil)
	ctx := context.Background()

	created, err := service.CreateWorkspace(ctx, 5, "  Team  ", collab.CollabParams{CollabType: collab.CollabTypeDocument})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if created.Workspace.WorkspaceID != "id-a" || created.InitialObjectID != "id-b" || created.Workspace.Name != "Team" {
		testContext.Fatalf("unexpected workspace %+v", created)
	}

	var record collab.CollabRecord
	if err := db.Where("object_id = ?", created.InitialObjectID).Take(&record).Error; err != nil {
		testContext.Fatalf("initial document missing: %v", err)
	}
	if record.WorkspaceID != "id-a" || record.OwnerUID != 5 {
		testContext.Fatalf("unexpected initial document %+v", record)
	}
	var policy collab.AccessPolicy
	if err := db.Where("object_id = ? AND uid = ?", created.InitialObjectID, 5).Take(&policy).Error; err != nil {
		testContext.Fatalf("creator policy missing: %v", err)
	}

	workspaces, err := service.ListWorkspaces(ctx, 5)
	if err != nil || len(workspaces) != 1 {
		testContext.Fatalf("expected one workspace, got %+v (%v)", workspaces, err)
	}
}

type failingCreator struct{}

func (failingCreator) InsertNewCollabWithTransaction(ctx context.Context, workspaceID string, uid int64, params collab.CollabParams, transaction *gorm.DB) error {
	return collab.NewInternalError("test.insert", "forced", errors.New("forced failure"))
}

func TestCreateWorkspaceRollsBackWhenDocumentFails(testContext *testing.T) {
	service, db := newTestService(testContext, failingCreator{})

	if _, err := service.CreateWorkspace(context.Background(), 5, "Team", collab.CollabParams{}); !collab.IsKind(err, collab.KindInternal) {
		testContext.Fatalf("expected internal error, got %v", err)
	}
	var workspaces, members int64
	if err := db.Model(&collab.Workspace{}).Count(&workspaces).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if err := db.Model(&collab.WorkspaceMember{}).Count(&members).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if workspaces != 0 || members != 0 {
		testContext.Fatalf("expected rollback, found %d workspaces and %d members", workspaces, members)
	}
}

func TestAddMemberRequiresOwner(testContext *testing.T) {
	service, db := newTestService(testContext, nil)
	ctx := context.Background()

	created, err := service.CreateWorkspace(ctx, 5, "Team", collab.CollabParams{})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	workspaceID := created.Workspace.WorkspaceID

	if err := service.AddMember(ctx, 5, workspaceID, 6, collab.WorkspaceRoleMember); err != nil {
		testContext.Fatalf("owner add failed: %v", err)
	}
	if err := service.AddMember(ctx, 6, workspaceID, 7, collab.WorkspaceRoleMember); !collab.IsKind(err, collab.KindPermissionDenied) {
		testContext.Fatalf("expected member add to be denied, got %v", err)
	}
	if err := service.AddMember(ctx, 5, workspaceID, 7, collab.WorkspaceRoleOwner); !collab.IsKind(err, collab.KindValidation) {
		testContext.Fatalf("expected owner grant to be rejected, got %v", err)
	}
	if err := service.AddMember(ctx, 5, workspaceID, 6, collab.WorkspaceRoleGuest); err != nil {
		testContext.Fatalf("role change failed: %v", err)
	}

	var member collab.WorkspaceMember
	if err := db.Where("workspace_id = ? AND uid = ?", workspaceID, 6).Take(&member).Error; err != nil {
		testContext.Fatalf("member lookup failed: %v", err)
	}
	if member.Role != string(collab.WorkspaceRoleGuest) {
		testContext.Fatalf("expected guest role, got %s", member.Role)
	}
}

func TestCreateWorkspaceValidatesName(testContext *testing.T) {
	service, _ := newTestService(testContext, nil)
	if _, err := service.CreateWorkspace(context.Background(), 5, "   ", collab.CollabParams{}); !collab.IsKind(err, collab.KindValidation) {
		testContext.Fatalf("expected validation error, got %v", err)
	}
}
