package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/document"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/workspace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	uidContextKey      = "collab_uid"
	opUpdatePolicy     = "server.update_policy"
	opListSnapshots    = "server.list_snapshots"
	opCreateSnapshot   = "server.create_snapshot"
	opGetSnapshot      = "server.get_snapshot"
	actionManagePolicy = "manage collab policy"
	actionReadCollab   = "read collab"
	actionWriteCollab  = "write collab"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingStorage          = errors.New("collab storage dependency required")
	errMissingAccessControl    = errors.New("access control dependency required")
	errMissingWorkspaces       = errors.New("workspace service dependency required")
	errMissingDispatch         = errors.New("dispatch queue dependency required")
	errMissingSessions         = errors.New("session manager dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to a canonical uid.
type UserResolver interface {
	ResolveUID(ctx context.Context, claims auth.SessionClaims) (int64, error)
}

// CollabStorage is the access-controlled storage facade served over HTTP.
type CollabStorage interface {
	InsertOrUpdateCollab(ctx context.Context, workspaceID string, uid int64, params collab.CollabParams) error
	GetEncodeCollab(ctx context.Context, uid int64, params collab.QueryCollabParams, isCollabInit bool) (collab.EncodedCollab, error)
	BatchGetCollab(ctx context.Context, uid int64, queries []collab.QueryCollab) map[string]collab.QueryCollabResult
	DeleteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) error
	ShouldCreateSnapshot(ctx context.Context, objectID string) (bool, error)
	CreateSnapshot(ctx context.Context, params collab.InsertSnapshotParams) (collab.SnapshotMeta, error)
	QueueSnapshot(params collab.InsertSnapshotParams) error
	GetCollabSnapshot(ctx context.Context, workspaceID, objectID string, snapshotID int64) (collab.SnapshotData, error)
	GetCollabSnapshotList(ctx context.Context, workspaceID, objectID string) (collab.SnapshotMetas, error)
}

// AccessControl answers the permission questions the facade leaves to callers.
type AccessControl interface {
	EnforceReadCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	EnforceWriteCollab(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	EnforceManagePolicy(ctx context.Context, workspaceID string, uid int64, objectID string) (bool, error)
	UpdatePolicy(ctx context.Context, uid int64, objectID string, level collab.AccessLevel) error
}

// Workspaces manages workspaces and their members.
type Workspaces interface {
	CreateWorkspace(ctx context.Context, uid int64, name string, initial collab.CollabParams) (workspace.CreatedWorkspace, error)
	AddMember(ctx context.Context, requesterUID int64, workspaceID string, memberUID int64, role collab.WorkspaceRole) error
	ListWorkspaces(ctx context.Context, uid int64) ([]collab.Workspace, error)
}

// Sessions forgets connections once they close.
type Sessions interface {
	Unsubscribe(user realtime.RevisionUser)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Storage          CollabStorage
	AccessControl    AccessControl
	Workspaces       Workspaces
	Dispatch         chan<- document.ActorMessage
	Sessions         Sessions
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Storage == nil {
		return nil, errMissingStorage
	}
	if deps.AccessControl == nil {
		return nil, errMissingAccessControl
	}
	if deps.Workspaces == nil {
		return nil, errMissingWorkspaces
	}
	if deps.Dispatch == nil {
		return nil, errMissingDispatch
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		users:      deps.Users,
		storage:    deps.Storage,
		access:     deps.AccessControl,
		workspaces: deps.Workspaces,
		dispatch:   deps.Dispatch,
		live:       deps.Sessions,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)

	api := protected.Group("/api")
	api.GET("/workspaces", handler.handleListWorkspaces)
	api.POST("/workspaces", handler.handleCreateWorkspace)
	api.POST("/workspaces/:workspace_id/members", handler.handleAddMember)
	api.POST("/workspaces/:workspace_id/collab_batch", handler.handleBatchGetCollab)
	api.PUT("/workspaces/:workspace_id/collabs/:object_id", handler.handlePutCollab)
	api.GET("/workspaces/:workspace_id/collabs/:object_id", handler.handleGetCollab)
	api.DELETE("/workspaces/:workspace_id/collabs/:object_id", handler.handleDeleteCollab)
	api.PUT("/workspaces/:workspace_id/collabs/:object_id/policies/:uid", handler.handleUpdatePolicy)
	api.GET("/workspaces/:workspace_id/collabs/:object_id/snapshots", handler.handleListSnapshots)
	api.POST("/workspaces/:workspace_id/collabs/:object_id/snapshots", handler.handleCreateSnapshot)
	api.GET("/workspaces/:workspace_id/collabs/:object_id/snapshots/:snapshot_id", handler.handleGetSnapshot)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	users      UserResolver
	storage    CollabStorage
	access     AccessControl
	workspaces Workspaces
	dispatch   chan<- document.ActorMessage
	live       Sessions
	logger     *zap.Logger
}

type collabPayload struct {
	ObjectID        string `json:"object_id,omitempty"`
	CollabType      string `json:"collab_type"`
	EncodedCollabV1 []byte `json:"encoded_collab_v1"`
}

type createWorkspaceRequest struct {
	Name    string         `json:"name"`
	Initial *collabPayload `json:"initial,omitempty"`
}

type workspacePayload struct {
	WorkspaceID      string `json:"workspace_id"`
	Name             string `json:"name"`
	OwnerUID         int64  `json:"owner_uid"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type createWorkspaceResponse struct {
	Workspace       workspacePayload `json:"workspace"`
	InitialObjectID string           `json:"initial_object_id"`
}

type addMemberRequest struct {
	UID  int64  `json:"uid"`
	Role string `json:"role"`
}

type encodedCollabPayload struct {
	ObjectID        string `json:"object_id"`
	StateVector     []byte `json:"state_vector"`
	DocState        []byte `json:"doc_state"`
	EncodedCollabV1 []byte `json:"encoded_collab_v1"`
}

type batchRequest struct {
	Queries []collabPayload `json:"queries"`
}

type batchItemPayload struct {
	Status          string `json:"status"`
	EncodedCollabV1 []byte `json:"encoded_collab_v1,omitempty"`
	Error           string `json:"error,omitempty"`
}

type batchResponse struct {
	Results map[string]batchItemPayload `json:"results"`
}

type updatePolicyRequest struct {
	AccessLevel int `json:"access_level"`
}

type createSnapshotRequest struct {
	CollabType      string `json:"collab_type"`
	EncodedCollabV1 []byte `json:"encoded_collab_v1"`
	Queue           bool   `json:"queue"`
}

type snapshotMetaPayload struct {
	SnapshotID      int64  `json:"snapshot_id"`
	ObjectID        string `json:"object_id"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

type snapshotListResponse struct {
	Items        []snapshotMetaPayload `json:"items"`
	ShouldCreate bool                  `json:"should_create"`
}

type snapshotPayload struct {
	snapshotMetaPayload
	WorkspaceID     string `json:"workspace_id"`
	EncodedCollabV1 []byte `json:"encoded_collab_v1"`
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	uid := c.GetInt64(uidContextKey)
	workspaces, err := h.workspaces.ListWorkspaces(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]workspacePayload, 0, len(workspaces))
	for _, record := range workspaces {
		items = append(items, toWorkspacePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": items})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var request createWorkspaceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var initial collab.CollabParams
	if request.Initial != nil {
		collabType, err := collab.ParseCollabType(request.Initial.CollabType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collab_type"})
			return
		}
		initial = collab.CollabParams{
			ObjectID:        request.Initial.ObjectID,
			CollabType:      collabType,
			EncodedCollabV1: request.Initial.EncodedCollabV1,
		}
	}

	created, err := h.workspaces.CreateWorkspace(c.Request.Context(), c.GetInt64(uidContextKey), request.Name, initial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createWorkspaceResponse{
		Workspace:       toWorkspacePayload(created.Workspace),
		InitialObjectID: created.InitialObjectID,
	})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	var request addMemberRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := collab.ParseWorkspaceRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	err = h.workspaces.AddMember(c.Request.Context(), c.GetInt64(uidContextKey), c.Param("workspace_id"), request.UID, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePutCollab(c *gin.Context) {
	var request collabPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	collabType, err := collab.ParseCollabType(request.CollabType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collab_type"})
		return
	}
	params := collab.CollabParams{
		ObjectID:        c.Param("object_id"),
		CollabType:      collabType,
		EncodedCollabV1: request.EncodedCollabV1,
	}
	if err := h.storage.InsertOrUpdateCollab(c.Request.Context(), c.Param("workspace_id"), c.GetInt64(uidContextKey), params); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetCollab(c *gin.Context) {
	collabType, err := collab.ParseCollabType(c.Query("collab_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collab_type"})
		return
	}
	isCollabInit, _ := strconv.ParseBool(c.DefaultQuery("init", "false"))
	params := collab.QueryCollabParams{
		WorkspaceID: c.Param("workspace_id"),
		ObjectID:    c.Param("object_id"),
		CollabType:  collabType,
	}
	encoded, err := h.storage.GetEncodeCollab(c.Request.Context(), c.GetInt64(uidContextKey), params, isCollabInit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, encodedCollabPayload{
		ObjectID:        params.ObjectID,
		StateVector:     encoded.StateVector,
		DocState:        encoded.DocState,
		EncodedCollabV1: encoded.EncodeV1(),
	})
}

func (h *httpHandler) handleDeleteCollab(c *gin.Context) {
	err := h.storage.DeleteCollab(c.Request.Context(), c.Param("workspace_id"), c.GetInt64(uidContextKey), c.Param("object_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleBatchGetCollab reads several objects of one workspace. Objects the
// caller may not read come back as failed entries.
func (h *httpHandler) handleBatchGetCollab(c *gin.Context) {
	var request batchRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Queries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	uid := c.GetInt64(uidContextKey)
	workspaceID := c.Param("workspace_id")

	response := batchResponse{Results: make(map[string]batchItemPayload, len(request.Queries))}
	queries := make([]collab.QueryCollab, 0, len(request.Queries))
	for _, item := range request.Queries {
		collabType, err := collab.ParseCollabType(item.CollabType)
		if err != nil {
			response.Results[item.ObjectID] = batchItemPayload{Status: string(collab.QueryCollabStatusFailed), Error: err.Error()}
			continue
		}
		allowed, err := h.access.EnforceReadCollab(ctx, workspaceID, uid, item.ObjectID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if !allowed {
			response.Results[item.ObjectID] = batchItemPayload{Status: string(collab.QueryCollabStatusFailed), Error: collab.ErrNotEnoughPermissions.Error()}
			continue
		}
		queries = append(queries, collab.QueryCollab{WorkspaceID: workspaceID, ObjectID: item.ObjectID, CollabType: collabType})
	}

	if len(queries) > 0 {
		for objectID, result := range h.storage.BatchGetCollab(ctx, uid, queries) {
			response.Results[objectID] = batchItemPayload{
				Status:          string(result.Status),
				EncodedCollabV1: result.EncodedCollabV1,
				Error:           result.Error,
			}
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpdatePolicy(c *gin.Context) {
	target, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_uid"})
		return
	}
	var request updatePolicyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	uid := c.GetInt64(uidContextKey)
	objectID := c.Param("object_id")
	if !h.permitted(c, opUpdatePolicy, actionManagePolicy, func() (bool, error) {
		return h.access.EnforceManagePolicy(ctx, c.Param("workspace_id"), uid, objectID)
	}) {
		return
	}
	if err := h.access.UpdatePolicy(ctx, target, objectID, collab.AccessLevel(request.AccessLevel)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("workspace_id")
	objectID := c.Param("object_id")
	if !h.permitted(c, opListSnapshots, actionReadCollab, func() (bool, error) {
		return h.access.EnforceReadCollab(ctx, workspaceID, c.GetInt64(uidContextKey), objectID)
	}) {
		return
	}
	metas, err := h.storage.GetCollabSnapshotList(ctx, workspaceID, objectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	shouldCreate, err := h.storage.ShouldCreateSnapshot(ctx, objectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := snapshotListResponse{Items: make([]snapshotMetaPayload, 0, len(metas.Items)), ShouldCreate: shouldCreate}
	for _, meta := range metas.Items {
		response.Items = append(response.Items, toSnapshotMetaPayload(meta))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	var request createSnapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	collabType, err := collab.ParseCollabType(request.CollabType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collab_type"})
		return
	}
	ctx := c.Request.Context()
	workspaceID := c.Param("workspace_id")
	objectID := c.Param("object_id")
	if !h.permitted(c, opCreateSnapshot, actionWriteCollab, func() (bool, error) {
		return h.access.EnforceWriteCollab(ctx, workspaceID, c.GetInt64(uidContextKey), objectID)
	}) {
		return
	}
	params := collab.InsertSnapshotParams{
		ObjectID:        objectID,
		WorkspaceID:     workspaceID,
		CollabType:      collabType,
		EncodedCollabV1: request.EncodedCollabV1,
	}
	if request.Queue {
		if err := h.storage.QueueSnapshot(params); err != nil {
			h.respondError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
		return
	}
	meta, err := h.storage.CreateSnapshot(ctx, params)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSnapshotMetaPayload(meta))
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	snapshotID, err := strconv.ParseInt(c.Param("snapshot_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot_id"})
		return
	}
	ctx := c.Request.Context()
	workspaceID := c.Param("workspace_id")
	objectID := c.Param("object_id")
	if !h.permitted(c, opGetSnapshot, actionReadCollab, func() (bool, error) {
		return h.access.EnforceReadCollab(ctx, workspaceID, c.GetInt64(uidContextKey), objectID)
	}) {
		return
	}
	data, err := h.storage.GetCollabSnapshot(ctx, workspaceID, objectID, snapshotID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotPayload{
		snapshotMetaPayload: snapshotMetaPayload{
			SnapshotID:      data.SnapshotID,
			ObjectID:        data.ObjectID,
			CreatedAtMillis: data.CreatedAt.UnixMilli(),
		},
		WorkspaceID:     data.WorkspaceID,
		EncodedCollabV1: data.EncodedCollabV1,
	})
}

// permitted runs check and answers the request itself when it does not pass.
func (h *httpHandler) permitted(c *gin.Context, operation, action string, check func() (bool, error)) bool {
	allowed, err := check()
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !allowed {
		h.respondError(c, collab.NewPermissionDenied(operation, c.GetInt64(uidContextKey), action))
		return false
	}
	return true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	uid, err := h.users.ResolveUID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve uid", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(uidContextKey, uid)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func statusOf(err error) (int, string) {
	switch kind := collab.KindOf(err); kind {
	case collab.KindValidation:
		return http.StatusBadRequest, string(kind)
	case collab.KindPermissionDenied:
		return http.StatusForbidden, string(kind)
	case collab.KindNotFound:
		return http.StatusNotFound, string(kind)
	case collab.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, string(collab.KindInternal)
	}
}

func toWorkspacePayload(record collab.Workspace) workspacePayload {
	return workspacePayload{
		WorkspaceID:      record.WorkspaceID,
		Name:             record.Name,
		OwnerUID:         record.OwnerUID,
		CreatedAtSeconds: record.CreatedAtSeconds,
	}
}

func toSnapshotMetaPayload(meta collab.SnapshotMeta) snapshotMetaPayload {
	return snapshotMetaPayload{
		SnapshotID:      meta.SnapshotID,
		ObjectID:        meta.ObjectID,
		CreatedAtMillis: meta.CreatedAt.UnixMilli(),
	}
}
