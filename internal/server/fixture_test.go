package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/document"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/workspace"
	"github.com/gin-gonic/gin"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "collab_session"
)

type testStack struct {
	server    *httptest.Server
	issuer    *auth.TokenIssuer
	validator *auth.SessionValidator
	users     *users.Service
	manager   *realtime.DocumentManager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.Open(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	collabCache, err := cache.NewCollabCache(cache.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	accessControl, err := access.NewCollabAccessControl(access.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build access control: %v", err)
	}
	snapshotControl, err := snapshot.NewControl(snapshot.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build snapshot control: %v", err)
	}
	t.Cleanup(snapshotControl.Close)
	go snapshotControl.Run(ctx)

	manager := realtime.NewDocumentManager(realtime.ManagerConfig{Loader: collabCache})
	go manager.Run(ctx)
	actor, inbox, err := document.NewActor(document.ActorConfig{Manager: manager, Access: accessControl})
	if err != nil {
		t.Fatalf("failed to build actor: %v", err)
	}
	go actor.Run(ctx)

	collabStorage, err := storage.NewCollabStorage(storage.Config{
		Cache:            collabCache,
		AccessControl:    accessControl,
		SnapshotControl:  snapshotControl,
		RealtimeCommands: manager.Commands(),
		LiveQueryTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build storage: %v", err)
	}
	workspaces, err := workspace.NewService(workspace.ServiceConfig{Database: db, Collabs: collabStorage})
	if err != nil {
		t.Fatalf("failed to build workspace service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	registry, err := metrics.NewRegistry(metrics.NewCollector(metrics.Sources{
		CacheState:       collabStorage.EncodeCollabRedisQueryState,
		DispatchStats:    actor.Stats,
		LiveDocuments:    manager.Documents,
		PendingSnapshots: snapshotControl.Pending,
	}))
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Storage:          collabStorage,
		AccessControl:    accessControl,
		Workspaces:       workspaces,
		Dispatch:         inbox,
		Sessions:         manager,
		MetricsHandler:   metrics.Handler(registry),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testStack{
		server:    server,
		issuer:    auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)}),
		validator: validator,
		users:     userService,
		manager:   manager,
	}
}

func (stack *testStack) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := stack.issuer.IssueSessionToken(auth.SessionIdentity{Provider: "test", Subject: subject})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (stack *testStack) uid(t *testing.T, subject string) int64 {
	t.Helper()
	claims, err := stack.validator.ValidateToken(stack.token(t, subject))
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	uid, err := stack.users.ResolveUID(context.Background(), claims)
	if err != nil {
		t.Fatalf("failed to resolve uid: %v", err)
	}
	return uid
}

// do sends a JSON request as subject and decodes a JSON response into out when set.
func (stack *testStack) do(t *testing.T, subject, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, stack.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if subject != "" {
		request.Header.Set("Authorization", "Bearer "+stack.token(t, subject))
	}
	response, err := stack.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (stack *testStack) createWorkspace(t *testing.T, subject string) createWorkspaceResponse {
	t.Helper()
	var created createWorkspaceResponse
	status := stack.do(t, subject, http.MethodPost, "/api/workspaces", createWorkspaceRequest{Name: "Team"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create workspace returned %d", status)
	}
	return created
}

func encodedDocument(doc string) []byte {
	return collab.EncodedCollab{StateVector: []byte{1}, DocState: []byte(doc)}.EncodeV1()
}
