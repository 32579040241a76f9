package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
)

func TestHealthAndMetricsAreUnauthenticated(t *testing.T) {
	stack := newTestStack(t)

	if status := stack.do(t, "", http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz returned %d", status)
	}
	response, err := stack.server.Client().Get(stack.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(body), "collab_dispatch_messages_total") {
		t.Fatalf("expected dispatch counter in scrape output")
	}
	if status := stack.do(t, "", http.MethodGet, "/api/workspaces", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
}

func TestCollabLifecycleOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	created := stack.createWorkspace(t, "alice")
	workspaceID := created.Workspace.WorkspaceID
	if created.InitialObjectID == "" {
		t.Fatalf("expected an initial document id")
	}

	var listed struct {
		Workspaces []workspacePayload `json:"workspaces"`
	}
	if status := stack.do(t, "alice", http.MethodGet, "/api/workspaces", nil, &listed); status != http.StatusOK {
		t.Fatalf("list workspaces returned %d", status)
	}
	if len(listed.Workspaces) != 1 || listed.Workspaces[0].WorkspaceID != workspaceID {
		t.Fatalf("unexpected workspaces %+v", listed.Workspaces)
	}

	path := fmt.Sprintf("/api/workspaces/%s/collabs/doc-1", workspaceID)
	put := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("hello")}
	if status := stack.do(t, "alice", http.MethodPut, path, put, nil); status != http.StatusNoContent {
		t.Fatalf("put collab returned %d", status)
	}

	var fetched encodedCollabPayload
	if status := stack.do(t, "alice", http.MethodGet, path+"?collab_type=document", nil, &fetched); status != http.StatusOK {
		t.Fatalf("get collab returned %d", status)
	}
	if string(fetched.DocState) != "hello" {
		t.Fatalf("unexpected doc state %q", fetched.DocState)
	}
	if _, err := collab.DecodeEncodedCollab(fetched.EncodedCollabV1); err != nil {
		t.Fatalf("returned encoded collab does not decode: %v", err)
	}

	if status := stack.do(t, "alice", http.MethodDelete, path, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete collab returned %d", status)
	}
	if status := stack.do(t, "alice", http.MethodGet, path, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
	if status := stack.do(t, "alice", http.MethodDelete, path, nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected repeated delete to succeed, got %d", status)
	}
}

func TestHTTPMapsErrorKinds(t *testing.T) {
	stack := newTestStack(t)
	workspaceID := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	path := fmt.Sprintf("/api/workspaces/%s/collabs/doc-1", workspaceID)

	put := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("hello")}
	if status := stack.do(t, "mallory", http.MethodPut, path, put, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", status)
	}
	corrupt := collabPayload{CollabType: "document", EncodedCollabV1: []byte("garbage")}
	if status := stack.do(t, "alice", http.MethodPut, path, corrupt, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a corrupt payload, got %d", status)
	}
	unknownType := collabPayload{CollabType: "spreadsheet", EncodedCollabV1: encodedDocument("x")}
	if status := stack.do(t, "alice", http.MethodPut, path, unknownType, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown collab type, got %d", status)
	}
	if status := stack.do(t, "alice", http.MethodGet, path, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing object, got %d", status)
	}
}

func TestMembersAndPoliciesOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	workspaceID := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	bobUID := stack.uid(t, "bob")
	carolUID := stack.uid(t, "carol")
	path := fmt.Sprintf("/api/workspaces/%s/collabs/doc-1", workspaceID)
	put := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("v1")}
	if status := stack.do(t, "alice", http.MethodPut, path, put, nil); status != http.StatusNoContent {
		t.Fatalf("put collab returned %d", status)
	}

	membersPath := fmt.Sprintf("/api/workspaces/%s/members", workspaceID)
	if status := stack.do(t, "bob", http.MethodPost, membersPath, addMemberRequest{UID: carolUID, Role: "member"}, nil); status != http.StatusForbidden {
		t.Fatalf("expected non-owner add member to be forbidden, got %d", status)
	}
	if status := stack.do(t, "alice", http.MethodPost, membersPath, addMemberRequest{UID: bobUID, Role: "guest"}, nil); status != http.StatusNoContent {
		t.Fatalf("add member returned %d", status)
	}
	if status := stack.do(t, "alice", http.MethodPost, membersPath, addMemberRequest{UID: carolUID, Role: "owner"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected owner grant to be rejected, got %d", status)
	}

	if status := stack.do(t, "bob", http.MethodGet, path, nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected guest without a policy to be denied, got %d", status)
	}
	if status := stack.do(t, "bob", http.MethodPut, path, put, nil); status != http.StatusForbidden {
		t.Fatalf("expected guest write to be forbidden, got %d", status)
	}

	policyPath := fmt.Sprintf("%s/policies/%d", path, bobUID)
	level := updatePolicyRequest{AccessLevel: int(collab.AccessLevelReadAndWrite)}
	if status := stack.do(t, "bob", http.MethodPut, policyPath, level, nil); status != http.StatusForbidden {
		t.Fatalf("expected guest policy update to be forbidden, got %d", status)
	}
	if status := stack.do(t, "alice", http.MethodPut, policyPath, level, nil); status != http.StatusNoContent {
		t.Fatalf("policy update returned %d", status)
	}
	if status := stack.do(t, "bob", http.MethodGet, path, nil, nil); status != http.StatusOK {
		t.Fatalf("expected read after policy grant, got %d", status)
	}
	if status := stack.do(t, "bob", http.MethodPut, path, put, nil); status != http.StatusNoContent {
		t.Fatalf("expected write after policy grant, got %d", status)
	}
	invalid := updatePolicyRequest{AccessLevel: 7}
	if status := stack.do(t, "alice", http.MethodPut, policyPath, invalid, nil); status != http.StatusBadRequest {
		t.Fatalf("expected invalid level to be rejected, got %d", status)
	}
}

func TestBatchFiltersUnreadableObjects(t *testing.T) {
	stack := newTestStack(t)
	workspaceID := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	put := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("shared")}
	path := fmt.Sprintf("/api/workspaces/%s/collabs/doc-1", workspaceID)
	if status := stack.do(t, "alice", http.MethodPut, path, put, nil); status != http.StatusNoContent {
		t.Fatalf("put collab returned %d", status)
	}

	batchPath := fmt.Sprintf("/api/workspaces/%s/collab_batch", workspaceID)
	request := batchRequest{Queries: []collabPayload{
		{ObjectID: "doc-1", CollabType: "document"},
		{ObjectID: "doc-missing", CollabType: "document"},
	}}

	var owned batchResponse
	if status := stack.do(t, "alice", http.MethodPost, batchPath, request, &owned); status != http.StatusOK {
		t.Fatalf("batch returned %d", status)
	}
	if owned.Results["doc-1"].Status != string(collab.QueryCollabStatusSuccess) {
		t.Fatalf("expected doc-1 to succeed, got %+v", owned.Results["doc-1"])
	}
	if owned.Results["doc-missing"].Status != string(collab.QueryCollabStatusFailed) {
		t.Fatalf("expected doc-missing to fail, got %+v", owned.Results["doc-missing"])
	}

	var foreign batchResponse
	if status := stack.do(t, "mallory", http.MethodPost, batchPath, request, &foreign); status != http.StatusOK {
		t.Fatalf("batch returned %d", status)
	}
	for objectID, result := range foreign.Results {
		if result.Status != string(collab.QueryCollabStatusFailed) || len(result.EncodedCollabV1) != 0 {
			t.Fatalf("expected %s to be withheld from a stranger, got %+v", objectID, result)
		}
	}
}

func TestSnapshotsOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	workspaceID := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	basePath := fmt.Sprintf("/api/workspaces/%s/collabs/doc-1/snapshots", workspaceID)

	var listed snapshotListResponse
	if status := stack.do(t, "alice", http.MethodGet, basePath, nil, &listed); status != http.StatusOK {
		t.Fatalf("list snapshots returned %d", status)
	}
	if len(listed.Items) != 0 || !listed.ShouldCreate {
		t.Fatalf("expected empty list with a due snapshot, got %+v", listed)
	}

	create := createSnapshotRequest{CollabType: "document", EncodedCollabV1: encodedDocument("snap")}
	if status := stack.do(t, "mallory", http.MethodPost, basePath, create, nil); status != http.StatusForbidden {
		t.Fatalf("expected stranger snapshot to be forbidden, got %d", status)
	}
	var meta snapshotMetaPayload
	if status := stack.do(t, "alice", http.MethodPost, basePath, create, &meta); status != http.StatusCreated {
		t.Fatalf("create snapshot returned %d", status)
	}

	if status := stack.do(t, "alice", http.MethodGet, basePath, nil, &listed); status != http.StatusOK {
		t.Fatalf("list snapshots returned %d", status)
	}
	if len(listed.Items) != 1 || listed.Items[0].SnapshotID != meta.SnapshotID || listed.ShouldCreate {
		t.Fatalf("unexpected snapshot list %+v", listed)
	}

	var data snapshotPayload
	snapshotPath := fmt.Sprintf("%s/%d", basePath, meta.SnapshotID)
	if status := stack.do(t, "alice", http.MethodGet, snapshotPath, nil, &data); status != http.StatusOK {
		t.Fatalf("get snapshot returned %d", status)
	}
	decoded, err := collab.DecodeEncodedCollab(data.EncodedCollabV1)
	if err != nil || string(decoded.DocState) != "snap" {
		t.Fatalf("unexpected snapshot payload %q, %v", decoded.DocState, err)
	}
	if status := stack.do(t, "mallory", http.MethodGet, snapshotPath, nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected stranger snapshot read to be forbidden, got %d", status)
	}
	if status := stack.do(t, "alice", http.MethodGet, basePath+"/999", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing snapshot, got %d", status)
	}
}

func TestForeignWorkspaceCannotReachObjects(t *testing.T) {
	stack := newTestStack(t)
	victimWorkspace := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	attackerWorkspace := stack.createWorkspace(t, "mallory").Workspace.WorkspaceID
	malloryUID := stack.uid(t, "mallory")

	victimPath := fmt.Sprintf("/api/workspaces/%s/collabs/doc-victim", victimWorkspace)
	put := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("secret")}
	if status := stack.do(t, "alice", http.MethodPut, victimPath, put, nil); status != http.StatusNoContent {
		t.Fatalf("put collab returned %d", status)
	}
	snapshot := createSnapshotRequest{CollabType: "document", EncodedCollabV1: encodedDocument("secret")}
	if status := stack.do(t, "alice", http.MethodPost, victimPath+"/snapshots", snapshot, nil); status != http.StatusCreated {
		t.Fatalf("create snapshot returned %d", status)
	}

	viaOwn := fmt.Sprintf("/api/workspaces/%s/collabs/doc-victim", attackerWorkspace)
	if status := stack.do(t, "mallory", http.MethodGet, viaOwn, nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected read through a foreign workspace to be forbidden, got %d", status)
	}
	overwrite := collabPayload{CollabType: "document", EncodedCollabV1: encodedDocument("owned")}
	if status := stack.do(t, "mallory", http.MethodPut, viaOwn, overwrite, nil); status != http.StatusForbidden {
		t.Fatalf("expected write through a foreign workspace to be forbidden, got %d", status)
	}
	if status := stack.do(t, "mallory", http.MethodDelete, viaOwn, nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected delete through a foreign workspace to be forbidden, got %d", status)
	}
	grant := updatePolicyRequest{AccessLevel: int(collab.AccessLevelFullAccess)}
	if status := stack.do(t, "mallory", http.MethodPut, fmt.Sprintf("%s/policies/%d", viaOwn, malloryUID), grant, nil); status != http.StatusForbidden {
		t.Fatalf("expected self grant through a foreign workspace to be forbidden, got %d", status)
	}
	if status := stack.do(t, "mallory", http.MethodGet, viaOwn+"/snapshots", nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected snapshot list through a foreign workspace to be forbidden, got %d", status)
	}

	var batch batchResponse
	batchPath := fmt.Sprintf("/api/workspaces/%s/collab_batch", attackerWorkspace)
	request := batchRequest{Queries: []collabPayload{{ObjectID: "doc-victim", CollabType: "document"}}}
	if status := stack.do(t, "mallory", http.MethodPost, batchPath, request, &batch); status != http.StatusOK {
		t.Fatalf("batch returned %d", status)
	}
	if result := batch.Results["doc-victim"]; result.Status != string(collab.QueryCollabStatusFailed) || len(result.EncodedCollabV1) != 0 {
		t.Fatalf("expected batch through a foreign workspace to withhold the object, got %+v", result)
	}

	if status := stack.do(t, "mallory", http.MethodGet, victimPath, nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected mallory to stay locked out of the owning workspace, got %d", status)
	}
	var fetched encodedCollabPayload
	if status := stack.do(t, "alice", http.MethodGet, victimPath, nil, &fetched); status != http.StatusOK {
		t.Fatalf("owner read returned %d", status)
	}
	if string(fetched.DocState) != "secret" {
		t.Fatalf("expected the object to be untouched, got %q", fetched.DocState)
	}
}

func TestPolicyUpdateRequiresExistingObject(t *testing.T) {
	stack := newTestStack(t)
	workspaceID := stack.createWorkspace(t, "alice").Workspace.WorkspaceID
	path := fmt.Sprintf("/api/workspaces/%s/collabs/doc-unborn/policies/%d", workspaceID, stack.uid(t, "bob"))
	grant := updatePolicyRequest{AccessLevel: int(collab.AccessLevelFullAccess)}
	if status := stack.do(t, "alice", http.MethodPut, path, grant, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a policy on an absent object, got %d", status)
	}
}
