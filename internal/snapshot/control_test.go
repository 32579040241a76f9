package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database/dbtest"
	"gorm.io/gorm"
)

type fakeClock struct {
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.now
}

func newTestControl(testContext *testing.T, queueSize int) (*Control, *fakeClock, *gorm.DB) {
	testContext.Helper()
	db := dbtest.Open(testContext)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	control, err := NewControl(Config{
		Database:  db,
		Clock:     clock.Now,
		Interval:  time.Minute,
		QueueSize: queueSize,
	})
	if err != nil {
		testContext.Fatalf("failed to build control: %v", err)
	}
	testContext.Cleanup(control.Close)
	return control, clock, db
}

func snapshotParams(objectID, doc string) collab.InsertSnapshotParams {
	return collab.InsertSnapshotParams{
		ObjectID:        objectID,
		WorkspaceID:     "ws-snap",
		CollabType:      collab.CollabTypeDocument,
		EncodedCollabV1: collab.EncodedCollab{DocState: bytes.Repeat([]byte(doc), 64)}.EncodeV1(),
	}
}

func TestShouldCreateSnapshotFollowsInterval(testContext *testing.T) {
	control, clock, _ := newTestControl(testContext, 4)
	ctx := context.Background()

	due, err := control.ShouldCreateSnapshot(ctx, "doc-s")
	if err != nil || !due {
		testContext.Fatalf("expected snapshot due without history, got %v (%v)", due, err)
	}
	if _, err := control.CreateSnapshot(ctx, snapshotParams("doc-s", "a")); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	due, err = control.ShouldCreateSnapshot(ctx, "doc-s")
	if err != nil || due {
		testContext.Fatalf("expected snapshot not due right after creation, got %v (%v)", due, err)
	}
	clock.now = clock.now.Add(time.Minute)
	due, err = control.ShouldCreateSnapshot(ctx, "doc-s")
	if err != nil || !due {
		testContext.Fatalf("expected snapshot due after interval, got %v (%v)", due, err)
	}
}

func TestSnapshotRoundTripIsCompressed(testContext *testing.T) {
	control, clock, db := newTestControl(testContext, 4)
	ctx := context.Background()

	first, err := control.CreateSnapshot(ctx, snapshotParams("doc-r", "first"))
	if err != nil {
		testContext.Fatalf("create first failed: %v", err)
	}
	clock.now = clock.now.Add(time.Second)
	params := snapshotParams("doc-r", "second")
	second, err := control.CreateSnapshot(ctx, params)
	if err != nil {
		testContext.Fatalf("create second failed: %v", err)
	}

	var stored collab.SnapshotRecord
	if err := db.Where("sid = ?", second.SnapshotID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to load stored snapshot: %v", err)
	}
	if stored.Compression != compressionZstd || len(stored.Blob) >= len(params.EncodedCollabV1) {
		testContext.Fatalf("expected compressed blob, got %d bytes for %d", len(stored.Blob), len(params.EncodedCollabV1))
	}

	data, err := control.GetSnapshot(ctx, "ws-snap", "doc-r", second.SnapshotID)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(data.EncodedCollabV1, params.EncodedCollabV1) {
		testContext.Fatalf("snapshot payload did not round trip")
	}

	list, err := control.GetCollabSnapshotList(ctx, "ws-snap", "doc-r")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].SnapshotID != second.SnapshotID || list.Items[1].SnapshotID != first.SnapshotID {
		testContext.Fatalf("expected newest first, got %+v", list.Items)
	}

	if _, err := control.GetSnapshot(ctx, "ws-other", "doc-r", second.SnapshotID); !collab.IsKind(err, collab.KindNotFound) {
		testContext.Fatalf("expected not found for foreign workspace, got %v", err)
	}
	foreign, err := control.GetCollabSnapshotList(ctx, "ws-other", "doc-r")
	if err != nil {
		testContext.Fatalf("foreign list failed: %v", err)
	}
	if len(foreign.Items) != 0 {
		testContext.Fatalf("expected no snapshots listed through a foreign workspace, got %+v", foreign.Items)
	}
}

func TestCreateSnapshotRejectsInvalidPayload(testContext *testing.T) {
	control, _, _ := newTestControl(testContext, 4)
	params := snapshotParams("doc-x", "x")
	params.EncodedCollabV1 = []byte("not encoded")
	if _, err := control.CreateSnapshot(context.Background(), params); !collab.IsKind(err, collab.KindValidation) {
		testContext.Fatalf("expected validation error, got %v", err)
	}
}

func TestQueueSnapshotIsDrainedByRun(testContext *testing.T) {
	control, _, _ := newTestControl(testContext, 1)

	if err := control.QueueSnapshot(snapshotParams("doc-q", "q")); err != nil {
		testContext.Fatalf("queue failed: %v", err)
	}
	if err := control.QueueSnapshot(snapshotParams("doc-q", "q")); !collab.IsKind(err, collab.KindInternal) {
		testContext.Fatalf("expected full queue to fail, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go control.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list, err := control.GetCollabSnapshotList(context.Background(), "ws-snap", "doc-q")
		if err != nil {
			testContext.Fatalf("list failed: %v", err)
		}
		if len(list.Items) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("queued snapshot was not written")
}
