package collab

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEncodedCollabRoundTrip(testContext *testing.T) {
	original := EncodedCollab{StateVector: []byte{0x01}, DocState: []byte("hello")}
	decoded, err := DecodeEncodedCollab(original.EncodeV1())
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if decoded.Version != EncoderVersionV1 {
		testContext.Fatalf("expected version %d, got %d", EncoderVersionV1, decoded.Version)
	}
	if string(decoded.DocState) != "hello" || len(decoded.StateVector) != 1 {
		testContext.Fatalf("unexpected decoded state: %+v", decoded)
	}
}

func TestDecodeEncodedCollabDetectsTampering(testContext *testing.T) {
	encoded := EncodedCollab{StateVector: []byte{0x02}, DocState: []byte("payload")}.EncodeV1()
	index := strings.Index(string(encoded), "payload")
	if index < 0 {
		testContext.Fatalf("expected doc state bytes in encoding")
	}
	encoded[index] = 'P'

	_, err := DecodeEncodedCollab(encoded)
	if !errors.Is(err, ErrChecksumMismatch) {
		testContext.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDecodeEncodedCollabRejectsGarbage(testContext *testing.T) {
	if _, err := DecodeEncodedCollab(nil); !errors.Is(err, ErrInvalidEncodedCollab) {
		testContext.Fatalf("expected invalid encoded collab for empty input, got %v", err)
	}
	if _, err := DecodeEncodedCollab([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrInvalidEncodedCollab) {
		testContext.Fatalf("expected invalid encoded collab for garbage, got %v", err)
	}
}

func TestCollabParamsValidate(testContext *testing.T) {
	valid := CollabParams{
		ObjectID:        "doc-1",
		CollabType:      CollabTypeDocument,
		EncodedCollabV1: EncodedCollab{DocState: []byte("x")}.EncodeV1(),
	}
	if err := valid.Validate(); err != nil {
		testContext.Fatalf("expected valid params, got %v", err)
	}
	if err := valid.CheckEncodeCollab(); err != nil {
		testContext.Fatalf("expected decodable payload, got %v", err)
	}

	missingID := valid
	missingID.ObjectID = " "
	if err := missingID.Validate(); !errors.Is(err, ErrInvalidObjectID) {
		testContext.Fatalf("expected invalid object id, got %v", err)
	}

	unknownType := valid
	unknownType.CollabType = CollabType(42)
	if err := unknownType.Validate(); !errors.Is(err, ErrInvalidCollabType) {
		testContext.Fatalf("expected invalid collab type, got %v", err)
	}

	empty := valid
	empty.EncodedCollabV1 = nil
	if err := empty.Validate(); !errors.Is(err, ErrMissingEncodedCollab) {
		testContext.Fatalf("expected missing encoded collab, got %v", err)
	}
}

func TestQueryCollabParamsValidate(testContext *testing.T) {
	if err := (QueryCollabParams{WorkspaceID: "", ObjectID: "doc"}).Validate(); !errors.Is(err, ErrInvalidWorkspaceID) {
		testContext.Fatalf("expected invalid workspace id, got %v", err)
	}
	longID := strings.Repeat("a", maxIdentifierLength+1)
	if err := (QueryCollab{ObjectID: longID}).Validate(); !errors.Is(err, ErrInvalidObjectID) {
		testContext.Fatalf("expected invalid object id, got %v", err)
	}
}

func TestErrorKinds(testContext *testing.T) {
	denied := NewPermissionDenied("collab.delete", 7, "delete collab:doc-1")
	if !IsKind(denied, KindPermissionDenied) {
		testContext.Fatalf("expected permission denied kind")
	}
	var collabErr *Error
	if !errors.As(denied, &collabErr) || collabErr.User() != "7" || collabErr.Action() != "delete collab:doc-1" {
		testContext.Fatalf("expected permission error to capture user and action, got %v", denied)
	}

	notFound := NewNotFoundError("collab.get", "missing", nil)
	if !errors.Is(notFound, ErrNotFound) || !IsKind(notFound, KindNotFound) {
		testContext.Fatalf("expected not found error, got %v", notFound)
	}

	wrapped := fmt.Errorf("outer: %w", NewValidationError("collab.insert", "invalid_params", ErrInvalidObjectID))
	if KindOf(wrapped) != KindValidation {
		testContext.Fatalf("expected wrapped validation kind, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		testContext.Fatalf("expected plain errors to classify as internal")
	}
}

func TestAccessLevelCapabilities(testContext *testing.T) {
	if AccessLevelReadOnly.CanWrite() {
		testContext.Fatalf("read only must not write")
	}
	if !AccessLevelReadAndWrite.CanWrite() || AccessLevelReadAndWrite.CanDelete() {
		testContext.Fatalf("read and write must write but not delete")
	}
	if !AccessLevelFullAccess.CanDelete() {
		testContext.Fatalf("full access must delete")
	}
	if AccessLevel(0).CanRead() {
		testContext.Fatalf("unknown level must not read")
	}
}
