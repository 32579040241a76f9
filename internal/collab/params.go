package collab

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingEncodedCollab indicates that params carry no encoded state.
var ErrMissingEncodedCollab = errors.New("collab: encoded collab is required")

// CollabParams carries a full encoded state to insert or update.
type CollabParams struct {
	ObjectID        string
	CollabType      CollabType
	EncodedCollabV1 []byte
}

// Validate checks the structure of the params without decoding the payload.
func (params CollabParams) Validate() error {
	if err := ValidateObjectID(params.ObjectID); err != nil {
		return err
	}
	if !params.CollabType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCollabType, int(params.CollabType))
	}
	if len(params.EncodedCollabV1) == 0 {
		return ErrMissingEncodedCollab
	}
	return nil
}

// CheckEncodeCollab decodes the payload, verifying its checksum.
func (params CollabParams) CheckEncodeCollab() error {
	_, err := DecodeEncodedCollab(params.EncodedCollabV1)
	return err
}

// QueryCollabParams identifies a single collab read.
type QueryCollabParams struct {
	WorkspaceID string
	ObjectID    string
	CollabType  CollabType
}

// Validate checks the structure of the query.
func (params QueryCollabParams) Validate() error {
	if err := ValidateWorkspaceID(params.WorkspaceID); err != nil {
		return err
	}
	if err := ValidateObjectID(params.ObjectID); err != nil {
		return err
	}
	if !params.CollabType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCollabType, int(params.CollabType))
	}
	return nil
}

// QueryCollab is one entry of a batch read. A non-empty WorkspaceID restricts
// the read to objects of that workspace.
type QueryCollab struct {
	WorkspaceID string
	ObjectID    string
	CollabType  CollabType
}

// Validate checks the structure of the query.
func (query QueryCollab) Validate() error {
	if err := ValidateObjectID(query.ObjectID); err != nil {
		return err
	}
	if !query.CollabType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCollabType, int(query.CollabType))
	}
	return nil
}

// QueryCollabStatus tags a batch result.
type QueryCollabStatus string

const (
	QueryCollabStatusSuccess QueryCollabStatus = "success"
	QueryCollabStatusFailed  QueryCollabStatus = "failed"
)

// QueryCollabResult is either a Success carrying encoded bytes or a Failed carrying error text.
type QueryCollabResult struct {
	Status          QueryCollabStatus
	EncodedCollabV1 []byte
	Error           string
}

// SuccessResult builds a successful batch entry.
func SuccessResult(encodedCollabV1 []byte) QueryCollabResult {
	return QueryCollabResult{Status: QueryCollabStatusSuccess, EncodedCollabV1: encodedCollabV1}
}

// FailedResult builds a failed batch entry.
func FailedResult(message string) QueryCollabResult {
	return QueryCollabResult{Status: QueryCollabStatusFailed, Error: message}
}

// Failed reports whether the entry is a failure.
func (result QueryCollabResult) Failed() bool {
	return result.Status == QueryCollabStatusFailed
}

// InsertSnapshotParams describes a snapshot to create.
type InsertSnapshotParams struct {
	ObjectID        string
	WorkspaceID     string
	CollabType      CollabType
	EncodedCollabV1 []byte
}

// Validate checks structure and decodes the payload.
func (params InsertSnapshotParams) Validate() error {
	if err := ValidateObjectID(params.ObjectID); err != nil {
		return err
	}
	if err := ValidateWorkspaceID(params.WorkspaceID); err != nil {
		return err
	}
	if len(params.EncodedCollabV1) == 0 {
		return ErrMissingEncodedCollab
	}
	_, err := DecodeEncodedCollab(params.EncodedCollabV1)
	return err
}

// SnapshotMeta describes a stored snapshot without its payload.
type SnapshotMeta struct {
	SnapshotID int64
	ObjectID   string
	CreatedAt  time.Time
}

// SnapshotMetas lists snapshot metadata for one object, newest first.
type SnapshotMetas struct {
	Items []SnapshotMeta
}

// SnapshotData is a stored snapshot including its payload.
type SnapshotData struct {
	SnapshotID      int64
	ObjectID        string
	WorkspaceID     string
	EncodedCollabV1 []byte
	CreatedAt       time.Time
}
