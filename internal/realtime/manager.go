// Package realtime holds the live editing state of open documents and fans
// revisions out to the users subscribed to them.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/revision"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	opHandleRevisions = "realtime.handle_client_revisions"
	opHandlePing      = "realtime.handle_client_ping"
	reasonLoadFailed  = "load_failed"
	reasonEmptyDelta  = "empty_delta"
	reasonInvalidPing = "invalid_ping"
	reasonNoUser      = "missing_user"

	// DefaultCommandQueueSize bounds pending live-state commands.
	DefaultCommandQueueSize = 32
)

var (
	errEmptyDelta  = errors.New("realtime: pushed revision carries no delta")
	errMissingUser = errors.New("realtime: revision user is required")
)

// SyncKind tags a SyncResponse.
type SyncKind int

const (
	// SyncPull carries revisions the user is missing.
	SyncPull SyncKind = iota
	// SyncPush carries a revision made by another user.
	SyncPush
	// SyncAck acknowledges a revision pushed by the receiving user.
	SyncAck
)

// SyncResponse is delivered to a RevisionUser at most once.
type SyncResponse struct {
	Kind      SyncKind
	ObjectID  string
	Revisions []revision.Revision
}

// RevisionUser receives synchronization responses for one connection.
type RevisionUser interface {
	UserID() string
	Receive(response SyncResponse)
}

// Command is a request served by the manager's command loop.
type Command interface {
	isCommand()
}

// GetEncodeCollab asks for the live state of ObjectID. Ret receives nil when
// the object has no live state. Ret must be buffered.
type GetEncodeCollab struct {
	ObjectID string
	Ret      chan<- *collab.EncodedCollab
}

func (GetEncodeCollab) isCommand() {}

// StateLoader reads the persisted state a live document starts from.
type StateLoader interface {
	LoadEncodeCollab(ctx context.Context, objectID string) (collab.EncodedCollab, error)
}

// ManagerConfig describes the dependencies of DocumentManager.
type ManagerConfig struct {
	// Loader seeds documents from the store; nil starts them empty.
	Loader           StateLoader
	CommandQueueSize int
	Logger           *zap.Logger
}

type liveDocument struct {
	base        *collab.EncodedCollab
	revisions   []revision.Revision
	byDataID    map[string]int
	subscribers map[RevisionUser]struct{}
}

// DocumentManager keeps ordered revisions per document in memory. Deltas are
// opaque; the live state of a document is its persisted state followed by its
// deltas.
type DocumentManager struct {
	mu        sync.RWMutex
	documents map[string]*liveDocument
	commands  chan Command
	loader    StateLoader
	logger    *zap.Logger
}

// NewDocumentManager constructs an empty manager.
func NewDocumentManager(cfg ManagerConfig) *DocumentManager {
	queueSize := cfg.CommandQueueSize
	if queueSize <= 0 {
		queueSize = DefaultCommandQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentManager{
		documents: make(map[string]*liveDocument),
		commands:  make(chan Command, queueSize),
		loader:    cfg.Loader,
		logger:    logger,
	}
}

// Commands returns the sending end of the command loop.
func (m *DocumentManager) Commands() chan<- Command {
	return m.commands
}

// Run serves commands until ctx is cancelled.
func (m *DocumentManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-m.commands:
			switch typed := command.(type) {
			case GetEncodeCollab:
				select {
				case typed.Ret <- m.EncodedCollab(typed.ObjectID):
				default:
					m.logger.Warn("live state reply dropped", zap.String("object_id", typed.ObjectID))
				}
			default:
				m.logger.Warn("unknown realtime command")
			}
		}
	}
}

// HandleClientRevisions applies a pushed revision once per data id, acks the
// sender and pushes the revision to the other subscribers of the document.
func (m *DocumentManager) HandleClientRevisions(ctx context.Context, user RevisionUser, data revision.ClientRevisionWSData) error {
	if user == nil {
		return collab.NewValidationError(opHandleRevisions, reasonNoUser, errMissingUser)
	}
	if len(data.Payload) == 0 {
		return collab.NewValidationError(opHandleRevisions, reasonEmptyDelta, errEmptyDelta)
	}
	base, err := m.loadBase(ctx, data.ObjectID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	document := m.documentLocked(data.ObjectID)
	if len(document.revisions) == 0 {
		document.base = base
	}
	document.subscribers[user] = struct{}{}
	if index, ok := document.byDataID[data.DataID]; ok && data.DataID != "" {
		applied := document.revisions[index]
		m.mu.Unlock()
		user.Receive(SyncResponse{Kind: SyncAck, ObjectID: data.ObjectID, Revisions: []revision.Revision{applied}})
		return nil
	}
	applied := revision.Revision{
		RevID:    int64(len(document.revisions) + 1),
		DataID:   data.DataID,
		ObjectID: data.ObjectID,
		UserID:   user.UserID(),
		Delta:    append([]byte(nil), data.Payload...),
	}
	document.revisions = append(document.revisions, applied)
	if data.DataID != "" {
		document.byDataID[data.DataID] = len(document.revisions) - 1
	}
	others := make([]RevisionUser, 0, len(document.subscribers))
	for subscriber := range document.subscribers {
		if subscriber != user {
			others = append(others, subscriber)
		}
	}
	m.mu.Unlock()

	user.Receive(SyncResponse{Kind: SyncAck, ObjectID: data.ObjectID, Revisions: []revision.Revision{applied}})
	for _, subscriber := range others {
		subscriber.Receive(SyncResponse{Kind: SyncPush, ObjectID: data.ObjectID, Revisions: []revision.Revision{applied}})
	}
	return nil
}

// HandleClientPing subscribes user to the document and sends a Pull with every
// revision after the one the ping acknowledges.
func (m *DocumentManager) HandleClientPing(ctx context.Context, user RevisionUser, data revision.ClientRevisionWSData) error {
	if user == nil {
		return collab.NewValidationError(opHandlePing, reasonNoUser, errMissingUser)
	}
	lastRevID, err := revision.DecodePing(data.Payload)
	if err != nil {
		return collab.NewValidationError(opHandlePing, reasonInvalidPing, err)
	}

	m.mu.Lock()
	document := m.documentLocked(data.ObjectID)
	document.subscribers[user] = struct{}{}
	var missing []revision.Revision
	if lastRevID < int64(len(document.revisions)) {
		missing = append(missing, document.revisions[lastRevID:]...)
	}
	m.mu.Unlock()

	if len(missing) > 0 {
		user.Receive(SyncResponse{Kind: SyncPull, ObjectID: data.ObjectID, Revisions: missing})
	}
	return nil
}

// Unsubscribe stops deliveries to user and forgets documents left without
// subscribers or revisions.
func (m *DocumentManager) Unsubscribe(user RevisionUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for objectID, document := range m.documents {
		delete(document.subscribers, user)
		if len(document.subscribers) == 0 && len(document.revisions) == 0 {
			delete(m.documents, objectID)
		}
	}
}

// EncodedCollab returns the live state of objectID, or nil when it has none.
func (m *DocumentManager) EncodedCollab(objectID string) *collab.EncodedCollab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	document, ok := m.documents[objectID]
	if !ok || len(document.revisions) == 0 {
		return nil
	}
	var docState, stateVector []byte
	if document.base != nil {
		docState = append(docState, document.base.DocState...)
		stateVector = append(stateVector, document.base.StateVector...)
	}
	for _, applied := range document.revisions {
		docState = append(docState, applied.Delta...)
	}
	stateVector = protowire.AppendVarint(stateVector, uint64(len(document.revisions)))
	return &collab.EncodedCollab{
		Version:     collab.EncoderVersionV1,
		StateVector: stateVector,
		DocState:    docState,
	}
}

// Documents returns the number of documents with live state or subscribers.
func (m *DocumentManager) Documents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents)
}

// loadBase reads the persisted state of objectID when it has no revisions yet.
// An object missing from the store starts empty.
func (m *DocumentManager) loadBase(ctx context.Context, objectID string) (*collab.EncodedCollab, error) {
	if m.loader == nil {
		return nil, nil
	}
	m.mu.RLock()
	document, ok := m.documents[objectID]
	seeded := ok && len(document.revisions) > 0
	m.mu.RUnlock()
	if seeded {
		return nil, nil
	}

	encoded, err := m.loader.LoadEncodeCollab(ctx, objectID)
	if collab.IsKind(err, collab.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		m.logger.Error("live document seed failed",
			zap.String("operation", opHandleRevisions),
			zap.String("reason", reasonLoadFailed),
			zap.String("object_id", objectID),
			zap.Error(err))
		return nil, err
	}
	return &encoded, nil
}

func (m *DocumentManager) documentLocked(objectID string) *liveDocument {
	document, ok := m.documents[objectID]
	if !ok {
		document = &liveDocument{
			byDataID:    make(map[string]int),
			subscribers: make(map[RevisionUser]struct{}),
		}
		m.documents[objectID] = document
	}
	return document
}
