// Package document routes client revision frames to the live session manager
// and delivers its responses back to connections.
package document

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/revision"
	"go.uber.org/zap"
)

const (
	opDispatch          = "document.dispatch"
	reasonDecodeFailed  = "decode_failed"
	reasonHashMismatch  = "content_hash_mismatch"
	reasonUnknownType   = "unknown_type"
	reasonMissingUser   = "missing_user"
	reasonActorStopped  = "actor_stopped"
	reasonHandlerFailed = "handler_failed"
	actionPushRevision  = "push revisions to"
	actionFollow        = "follow"

	// DefaultQueueSize bounds messages waiting for the actor.
	DefaultQueueSize = 256
)

var (
	errMissingManager = errors.New("document: session manager is required")
	errMissingAccess  = errors.New("document: live access control is required")
	errMissingUser    = errors.New("document: revision user is required")
	errUnknownType    = errors.New("document: unknown client revision type")
	// ErrActorStopped indicates that the actor no longer accepts messages.
	ErrActorStopped = errors.New("document: actor stopped")
)

// SessionManager applies client frames to live document state.
type SessionManager interface {
	HandleClientRevisions(ctx context.Context, user realtime.RevisionUser, data revision.ClientRevisionWSData) error
	HandleClientPing(ctx context.Context, user realtime.RevisionUser, data revision.ClientRevisionWSData) error
}

// LiveAccess decides who may push to or follow the live session of an object.
type LiveAccess interface {
	EnforceLiveRead(ctx context.Context, uid int64, objectID string) (bool, error)
	EnforceLiveWrite(ctx context.Context, uid int64, objectID string) (bool, error)
}

// ClientData is one raw frame received from the connection of UID.
type ClientData struct {
	UID  int64
	User realtime.RevisionUser
	Raw  []byte
}

// ActorMessage pairs a frame with the channel receiving its outcome. Ret must
// have room for one value; the actor never blocks on it.
type ActorMessage struct {
	Data ClientData
	Ret  chan<- error
}

// ActorConfig describes the dependencies of Actor.
type ActorConfig struct {
	Manager   SessionManager
	Access    LiveAccess
	QueueSize int
	Logger    *zap.Logger
}

// Stats reports actor counters.
type Stats struct {
	Processed int64
	Failed    int64
}

// Actor decodes and dispatches client frames one at a time, in enqueue order
// across all documents.
type Actor struct {
	manager   SessionManager
	access    LiveAccess
	inbox     <-chan ActorMessage
	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	logger    *zap.Logger
}

type decodeResult struct {
	data revision.ClientRevisionWSData
	err  error
}

// NewActor creates the actor and returns the sending end of its queue. The
// receiving end belongs to the actor alone.
func NewActor(cfg ActorConfig) (*Actor, chan<- ActorMessage, error) {
	if cfg.Manager == nil {
		return nil, nil, errMissingManager
	}
	if cfg.Access == nil {
		return nil, nil, errMissingAccess
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := make(chan ActorMessage, queueSize)
	return &Actor{
		manager: cfg.Manager,
		access:  cfg.Access,
		inbox:   queue,
		logger:  logger,
	}, queue, nil
}

// Run consumes the queue until ctx is cancelled or the queue is closed.
// Calling Run more than once panics.
func (actor *Actor) Run(ctx context.Context) {
	if !actor.running.CompareAndSwap(false, true) {
		panic("document: actor is already running")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-actor.inbox:
			if !ok {
				return
			}
			err := actor.handle(ctx, message.Data)
			actor.processed.Add(1)
			if err != nil {
				actor.failed.Add(1)
				actor.logger.Debug("client frame rejected",
					zap.String("operation", opDispatch),
					zap.String("code", codeOf(err)),
					zap.Error(err))
			}
			if message.Ret != nil {
				select {
				case message.Ret <- err:
				default:
				}
			}
		}
	}
}

// Stats returns a snapshot of the actor counters.
func (actor *Actor) Stats() Stats {
	return Stats{
		Processed: actor.processed.Load(),
		Failed:    actor.failed.Load(),
	}
}

func (actor *Actor) handle(ctx context.Context, clientData ClientData) error {
	if clientData.User == nil {
		return collab.NewValidationError(opDispatch, reasonMissingUser, errMissingUser)
	}

	decoded := make(chan decodeResult, 1)
	go func(raw []byte) {
		data, err := revision.UnmarshalClientRevisionWSData(raw)
		decoded <- decodeResult{data: data, err: err}
	}(clientData.Raw)

	var result decodeResult
	select {
	case <-ctx.Done():
		return collab.NewInternalError(opDispatch, reasonActorStopped, ctx.Err())
	case result = <-decoded:
	}
	if result.err != nil {
		return collab.NewInternalError(opDispatch, reasonDecodeFailed, result.err)
	}

	data := result.data
	switch data.Type {
	case revision.ClientPushRev:
		if err := data.VerifyContentHash(); err != nil {
			return collab.NewValidationError(opDispatch, reasonHashMismatch, err)
		}
		if err := actor.authorize(ctx, clientData.UID, data.ObjectID, actionPushRevision, actor.access.EnforceLiveWrite); err != nil {
			return err
		}
		return wrapHandlerError(actor.manager.HandleClientRevisions(ctx, clientData.User, data))
	case revision.ClientPing:
		if len(data.ContentHash) > 0 {
			if err := data.VerifyContentHash(); err != nil {
				return collab.NewValidationError(opDispatch, reasonHashMismatch, err)
			}
		}
		if err := actor.authorize(ctx, clientData.UID, data.ObjectID, actionFollow, actor.access.EnforceLiveRead); err != nil {
			return err
		}
		return wrapHandlerError(actor.manager.HandleClientPing(ctx, clientData.User, data))
	default:
		return collab.NewValidationError(opDispatch, reasonUnknownType, errUnknownType)
	}
}

func (actor *Actor) authorize(ctx context.Context, uid int64, objectID, action string, check func(context.Context, int64, string) (bool, error)) error {
	allowed, err := check(ctx, uid, objectID)
	if err != nil {
		return wrapHandlerError(err)
	}
	if !allowed {
		return collab.NewPermissionDenied(opDispatch, uid, action+" "+objectID)
	}
	return nil
}

// Dispatch enqueues clientData and waits for the actor's outcome.
func Dispatch(ctx context.Context, inbox chan<- ActorMessage, clientData ClientData) error {
	ret := make(chan error, 1)
	select {
	case <-ctx.Done():
		return collab.NewInternalError(opDispatch, reasonActorStopped, ErrActorStopped)
	case inbox <- ActorMessage{Data: clientData, Ret: ret}:
	}
	select {
	case <-ctx.Done():
		return collab.NewInternalError(opDispatch, reasonActorStopped, ErrActorStopped)
	case err := <-ret:
		return err
	}
}

func wrapHandlerError(err error) error {
	if err == nil {
		return nil
	}
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		return err
	}
	return collab.NewInternalError(opDispatch, reasonHandlerFailed, err)
}

func codeOf(err error) string {
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		return collabErr.Code()
	}
	return ""
}
