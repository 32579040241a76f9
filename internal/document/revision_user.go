package document

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/revision"
	"go.uber.org/zap"
)

// Socket sends one binary message without waiting for the peer.
type Socket interface {
	TrySend(message []byte) error
}

// DocumentRevisionUser delivers synchronization responses to one connection.
type DocumentRevisionUser struct {
	uid    int64
	socket Socket
	logger *zap.Logger
}

// NewRevisionUser binds uid to socket.
func NewRevisionUser(uid int64, socket Socket, logger *zap.Logger) *DocumentRevisionUser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentRevisionUser{uid: uid, socket: socket, logger: logger}
}

// UserID returns the decimal uid.
func (user *DocumentRevisionUser) UserID() string {
	return strconv.FormatInt(user.uid, 10)
}

// UID returns the numeric uid.
func (user *DocumentRevisionUser) UID() int64 {
	return user.uid
}

// Receive encodes response and hands it to the socket. Failures are logged
// and dropped; a later ping recovers the missed revisions.
func (user *DocumentRevisionUser) Receive(response realtime.SyncResponse) {
	frame := revision.ServerRevisionWSData{
		ObjectID:  response.ObjectID,
		Type:      serverType(response.Kind),
		Revisions: response.Revisions,
	}
	raw, err := encodeDocumentMessage(frame)
	if err == nil {
		err = user.socket.TrySend(raw)
	}
	if err != nil {
		user.logger.Warn("revision delivery failed",
			zap.Int64("uid", user.uid),
			zap.String("object_id", response.ObjectID),
			zap.Int("revisions", len(response.Revisions)),
			zap.Error(err))
	}
}

func encodeDocumentMessage(frame revision.ServerRevisionWSData) ([]byte, error) {
	data, err := frame.Marshal()
	if err != nil {
		return nil, err
	}
	return revision.WSMessage{Channel: revision.ChannelDocument, Data: data}.Marshal()
}

func serverType(kind realtime.SyncKind) revision.ServerRevisionType {
	switch kind {
	case realtime.SyncPush:
		return revision.ServerPush
	case realtime.SyncAck:
		return revision.ServerAck
	default:
		return revision.ServerPull
	}
}
