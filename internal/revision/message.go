// Package revision defines the binary frames exchanged with document clients.
// The wire schema lives in revision.proto.
package revision

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ClientRevisionType classifies a client frame.
type ClientRevisionType uint64

const (
	// ClientPushRev carries a new revision from the client.
	ClientPushRev ClientRevisionType = 0
	// ClientPing asks for revisions the client has not seen.
	ClientPing ClientRevisionType = 1
)

func (t ClientRevisionType) String() string {
	switch t {
	case ClientPushRev:
		return "push_rev"
	case ClientPing:
		return "ping"
	default:
		return fmt.Sprintf("client_revision_type(%d)", uint64(t))
	}
}

// ServerRevisionType classifies a server frame.
type ServerRevisionType uint64

const (
	ServerPull ServerRevisionType = 0
	ServerPush ServerRevisionType = 1
	ServerAck  ServerRevisionType = 2
)

// ChannelDocument is the websocket channel carrying document frames.
const ChannelDocument = "Document"

var (
	// ErrInvalidFrame indicates bytes that do not parse as a frame.
	ErrInvalidFrame = errors.New("revision: invalid frame")
	// ErrContentHashMismatch indicates that the payload does not match its declared hash.
	ErrContentHashMismatch = errors.New("revision: content hash mismatch")
)

// ClientRevisionWSData is one frame sent by a client.
type ClientRevisionWSData struct {
	ObjectID    string
	DataID      string
	Type        ClientRevisionType
	Payload     []byte
	ContentHash []byte
}

// ContentHashOf returns the SHA-256 digest frames carry for payload.
func ContentHashOf(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// VerifyContentHash checks the declared hash against the payload.
func (data ClientRevisionWSData) VerifyContentHash() error {
	if !bytes.Equal(data.ContentHash, ContentHashOf(data.Payload)) {
		return fmt.Errorf("%w: object %s data %s", ErrContentHashMismatch, data.ObjectID, data.DataID)
	}
	return nil
}

// Marshal encodes the frame. Identifiers must be valid UTF-8.
func (data ClientRevisionWSData) Marshal() ([]byte, error) {
	frame := dynamicpb.NewMessage(schema.client)
	setString(frame, "object_id", data.ObjectID)
	setString(frame, "data_id", data.DataID)
	setUint(frame, "type", uint64(data.Type))
	setBytes(frame, "payload", data.Payload)
	setBytes(frame, "content_hash", data.ContentHash)
	return marshalFrame(frame)
}

// UnmarshalClientRevisionWSData decodes a client frame.
func UnmarshalClientRevisionWSData(raw []byte) (ClientRevisionWSData, error) {
	frame, err := unmarshalFrame(raw, schema.client)
	if err != nil {
		return ClientRevisionWSData{}, err
	}
	data := ClientRevisionWSData{
		ObjectID:    getString(frame, "object_id"),
		DataID:      getString(frame, "data_id"),
		Type:        ClientRevisionType(getUint(frame, "type")),
		Payload:     getBytes(frame, "payload"),
		ContentHash: getBytes(frame, "content_hash"),
	}
	if data.ObjectID == "" {
		return ClientRevisionWSData{}, fmt.Errorf("%w: missing object id", ErrInvalidFrame)
	}
	if data.Type != ClientPushRev && data.Type != ClientPing {
		return ClientRevisionWSData{}, fmt.Errorf("%w: unknown type %d", ErrInvalidFrame, uint64(data.Type))
	}
	return data, nil
}

// Revision is one server-ordered delta of a document.
type Revision struct {
	RevID    int64
	DataID   string
	ObjectID string
	UserID   string
	Delta    []byte
}

func (rev Revision) fill(entry protoreflect.Message) {
	setInt(entry, "rev_id", rev.RevID)
	setString(entry, "data_id", rev.DataID)
	setString(entry, "object_id", rev.ObjectID)
	setString(entry, "user_id", rev.UserID)
	setBytes(entry, "delta", rev.Delta)
}

func revisionFrom(entry protoreflect.Message) Revision {
	return Revision{
		RevID:    getInt(entry, "rev_id"),
		DataID:   getString(entry, "data_id"),
		ObjectID: getString(entry, "object_id"),
		UserID:   getString(entry, "user_id"),
		Delta:    getBytes(entry, "delta"),
	}
}

// ServerRevisionWSData is one frame sent to a client.
type ServerRevisionWSData struct {
	ObjectID  string
	Type      ServerRevisionType
	Revisions []Revision
}

// Marshal encodes the frame.
func (data ServerRevisionWSData) Marshal() ([]byte, error) {
	frame := dynamicpb.NewMessage(schema.server)
	setString(frame, "object_id", data.ObjectID)
	setUint(frame, "type", uint64(data.Type))
	if len(data.Revisions) > 0 {
		revisions := frame.Mutable(fieldNamed(frame, "revisions")).List()
		for _, rev := range data.Revisions {
			entry := revisions.NewElement()
			rev.fill(entry.Message())
			revisions.Append(entry)
		}
	}
	return marshalFrame(frame)
}

// UnmarshalServerRevisionWSData decodes a server frame.
func UnmarshalServerRevisionWSData(raw []byte) (ServerRevisionWSData, error) {
	frame, err := unmarshalFrame(raw, schema.server)
	if err != nil {
		return ServerRevisionWSData{}, err
	}
	data := ServerRevisionWSData{
		ObjectID: getString(frame, "object_id"),
		Type:     ServerRevisionType(getUint(frame, "type")),
	}
	revisions := frame.Get(fieldNamed(frame, "revisions")).List()
	for index := 0; index < revisions.Len(); index++ {
		data.Revisions = append(data.Revisions, revisionFrom(revisions.Get(index).Message()))
	}
	return data, nil
}

// WSMessage wraps a frame with the channel it belongs to.
type WSMessage struct {
	Channel string
	Data    []byte
}

// Marshal encodes the message.
func (message WSMessage) Marshal() ([]byte, error) {
	frame := dynamicpb.NewMessage(schema.message)
	setString(frame, "channel", message.Channel)
	setBytes(frame, "data", message.Data)
	return marshalFrame(frame)
}

// UnmarshalWSMessage decodes a message.
func UnmarshalWSMessage(raw []byte) (WSMessage, error) {
	frame, err := unmarshalFrame(raw, schema.message)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Channel: getString(frame, "channel"), Data: getBytes(frame, "data")}, nil
}

// EncodePing builds the payload of a ping frame acknowledging lastRevID.
func EncodePing(lastRevID int64) []byte {
	frame := dynamicpb.NewMessage(schema.ping)
	setInt(frame, "last_rev_id", lastRevID)
	// A ping has no string fields, so encoding cannot fail.
	payload, _ := proto.Marshal(frame)
	return payload
}

// DecodePing returns the last revision id carried by a ping payload.
// An empty payload means the client has seen nothing.
func DecodePing(payload []byte) (int64, error) {
	frame, err := unmarshalFrame(payload, schema.ping)
	if err != nil {
		return 0, err
	}
	lastRevID := getInt(frame, "last_rev_id")
	if lastRevID < 0 {
		return 0, fmt.Errorf("%w: negative revision id", ErrInvalidFrame)
	}
	return lastRevID, nil
}

func marshalFrame(frame proto.Message) ([]byte, error) {
	raw, err := proto.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("revision: encode %s: %w", frame.ProtoReflect().Descriptor().Name(), err)
	}
	return raw, nil
}

func unmarshalFrame(raw []byte, descriptor protoreflect.MessageDescriptor) (*dynamicpb.Message, error) {
	frame := dynamicpb.NewMessage(descriptor)
	if err := proto.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return frame, nil
}

func fieldNamed(message protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return message.Descriptor().Fields().ByName(name)
}

// Zero values are left unset, as proto3 omits them anyway.

func setString(message protoreflect.Message, name protoreflect.Name, value string) {
	if value != "" {
		message.Set(fieldNamed(message, name), protoreflect.ValueOfString(value))
	}
}

func setBytes(message protoreflect.Message, name protoreflect.Name, value []byte) {
	if len(value) > 0 {
		message.Set(fieldNamed(message, name), protoreflect.ValueOfBytes(value))
	}
}

func setUint(message protoreflect.Message, name protoreflect.Name, value uint64) {
	if value != 0 {
		message.Set(fieldNamed(message, name), protoreflect.ValueOfUint64(value))
	}
}

func setInt(message protoreflect.Message, name protoreflect.Name, value int64) {
	if value != 0 {
		message.Set(fieldNamed(message, name), protoreflect.ValueOfInt64(value))
	}
}

func getString(message protoreflect.Message, name protoreflect.Name) string {
	return message.Get(fieldNamed(message, name)).String()
}

func getBytes(message protoreflect.Message, name protoreflect.Name) []byte {
	value := message.Get(fieldNamed(message, name)).Bytes()
	if len(value) == 0 {
		return nil
	}
	return append([]byte(nil), value...)
}

func getUint(message protoreflect.Message, name protoreflect.Name) uint64 {
	return message.Get(fieldNamed(message, name)).Uint()
}

func getInt(message protoreflect.Message, name protoreflect.Name) int64 {
	return message.Get(fieldNamed(message, name)).Int()
}
