package revision

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const schemaPackage = "collab.revision.v1"

const (
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	typeUint64 = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
)

type frameSchema struct {
	client   protoreflect.MessageDescriptor
	revision protoreflect.MessageDescriptor
	server   protoreflect.MessageDescriptor
	message  protoreflect.MessageDescriptor
	ping     protoreflect.MessageDescriptor
}

// schema holds the descriptors of revision.proto.
var schema = mustBuildSchema()

func mustBuildSchema() frameSchema {
	file, err := protodesc.NewFile(schemaDescriptor(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("revision: invalid frame schema: %v", err))
	}
	messages := file.Messages()
	return frameSchema{
		client:   messages.ByName("ClientRevisionWSData"),
		revision: messages.ByName("Revision"),
		server:   messages.ByName("ServerRevisionWSData"),
		message:  messages.ByName("WSMessage"),
		ping:     messages.ByName("Ping"),
	}
}

// schemaDescriptor is revision.proto in descriptor form. Keep the two in step.
func schemaDescriptor() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("collab/revision/v1/revision.proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageType("ClientRevisionWSData",
				field("object_id", 1, typeString),
				field("data_id", 2, typeString),
				field("type", 3, typeUint64),
				field("payload", 4, typeBytes),
				field("content_hash", 5, typeBytes),
			),
			messageType("Revision",
				field("rev_id", 1, typeInt64),
				field("data_id", 2, typeString),
				field("object_id", 3, typeString),
				field("user_id", 4, typeString),
				field("delta", 5, typeBytes),
			),
			messageType("ServerRevisionWSData",
				field("object_id", 1, typeString),
				field("type", 2, typeUint64),
				repeatedMessage("revisions", 3, "Revision"),
			),
			messageType("WSMessage",
				field("channel", 1, typeString),
				field("data", 2, typeBytes),
			),
			messageType("Ping",
				field("last_rev_id", 1, typeInt64),
			),
		},
	}
}

func messageType(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func field(name string, number int32, kind descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   kind.Enum(),
	}
}

func repeatedMessage(name string, number int32, messageName string) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String("." + schemaPackage + "." + messageName),
	}
}
