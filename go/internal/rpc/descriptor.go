package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// BiddingFile describes proto/auction/v1/bidding.proto. It
// is registered with the global registry so reflection can serve it.
var BiddingFile = mustRegisterFile(biddingFileProto())

var biddingServiceMethods = BiddingFile.Services().ByName("BiddingService").Methods()

func biddingFileProto() *descriptorpb.FileDescriptorProto {
	structType := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())
	method := func(name string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		}
	}

	getRoom := method("GetRoom")
	getRoom.Options = &descriptorpb.MethodOptions{
		IdempotencyLevel: descriptorpb.MethodOptions_NO_SIDE_EFFECTS.Enum(),
	}

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("auction/v1/bidding.proto"),
		Package:    proto.String("auction.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/mcdev12/estatebid/go/internal/rpc"),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("BiddingService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("PlaceBid"),
				method("JoinRoom"),
				method("LeaveRoom"),
				getRoom,
				method("Settle"),
			},
		}},
	}
}

func mustRegisterFile(fdp *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("rpc: build %s: %v", fdp.GetName(), err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("rpc: register %s: %v", fdp.GetName(), err))
	}
	return fd
}
