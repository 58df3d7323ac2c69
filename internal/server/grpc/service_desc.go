package grpcserver

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "sensorauth.v1.Auth"
	protoFile   = "sensorauth/v1/auth.proto"
)

// AuthServer is the server API of sensorauth.v1.Auth. Requests and responses
// are google.protobuf.Struct messages.
type AuthServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeviceLogin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Renew(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreatePlace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterSensor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSensor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Whoami(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structHandler func(AuthServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return h(srv.(AuthServer), ctx, req.(*structpb.Struct))
			}
			if ic == nil {
				return call(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, call)
		},
	}
}

// ServiceDesc describes sensorauth.v1.Auth for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", AuthServer.Register),
		unary("Login", AuthServer.Login),
		unary("RequestChallenge", AuthServer.RequestChallenge),
		unary("DeviceLogin", AuthServer.DeviceLogin),
		unary("Renew", AuthServer.Renew),
		unary("Logout", AuthServer.Logout),
		unary("UpdateAccount", AuthServer.UpdateAccount),
		unary("CreatePlace", AuthServer.CreatePlace),
		unary("RegisterSensor", AuthServer.RegisterSensor),
		unary("GetSensor", AuthServer.GetSensor),
		unary("Whoami", AuthServer.Whoami),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// FullMethod returns the gRPC path of a service method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// PublicMethods can be called without a bearer token.
var PublicMethods = []string{
	FullMethod("Register"),
	FullMethod("Login"),
	FullMethod("RequestChallenge"),
	FullMethod("DeviceLogin"),
}

// fileDescriptor builds the descriptor of the service so that server
// reflection can describe it.
func fileDescriptor() *descriptorpb.FileDescriptorProto {
	const msg = ".google.protobuf.Struct"
	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(ServiceDesc.Methods))
	for _, m := range ServiceDesc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(msg),
			OutputType: proto.String(msg),
		})
	}
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFile),
		Package:    proto.String("sensorauth.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service:    []*descriptorpb.ServiceDescriptorProto{{Name: proto.String("Auth"), Method: methods}},
		Syntax:     proto.String("proto3"),
	}
}

var registerDescriptor = sync.OnceValues(func() (protoreflect.FileDescriptor, error) {
	fd, err := protodesc.NewFile(fileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", protoFile, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("registering %s: %w", protoFile, err)
	}
	return fd, nil
})

// RegisterAuthServer registers srv on s and publishes the service
// descriptor to the global proto registry.
func RegisterAuthServer(s grpc.ServiceRegistrar, srv AuthServer) error {
	if _, err := registerDescriptor(); err != nil {
		return err
	}
	s.RegisterService(&ServiceDesc, srv)
	return nil
}
