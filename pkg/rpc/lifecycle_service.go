package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// LifecycleServer is the task-facing service spec §6.1 describes: the seven
// RPCs a Spark driver issues against the coordinator.
type LifecycleServer interface {
	RegisterShuffle(context.Context, *RegisterShuffleRequest) (*RegisterShuffleResponse, error)
	Revive(context.Context, *ReviveRequest) (*ReviveResponse, error)
	PartitionSplit(context.Context, *PartitionSplitRequest) (*PartitionSplitResponse, error)
	MapperEnd(context.Context, *MapperEndRequest) (*MapperEndResponse, error)
	GetReducerFileGroup(context.Context, *GetReducerFileGroupRequest) (*GetReducerFileGroupResponse, error)
	StageEnd(context.Context, *StageEndRequest) (*MapperEndResponse, error)
	UnregisterShuffle(context.Context, *UnregisterShuffleRequest) (*MapperEndResponse, error)
}

const lifecycleServiceName = "barge.rpc.LifecycleService"

// RegisterLifecycleServer attaches srv's methods to s under the hand-declared
// service descriptor below. There is no protoc step in this build: method
// wire types are plain structs carried through the JSON codec registered in
// codec.go, so this plays the role generated *_grpc.pb.go code would.
func RegisterLifecycleServer(s *grpc.Server, srv LifecycleServer) {
	s.RegisterService(&lifecycleServiceDesc, srv)
}

func lifecycleHandler(methodName string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		server := srv.(LifecycleServer)
		req := newLifecycleRequest(methodName)
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return dispatchLifecycle(ctx, server, methodName, req)
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + lifecycleServiceName + "/" + methodName}
		return interceptor(ctx, req, info, handler)
	}
}

func newLifecycleRequest(methodName string) any {
	switch methodName {
	case "RegisterShuffle":
		return &RegisterShuffleRequest{}
	case "Revive":
		return &ReviveRequest{}
	case "PartitionSplit":
		return &PartitionSplitRequest{}
	case "MapperEnd":
		return &MapperEndRequest{}
	case "GetReducerFileGroup":
		return &GetReducerFileGroupRequest{}
	case "StageEnd":
		return &StageEndRequest{}
	case "UnregisterShuffle":
		return &UnregisterShuffleRequest{}
	default:
		panic("rpc: unknown lifecycle method " + methodName)
	}
}

func dispatchLifecycle(ctx context.Context, server LifecycleServer, methodName string, req any) (any, error) {
	switch methodName {
	case "RegisterShuffle":
		return server.RegisterShuffle(ctx, req.(*RegisterShuffleRequest))
	case "Revive":
		return server.Revive(ctx, req.(*ReviveRequest))
	case "PartitionSplit":
		return server.PartitionSplit(ctx, req.(*PartitionSplitRequest))
	case "MapperEnd":
		return server.MapperEnd(ctx, req.(*MapperEndRequest))
	case "GetReducerFileGroup":
		return server.GetReducerFileGroup(ctx, req.(*GetReducerFileGroupRequest))
	case "StageEnd":
		return server.StageEnd(ctx, req.(*StageEndRequest))
	case "UnregisterShuffle":
		return server.UnregisterShuffle(ctx, req.(*UnregisterShuffleRequest))
	default:
		panic("rpc: unknown lifecycle method " + methodName)
	}
}

var lifecycleMethodNames = []string{
	"RegisterShuffle", "Revive", "PartitionSplit", "MapperEnd",
	"GetReducerFileGroup", "StageEnd", "UnregisterShuffle",
}

var lifecycleServiceDesc = buildLifecycleServiceDesc()

func buildLifecycleServiceDesc() grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, 0, len(lifecycleMethodNames))
	for _, name := range lifecycleMethodNames {
		name := name
		methods = append(methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    lifecycleHandler(name),
		})
	}
	return grpc.ServiceDesc{
		ServiceName: lifecycleServiceName,
		HandlerType: (*LifecycleServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "pkg/rpc/lifecycle_service.go",
	}
}
