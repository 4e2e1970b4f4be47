package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/barge/pkg/lifecycle"
	"github.com/cuemby/barge/pkg/partitionchange"
	"github.com/cuemby/barge/pkg/registration"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/stageend"
	"google.golang.org/grpc"
)

// Server implements rpc.LifecycleServer, the task-facing gRPC service spec
// §6.1 describes, dispatching each call to the package that owns it.
type Server struct {
	registry  registry.Registry
	register  *registration.Pipeline
	change    *partitionchange.Handler
	stage     *stageend.Handler
	lifecycle *lifecycle.Manager

	stageEndTimeout time.Duration

	grpc *grpc.Server
}

// NewServer builds the gRPC server around the coordinator's already-wired
// components. Transport security is out of scope per spec.md §1, so unlike
// the teacher's mTLS-backed NewServer this dials/listens in the clear and
// relies on MetricsInterceptor in place of per-RPC certificate checks.
func NewServer(reg registry.Registry, register *registration.Pipeline, change *partitionchange.Handler, stage *stageend.Handler, lc *lifecycle.Manager, stageEndTimeout time.Duration) *Server {
	s := &Server{
		registry:        reg,
		register:        register,
		change:          change,
		stage:           stage,
		lifecycle:       lc,
		stageEndTimeout: stageEndTimeout,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor()))
	rpc.RegisterLifecycleServer(s.grpc, s)
	return s
}

// Start listens on addr and serves until Stop is called or Serve fails.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) RegisterShuffle(ctx context.Context, req *rpc.RegisterShuffleRequest) (*rpc.RegisterShuffleResponse, error) {
	return s.register.RegisterShuffle(ctx, req), nil
}

func (s *Server) Revive(ctx context.Context, req *rpc.ReviveRequest) (*rpc.ReviveResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.ReviveResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	return s.change.Revive(ctx, state, req), nil
}

func (s *Server) PartitionSplit(ctx context.Context, req *rpc.PartitionSplitRequest) (*rpc.PartitionSplitResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.PartitionSplitResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	return s.change.PartitionSplit(ctx, state, req), nil
}

func (s *Server) MapperEnd(ctx context.Context, req *rpc.MapperEndRequest) (*rpc.MapperEndResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.MapperEndResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	return s.stage.MapperEnd(ctx, state, req), nil
}

func (s *Server) GetReducerFileGroup(ctx context.Context, req *rpc.GetReducerFileGroupRequest) (*rpc.GetReducerFileGroupResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.GetReducerFileGroupResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	return s.stage.GetReducerFileGroup(ctx, state, s.stageEndTimeout), nil
}

func (s *Server) StageEnd(ctx context.Context, req *rpc.StageEndRequest) (*rpc.MapperEndResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.MapperEndResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	s.stage.StageEnd(ctx, state)
	return &rpc.MapperEndResponse{Status: rpc.StatusSuccess}, nil
}

func (s *Server) UnregisterShuffle(ctx context.Context, req *rpc.UnregisterShuffleRequest) (*rpc.MapperEndResponse, error) {
	state, ok := s.registry.Get(req.ShuffleID)
	if !ok {
		return &rpc.MapperEndResponse{Status: rpc.StatusShuffleNotRegistered}, nil
	}
	s.lifecycle.UnregisterShuffle(ctx, state, s.stageEndTimeout)
	return &rpc.MapperEndResponse{Status: rpc.StatusSuccess}, nil
}
