package api

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/lifecycle"
	"github.com/cuemby/barge/pkg/partitionchange"
	"github.com/cuemby/barge/pkg/registration"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/reservation"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/stageend"
	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeMaster struct {
	mu       sync.Mutex
	resource types.WorkerResource
}

func (m *fakeMaster) RequestSlots(ctx context.Context, req *rpc.RequestSlotsRequest) (*rpc.RequestSlotsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &rpc.RequestSlotsResponse{Status: rpc.StatusSuccess, Resource: m.resource}, nil
}
func (m *fakeMaster) ReleaseSlots(ctx context.Context, req *rpc.ReleaseSlotsRequest) error { return nil }
func (m *fakeMaster) GetBlacklist(ctx context.Context, req *rpc.GetBlacklistRequest) (*rpc.GetBlacklistResponse, error) {
	return &rpc.GetBlacklistResponse{Status: rpc.StatusSuccess}, nil
}
func (m *fakeMaster) UnregisterShuffle(ctx context.Context, req *rpc.MasterUnregisterShuffleRequest) error {
	return nil
}
func (m *fakeMaster) HeartbeatFromApplication(ctx context.Context, req *rpc.HeartbeatFromApplicationRequest) error {
	return nil
}
func (m *fakeMaster) CheckQuota(ctx context.Context, req *rpc.CheckQuotaRequest) (*rpc.CheckQuotaResponse, error) {
	return &rpc.CheckQuotaResponse{Available: true}, nil
}

type fakeWorkerClient struct{}

func (fakeWorkerClient) ReserveSlots(ctx context.Context, req *rpc.ReserveSlotsRequest) (*rpc.ReserveSlotsResponse, error) {
	return &rpc.ReserveSlotsResponse{Status: rpc.StatusSuccess}, nil
}
func (fakeWorkerClient) CommitFiles(ctx context.Context, req *rpc.CommitFilesRequest) (*rpc.CommitFilesResponse, error) {
	return &rpc.CommitFilesResponse{Status: rpc.StatusSuccess}, nil
}
func (fakeWorkerClient) Destroy(ctx context.Context, req *rpc.DestroyRequest) (*rpc.DestroyResponse, error) {
	return &rpc.DestroyResponse{Status: rpc.StatusSuccess}, nil
}

func worker(port int) types.WorkerInfo {
	return types.WorkerInfo{Host: "127.0.0.1", RPCPort: port}
}

func resourceWithWorkers(workers ...types.WorkerInfo) types.WorkerResource {
	r := types.NewWorkerResource()
	for i, w := range workers {
		r[w.Key()] = &types.WorkerResourceEntry{Worker: w, Primaries: []*types.PartitionLocation{{PartitionID: i, Epoch: 0, Worker: w, Mode: types.Primary}}}
	}
	return r
}

// newTestServer wires every coordinator component the way cmd/coordinator
// would, backed by fakes instead of a real master/worker fleet, and starts
// the gRPC server on a loopback port.
func newTestServer(t *testing.T) (*Server, *grpc.ClientConn) {
	t.Helper()

	reg := registry.New()
	bl := blacklist.New(1, events.NewBroker())
	master := &fakeMaster{resource: resourceWithWorkers(worker(1), worker(2))}

	dial := func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		return fakeWorkerClient{}, nil
	}
	reserve := reservation.NewWithDial(dial, func(types.WorkerInfo) {}, func(types.WorkerInfo) {}, master, bl, 4, 1, time.Millisecond)

	endpoints := endpoint.NewPool(time.Second)
	register := registration.New(reg, master, endpoints, reserve, bl, "localhost", false, 4)
	change := partitionchange.New(reserve, bl, false)
	stage := stageend.NewWithDial(dial, master, bl, 4, false)
	lc := lifecycle.New(reg, stage, master)

	srv := NewServer(reg, register, change, stage, lc, 200*time.Millisecond)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.grpc.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any) error {
	return conn.Invoke(ctx, "/barge.rpc.LifecycleService/"+method, req, resp, grpc.CallContentSubtype(rpc.CodecName))
}

func TestServerRegisterShuffleEndToEnd(t *testing.T) {
	_, conn := newTestServer(t)

	resp := &rpc.RegisterShuffleResponse{}
	err := invoke(context.Background(), conn, "RegisterShuffle", &rpc.RegisterShuffleRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 1},
		NumMappers:      2,
		NumReducers:     2,
	}, resp)

	require.NoError(t, err)
	require.Equal(t, rpc.StatusSuccess, resp.Status)
	require.Len(t, resp.PrimaryLocations, 2)
}

func TestServerReviveUnknownShuffleReturnsShuffleNotRegistered(t *testing.T) {
	_, conn := newTestServer(t)

	resp := &rpc.ReviveResponse{}
	err := invoke(context.Background(), conn, "Revive", &rpc.ReviveRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 99},
		PartitionID:     0,
	}, resp)

	require.NoError(t, err)
	require.Equal(t, rpc.StatusShuffleNotRegistered, resp.Status)
}

func TestServerFullShuffleLifecycle(t *testing.T) {
	_, conn := newTestServer(t)
	ctx := context.Background()

	reg := &rpc.RegisterShuffleResponse{}
	require.NoError(t, invoke(ctx, conn, "RegisterShuffle", &rpc.RegisterShuffleRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 2},
		NumMappers:      1,
		NumReducers:     2,
	}, reg))
	require.Equal(t, rpc.StatusSuccess, reg.Status)

	mapperEnd := &rpc.MapperEndResponse{}
	require.NoError(t, invoke(ctx, conn, "MapperEnd", &rpc.MapperEndRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 2},
		MapperID:        0,
		AttemptID:       0,
		NumMappers:      1,
	}, mapperEnd))
	require.Equal(t, rpc.StatusSuccess, mapperEnd.Status)

	var groups *rpc.GetReducerFileGroupResponse
	require.Eventually(t, func() bool {
		groups = &rpc.GetReducerFileGroupResponse{}
		err := invoke(ctx, conn, "GetReducerFileGroup", &rpc.GetReducerFileGroupRequest{
			RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 2},
		}, groups)
		require.NoError(t, err)
		return groups.Status == rpc.StatusSuccess
	}, time.Second, 10*time.Millisecond)

	unreg := &rpc.MapperEndResponse{}
	require.NoError(t, invoke(ctx, conn, "UnregisterShuffle", &rpc.UnregisterShuffleRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 2},
	}, unreg))
	require.Equal(t, rpc.StatusSuccess, unreg.Status)
}
