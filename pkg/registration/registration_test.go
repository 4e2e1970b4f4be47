package registration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/reservation"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaster struct {
	mu             sync.Mutex
	requestCalls   int
	resource       types.WorkerResource
	status         rpc.Status
	released       int
}

func (m *fakeMaster) RequestSlots(ctx context.Context, req *rpc.RequestSlotsRequest) (*rpc.RequestSlotsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCalls++
	return &rpc.RequestSlotsResponse{Status: m.status, Resource: m.resource}, nil
}

func (m *fakeMaster) ReleaseSlots(ctx context.Context, req *rpc.ReleaseSlotsRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
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

func newTestPipeline(t *testing.T, master *fakeMaster) *Pipeline {
	t.Helper()
	reg := registry.New()
	endpoints := endpoint.NewPool(time.Second)
	bl := blacklist.New(1, events.NewBroker())
	dial := func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		return fakeWorkerClient{}, nil
	}
	reserve := reservation.NewWithDial(dial, func(types.WorkerInfo) {}, func(types.WorkerInfo) {}, master, bl, 4, 1, time.Millisecond)
	return New(reg, master, endpoints, reserve, bl, "localhost", false, 4)
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

func TestRegisterShuffleSucceeds(t *testing.T) {
	master := &fakeMaster{status: rpc.StatusSuccess, resource: resourceWithWorkers(worker(1), worker(2))}
	p := newTestPipeline(t, master)

	resp := p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{
		RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 1},
		NumMappers:      4,
		NumReducers:     2,
	})

	assert.Equal(t, rpc.StatusSuccess, resp.Status)
	assert.Len(t, resp.PrimaryLocations, 2)
}

func TestRegisterShuffleIsIdempotent(t *testing.T) {
	master := &fakeMaster{status: rpc.StatusSuccess, resource: resourceWithWorkers(worker(1))}
	p := newTestPipeline(t, master)

	first := p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 1}, NumMappers: 1, NumReducers: 1})
	second := p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 1}, NumMappers: 1, NumReducers: 1})

	assert.Equal(t, rpc.StatusSuccess, first.Status)
	assert.Equal(t, rpc.StatusSuccess, second.Status)
	assert.Equal(t, 1, master.requestCalls)
}

func TestRegisterShuffleRetriesOnceOnMasterFailure(t *testing.T) {
	master := &fakeMaster{status: rpc.StatusSlotNotAvailable, resource: nil}
	p := newTestPipeline(t, master)

	resp := p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 1}, NumMappers: 1, NumReducers: 1})

	assert.NotEqual(t, rpc.StatusSuccess, resp.Status)
	assert.Equal(t, 2, master.requestCalls)
}

func TestConcurrentRegisterShuffleCallsCoalesceOnFailureStatus(t *testing.T) {
	master := &fakeMaster{status: rpc.StatusSlotNotAvailable, resource: nil}
	p := newTestPipeline(t, master)

	var wg sync.WaitGroup
	results := make(chan *rpc.RegisterShuffleResponse, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{
				RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 5},
				NumMappers:      1, NumReducers: 1,
			})
		}()
	}
	wg.Wait()
	close(results)

	for resp := range results {
		require.Equal(t, rpc.StatusSlotNotAvailable, resp.Status, "every coalesced caller must see the first caller's actual status")
	}
}

func TestConcurrentRegisterShuffleCallsCoalesce(t *testing.T) {
	master := &fakeMaster{status: rpc.StatusSuccess, resource: resourceWithWorkers(worker(1))}
	p := newTestPipeline(t, master)

	var wg sync.WaitGroup
	results := make(chan *rpc.RegisterShuffleResponse, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.RegisterShuffle(context.Background(), &rpc.RegisterShuffleRequest{
				RequestEnvelope: rpc.RequestEnvelope{AppID: "app", ShuffleID: 9},
				NumMappers:      1, NumReducers: 1,
			})
		}()
	}
	wg.Wait()
	close(results)

	for resp := range results {
		require.Equal(t, rpc.StatusSuccess, resp.Status)
	}
	assert.Equal(t, 1, master.requestCalls)
}
