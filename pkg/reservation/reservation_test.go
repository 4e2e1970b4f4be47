package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkerClient struct {
	reserveErr    error
	reserveStatus rpc.Status
	destroyed     *int
}

func (f *fakeWorkerClient) ReserveSlots(ctx context.Context, req *rpc.ReserveSlotsRequest) (*rpc.ReserveSlotsResponse, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	status := f.reserveStatus
	if status == "" {
		status = rpc.StatusSuccess
	}
	return &rpc.ReserveSlotsResponse{Status: status}, nil
}

func (f *fakeWorkerClient) CommitFiles(ctx context.Context, req *rpc.CommitFilesRequest) (*rpc.CommitFilesResponse, error) {
	return &rpc.CommitFilesResponse{Status: rpc.StatusSuccess}, nil
}

func (f *fakeWorkerClient) Destroy(ctx context.Context, req *rpc.DestroyRequest) (*rpc.DestroyResponse, error) {
	if f.destroyed != nil {
		*f.destroyed++
	}
	return &rpc.DestroyResponse{Status: rpc.StatusSuccess}, nil
}

func worker(port int) types.WorkerInfo {
	return types.WorkerInfo{Host: "127.0.0.1", RPCPort: port}
}

func newTestManager(dial dialFunc, maxParallel, maxRetry int, retryWait time.Duration) *Manager {
	return newManager(
		dial,
		func(types.WorkerInfo) {},
		func(types.WorkerInfo) {},
		nil,
		blacklist.New(1, events.NewBroker()),
		maxParallel, maxRetry, retryWait,
	)
}

func TestReserveWithRetrySucceedsWhenAllWorkersOK(t *testing.T) {
	dial := func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		return &fakeWorkerClient{}, nil
	}
	m := newTestManager(dial, 4, 3, time.Millisecond)

	slots := types.NewWorkerResource()
	slots[worker(1).Key()] = &types.WorkerResourceEntry{Worker: worker(1), Primaries: []*types.PartitionLocation{{PartitionID: 0, Epoch: 0, Worker: worker(1), Mode: types.Primary}}}

	ok := m.ReserveWithRetry(context.Background(), "app", 1, []types.WorkerInfo{worker(1), worker(2), worker(3)}, slots, false, 0, "soft", types.ReducePartition)
	assert.True(t, ok)
}

func TestReserveWithRetryShedsFailedWorkerAndReallocates(t *testing.T) {
	destroyed := 0
	dial := func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		if w.RPCPort == 1 {
			return &fakeWorkerClient{reserveErr: assertErr{}}, nil
		}
		return &fakeWorkerClient{destroyed: &destroyed}, nil
	}
	m := newTestManager(dial, 4, 3, time.Millisecond)

	slots := types.NewWorkerResource()
	slots[worker(1).Key()] = &types.WorkerResourceEntry{Worker: worker(1), Primaries: []*types.PartitionLocation{{PartitionID: 0, Epoch: 0, Worker: worker(1), Mode: types.Primary}}}

	candidates := []types.WorkerInfo{worker(1), worker(2), worker(3)}
	ok := m.ReserveWithRetry(context.Background(), "app", 1, candidates, slots, false, 0, "soft", types.ReducePartition)
	assert.True(t, ok)

	locs := slots.AllLocations()
	require.Len(t, locs, 1)
	assert.NotEqual(t, worker(1).Key(), locs[0].Worker.Key())
}

func TestReserveWithRetryExhaustsAndDestroysAll(t *testing.T) {
	destroyed := 0
	dial := func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		return &fakeWorkerClient{reserveErr: assertErr{}, destroyed: &destroyed}, nil
	}
	m := newTestManager(dial, 4, 2, time.Millisecond)

	slots := types.NewWorkerResource()
	slots[worker(1).Key()] = &types.WorkerResourceEntry{Worker: worker(1), Primaries: []*types.PartitionLocation{{PartitionID: 0, Epoch: 0, Worker: worker(1), Mode: types.Primary}}}

	ok := m.ReserveWithRetry(context.Background(), "app", 1, []types.WorkerInfo{worker(1)}, slots, false, 0, "soft", types.ReducePartition)
	assert.False(t, ok)
}

type assertErr struct{}

func (assertErr) Error() string { return "reserve failed" }
