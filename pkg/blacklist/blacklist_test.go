package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	reachable bool
}

func (f fakeProber) Probe(ctx context.Context, worker types.WorkerInfo) bool {
	return f.reachable
}

func worker(port int) types.WorkerInfo {
	return types.WorkerInfo{Host: "127.0.0.1", RPCPort: port}
}

type fakeMasterClient struct {
	rpc.MasterClient
	resp *rpc.GetBlacklistResponse
	err  error
}

func (f *fakeMasterClient) GetBlacklist(ctx context.Context, req *rpc.GetBlacklistRequest) (*rpc.GetBlacklistResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestRecordFailureRequiresMaxFailures(t *testing.T) {
	bl := New(2, nil)
	w := worker(1)

	bl.RecordFailure(w, ReasonConnectFailed)
	assert.False(t, bl.IsBlacklisted(w))

	bl.RecordFailure(w, ReasonConnectFailed)
	assert.True(t, bl.IsBlacklisted(w))
}

func TestRecordFailureSingleBlipTolerated(t *testing.T) {
	bl := New(3, nil)
	w := worker(1)

	bl.RecordFailure(w, ReasonReserveFailed)
	assert.False(t, bl.IsBlacklisted(w))
	assert.Len(t, bl.Filter([]types.WorkerInfo{w}), 1)
}

func TestClearRemovesEntry(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)

	bl.RecordFailure(w, ReasonCommitFailed)
	require.True(t, bl.IsBlacklisted(w))

	bl.Clear(w)
	assert.False(t, bl.IsBlacklisted(w))
}

func TestFilterExcludesBlacklistedOnly(t *testing.T) {
	bl := New(1, nil)
	good := worker(1)
	bad := worker(2)

	bl.RecordFailure(bad, ReasonPushDataFailed)

	out := bl.Filter([]types.WorkerInfo{good, bad})
	require.Len(t, out, 1)
	assert.Equal(t, good, out[0])
}

func TestSnapshotListsBlacklistedKeys(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)

	snap := bl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, w.Key(), snap[0])
}

func TestRefreshAgesOutEntriesAndPublishesRecovered(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	bl := New(1, broker)
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)
	require.True(t, bl.IsBlacklisted(w))

	bl.refresh(0)
	assert.False(t, bl.IsBlacklisted(w))

	select {
	case evt := <-sub:
		assert.Equal(t, events.EventWorkerRecovered, evt.Type)
		assert.Equal(t, w.Key(), evt.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a worker.recovered event")
	}
}

func TestRefreshKeepsEntryWhenProberFailsProbe(t *testing.T) {
	bl := New(1, nil)
	bl.SetProber(fakeProber{reachable: false})
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)

	bl.refresh(0)
	assert.True(t, bl.IsBlacklisted(w))
}

func TestRefreshClearsEntryWhenProberSucceeds(t *testing.T) {
	bl := New(1, nil)
	bl.SetProber(fakeProber{reachable: true})
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)

	bl.refresh(0)
	assert.False(t, bl.IsBlacklisted(w))
}

func TestSyncWithMasterAddsMasterReportedWorkers(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)

	bl.SetMasterClient(&fakeMasterClient{resp: &rpc.GetBlacklistResponse{
		Blacklist:      []string{w.Key()},
		UnknownWorkers: []string{"10.0.0.9:7000"},
	}})

	bl.syncWithMaster(context.Background())

	assert.True(t, bl.IsBlacklisted(w))
	snap := bl.Snapshot()
	assert.Contains(t, snap, w.Key())
	assert.Contains(t, snap, "10.0.0.9:7000")
}

func TestSyncWithMasterClearsEntryOnceMasterStopsReportingIt(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)
	master := &fakeMasterClient{resp: &rpc.GetBlacklistResponse{Blacklist: []string{w.Key()}}}
	bl.SetMasterClient(master)

	bl.syncWithMaster(context.Background())
	require.True(t, bl.IsBlacklisted(w))

	master.resp = &rpc.GetBlacklistResponse{}
	bl.syncWithMaster(context.Background())
	assert.False(t, bl.IsBlacklisted(w))
}

func TestSyncWithMasterEntryDoesNotAgeOutByTimeAlone(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)
	bl.SetMasterClient(&fakeMasterClient{resp: &rpc.GetBlacklistResponse{Blacklist: []string{w.Key()}}})

	bl.syncWithMaster(context.Background())
	bl.refresh(0)

	assert.True(t, bl.IsBlacklisted(w), "a master-sourced entry must not age out locally")
}

func TestSyncWithMasterKeepsLocalEntryOnRPCError(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)
	bl.SetMasterClient(&fakeMasterClient{err: assert.AnError})

	bl.syncWithMaster(context.Background())
	assert.True(t, bl.IsBlacklisted(w))
}

func TestStartStopRunsRefreshLoop(t *testing.T) {
	bl := New(1, nil)
	w := worker(1)
	bl.RecordFailure(w, ReasonConnectFailed)

	bl.Start(10*time.Millisecond, 0)
	defer bl.Stop()

	require.Eventually(t, func() bool {
		return !bl.IsBlacklisted(w)
	}, time.Second, 10*time.Millisecond)
}
