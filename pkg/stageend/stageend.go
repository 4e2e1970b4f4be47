// Package stageend implements MapperEnd, the StageEnd commit barrier and
// GetReducerFileGroup (spec §4.6/§4.7): once every mapper has reported in,
// CommitFiles is fanned out to every worker holding a placement for the
// shuffle, and the committed locations are assembled into per-reducer file
// groups.
package stageend

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MasterReleaser is the subset of rpc.MasterClient StageEnd needs to release
// the shuffle's quota once every worker has been told to forget it.
type MasterReleaser interface {
	ReleaseSlots(ctx context.Context, req *rpc.ReleaseSlotsRequest) error
}

// DialFunc resolves a worker identity to a WorkerClient, mirroring
// pkg/reservation's DI seam so CommitFiles can be tested without a real
// gRPC server.
type DialFunc func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error)

// Handler drives MapperEnd/StageEnd/GetReducerFileGroup for a shuffle.
type Handler struct {
	dial        DialFunc
	master      MasterReleaser
	blacklist   *blacklist.Blacklist
	maxParallel int
	replicate   bool

	inProgressMu sync.Mutex
	inProgress   map[int]bool
}

func New(endpoints *endpoint.Pool, master MasterReleaser, bl *blacklist.Blacklist, maxParallel int, replicate bool) *Handler {
	return NewWithDial(func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
		conn, err := endpoints.Conn(ctx, w)
		if err != nil {
			return nil, err
		}
		return rpc.NewWorkerClient(conn), nil
	}, master, bl, maxParallel, replicate)
}

func NewWithDial(dial DialFunc, master MasterReleaser, bl *blacklist.Blacklist, maxParallel int, replicate bool) *Handler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Handler{dial: dial, master: master, blacklist: bl, maxParallel: maxParallel, replicate: replicate, inProgress: make(map[int]bool)}
}

// MapperEnd records a mapper's ending attempt and, once every mapper has
// reported, kicks off StageEnd asynchronously.
func (h *Handler) MapperEnd(ctx context.Context, state *types.ShuffleState, req *rpc.MapperEndRequest) *rpc.MapperEndResponse {
	state.Mu.Lock()
	if state.MapperAttempts == nil {
		state.MapperAttempts = types.NewMapperAttempts(req.NumMappers)
	}
	_, allEnded := state.MapperAttempts.End(req.MapperID, req.AttemptID)
	state.Mu.Unlock()

	if allEnded {
		go h.StageEnd(context.Background(), state)
	}
	return &rpc.MapperEndResponse{Status: rpc.StatusSuccess}
}

// StageEnd implements the commit barrier. It is single-flight per shuffle:
// a duplicate invocation while one is already running returns immediately.
func (h *Handler) StageEnd(ctx context.Context, state *types.ShuffleState) {
	state.Mu.Lock()
	if !state.Registered {
		state.StageEnd = types.StageEndDoneSuccess
		state.Mu.Unlock()
		return
	}
	if state.StageEnd.Done() {
		state.Mu.Unlock()
		return
	}
	state.Mu.Unlock()

	h.inProgressMu.Lock()
	if h.inProgress[state.ShuffleID] {
		h.inProgressMu.Unlock()
		return
	}
	h.inProgress[state.ShuffleID] = true
	h.inProgressMu.Unlock()
	defer func() {
		h.inProgressMu.Lock()
		delete(h.inProgress, state.ShuffleID)
		h.inProgressMu.Unlock()
	}()

	state.Mu.Lock()
	state.StageEnd = types.StageEndInProgress
	state.Mu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StageEndDuration)

	results := h.commitAll(ctx, state)
	h.releaseWorkers(ctx, state)

	dataLost := h.hasDataLoss(h.replicate, results)
	if dataLost {
		metrics.StageEndDataLostTotal.Inc()
		state.Mu.Lock()
		state.StageEnd = types.StageEndDoneDataLost
		state.Mu.Unlock()
		return
	}

	h.assembleReducerFileGroups(state, results)
	state.Mu.Lock()
	state.StageEnd = types.StageEndDoneSuccess
	state.Mu.Unlock()
}

type commitResult struct {
	worker           types.WorkerInfo
	committed        *rpc.CommitFilesResponse
	failedAll        bool
	failedPrimaryIDs []int
	failedReplicaIDs []int
}

// commitAll fans CommitFiles out to every allocated worker, bounded by
// maxParallel, and blacklists any worker that comes back unhealthy.
func (h *Handler) commitAll(ctx context.Context, state *types.ShuffleState) []commitResult {
	snapshot := state.WorkerInfoSnapshot()
	mapperAttempts := []int{}
	if state.MapperAttempts != nil {
		mapperAttempts = state.MapperAttempts.Snapshot()
	}

	limit := len(snapshot)
	if limit > h.maxParallel {
		limit = h.maxParallel
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	resultsCh := make(chan commitResult, len(snapshot))
	for key, info := range snapshot {
		key, info := key, info
		g.Go(func() error {
			resultsCh <- h.commitWorker(gctx, state, key, info, mapperAttempts)
			return nil
		})
	}
	_ = g.Wait()
	close(resultsCh)

	var out []commitResult
	for r := range resultsCh {
		out = append(out, r)
	}
	return out
}

func (h *Handler) commitWorker(ctx context.Context, state *types.ShuffleState, workerKey string, info *types.PartitionLocationInfo, mapperAttempts []int) commitResult {
	worker := workerFromLocations(info)
	primaries := info.Primaries()
	replicas := info.Replicas()

	primaryIDs := make([]int, len(primaries))
	for i, l := range primaries {
		primaryIDs[i] = l.PartitionID
	}
	replicaIDs := make([]int, len(replicas))
	for i, l := range replicas {
		replicaIDs[i] = l.PartitionID
	}

	client, err := h.dial(ctx, worker)
	if err != nil {
		h.blacklist.RecordFailure(worker, blacklist.ReasonCommitFailed)
		return commitResult{worker: worker, failedAll: true, failedPrimaryIDs: primaryIDs, failedReplicaIDs: replicaIDs}
	}

	resp, err := client.CommitFiles(ctx, &rpc.CommitFilesRequest{
		AppID:          state.AppID,
		ShuffleID:      state.ShuffleID,
		PrimaryIDs:     primaryIDs,
		ReplicaIDs:     replicaIDs,
		MapperAttempts: mapperAttempts,
	})
	if err != nil {
		h.blacklist.RecordFailure(worker, blacklist.ReasonCommitFailed)
		return commitResult{worker: worker, failedAll: true, failedPrimaryIDs: primaryIDs, failedReplicaIDs: replicaIDs}
	}

	metrics.StageEndBytesWritten.Add(float64(resp.TotalWrittenBytes))
	metrics.StageEndFilesCommitted.Add(float64(resp.FileCount))

	if resp.Status == rpc.StatusPartialSuccess || resp.Status == rpc.StatusShuffleNotRegistered || resp.Status == rpc.StatusFailed {
		h.blacklist.RecordFailure(worker, blacklist.ReasonCommitFailed)
	}
	return commitResult{worker: worker, committed: resp}
}

func workerFromLocations(info *types.PartitionLocationInfo) types.WorkerInfo {
	for _, l := range info.Primaries() {
		return l.Worker
	}
	for _, l := range info.Replicas() {
		return l.Worker
	}
	return types.WorkerInfo{}
}

// releaseWorkers clears worker-side allocation bookkeeping and tells the
// master to release the shuffle's quota entirely, per spec §4.6 step 6.
func (h *Handler) releaseWorkers(ctx context.Context, state *types.ShuffleState) {
	snapshot := state.WorkerInfoSnapshot()
	for key := range snapshot {
		state.RemoveAllocatedWorker(key)
	}
	if h.master == nil {
		return
	}
	if err := h.master.ReleaseSlots(ctx, &rpc.ReleaseSlotsRequest{AppID: state.AppID, ShuffleID: state.ShuffleID}); err != nil {
		log.WithShuffleID(state.AppID, state.ShuffleID).Warn().Err(err).Msg("release slots at stage end failed")
	}
}

// hasDataLoss implements spec §4.6 step 7's per-replication-mode rule: with
// replication disabled any failed primary is data loss; with replication
// enabled, only ids that failed on both primary and replica are.
func (h *Handler) hasDataLoss(replicate bool, results []commitResult) bool {
	failedPrimary := make(map[int]bool)
	failedReplica := make(map[int]bool)

	for _, r := range results {
		for _, id := range r.failedPrimaryIDs {
			failedPrimary[id] = true
		}
		for _, id := range r.failedReplicaIDs {
			failedReplica[id] = true
		}
		if r.committed == nil {
			continue
		}
		for _, id := range r.committed.FailedPrimaryIDs {
			failedPrimary[id] = true
		}
		for _, id := range r.committed.FailedReplicaIDs {
			failedReplica[id] = true
		}
	}

	if !replicate {
		return len(failedPrimary) > 0
	}
	for id := range failedPrimary {
		if failedReplica[id] {
			return true
		}
	}
	return false
}

// assembleReducerFileGroups implements spec §4.6 step 8: committed primaries
// (with storage info) seed each group; committed replicas wire a peer link
// back to their primary when it survived, or publish standalone otherwise.
func (h *Handler) assembleReducerFileGroups(state *types.ShuffleState, results []commitResult) {
	byPartition := make(map[int]*types.PartitionLocation)

	for _, r := range results {
		if r.committed == nil {
			continue
		}
		for _, cp := range r.committed.CommittedPrimaries {
			if cp.Storage == nil {
				continue
			}
			loc := &types.PartitionLocation{PartitionID: cp.PartitionID, Worker: r.worker, Mode: types.Primary, Storage: cp.Storage, MapIDBitmap: cp.MapIDBitmap}
			byPartition[cp.PartitionID] = loc
			state.GetOrCreateReducerFileGroup(cp.PartitionID).Add(loc)
		}
	}

	for _, r := range results {
		if r.committed == nil {
			continue
		}
		for _, cp := range r.committed.CommittedReplicas {
			replicaLoc := &types.PartitionLocation{PartitionID: cp.PartitionID, Worker: r.worker, Mode: types.Replica, Storage: cp.Storage, MapIDBitmap: cp.MapIDBitmap}
			if primary, ok := byPartition[cp.PartitionID]; ok {
				replicaLoc.Peer = primary
				primary.Peer = replicaLoc
				continue
			}
			state.GetOrCreateReducerFileGroup(cp.PartitionID).Add(replicaLoc)
		}
	}
}

// GetReducerFileGroup waits (polling at 100ms) for stage-end to finish, per
// spec §4.7.
func (h *Handler) GetReducerFileGroup(ctx context.Context, state *types.ShuffleState, timeout time.Duration) *rpc.GetReducerFileGroupResponse {
	deadline := time.Now().Add(timeout)
	for {
		state.Mu.RLock()
		stageEnd := state.StageEnd
		state.Mu.RUnlock()

		switch stageEnd {
		case types.StageEndDoneSuccess:
			var mapperAttempts []int
			if state.MapperAttempts != nil {
				mapperAttempts = state.MapperAttempts.Snapshot()
			}
			return &rpc.GetReducerFileGroupResponse{
				Status:         rpc.StatusSuccess,
				ReducerGroups:  state.ReducerFileGroupsSnapshot(),
				MapperAttempts: mapperAttempts,
			}
		case types.StageEndDoneDataLost:
			return &rpc.GetReducerFileGroupResponse{Status: rpc.StatusShuffleDataLost}
		}
		if time.Now().After(deadline) {
			return &rpc.GetReducerFileGroupResponse{Status: rpc.StatusStageEndTimeout}
		}
		select {
		case <-ctx.Done():
			return &rpc.GetReducerFileGroupResponse{Status: rpc.StatusStageEndTimeout}
		case <-time.After(100 * time.Millisecond):
		}
	}
}
