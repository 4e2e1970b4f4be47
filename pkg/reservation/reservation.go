// Package reservation implements the ReservationManager from spec §4.3:
// fan out ReserveSlots to every worker holding a fresh placement, unwind
// any worker (and the replica peers of its partitions) that fails to reserve, reallocate
// replacements from the remaining candidates and retry, giving up after
// the configured number of rounds.
package reservation

import (
	"context"
	"time"

	"github.com/cuemby/barge/pkg/allocator"
	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MasterReleaser is the subset of rpc.MasterClient the manager needs to
// release quota at the master when a reservation round sheds a worker.
type MasterReleaser interface {
	ReleaseSlots(ctx context.Context, req *rpc.ReleaseSlotsRequest) error
}

// DialFunc resolves a worker identity to a WorkerClient. Production wires
// this through pkg/endpoint's lazy connection pool; tests substitute a fake
// so the retry/shedding logic can run without a real gRPC server.
type DialFunc func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error)

type dialFunc = DialFunc

// Manager drives ReserveWithRetry against a pool of worker
// connections, bounded by config.RPCMaxParallelism and
// config.ReserveSlotsMaxRetry.
type Manager struct {
	dial        dialFunc
	recordOK    func(types.WorkerInfo)
	recordFail  func(types.WorkerInfo)
	master      MasterReleaser
	blacklist   *blacklist.Blacklist
	maxParallel int
	maxRetry    int
	retryWait   time.Duration
}

func New(endpoints *endpoint.Pool, master MasterReleaser, bl *blacklist.Blacklist, maxParallel, maxRetry int, retryWait time.Duration) *Manager {
	return newManager(
		func(ctx context.Context, w types.WorkerInfo) (rpc.WorkerClient, error) {
			conn, err := endpoints.Conn(ctx, w)
			if err != nil {
				return nil, err
			}
			return rpc.NewWorkerClient(conn), nil
		},
		func(w types.WorkerInfo) { endpoints.Get(w).RecordSuccess() },
		func(w types.WorkerInfo) { endpoints.Get(w).RecordFailure() },
		master, bl, maxParallel, maxRetry, retryWait,
	)
}

// NewWithDial is New's DI seam exposed for packages that need a Manager
// backed by something other than a real endpoint.Pool, e.g. unit tests in
// other packages that exercise ReserveWithRetry without a gRPC server.
func NewWithDial(dial DialFunc, recordOK, recordFail func(types.WorkerInfo), master MasterReleaser, bl *blacklist.Blacklist, maxParallel, maxRetry int, retryWait time.Duration) *Manager {
	return newManager(dial, recordOK, recordFail, master, bl, maxParallel, maxRetry, retryWait)
}

func newManager(dial dialFunc, recordOK, recordFail func(types.WorkerInfo), master MasterReleaser, bl *blacklist.Blacklist, maxParallel, maxRetry int, retryWait time.Duration) *Manager {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &Manager{
		dial:        dial,
		recordOK:    recordOK,
		recordFail:  recordFail,
		master:      master,
		blacklist:   bl,
		maxParallel: maxParallel,
		maxRetry:    maxRetry,
		retryWait:   retryWait,
	}
}

type reserveOutcome struct {
	worker types.WorkerInfo
	err    error
}

// ReserveWithRetry implements spec §4.3's protocol. appID/shuffleID identify
// the shuffle; candidates is the full non-blacklisted worker pool available
// for reallocation; slots is mutated in place into the final reserved set.
func (m *Manager) ReserveWithRetry(ctx context.Context, appID string, shuffleID int, candidates []types.WorkerInfo, slots types.WorkerResource, replicate bool, splitThreshold int64, splitMode string, partitionType types.PartitionType) bool {
	logger := log.WithShuffleID(appID, shuffleID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReservationLatency)

	excluded := make(map[string]bool)

	for attempt := 0; attempt < m.maxRetry; attempt++ {
		if attempt > 0 {
			metrics.ReservationRetries.Inc()
			time.Sleep(m.retryWait)
		}

		_, failed := m.reserveRound(ctx, appID, shuffleID, slots, splitThreshold, splitMode, partitionType)

		if len(failed) == 0 {
			return true
		}

		victims := m.shedFailedWorkers(ctx, slots, failed, replicate)
		for _, w := range failed {
			excluded[w.Key()] = true
		}
		m.releaseShedWorkers(ctx, appID, shuffleID, failed)

		if attempt == m.maxRetry-1 || len(victims) == 0 {
			break
		}

		pool := unionCandidates(candidates, slots, excluded)
		pool = m.blacklist.Filter(pool)
		if len(pool) == 0 {
			logger.Warn().Msg("no candidates remain for reservation retry")
			break
		}

		replacement, err := allocator.Allocate(allocator.Request{
			PartitionIDs: victims,
			Epoch:        nextEpoch(slots),
			Replicate:    replicate,
			Workers:      pool,
			Exclude:      excluded,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("reallocation for retry failed")
			break
		}
		slots.Merge(replacement)
	}

	metrics.ReservationFailures.Inc()
	m.destroyAll(ctx, slots)
	return false
}

// reserveRound fans out ReserveSlots to every worker in slots, bounded by
// maxParallel, and partitions the results.
func (m *Manager) reserveRound(ctx context.Context, appID string, shuffleID int, slots types.WorkerResource, splitThreshold int64, splitMode string, partitionType types.PartitionType) (ok, failed []types.WorkerInfo) {
	limit := len(slots)
	if limit > m.maxParallel {
		limit = m.maxParallel
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make(chan reserveOutcome, len(slots))
	for _, entry := range slots {
		entry := entry
		g.Go(func() error {
			err := m.reserveWorker(gctx, appID, shuffleID, entry, splitThreshold, splitMode, partitionType)
			results <- reserveOutcome{worker: entry.Worker, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			m.blacklist.RecordFailure(r.worker, blacklistReasonForReserve)
			failed = append(failed, r.worker)
			continue
		}
		ok = append(ok, r.worker)
	}
	return ok, failed
}

func (m *Manager) reserveWorker(ctx context.Context, appID string, shuffleID int, entry *types.WorkerResourceEntry, splitThreshold int64, splitMode string, partitionType types.PartitionType) error {
	client, err := m.dial(ctx, entry.Worker)
	if err != nil {
		return err
	}
	resp, err := client.ReserveSlots(ctx, &rpc.ReserveSlotsRequest{
		AppID:          appID,
		ShuffleID:      shuffleID,
		Primaries:      entry.Primaries,
		Replicas:       entry.Replicas,
		SplitThreshold: splitThreshold,
		SplitMode:      splitMode,
		PartitionType:  partitionType,
	})
	if err != nil {
		m.recordFail(entry.Worker)
		return err
	}
	if resp.Status != rpc.StatusSuccess {
		m.recordFail(entry.Worker)
		return errStatusFailed(resp.Status)
	}
	m.recordOK(entry.Worker)
	return nil
}

// shedFailedWorkers removes failed workers (and, when replicated, the peer
// locations of their partitions) from slots, schedules a Destroy at each
// shed peer, and returns the partition ids that now need replacement
// placements.
func (m *Manager) shedFailedWorkers(ctx context.Context, slots types.WorkerResource, failed []types.WorkerInfo, replicate bool) []int {
	victimSet := make(map[int]bool)
	peersToDestroy := make(map[string][]int)

	for _, w := range failed {
		entry, ok := slots[w.Key()]
		if !ok {
			continue
		}
		for _, loc := range entry.Primaries {
			victimSet[loc.PartitionID] = true
			if replicate {
				if peerWorker, hasPeer := loc.PeerWorker(); hasPeer {
					peersToDestroy[peerWorker.Key()] = append(peersToDestroy[peerWorker.Key()], loc.PartitionID)
				}
			}
		}
		for _, loc := range entry.Replicas {
			victimSet[loc.PartitionID] = true
			if replicate {
				if peerWorker, hasPeer := loc.PeerWorker(); hasPeer {
					peersToDestroy[peerWorker.Key()] = append(peersToDestroy[peerWorker.Key()], loc.PartitionID)
				}
			}
		}
		slots.DeleteWorker(w.Key())
	}

	for peerKey, partitionIDs := range peersToDestroy {
		entry, ok := slots[peerKey]
		if !ok {
			continue
		}
		m.destroyPartitions(ctx, entry.Worker, partitionIDs)
		drop := make(map[int]bool, len(partitionIDs))
		for _, pid := range partitionIDs {
			victimSet[pid] = true
			drop[pid] = true
		}
		keep := func(locs []*types.PartitionLocation) []*types.PartitionLocation {
			var out []*types.PartitionLocation
			for _, l := range locs {
				if !drop[l.PartitionID] {
					out = append(out, l)
				}
			}
			return out
		}
		entry.Primaries, entry.Replicas = keep(entry.Primaries), keep(entry.Replicas)
		if len(entry.Primaries)+len(entry.Replicas) == 0 {
			slots.DeleteWorker(peerKey)
		}
	}

	victims := make([]int, 0, len(victimSet))
	for pid := range victimSet {
		victims = append(victims, pid)
	}
	return victims
}

// releaseShedWorkers asks the master to release quota tied to workers this
// round shed, per spec §4.3 step 3.
func (m *Manager) releaseShedWorkers(ctx context.Context, appID string, shuffleID int, shed []types.WorkerInfo) {
	if m.master == nil || len(shed) == 0 {
		return
	}
	workerIDs := make([]string, len(shed))
	for i, w := range shed {
		workerIDs[i] = w.Key()
	}
	if err := m.master.ReleaseSlots(ctx, &rpc.ReleaseSlotsRequest{
		AppID:     appID,
		ShuffleID: shuffleID,
		WorkerIDs: workerIDs,
	}); err != nil {
		log.WithShuffleID(appID, shuffleID).Warn().Err(err).Msg("release slots at master failed")
	}
}

func (m *Manager) destroyPartitions(ctx context.Context, worker types.WorkerInfo, partitionIDs []int) {
	client, err := m.dial(ctx, worker)
	if err != nil {
		return
	}
	_, _ = client.Destroy(ctx, &rpc.DestroyRequest{
		ShuffleKey:       worker.Key(),
		PrimaryUniqueIDs: partitionIDs,
	})
}

func (m *Manager) destroyAll(ctx context.Context, slots types.WorkerResource) {
	for _, entry := range slots {
		ids := make([]int, 0, len(entry.Primaries)+len(entry.Replicas))
		for _, l := range entry.Primaries {
			ids = append(ids, l.PartitionID)
		}
		for _, l := range entry.Replicas {
			ids = append(ids, l.PartitionID)
		}
		m.destroyPartitions(ctx, entry.Worker, ids)
	}
}

func unionCandidates(original []types.WorkerInfo, slots types.WorkerResource, excluded map[string]bool) []types.WorkerInfo {
	seen := make(map[string]bool)
	var out []types.WorkerInfo
	for _, w := range original {
		if excluded[w.Key()] || seen[w.Key()] {
			continue
		}
		seen[w.Key()] = true
		out = append(out, w)
	}
	for _, entry := range slots {
		if excluded[entry.Worker.Key()] || seen[entry.Worker.Key()] {
			continue
		}
		seen[entry.Worker.Key()] = true
		out = append(out, entry.Worker)
	}
	return out
}

func nextEpoch(slots types.WorkerResource) int {
	max := -1
	for _, loc := range slots.AllLocations() {
		if loc.Epoch > max {
			max = loc.Epoch
		}
	}
	return max + 1
}

const blacklistReasonForReserve = blacklist.ReasonReserveFailed

type statusError string

func (e statusError) Error() string { return string(e) }

func errStatusFailed(status rpc.Status) error {
	return statusError("reserve slots failed: " + string(status))
}
