// Package allocator computes worker placements for new partition slots.
// Unlike a general scheduler, it is intentionally not load-aware: spec §4.2
// calls for uniform-random placement, with retries relying on that
// randomness (not a tie-break rule) to spread load and dodge unlucky picks.
package allocator

import (
	"fmt"
	"math/rand/v2"

	"github.com/cuemby/barge/pkg/types"
)

// Request describes one allocation round: how many partition ids need
// placement, whether each needs a replica, and the worker pool to draw
// from (already filtered against the blacklist by the caller).
type Request struct {
	PartitionIDs []int
	Epoch        int
	Replicate    bool
	Workers      []types.WorkerInfo

	// Exclude lists workers a placement must avoid — used on retry rounds
	// to keep a replacement off the worker that just failed.
	Exclude map[string]bool
}

// ErrNoWorkers is returned when the candidate pool (after exclusions) is
// empty.
var ErrNoWorkers = fmt.Errorf("allocator: no eligible workers")

// ErrInsufficientWorkers is returned when replication is requested but
// fewer than two eligible workers remain, so a primary and replica cannot
// land on different workers.
var ErrInsufficientWorkers = fmt.Errorf("allocator: fewer than two eligible workers for replicated placement")

// Allocate computes a WorkerResource for req, drawing workers uniformly at
// random without replacement per partition id (primary and replica, when
// replicated, always land on two distinct workers, satisfying spec
// invariant 1).
func Allocate(req Request) (types.WorkerResource, error) {
	candidates := filterExcluded(req.Workers, req.Exclude)
	if len(candidates) == 0 {
		return nil, ErrNoWorkers
	}
	if req.Replicate && len(candidates) < 2 {
		return nil, ErrInsufficientWorkers
	}

	resource := types.NewWorkerResource()
	for _, pid := range req.PartitionIDs {
		primaryIdx := rand.N(len(candidates))
		primary := candidates[primaryIdx]

		primaryLoc := &types.PartitionLocation{
			PartitionID: pid,
			Epoch:       req.Epoch,
			Worker:      primary,
			Mode:        types.Primary,
		}

		if !req.Replicate {
			resource.Merge(placeSingle(primaryLoc))
			continue
		}

		replicaIdx := (primaryIdx + 1) % len(candidates)
		replica := candidates[replicaIdx]
		replicaLoc := &types.PartitionLocation{
			PartitionID: pid,
			Epoch:       req.Epoch,
			Worker:      replica,
			Mode:        types.Replica,
		}
		if err := types.LinkPeers(primaryLoc, replicaLoc); err != nil {
			return nil, err
		}
		resource.Merge(placePair(primaryLoc, replicaLoc))
	}
	return resource, nil
}

func filterExcluded(workers []types.WorkerInfo, exclude map[string]bool) []types.WorkerInfo {
	if len(exclude) == 0 {
		return workers
	}
	out := make([]types.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		if !exclude[w.Key()] {
			out = append(out, w)
		}
	}
	return out
}

func placeSingle(loc *types.PartitionLocation) types.WorkerResource {
	r := types.NewWorkerResource()
	r[loc.Worker.Key()] = &types.WorkerResourceEntry{Worker: loc.Worker, Primaries: []*types.PartitionLocation{loc}}
	return r
}

func placePair(primary, replica *types.PartitionLocation) types.WorkerResource {
	r := types.NewWorkerResource()
	r[primary.Worker.Key()] = &types.WorkerResourceEntry{Worker: primary.Worker, Primaries: []*types.PartitionLocation{primary}}
	r[replica.Worker.Key()] = &types.WorkerResourceEntry{Worker: replica.Worker, Replicas: []*types.PartitionLocation{replica}}
	return r
}
