// Package partitionchange implements Revive and PartitionSplit (spec §4.5):
// both replace a (partitionId, epoch) with a newer location and share the
// same coalesce-allocate-reserve core, differing only in whether a mapper
// attempt can short-circuit the request with MapEnded.
package partitionchange

import (
	"context"

	"github.com/cuemby/barge/pkg/allocator"
	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/reservation"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
)

// Handler drives Revive/PartitionSplit against a single ShuffleState.
type Handler struct {
	reserve   *reservation.Manager
	blacklist *blacklist.Blacklist
	replicate bool
}

func New(reserve *reservation.Manager, bl *blacklist.Blacklist, replicate bool) *Handler {
	return &Handler{reserve: reserve, blacklist: bl, replicate: replicate}
}

// Revive implements spec §4.5's full protocol, including the mapper-ended
// short circuit that PartitionSplit skips.
func (h *Handler) Revive(ctx context.Context, state *types.ShuffleState, req *rpc.ReviveRequest) *rpc.ReviveResponse {
	if !state.Registered {
		return &rpc.ReviveResponse{Status: rpc.StatusShuffleNotRegistered}
	}
	if state.MapperAttempts != nil && state.MapperAttempts.Ended(req.MapperID) {
		return &rpc.ReviveResponse{Status: rpc.StatusMapEnded}
	}

	result := h.changePartition(ctx, state, req.PartitionID, req.Epoch, req.OldLocation, req.Cause, partitionchangeRequester{mapperID: req.MapperID, attemptID: req.AttemptID})
	metrics.PartitionChangesTotal.WithLabelValues(string(req.Cause), string(result.Status)).Inc()
	return &rpc.ReviveResponse{Status: result.Status, NewLocation: result.Location}
}

// PartitionSplit shares Revive's core but has no mapper/attempt to check.
func (h *Handler) PartitionSplit(ctx context.Context, state *types.ShuffleState, req *rpc.PartitionSplitRequest) *rpc.PartitionSplitResponse {
	if !state.Registered {
		return &rpc.PartitionSplitResponse{Status: rpc.StatusShuffleNotRegistered}
	}

	result := h.changePartition(ctx, state, req.PartitionID, req.Epoch, req.OldLocation, "", partitionchangeRequester{})
	metrics.PartitionChangesTotal.WithLabelValues("split", string(result.Status)).Inc()
	return &rpc.PartitionSplitResponse{Status: result.Status, NewLocation: result.Location}
}

type partitionchangeRequester struct {
	mapperID  int
	attemptID int
}

type changeResult struct {
	Status   rpc.Status
	Location *types.PartitionLocation
}

// changePartition is the shared core: coalesce, fast-path against
// latestLocation, blacklist the offending worker on PrimaryPushFailure,
// allocate a replacement pair and reserve it.
func (h *Handler) changePartition(ctx context.Context, state *types.ShuffleState, partitionID, oldEpoch int, oldLoc *types.PartitionLocation, cause rpc.ReviveCause, who partitionchangeRequester) changeResult {
	replyCh := make(chan types.PartitionChangeResult, 1)
	isFirst := state.CoalesceChangeRequest(partitionID, types.RequesterContext{
		MapperID: who.mapperID, AttemptID: who.attemptID, ReplyTo: replyCh,
	})
	if !isFirst {
		metrics.PartitionChangeCoalesced.Inc()
		res := <-replyCh
		if res.Err != nil {
			return changeResult{Status: rpc.StatusFailed}
		}
		return changeResult{Status: rpc.StatusSuccess, Location: res.Location}
	}

	result := h.doChangePartition(ctx, state, partitionID, oldEpoch, oldLoc, cause)
	h.fanOutToCoalesced(state, partitionID, result)
	return result
}

func (h *Handler) fanOutToCoalesced(state *types.ShuffleState, partitionID int, result changeResult) {
	var err error
	if result.Status != rpc.StatusSuccess {
		err = statusErr(result.Status)
	}
	for _, requester := range state.DrainChangeRequesters(partitionID) {
		select {
		case requester.ReplyTo <- types.PartitionChangeResult{Location: result.Location, Err: err}:
		default:
		}
	}
}

func (h *Handler) doChangePartition(ctx context.Context, state *types.ShuffleState, partitionID, oldEpoch int, oldLoc *types.PartitionLocation, cause rpc.ReviveCause) changeResult {
	if latest, ok := state.GetLatestLocation(partitionID); ok && latest.Epoch > oldEpoch {
		return changeResult{Status: rpc.StatusSuccess, Location: latest}
	}

	if cause == rpc.CausePrimaryPushFailure && oldLoc != nil {
		h.blacklist.RecordFailure(oldLoc.Worker, blacklist.ReasonPushDataFailed)
	}

	candidates := h.eligibleCandidates(state)
	if len(candidates) == 0 || (h.replicate && len(candidates) < 2) {
		// REDESIGN: the handler must reply SlotNotAvailable explicitly in
		// every insufficient-candidates branch rather than leaving the
		// requester unanswered.
		return changeResult{Status: rpc.StatusSlotNotAvailable}
	}

	epoch := oldEpoch + 1
	if oldLoc != nil {
		partitionID = oldLoc.PartitionID
		epoch = oldLoc.Epoch + 1
	}

	resource, err := allocator.Allocate(allocator.Request{
		PartitionIDs: []int{partitionID},
		Epoch:        epoch,
		Replicate:    h.replicate,
		Workers:      candidates,
	})
	if err != nil {
		return changeResult{Status: rpc.StatusSlotNotAvailable}
	}

	ok := h.reserve.ReserveWithRetry(ctx, state.AppID, state.ShuffleID, candidates, resource, h.replicate, 0, "soft", state.PartitionType)
	if !ok {
		return changeResult{Status: rpc.StatusReserveSlotsFailed}
	}

	return changeResult{Status: rpc.StatusSuccess, Location: h.commitNewLocation(state, resource, partitionID)}
}

// eligibleCandidates returns every worker currently holding an allocation
// for this shuffle that isn't blacklisted, per spec §4.5 step 6.
func (h *Handler) eligibleCandidates(state *types.ShuffleState) []types.WorkerInfo {
	snapshot := state.WorkerInfoSnapshot()
	var out []types.WorkerInfo
	for key, info := range snapshot {
		if info.IsEmpty() {
			continue
		}
		w := workerFromKey(key, info)
		if !h.blacklist.IsBlacklisted(w) {
			out = append(out, w)
		}
	}
	return out
}

func workerFromKey(_ string, info *types.PartitionLocationInfo) types.WorkerInfo {
	for _, loc := range info.Primaries() {
		return loc.Worker
	}
	for _, loc := range info.Replicas() {
		return loc.Worker
	}
	return types.WorkerInfo{}
}

// commitNewLocation installs the allocated/reserved resource into
// allocatedWorkers and latestLocation, returning the usable Primary handle
// even if the allocator happened to only hand back a Replica — spec's edge
// case where the paired Primary worker crashed between allocation and
// reservation.
func (h *Handler) commitNewLocation(state *types.ShuffleState, resource types.WorkerResource, partitionID int) *types.PartitionLocation {
	var primary *types.PartitionLocation
	for _, loc := range resource.AllLocations() {
		info := state.GetOrCreateWorkerInfo(loc.Worker)
		info.Add(loc)
		if loc.Mode == types.Primary {
			primary = loc
		}
	}
	if primary == nil {
		for _, loc := range resource.AllLocations() {
			if loc.Mode == types.Replica && loc.Peer != nil {
				primary = loc.Peer
			}
		}
	}
	if primary != nil {
		state.UpdateLatestLocation(primary)
	}
	return primary
}

type statusError rpc.Status

func (e statusError) Error() string { return string(e) }

func statusErr(s rpc.Status) error { return statusError(s) }
