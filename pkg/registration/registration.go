// Package registration implements the RegistrationPipeline (spec §4.4):
// dedupe against the registry, request slots from the master, resolve and
// validate worker endpoints, reserve them, and publish the resulting
// ShuffleState.
package registration

import (
	"context"
	"sync"

	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/reservation"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MasterClient is the subset of rpc.MasterClient the pipeline needs.
type MasterClient interface {
	RequestSlots(ctx context.Context, req *rpc.RequestSlotsRequest) (*rpc.RequestSlotsResponse, error)
	ReleaseSlots(ctx context.Context, req *rpc.ReleaseSlotsRequest) error
}

// Pipeline drives RegisterShuffle end to end for one coordinator.
type Pipeline struct {
	registry  registry.Registry
	master    MasterClient
	endpoints *endpoint.Pool
	reserve   *reservation.Manager
	blacklist *blacklist.Blacklist

	coordinatorHost string
	replicate       bool
	maxParallel     int

	// inFlight coalesces concurrent RegisterShuffle calls for the same
	// shuffleId: only the first actually runs the pipeline below, and every
	// waiter receives that call's own response (spec §4.1).
	mu       sync.Mutex
	inFlight map[int]*pendingRegistration
}

type pendingRegistration struct {
	done chan struct{}
	resp *rpc.RegisterShuffleResponse
}

func New(reg registry.Registry, master MasterClient, endpoints *endpoint.Pool, reserve *reservation.Manager, bl *blacklist.Blacklist, coordinatorHost string, replicate bool, maxParallel int) *Pipeline {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Pipeline{
		registry:        reg,
		master:          master,
		endpoints:       endpoints,
		reserve:         reserve,
		blacklist:       bl,
		coordinatorHost: coordinatorHost,
		replicate:       replicate,
		maxParallel:     maxParallel,
		inFlight:        make(map[int]*pendingRegistration),
	}
}

// RegisterShuffle implements spec §4.4's six steps, plus §4.1's dedup
// contract: concurrent registerers for the same shuffleId park behind the
// first caller and receive its terminal response.
func (p *Pipeline) RegisterShuffle(ctx context.Context, req *rpc.RegisterShuffleRequest) *rpc.RegisterShuffleResponse {
	state, _ := p.registry.GetOrCreate(req.AppID, req.ShuffleID)

	state.Mu.RLock()
	already := state.Registered
	state.Mu.RUnlock()
	if already {
		return &rpc.RegisterShuffleResponse{Status: rpc.StatusSuccess, PrimaryLocations: primariesOf(state)}
	}

	pr, isFirst := p.joinOrWait(req.ShuffleID)
	if !isFirst {
		<-pr.done
		return pr.resp
	}

	resp := p.registerFirst(ctx, req, state)
	p.finish(req.ShuffleID, resp)
	return resp
}

// registerFirst runs the pipeline for the first caller of a coalesced
// RegisterShuffle. Its response, success or failure, is handed to every
// waiter that coalesced behind it (spec §4.1).
func (p *Pipeline) registerFirst(ctx context.Context, req *rpc.RegisterShuffleRequest, state *types.ShuffleState) *rpc.RegisterShuffleResponse {
	state.Mu.Lock()
	defer state.Mu.Unlock()
	if state.Registered {
		return &rpc.RegisterShuffleResponse{Status: rpc.StatusSuccess, PrimaryLocations: primariesOf(state)}
	}

	state.NumMappers = req.NumMappers
	state.NumReducers = req.NumReducers
	if state.PartitionType == "" {
		state.PartitionType = types.ReducePartition
	}

	resp := p.run(ctx, state)
	return resp
}

func (p *Pipeline) joinOrWait(shuffleID int) (*pendingRegistration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.inFlight[shuffleID]; ok {
		return pr, false
	}
	pr := &pendingRegistration{done: make(chan struct{})}
	p.inFlight[shuffleID] = pr
	return pr, true
}

// finish stores resp on the shuffle's pendingRegistration and wakes every
// coalesced waiter with it.
func (p *Pipeline) finish(shuffleID int, resp *rpc.RegisterShuffleResponse) {
	p.mu.Lock()
	pr := p.inFlight[shuffleID]
	delete(p.inFlight, shuffleID)
	p.mu.Unlock()
	pr.resp = resp
	close(pr.done)
}

func (p *Pipeline) run(ctx context.Context, state *types.ShuffleState) *rpc.RegisterShuffleResponse {
	logger := log.WithShuffleID(state.AppID, state.ShuffleID)
	n := state.NumPartitions()
	partitionIDs := make([]int, n)
	for i := range partitionIDs {
		partitionIDs[i] = i
	}

	resource, status := p.requestSlots(ctx, state, partitionIDs)
	if status != rpc.StatusSuccess {
		return &rpc.RegisterShuffleResponse{Status: status}
	}

	candidates := p.resolveEndpoints(ctx, resource)
	if len(candidates) == 0 {
		logger.Warn().Msg("no reachable workers after endpoint resolution")
		p.releaseAll(ctx, state)
		return &rpc.RegisterShuffleResponse{Status: rpc.StatusReserveSlotsFailed}
	}

	if !p.reserve.ReserveWithRetry(ctx, state.AppID, state.ShuffleID, candidates, resource, p.replicate, 0, "soft", state.PartitionType) {
		p.releaseAll(ctx, state)
		return &rpc.RegisterShuffleResponse{Status: rpc.StatusReserveSlotsFailed}
	}

	p.publish(state, resource)
	return &rpc.RegisterShuffleResponse{Status: rpc.StatusSuccess, PrimaryLocations: primariesOf(state)}
}

// requestSlots implements step 2: retry once on non-success.
func (p *Pipeline) requestSlots(ctx context.Context, state *types.ShuffleState, partitionIDs []int) (types.WorkerResource, rpc.Status) {
	req := &rpc.RequestSlotsRequest{
		AppID:           state.AppID,
		ShuffleID:       state.ShuffleID,
		PartitionIDs:    partitionIDs,
		CoordinatorHost: p.coordinatorHost,
		Replicate:       p.replicate,
	}

	resp, err := p.master.RequestSlots(ctx, req)
	if err == nil && resp.Status == rpc.StatusSuccess {
		return resp.Resource, rpc.StatusSuccess
	}

	resp, err = p.master.RequestSlots(ctx, req)
	if err != nil {
		return nil, rpc.StatusFailed
	}
	if resp.Status != rpc.StatusSuccess {
		return nil, resp.Status
	}
	return resp.Resource, rpc.StatusSuccess
}

// resolveEndpoints implements step 3: connect to every worker present in
// the resource in parallel, dropping (and blacklisting) any that fail.
func (p *Pipeline) resolveEndpoints(ctx context.Context, resource types.WorkerResource) []types.WorkerInfo {
	type outcome struct {
		worker types.WorkerInfo
		ok     bool
	}

	workers := make([]types.WorkerInfo, 0, len(resource))
	for _, entry := range resource {
		workers = append(workers, entry.Worker)
	}

	limit := len(workers)
	if limit > p.maxParallel {
		limit = p.maxParallel
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	results := make(chan outcome, len(workers))
	for _, w := range workers {
		w := w
		g.Go(func() error {
			_, err := p.endpoints.Conn(gctx, w)
			if err != nil {
				p.blacklist.RecordFailure(w, blacklist.ReasonConnectFailed)
				results <- outcome{worker: w, ok: false}
				return nil
			}
			results <- outcome{worker: w, ok: true}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var reachable []types.WorkerInfo
	dropped := make(map[string]bool)
	for r := range results {
		if r.ok {
			reachable = append(reachable, r.worker)
		} else {
			dropped[r.worker.Key()] = true
		}
	}
	for key := range dropped {
		resource.DeleteWorker(key)
	}
	return reachable
}

func (p *Pipeline) releaseAll(ctx context.Context, state *types.ShuffleState) {
	if err := p.master.ReleaseSlots(ctx, &rpc.ReleaseSlotsRequest{AppID: state.AppID, ShuffleID: state.ShuffleID}); err != nil {
		log.WithShuffleID(state.AppID, state.ShuffleID).Warn().Err(err).Msg("release slots after registration failure failed")
	}
}

// publish implements step 5.
func (p *Pipeline) publish(state *types.ShuffleState, resource types.WorkerResource) {
	for _, loc := range resource.AllLocations() {
		state.GetOrCreateWorkerInfo(loc.Worker).Add(loc)
		if loc.Mode == types.Primary {
			state.UpdateLatestLocation(loc)
		}
	}
	state.MapperAttempts = types.NewMapperAttempts(state.NumMappers)
	for i := 0; i < state.NumReducers; i++ {
		state.GetOrCreateReducerFileGroup(i)
	}
	state.Registered = true
}

func primariesOf(state *types.ShuffleState) []*types.PartitionLocation {
	var out []*types.PartitionLocation
	for _, info := range state.WorkerInfoSnapshot() {
		out = append(out, info.Primaries()...)
	}
	return out
}
