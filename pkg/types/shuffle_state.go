package types

import "sync"

// RequesterContext identifies one caller waiting on a partition-change
// request, so the first requester to do the work can fan the result back
// out to every requester that coalesced behind it. Reply is left to the
// caller (pkg/partitionchange) — this struct only has to be hashable so it
// can live in a dedup set.
type RequesterContext struct {
	MapperID   int
	AttemptID  int
	ReplyTo    chan<- PartitionChangeResult
}

// PartitionChangeResult is delivered to every coalesced requester once the
// first requester's work completes.
type PartitionChangeResult struct {
	Location *PartitionLocation
	Err      error
}

// MapperAttempts is write-once per mapper id: -1 means open, >= 0 is the
// attemptId that ended the mapper.
type MapperAttempts struct {
	mu       sync.Mutex
	attempts []int
}

// NewMapperAttempts builds the array lazily-initialized state for numMappers
// mappers, all open.
func NewMapperAttempts(numMappers int) *MapperAttempts {
	attempts := make([]int, numMappers)
	for i := range attempts {
		attempts[i] = -1
	}
	return &MapperAttempts{attempts: attempts}
}

// End records mapperId's ending attemptId if it hasn't already ended.
// Returns true if this call was the one that recorded it (idempotent
// otherwise — duplicate/speculative attempts never overwrite), and whether
// every mapper has now ended.
func (m *MapperAttempts) End(mapperID, attemptID int) (recorded, allEnded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapperID < 0 || mapperID >= len(m.attempts) {
		return false, false
	}
	if m.attempts[mapperID] < 0 {
		m.attempts[mapperID] = attemptID
		recorded = true
	}
	allEnded = true
	for _, a := range m.attempts {
		if a < 0 {
			allEnded = false
			break
		}
	}
	return recorded, allEnded
}

// Ended reports whether mapperId has already ended.
func (m *MapperAttempts) Ended(mapperID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapperID < 0 || mapperID >= len(m.attempts) {
		return false
	}
	return m.attempts[mapperID] >= 0
}

// Snapshot returns a copy of the attempt array, safe to hand to callers
// (e.g. CommitFiles requests, GetReducerFileGroup replies).
func (m *MapperAttempts) Snapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.attempts))
	copy(out, m.attempts)
	return out
}

func (m *MapperAttempts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// ReducerFileGroup is the set of committed locations reducerId should read,
// published once StageEnd completes.
type ReducerFileGroup struct {
	mu        sync.RWMutex
	locations []*PartitionLocation
}

func (g *ReducerFileGroup) Add(loc *PartitionLocation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations = append(g.locations, loc)
}

func (g *ReducerFileGroup) Locations() []*PartitionLocation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*PartitionLocation, len(g.locations))
	copy(out, g.locations)
	return out
}

// ShuffleState is the full per-shuffle record: registration metadata,
// mapper/stage-end progress, the worker allocation and the published
// reducer file groups. Each field is either a concurrent map or is mutated
// only while holding Mu, the shuffle's registration/attempt/stage-end lock,
// per spec §5's shared-resource policy.
type ShuffleState struct {
	Mu sync.RWMutex

	ShuffleID     int
	AppID         string
	Registered    bool
	NumMappers    int
	NumReducers   int
	PartitionType PartitionType

	MapperAttempts *MapperAttempts

	allocatedMu     sync.RWMutex
	AllocatedWorkers map[string]*PartitionLocationInfo // worker key -> locations

	latestMu       sync.RWMutex
	LatestLocation map[int]*PartitionLocation // partitionId -> highest-epoch primary

	pendingMu              sync.Mutex
	PendingChangeRequests map[int][]RequesterContext // partitionId -> coalesced requesters

	reducerMu          sync.RWMutex
	ReducerFileGroups map[int]*ReducerFileGroup // reducerId -> group

	StageEnd StageEndStatus
}

func NewShuffleState(appID string, shuffleID int) *ShuffleState {
	return &ShuffleState{
		AppID:                 appID,
		ShuffleID:             shuffleID,
		AllocatedWorkers:      make(map[string]*PartitionLocationInfo),
		LatestLocation:        make(map[int]*PartitionLocation),
		PendingChangeRequests: make(map[int][]RequesterContext),
		ReducerFileGroups:     make(map[int]*ReducerFileGroup),
		StageEnd:              StageEndNone,
	}
}

// NumPartitions returns the id space size used for slot requests: reducers
// for ReducePartition, mappers for MapPartition — per spec §4.4 step 2.
func (s *ShuffleState) NumPartitions() int {
	if s.PartitionType == MapPartition {
		return s.NumMappers
	}
	return s.NumReducers
}

func (s *ShuffleState) GetOrCreateWorkerInfo(w WorkerInfo) *PartitionLocationInfo {
	s.allocatedMu.Lock()
	defer s.allocatedMu.Unlock()
	info, ok := s.AllocatedWorkers[w.Key()]
	if !ok {
		info = NewPartitionLocationInfo()
		s.AllocatedWorkers[w.Key()] = info
	}
	return info
}

func (s *ShuffleState) WorkerInfoSnapshot() map[string]*PartitionLocationInfo {
	s.allocatedMu.RLock()
	defer s.allocatedMu.RUnlock()
	out := make(map[string]*PartitionLocationInfo, len(s.AllocatedWorkers))
	for k, v := range s.AllocatedWorkers {
		out[k] = v
	}
	return out
}

func (s *ShuffleState) RemoveAllocatedWorker(key string) {
	s.allocatedMu.Lock()
	defer s.allocatedMu.Unlock()
	delete(s.AllocatedWorkers, key)
}

// UpdateLatestLocation installs loc as the latest location for its partition
// id if its epoch is greater than the one on record, keeping spec invariant
// 2 (latestLocation[i].epoch = max epoch known for i).
func (s *ShuffleState) UpdateLatestLocation(loc *PartitionLocation) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	cur, ok := s.LatestLocation[loc.PartitionID]
	if !ok || loc.Epoch > cur.Epoch {
		s.LatestLocation[loc.PartitionID] = loc
	}
}

func (s *ShuffleState) GetLatestLocation(partitionID int) (*PartitionLocation, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	loc, ok := s.LatestLocation[partitionID]
	return loc, ok
}

// CoalesceChangeRequest appends ctx to partitionId's pending set and reports
// whether this caller is the first (and so must do the work).
func (s *ShuffleState) CoalesceChangeRequest(partitionID int, ctx RequesterContext) (isFirst bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	existing, pending := s.PendingChangeRequests[partitionID]
	s.PendingChangeRequests[partitionID] = append(existing, ctx)
	return !pending || len(existing) == 0
}

// DrainChangeRequesters removes and returns every requester coalesced on
// partitionId, so the first requester can fan the result out to all of them.
func (s *ShuffleState) DrainChangeRequesters(partitionID int) []RequesterContext {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := s.PendingChangeRequests[partitionID]
	delete(s.PendingChangeRequests, partitionID)
	return out
}

func (s *ShuffleState) GetOrCreateReducerFileGroup(reducerID int) *ReducerFileGroup {
	s.reducerMu.Lock()
	defer s.reducerMu.Unlock()
	g, ok := s.ReducerFileGroups[reducerID]
	if !ok {
		g = &ReducerFileGroup{}
		s.ReducerFileGroups[reducerID] = g
	}
	return g
}

func (s *ShuffleState) ReducerFileGroupsSnapshot() map[int][]*PartitionLocation {
	s.reducerMu.RLock()
	defer s.reducerMu.RUnlock()
	out := make(map[int][]*PartitionLocation, len(s.ReducerFileGroups))
	for id, g := range s.ReducerFileGroups {
		out[id] = g.Locations()
	}
	return out
}
