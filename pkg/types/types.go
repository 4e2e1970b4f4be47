// Package types holds the data model shared across the coordinator: worker
// identity, partition locations and the per-shuffle state the rest of the
// packages read and mutate.
package types

import (
	"fmt"
	"sync"
)

// PartitionType selects the id space used when requesting slots from the
// master: one id per reducer, or one id per mapper.
type PartitionType string

const (
	ReducePartition PartitionType = "reduce"
	MapPartition    PartitionType = "map"
)

// Mode is the role a PartitionLocation plays on its worker.
type Mode string

const (
	Primary Mode = "primary"
	Replica Mode = "replica"
)

// WorkerInfo identifies a storage worker. Equality is by the identity tuple;
// WorkerInfo itself carries no connection state — that lives in the sidecar
// endpoint pool (pkg/endpoint) so a worker's identity never has to be
// mutated to record a connect failure.
type WorkerInfo struct {
	Host          string
	RPCPort       int
	PushPort      int
	FetchPort     int
	ReplicatePort int
}

// Key returns a stable identity string usable as a map key.
func (w WorkerInfo) Key() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", w.Host, w.RPCPort, w.PushPort, w.FetchPort, w.ReplicatePort)
}

func (w WorkerInfo) Equal(o WorkerInfo) bool {
	return w.Key() == o.Key()
}

// StorageInfo is the per-partition storage handle a worker reports back at
// commit time — opaque to the coordinator beyond what reducers need to
// locate the file.
type StorageInfo struct {
	WorkerKey  string
	FilePath   string
	FileLength int64
}

// PartitionLocation is a single primary or replica placement of one
// partition id at one epoch on one worker.
type PartitionLocation struct {
	PartitionID int
	Epoch       int
	Worker      WorkerInfo
	Mode        Mode

	// Peer identifies the paired location when replication is enabled.
	// Peer is nil for an unreplicated location. Per spec invariant 1,
	// peer.Peer always resolves back to this location on a different
	// worker — but the pointer itself is never shared ownership: peer
	// data the caller needs (host, storage info) is duplicated rather
	// than read through the cycle, so the pair can be torn down
	// independently.
	Peer *PartitionLocation

	Storage *StorageInfo

	// MapIDBitmap marks which map ids actually wrote into this location, as
	// reported by the worker at commit time (spec §4.6 step 8). Nil until a
	// committed reducer file group entry populates it.
	MapIDBitmap []bool
}

// PeerWorker returns the peer's worker, or false if there is no peer.
func (p *PartitionLocation) PeerWorker() (WorkerInfo, bool) {
	if p == nil || p.Peer == nil {
		return WorkerInfo{}, false
	}
	return p.Peer.Worker, true
}

// LinkPeers wires two locations as mutual replication peers. Both must share
// PartitionID and Epoch and sit on different workers, per spec invariant 1.
func LinkPeers(primary, replica *PartitionLocation) error {
	if primary.PartitionID != replica.PartitionID || primary.Epoch != replica.Epoch {
		return fmt.Errorf("cannot link peers for different partitions/epochs: %d/%d vs %d/%d",
			primary.PartitionID, primary.Epoch, replica.PartitionID, replica.Epoch)
	}
	if primary.Worker.Equal(replica.Worker) {
		return fmt.Errorf("primary and replica for partition %d cannot share worker %s", primary.PartitionID, primary.Worker.Key())
	}
	primary.Mode = Primary
	replica.Mode = Replica
	primary.Peer = replica
	replica.Peer = primary
	return nil
}

type partitionEpochKey struct {
	PartitionID int
	Epoch       int
}

// PartitionLocationInfo tracks the primary and replica locations hosted on
// one worker, for one shuffle. No two entries may share
// (partitionId, epoch, mode), per the spec's PartitionLocationInfo invariant.
type PartitionLocationInfo struct {
	mu        sync.RWMutex
	primaries map[partitionEpochKey]*PartitionLocation
	replicas  map[partitionEpochKey]*PartitionLocation
}

func NewPartitionLocationInfo() *PartitionLocationInfo {
	return &PartitionLocationInfo{
		primaries: make(map[partitionEpochKey]*PartitionLocation),
		replicas:  make(map[partitionEpochKey]*PartitionLocation),
	}
}

func (p *PartitionLocationInfo) Add(loc *PartitionLocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := partitionEpochKey{loc.PartitionID, loc.Epoch}
	if loc.Mode == Primary {
		p.primaries[key] = loc
	} else {
		p.replicas[key] = loc
	}
}

// RemovePartition drops every epoch of the given partition id, both modes.
func (p *PartitionLocationInfo) RemovePartition(partitionID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.primaries {
		if k.PartitionID == partitionID {
			delete(p.primaries, k)
		}
	}
	for k := range p.replicas {
		if k.PartitionID == partitionID {
			delete(p.replicas, k)
		}
	}
}

// Primaries returns a snapshot of the primary locations on this worker.
func (p *PartitionLocationInfo) Primaries() []*PartitionLocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PartitionLocation, 0, len(p.primaries))
	for _, v := range p.primaries {
		out = append(out, v)
	}
	return out
}

// Replicas returns a snapshot of the replica locations on this worker.
func (p *PartitionLocationInfo) Replicas() []*PartitionLocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PartitionLocation, 0, len(p.replicas))
	for _, v := range p.replicas {
		out = append(out, v)
	}
	return out
}

func (p *PartitionLocationInfo) IsEmpty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.primaries) == 0 && len(p.replicas) == 0
}

// WorkerResourceEntry pairs a worker with the locations an allocation step
// wants to place on it.
type WorkerResourceEntry struct {
	Worker    WorkerInfo
	Primaries []*PartitionLocation
	Replicas  []*PartitionLocation
}

// WorkerResource is a computed allocation — worker to (primaries, replicas)
// — not yet reserved at the workers. Keyed by WorkerInfo.Key().
type WorkerResource map[string]*WorkerResourceEntry

func NewWorkerResource() WorkerResource {
	return make(WorkerResource)
}

func (r WorkerResource) place(loc *PartitionLocation) {
	entry, ok := r[loc.Worker.Key()]
	if !ok {
		entry = &WorkerResourceEntry{Worker: loc.Worker}
		r[loc.Worker.Key()] = entry
	}
	if loc.Mode == Primary {
		entry.Primaries = append(entry.Primaries, loc)
	} else {
		entry.Replicas = append(entry.Replicas, loc)
	}
}

// Merge folds other into r, appending per-worker lists. Used when a retry
// round in the reservation manager produces replacement placements that
// must be merged into the slots already reserved.
func (r WorkerResource) Merge(other WorkerResource) {
	for _, entry := range other {
		for _, loc := range entry.Primaries {
			r.place(loc)
		}
		for _, loc := range entry.Replicas {
			r.place(loc)
		}
	}
}

func (r WorkerResource) AllLocations() []*PartitionLocation {
	var out []*PartitionLocation
	for _, e := range r {
		out = append(out, e.Primaries...)
		out = append(out, e.Replicas...)
	}
	return out
}

// DeleteWorker drops a worker's entry entirely — used when every one of its
// placements has been replaced or destroyed.
func (r WorkerResource) DeleteWorker(key string) {
	delete(r, key)
}

// StageEndStatus is the tri-state outcome of StageEnd for a shuffle.
type StageEndStatus int

const (
	StageEndNone StageEndStatus = iota
	StageEndInProgress
	StageEndDoneSuccess
	StageEndDoneDataLost
)

func (s StageEndStatus) Done() bool {
	return s == StageEndDoneSuccess || s == StageEndDoneDataLost
}

func (s StageEndStatus) String() string {
	switch s {
	case StageEndNone:
		return "none"
	case StageEndInProgress:
		return "in_progress"
	case StageEndDoneSuccess:
		return "done(success)"
	case StageEndDoneDataLost:
		return "done(data_lost)"
	default:
		return "unknown"
	}
}
