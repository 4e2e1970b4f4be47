// Package rpc holds the wire messages and gRPC wiring for the coordinator's
// three RPC surfaces: the inbound task-facing service (spec §6.1), and the
// outbound Master (§6.2) and Worker (§6.3) clients. Wire serialization is
// out of scope per spec.md §1, so messages are plain Go structs carried over
// gRPC through a small JSON codec (see codec.go) rather than protoc-generated
// protobuf types.
package rpc

import (
	"github.com/cuemby/barge/pkg/types"
	"github.com/google/uuid"
)

// Status mirrors the task-facing status enum from spec §6.1.
type Status string

const (
	StatusSuccess              Status = "Success"
	StatusFailed               Status = "Failed"
	StatusSlotNotAvailable     Status = "SlotNotAvailable"
	StatusReserveSlotsFailed   Status = "ReserveSlotsFailed"
	StatusShuffleNotRegistered Status = "ShuffleNotRegistered"
	StatusMapEnded             Status = "MapEnded"
	StatusStageEndTimeout      Status = "StageEndTimeout"
	StatusShuffleDataLost      Status = "ShuffleDataLost"
	StatusPartialSuccess       Status = "PartialSuccess"
)

// RequestEnvelope fields shared by every task-facing RPC: a correlation id
// for log/metric correlation across the coordinator and the worker/master
// RPCs a single call fans out to.
type RequestEnvelope struct {
	CorrelationID string
	AppID         string
	ShuffleID     int
}

// EnsureCorrelationID generates a correlation id if the caller didn't set
// one, so every request can be traced through the coordinator's logs even
// when the driver leaves it blank.
func (e *RequestEnvelope) EnsureCorrelationID() string {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e.CorrelationID
}

// --- Task-facing RPC (spec §6.1) ---

type RegisterShuffleRequest struct {
	RequestEnvelope
	NumMappers  int
	NumReducers int
}

type RegisterShuffleResponse struct {
	Status          Status
	PrimaryLocations []*types.PartitionLocation
}

// ReviveCause records why a partition-change request was raised, carried
// through to the allocator's exclude set and to blacklist feedback.
type ReviveCause string

const (
	CausePrimaryPushFailure ReviveCause = "PrimaryPushFailure"
	CauseReplicaPushFailure ReviveCause = "ReplicaPushFailure"
	CauseWorkerLost         ReviveCause = "WorkerLost"
)

type ReviveRequest struct {
	RequestEnvelope
	MapperID    int
	AttemptID   int
	PartitionID int
	Epoch       int
	OldLocation *types.PartitionLocation
	Cause       ReviveCause
}

type ReviveResponse struct {
	Status      Status
	NewLocation *types.PartitionLocation
}

type PartitionSplitRequest struct {
	RequestEnvelope
	PartitionID int
	Epoch       int
	OldLocation *types.PartitionLocation
}

type PartitionSplitResponse struct {
	Status      Status
	NewLocation *types.PartitionLocation
}

type MapperEndRequest struct {
	RequestEnvelope
	MapperID   int
	AttemptID  int
	NumMappers int
}

type MapperEndResponse struct {
	Status Status
}

type GetReducerFileGroupRequest struct {
	RequestEnvelope
}

type GetReducerFileGroupResponse struct {
	Status          Status
	ReducerGroups   map[int][]*types.PartitionLocation
	MapperAttempts  []int
}

type StageEndRequest struct {
	RequestEnvelope
}

type UnregisterShuffleRequest struct {
	RequestEnvelope
}

// --- Master RPC (spec §6.2) ---

type RequestSlotsRequest struct {
	AppID           string
	ShuffleID       int
	PartitionIDs    []int
	CoordinatorHost string
	Replicate       bool
	UserIdentifier  string
}

type RequestSlotsResponse struct {
	Status   Status
	Resource types.WorkerResource
}

type ReleaseSlotsRequest struct {
	AppID                string
	ShuffleID            int
	WorkerIDs            []string
	SlotsPerDiskPerWorker map[string]int
}

type GetBlacklistRequest struct {
	CurrentLocalBlacklist []string
}

type GetBlacklistResponse struct {
	Status          Status
	Blacklist       []string
	UnknownWorkers  []string
}

type MasterUnregisterShuffleRequest struct {
	AppID     string
	ShuffleID int
}

type HeartbeatFromApplicationRequest struct {
	AppID            string
	TotalWrittenBytes int64
	FileCount         int
	Epoch             int
}

type CheckQuotaRequest struct {
	UserIdentifier string
}

type CheckQuotaResponse struct {
	Available bool
}

// --- Worker RPC (spec §6.3) ---

type ReserveSlotsRequest struct {
	AppID           string
	ShuffleID       int
	Primaries       []*types.PartitionLocation
	Replicas        []*types.PartitionLocation
	SplitThreshold  int64
	SplitMode       string
	PartitionType   types.PartitionType
	RangeReadFilter bool
	UserIdentifier  string
}

type ReserveSlotsResponse struct {
	Status Status
}

type CommitFilesRequest struct {
	AppID          string
	ShuffleID      int
	PrimaryIDs     []int
	ReplicaIDs     []int
	MapperAttempts []int
}

// CommittedPartition pairs a partition id with the storage handle and
// map-id bitmap a worker reports for it at commit time.
type CommittedPartition struct {
	PartitionID int
	Storage     *types.StorageInfo
	MapIDBitmap []bool
}

type CommitFilesResponse struct {
	Status            Status
	CommittedPrimaries []CommittedPartition
	CommittedReplicas  []CommittedPartition
	FailedPrimaryIDs   []int
	FailedReplicaIDs   []int
	TotalWrittenBytes  int64
	FileCount          int
}

type DestroyRequest struct {
	ShuffleKey       string
	PrimaryUniqueIDs []int
	ReplicaUniqueIDs []int
}

type DestroyResponse struct {
	Status Status
}
