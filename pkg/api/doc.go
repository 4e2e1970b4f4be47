/*
Package api implements the coordinator's gRPC and HTTP surfaces.

The gRPC Server implements rpc.LifecycleServer (spec §6.1): the seven RPCs
a Spark driver issues against the coordinator over the lifetime of one
shuffle. Each method other than RegisterShuffle looks up the shuffle's
ShuffleState in the registry (RegisterShuffle leaves that to
pkg/registration, which creates it on first use), and dispatches to the
package that owns that operation:

  - RegisterShuffle -> pkg/registration
  - Revive, PartitionSplit -> pkg/partitionchange
  - MapperEnd, StageEnd, GetReducerFileGroup -> pkg/stageend
  - UnregisterShuffle -> pkg/lifecycle

MetricsInterceptor wraps every call, recording request counts and latency
by method and status and logging failures.

HealthServer exposes /health, /ready and /metrics over plain HTTP,
separate from the gRPC listener, for container orchestrators and
Prometheus scraping.
*/
package api
