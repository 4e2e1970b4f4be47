/*
Package metrics defines and registers the coordinator's Prometheus metrics.

Metrics are updated inline by whichever package owns the state they
reflect, rather than polled by a separate collector: pkg/registry
updates ShufflesRegistered and ApplicationsTotal as shuffles and
applications come and go, pkg/blacklist updates WorkersBlacklisted on
every RecordFailure, refresh and master sync, pkg/reservation records
ReservationLatency/Retries/Failures around each ReserveWithRetry call,
pkg/partitionchange and pkg/stageend do the same for their own
operations, and pkg/api's interceptor records RPCRequestsTotal and
RPCRequestDuration for every task-facing RPC. WorkersAvailable and
PartitionLocationsTotal are registered, but no package sets them.

# Metrics Catalog

Registry:

	barge_shuffles_registered        gauge
	barge_applications_total         gauge
	barge_partition_locations_total{mode} gauge

Blacklist:

	barge_workers_blacklisted        gauge
	barge_workers_available          gauge
	barge_blacklist_refresh_duration_seconds histogram

RPC:

	barge_rpc_requests_total{method,status} counter
	barge_rpc_request_duration_seconds{method} histogram

Reservation:

	barge_reservation_latency_seconds histogram
	barge_reservation_retries_total   counter
	barge_reservation_failures_total  counter

Partition change and stage end:

	barge_partition_changes_total{cause,status} counter
	barge_partition_change_coalesced_total  counter
	barge_stage_end_duration_seconds        histogram
	barge_stage_end_data_lost_total         counter
	barge_stage_end_bytes_written_total     counter
	barge_stage_end_files_committed_total   counter

Lifecycle:

	barge_unregister_shuffle_duration_seconds histogram
	barge_expired_applications_total          counter

# Usage

	metrics.ShufflesRegistered.Inc()
	metrics.RPCRequestsTotal.WithLabelValues("RegisterShuffle", "Success").Inc()

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ReservationLatency)

Handler exposes the registry for scraping:

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)
*/
package metrics
