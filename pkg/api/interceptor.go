package api

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/rpc"
	"google.golang.org/grpc"
)

// MetricsInterceptor records RPCRequestsTotal/RPCRequestDuration for every
// task-facing call and logs non-success outcomes.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		start := time.Now()
		correlationID := ensureCorrelationID(req)

		resp, err := handler(ctx, req)

		st := statusOf(resp, err)
		metrics.RPCRequestsTotal.WithLabelValues(method, st).Inc()
		metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

		if err != nil || st != string(rpc.StatusSuccess) {
			log.WithComponent("api").Warn().Err(err).Str("method", method).Str("status", st).Str("correlation_id", correlationID).Msg("rpc failed")
		}
		return resp, err
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// envelopeHolder is implemented by every task-facing request via its
// embedded RequestEnvelope.
type envelopeHolder interface {
	EnsureCorrelationID() string
}

func ensureCorrelationID(req interface{}) string {
	if e, ok := req.(envelopeHolder); ok {
		return e.EnsureCorrelationID()
	}
	return ""
}

// statusOf extracts the domain-level Status from a typed task-facing
// response so metrics reflect ShuffleNotRegistered/ReserveSlotsFailed/etc,
// not just the transport outcome.
func statusOf(resp interface{}, err error) string {
	if err != nil {
		return "transport_error"
	}
	switch r := resp.(type) {
	case *rpc.RegisterShuffleResponse:
		return string(r.Status)
	case *rpc.ReviveResponse:
		return string(r.Status)
	case *rpc.PartitionSplitResponse:
		return string(r.Status)
	case *rpc.MapperEndResponse:
		return string(r.Status)
	case *rpc.GetReducerFileGroupResponse:
		return string(r.Status)
	default:
		return "unknown"
	}
}
