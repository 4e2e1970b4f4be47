// Package endpoint manages lazily-created gRPC connections to workers,
// keyed by worker identity. Connection state is kept out of
// types.WorkerInfo (a pure identity value, see pkg/types) and lives here
// instead, so a connect failure never has to mutate identity data — only
// the sidecar handle tracking it.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Status mirrors the consecutive-failure tracking of a health checker, but
// drives blacklist feedback instead of a container restart decision.
type Status struct {
	ConsecutiveFailures int
	LastCheck           time.Time
	Healthy             bool
}

// Handle is the lazily-connected gRPC endpoint for one worker. The
// connection itself is established on first use, not at registration time,
// per the Design Notes' guidance to keep identity and connectivity
// separate.
type Handle struct {
	mu     sync.Mutex
	worker types.WorkerInfo
	conn   *grpc.ClientConn
	status Status
}

// Pool is the set of endpoint handles for every worker the coordinator
// knows about, one per worker identity.
type Pool struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	dialTimeout time.Duration
}

// NewPool builds an empty Pool. dialTimeout (5s when not positive) is
// passed to Handle.Conn, which does not apply it: grpc.NewClient returns
// without waiting for a connection, so no dial is bounded by it.
func NewPool(dialTimeout time.Duration) *Pool {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Pool{handles: make(map[string]*Handle), dialTimeout: dialTimeout}
}

// Get returns (creating if necessary) the Handle for worker. It never
// dials — that happens lazily in Conn.
func (p *Pool) Get(worker types.WorkerInfo) *Handle {
	key := worker.Key()

	p.mu.RLock()
	h, ok := p.handles[key]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.handles[key]; ok {
		return h
	}
	h = &Handle{worker: worker, status: Status{Healthy: true}}
	p.handles[key] = h
	return h
}

// Conn returns worker's dialed connection, creating the handle if needed.
func (p *Pool) Conn(ctx context.Context, worker types.WorkerInfo) (*grpc.ClientConn, error) {
	return p.Get(worker).Conn(ctx, p.dialTimeout)
}

// Drop removes a worker's handle entirely, closing its connection if one
// was established. Used on unregister or permanent removal.
func (p *Pool) Drop(worker types.WorkerInfo) {
	key := worker.Key()
	p.mu.Lock()
	h, ok := p.handles[key]
	delete(p.handles, key)
	p.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Conn returns the worker's gRPC connection, dialing it on first call.
// Transport is insecure by design: spec places TLS/mTLS out of scope for
// the lifecycle coordinator, matching the precedent already present where
// the teacher dials its own ingress backends without credentials.
func (h *Handle) Conn(ctx context.Context, dialTimeout time.Duration) (*grpc.ClientConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		state := h.conn.GetState()
		if state.String() != "SHUTDOWN" {
			return h.conn, nil
		}
	}

	addr := fmt.Sprintf("%s:%d", h.worker.Host, h.worker.RPCPort)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		h.recordFailureLocked()
		return nil, fmt.Errorf("dial worker %s: %w", addr, err)
	}
	h.conn = conn
	h.status.Healthy = true
	h.status.ConsecutiveFailures = 0
	return conn, nil
}

// RecordFailure marks one RPC failure against this handle's health status,
// without closing the connection — gRPC already retries/reconnects under
// the hood, this is purely bookkeeping for blacklist feedback.
func (h *Handle) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordFailureLocked()
}

func (h *Handle) recordFailureLocked() {
	h.status.ConsecutiveFailures++
	h.status.LastCheck = time.Now()
	h.status.Healthy = false
}

func (h *Handle) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.ConsecutiveFailures = 0
	h.status.Healthy = true
	h.status.LastCheck = time.Now()
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			log.WithWorker(h.worker.Key()).Warn().Err(err).Msg("error closing worker connection")
		}
		h.conn = nil
	}
}

// CloseAll tears down every connection in the pool, for coordinator
// shutdown.
func (p *Pool) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.handles {
		h.Close()
	}
}
