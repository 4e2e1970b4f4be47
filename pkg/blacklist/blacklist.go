// Package blacklist tracks workers the coordinator has stopped allocating
// to, and runs the periodic refresh loop that ages blacklist entries out
// per spec §4.9.
package blacklist

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/types"
	"github.com/rs/zerolog"
)

// Reason records why a worker was blacklisted, for logging and for deciding
// whether a later success should clear the entry.
type Reason string

const (
	ReasonReserveFailed  Reason = "reserve_failed"
	ReasonConnectFailed  Reason = "connect_failed"
	ReasonCommitFailed   Reason = "commit_failed"
	ReasonPushDataFailed Reason = "push_data_failed"
)

type entry struct {
	worker     types.WorkerInfo
	reason     Reason
	addedAt    time.Time
	failures   int
	fromMaster bool
}

// blacklisted reports whether e currently excludes its worker from
// allocation: either the local failure count reached maxFailures, or the
// master is the one reporting it (master-sourced entries ignore the local
// failure count entirely).
func (e *entry) blacklisted(maxFailures int) bool {
	return e.fromMaster || e.failures >= maxFailures
}

// Prober probes a worker for reachability before the refresh loop ages its
// blacklist entry out on elapsed time alone. health.TCPChecker is the
// production implementation.
type Prober interface {
	Probe(ctx context.Context, worker types.WorkerInfo) bool
}

// Blacklist is a concurrent set of worker keys the Allocator must skip.
// Workers are added on RPC/push failure feedback and removed either by an
// explicit recovery signal or by the periodic refresh loop once they've
// aged past the configured delay.
type Blacklist struct {
	mu      sync.RWMutex
	workers map[string]*entry

	maxFailures int
	broker      *events.Broker
	prober      Prober
	master      rpc.MasterClient
	logger      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Blacklist. maxFailures is the number of distinct failures
// required before a worker is actually excluded from allocation — single
// blips are tolerated, per spec §4.9's "isn't black-and-white" note.
func New(maxFailures int, broker *events.Broker) *Blacklist {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Blacklist{
		workers:     make(map[string]*entry),
		maxFailures: maxFailures,
		broker:      broker,
		logger:      log.WithComponent("blacklist"),
		stopCh:      make(chan struct{}),
	}
}

// SetProber attaches a reachability prober. When set, refresh only ages out
// an entry past delay if the worker also answers a live probe; unreachable
// workers keep their entry regardless of age.
func (b *Blacklist) SetProber(p Prober) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prober = p
}

// SetMasterClient attaches the master RPC client the refresh loop uses for
// GetBlacklist. Without one, refresh only ever ages out local entries.
func (b *Blacklist) SetMasterClient(m rpc.MasterClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.master = m
}

// Start begins the periodic refresh loop, which ages out entries older than
// delay. interval controls how often the sweep runs.
func (b *Blacklist) Start(interval, delay time.Duration) {
	b.wg.Add(1)
	go b.run(interval, delay)
}

func (b *Blacklist) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Blacklist) run(interval, delay time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			b.refresh(delay)
			b.syncWithMaster(context.Background())
			timer.ObserveDuration(metrics.BlacklistRefreshDuration)
		case <-b.stopCh:
			return
		}
	}
}

// refresh ages out locally observed entries once they've passed delay and,
// if a Prober is set, once the worker also answers a live probe. Entries
// the master is reporting (fromMaster) are exempt: per spec §4.9 those only
// clear once the master stops listing them, which syncWithMaster handles.
func (b *Blacklist) refresh(delay time.Duration) {
	cutoff := time.Now().Add(-delay)

	b.mu.RLock()
	candidates := make([]*entry, 0)
	for _, e := range b.workers {
		if !e.fromMaster && e.addedAt.Before(cutoff) {
			candidates = append(candidates, e)
		}
	}
	prober := b.prober
	b.mu.RUnlock()

	aged := make([]*entry, 0, len(candidates))
	for _, e := range candidates {
		if prober != nil && !prober.Probe(context.Background(), e.worker) {
			continue
		}
		aged = append(aged, e)
	}

	b.mu.Lock()
	for _, e := range aged {
		key := e.worker.Key()
		delete(b.workers, key)
		b.logger.Info().Str("worker", key).Msg("blacklist entry aged out")
		if b.broker != nil {
			b.broker.Publish(&events.Event{Type: events.EventWorkerRecovered, Message: key})
		}
	}
	metrics.WorkersBlacklisted.Set(float64(b.countBlacklistedLocked()))
	b.mu.Unlock()
}

// syncWithMaster asks the master for its view of the blacklist and folds it
// into the local set per spec §4.9: the result becomes the union of
// locally observed failures, the master's blacklist and its unknownWorkers.
// A master-sourced entry is eligible again only once a later call no longer
// lists it.
func (b *Blacklist) syncWithMaster(ctx context.Context) {
	b.mu.RLock()
	master := b.master
	current := make([]string, 0, len(b.workers))
	for key := range b.workers {
		current = append(current, key)
	}
	b.mu.RUnlock()

	if master == nil {
		return
	}

	resp, err := master.GetBlacklist(ctx, &rpc.GetBlacklistRequest{CurrentLocalBlacklist: current})
	if err != nil {
		b.logger.Warn().Err(err).Msg("GetBlacklist failed, keeping local blacklist unchanged")
		return
	}

	reported := make(map[string]bool, len(resp.Blacklist)+len(resp.UnknownWorkers))
	for _, key := range resp.Blacklist {
		reported[key] = true
	}
	for _, key := range resp.UnknownWorkers {
		reported[key] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.workers {
		if e.fromMaster && !reported[key] {
			delete(b.workers, key)
			b.logger.Info().Str("worker", key).Msg("master cleared blacklist entry")
			if b.broker != nil {
				b.broker.Publish(&events.Event{Type: events.EventWorkerRecovered, Message: key})
			}
		}
	}
	for key := range reported {
		if e, ok := b.workers[key]; ok {
			e.fromMaster = true
			continue
		}
		b.workers[key] = &entry{fromMaster: true, addedAt: time.Now()}
	}
	metrics.WorkersBlacklisted.Set(float64(b.countBlacklistedLocked()))
}

// RecordFailure registers a failure for a worker. Once maxFailures is
// reached the worker is blacklisted and an event is published.
func (b *Blacklist) RecordFailure(worker types.WorkerInfo, reason Reason) {
	key := worker.Key()
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.workers[key]
	if !ok {
		e = &entry{worker: worker, reason: reason}
		b.workers[key] = e
	}
	e.failures++
	e.addedAt = time.Now()
	e.reason = reason

	if e.failures == b.maxFailures {
		b.logger.Warn().Str("worker", key).Str("reason", string(reason)).Msg("worker blacklisted")
		if b.broker != nil {
			b.broker.Publish(&events.Event{Type: events.EventWorkerBlacklisted, Message: key})
		}
	}
	metrics.WorkersBlacklisted.Set(float64(b.countBlacklistedLocked()))
}

func (b *Blacklist) countBlacklistedLocked() int {
	n := 0
	for _, e := range b.workers {
		if e.blacklisted(b.maxFailures) {
			n++
		}
	}
	return n
}

// Clear removes a worker's blacklist entry outright — used when a worker
// reports a clean reconnect.
func (b *Blacklist) Clear(worker types.WorkerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, worker.Key())
}

// IsBlacklisted reports whether worker currently has enough accumulated
// failures to be excluded from allocation.
func (b *Blacklist) IsBlacklisted(worker types.WorkerInfo) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.workers[worker.Key()]
	return ok && e.blacklisted(b.maxFailures)
}

// Filter returns the subset of workers that are not blacklisted, preserving
// order — the Allocator consumes this before placing anything.
func (b *Blacklist) Filter(workers []types.WorkerInfo) []types.WorkerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		e, ok := b.workers[w.Key()]
		if ok && e.blacklisted(b.maxFailures) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Snapshot returns the keys of every currently blacklisted worker, for the
// GetBlacklist RPC (spec §6.2).
func (b *Blacklist) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.workers))
	for key, e := range b.workers {
		if e.blacklisted(b.maxFailures) {
			out = append(out, key)
		}
	}
	return out
}
