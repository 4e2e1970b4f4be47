// Package lifecycle implements UnregisterShuffle, the expiration sweep and
// the application heartbeat loop (spec §4.8): the teardown half of the
// coordinator, mirroring the ticker-loop idiom used for reservation retries
// and blacklist refresh.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/stageend"
	"github.com/cuemby/barge/pkg/types"
)

// MasterClient is the subset of rpc.MasterClient the lifecycle manager
// needs: acknowledging unregistration and reporting liveness.
type MasterClient interface {
	UnregisterShuffle(ctx context.Context, req *rpc.MasterUnregisterShuffleRequest) error
	HeartbeatFromApplication(ctx context.Context, req *rpc.HeartbeatFromApplicationRequest) error
}

// Manager owns the registry's unregisterTime bookkeeping and the periodic
// expiration sweep.
type Manager struct {
	registry registry.Registry
	stage    *stageend.Handler
	master   MasterClient

	unregisterMu sync.Mutex
	unregisterAt map[int]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(reg registry.Registry, stage *stageend.Handler, master MasterClient) *Manager {
	return &Manager{
		registry:     reg,
		stage:        stage,
		master:       master,
		unregisterAt: make(map[int]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// UnregisterShuffle implements spec §4.8's three steps. It has no reply
// payload per spec §6.1's RPC table.
func (m *Manager) UnregisterShuffle(ctx context.Context, state *types.ShuffleState, stageEndTimeout time.Duration) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UnregisterShuffleDuration)

	if !state.StageEnd.Done() {
		go m.stage.StageEnd(context.Background(), state)
		_ = m.stage.GetReducerFileGroup(ctx, state, stageEndTimeout)
	}

	snapshot := state.WorkerInfoSnapshot()
	for key := range snapshot {
		state.RemoveAllocatedWorker(key)
	}

	m.unregisterMu.Lock()
	m.unregisterAt[state.ShuffleID] = time.Now()
	m.unregisterMu.Unlock()

	if err := m.master.UnregisterShuffle(ctx, &rpc.MasterUnregisterShuffleRequest{AppID: state.AppID, ShuffleID: state.ShuffleID}); err != nil {
		log.WithShuffleID(state.AppID, state.ShuffleID).Warn().Err(err).Msg("unregister at master failed")
	}
}

// StartExpirationSweep runs the periodic task that drops state for shuffles
// whose unregisterTime is older than delay.
func (m *Manager) StartExpirationSweep(interval, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(delay)
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) sweep(delay time.Duration) {
	m.unregisterMu.Lock()
	expired := make([]int, 0)
	now := time.Now()
	for shuffleID, at := range m.unregisterAt {
		if now.Sub(at) >= delay {
			expired = append(expired, shuffleID)
		}
	}
	for _, id := range expired {
		delete(m.unregisterAt, id)
	}
	m.unregisterMu.Unlock()

	for _, id := range expired {
		m.registry.Remove(id)
		log.Logger.Info().Int("shuffle_id", id).Msg("expired shuffle state removed")
	}
}

// StartApplicationHeartbeat runs the periodic task spec §6.2 describes:
// every applicationHeartbeatIntervalMs, report each live application's
// write stats to the master. There is no inbound heartbeat RPC in this
// coordinator's task-facing surface (spec §6.1), so this loop is also the
// only place that keeps an application's local liveness bookkeeping fresh —
// it touches every application that still has at least one registered
// shuffle, leaving ones whose shuffles have all expired to age out and be
// reaped by SweepExpiredApplications.
func (m *Manager) StartApplicationHeartbeat(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.heartbeatApplications(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) heartbeatApplications(ctx context.Context) {
	for _, appID := range m.registry.Apps() {
		shuffleIDs := m.registry.ShuffleIDsForApp(appID)
		if len(shuffleIDs) == 0 {
			continue
		}

		var totalBytes int64
		fileCount := 0
		epoch := 0
		for _, shuffleID := range shuffleIDs {
			state, ok := m.registry.Get(shuffleID)
			if !ok {
				continue
			}
			for _, locs := range state.ReducerFileGroupsSnapshot() {
				for _, loc := range locs {
					fileCount++
					if loc.Epoch > epoch {
						epoch = loc.Epoch
					}
					if loc.Storage != nil {
						totalBytes += loc.Storage.FileLength
					}
				}
			}
		}

		m.registry.TouchHeartbeat(appID)
		req := &rpc.HeartbeatFromApplicationRequest{
			AppID:             appID,
			TotalWrittenBytes: totalBytes,
			FileCount:         fileCount,
			Epoch:             epoch,
		}
		if err := m.master.HeartbeatFromApplication(ctx, req); err != nil {
			log.WithAppID(appID).Warn().Err(err).Msg("heartbeat forwarding to master failed")
		}
	}
}

// SweepExpiredApplications drops every application whose heartbeat is older
// than maxAge, asking the master to forget each of its shuffles.
func (m *Manager) SweepExpiredApplications(ctx context.Context, maxAge time.Duration) {
	for _, appID := range m.registry.ExpiredApps(time.Now().UnixNano(), maxAge) {
		for _, shuffleID := range m.registry.ShuffleIDsForApp(appID) {
			if err := m.master.UnregisterShuffle(ctx, &rpc.MasterUnregisterShuffleRequest{AppID: appID, ShuffleID: shuffleID}); err != nil {
				log.WithAppID(appID).Warn().Err(err).Msg("unregister during application expiration failed")
			}
		}
		m.registry.RemoveApp(appID)
		metrics.ExpiredApplicationsTotal.Inc()
	}
}
