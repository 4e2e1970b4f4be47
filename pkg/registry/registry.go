// Package registry is the in-memory Shuffle Registry: the authoritative
// map of shuffleId to ShuffleState, plus per-application heartbeat
// bookkeeping. Coalescing of concurrent RegisterShuffle callers is not kept
// here; pkg/registration tracks in-flight registrations itself.
// Unlike the teacher's BoltDB-backed Store, shuffle state is per-application
// and never needs to survive a coordinator restart, so the backing store
// here is a plain concurrent map rather than a durable one.
package registry

import (
	"sync"
	"time"

	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/types"
)

// Registry tracks every known shuffle and every application that has
// registered at least one shuffle, keyed by shuffleId and appId
// respectively.
type Registry interface {
	// Get returns the ShuffleState for shuffleId, or false if unknown.
	Get(shuffleID int) (*types.ShuffleState, bool)

	// GetOrCreate returns the existing ShuffleState for shuffleID, or
	// creates and stores a new unregistered one. The bool reports whether
	// a new state was created.
	GetOrCreate(appID string, shuffleID int) (*types.ShuffleState, bool)

	// Remove deletes shuffleId's state entirely.
	Remove(shuffleID int)

	// ShuffleIDsForApp lists every shuffle id registered under appId.
	ShuffleIDsForApp(appID string) []int

	// RemoveApp deletes every shuffle registered under appId and returns
	// their ids.
	RemoveApp(appID string) []int

	// TouchHeartbeat records a liveness ping from appId.
	TouchHeartbeat(appID string)

	// ExpiredApps returns every appId whose last heartbeat is older than
	// maxAge, given now (nanoseconds since epoch).
	ExpiredApps(now int64, maxAge time.Duration) []string

	// Apps lists every known appId, including ones whose shuffles have all
	// been individually removed but whose appRecord hasn't been reaped yet.
	Apps() []string
}

type appRecord struct {
	shuffleIDs      map[int]bool
	lastHeartbeatNs int64
}

type memRegistry struct {
	mu        sync.RWMutex
	shuffles  map[int]*types.ShuffleState
	shuffleOf map[int]string // shuffleId -> appId
	apps      map[string]*appRecord
}

// New builds an empty in-memory Registry.
func New() Registry {
	return &memRegistry{
		shuffles:  make(map[int]*types.ShuffleState),
		shuffleOf: make(map[int]string),
		apps:      make(map[string]*appRecord),
	}
}

func (r *memRegistry) Get(shuffleID int) (*types.ShuffleState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shuffles[shuffleID]
	return s, ok
}

func (r *memRegistry) GetOrCreate(appID string, shuffleID int) (*types.ShuffleState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.shuffles[shuffleID]; ok {
		return s, false
	}

	s := types.NewShuffleState(appID, shuffleID)
	r.shuffles[shuffleID] = s
	r.shuffleOf[shuffleID] = appID

	app, ok := r.apps[appID]
	if !ok {
		app = &appRecord{shuffleIDs: make(map[int]bool), lastHeartbeatNs: time.Now().UnixNano()}
		r.apps[appID] = app
	}
	app.shuffleIDs[shuffleID] = true

	metrics.ShufflesRegistered.Set(float64(len(r.shuffles)))
	metrics.ApplicationsTotal.Set(float64(len(r.apps)))
	return s, true
}

func (r *memRegistry) Remove(shuffleID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(shuffleID)
	metrics.ShufflesRegistered.Set(float64(len(r.shuffles)))
}

func (r *memRegistry) removeLocked(shuffleID int) {
	appID, ok := r.shuffleOf[shuffleID]
	delete(r.shuffles, shuffleID)
	delete(r.shuffleOf, shuffleID)
	if !ok {
		return
	}
	if app, ok := r.apps[appID]; ok {
		delete(app.shuffleIDs, shuffleID)
	}
}

func (r *memRegistry) ShuffleIDsForApp(appID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(app.shuffleIDs))
	for id := range app.shuffleIDs {
		out = append(out, id)
	}
	return out
}

func (r *memRegistry) RemoveApp(appID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[appID]
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(app.shuffleIDs))
	for id := range app.shuffleIDs {
		ids = append(ids, id)
		r.removeLocked(id)
	}
	delete(r.apps, appID)
	metrics.ShufflesRegistered.Set(float64(len(r.shuffles)))
	metrics.ApplicationsTotal.Set(float64(len(r.apps)))
	return ids
}

func (r *memRegistry) TouchHeartbeat(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[appID]
	if !ok {
		app = &appRecord{shuffleIDs: make(map[int]bool)}
		r.apps[appID] = app
		metrics.ApplicationsTotal.Set(float64(len(r.apps)))
	}
	app.lastHeartbeatNs = time.Now().UnixNano()
}

// ExpiredApps returns every appId whose last heartbeat is older than
// maxAge.
func (r *memRegistry) ExpiredApps(now int64, maxAge time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	cutoff := now - maxAge.Nanoseconds()
	for appID, app := range r.apps {
		if app.lastHeartbeatNs < cutoff {
			out = append(out, appID)
		}
	}
	return out
}

// Apps returns a snapshot of every known appId.
func (r *memRegistry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.apps))
	for appID := range r.apps {
		out = append(out, appID)
	}
	return out
}
