// Package config loads the coordinator's tunables from a YAML file, with
// defaults matching the values spec §6.4 lists for each key.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/barge/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the coordinator reads at startup. Fields mirror
// spec §6.4 one for one.
type Config struct {
	// Replicate enables a replica PartitionLocation for every primary.
	Replicate bool `yaml:"replicate"`

	// PartitionType names the id space for slot requests. It is only
	// validated: no component reads it, and registration gives every shuffle
	// types.ReducePartition, so slot requests cover one id per reducer.
	PartitionType types.PartitionType `yaml:"partitionType"`

	// PartitionSplitThreshold is the file-size threshold, in bytes, for
	// worker-side partition splits. It is only validated: ReserveSlots
	// requests carry a threshold of 0 whatever this value is.
	PartitionSplitThreshold int64 `yaml:"partitionSplitThreshold"`

	// SplitMode is the worker-side split mode, "soft" or "hard". It is only
	// validated: ReserveSlots requests carry "soft" whatever this value is.
	SplitMode string `yaml:"splitMode"`

	// RangeReadFilter is the worker-side range-read filter flag. No
	// component reads it: ReserveSlots requests leave their RangeReadFilter
	// field false, and GetReducerFileGroup replies are not filtered.
	RangeReadFilter bool `yaml:"rangeReadFilter"`

	// StageEndTimeout bounds how long GetReducerFileGroup and
	// UnregisterShuffle wait for StageEnd to finish; GetReducerFileGroup
	// replies StageEndTimeout once it elapses.
	StageEndTimeout time.Duration `yaml:"stageEndTimeout"`

	// RemoveShuffleDelay is how long an unregistered shuffle's state is
	// kept around before the expiration sweep purges it.
	RemoveShuffleDelay time.Duration `yaml:"removeShuffleDelay"`

	// GetBlacklistDelay is the minimum spacing between successive
	// blacklist refresh rounds.
	GetBlacklistDelay time.Duration `yaml:"getBlacklistDelay"`

	// ApplicationHeartbeatInterval is the period of the coordinator's
	// HeartbeatFromApplication report to the master. Each report also
	// refreshes the liveness of every application with a registered shuffle;
	// an application not refreshed for two intervals is expired.
	ApplicationHeartbeatInterval time.Duration `yaml:"applicationHeartbeatInterval"`

	// ReserveSlotsMaxRetry bounds how many allocate-reserve rounds the
	// ReservationManager attempts before giving up.
	ReserveSlotsMaxRetry int `yaml:"reserveSlotsMaxRetry"`

	// ReserveSlotsRetryWait is the backoff between reservation retries.
	ReserveSlotsRetryWait time.Duration `yaml:"reserveSlotsRetryWait"`

	// RPCMaxParallelism bounds concurrent outbound RPC fan-out (reserve,
	// commit, destroy) per request.
	RPCMaxParallelism int `yaml:"rpcMaxParallelism"`

	// DriverMetaServicePort is the port the task-facing server binds.
	DriverMetaServicePort int `yaml:"driverMetaServicePort"`
}

// Default returns the configuration spec §6.4 lists as defaults.
func Default() Config {
	return Config{
		Replicate:                    false,
		PartitionType:                types.ReducePartition,
		PartitionSplitThreshold:      256 << 20,
		SplitMode:                    "soft",
		RangeReadFilter:              false,
		StageEndTimeout:              2 * time.Minute,
		RemoveShuffleDelay:           60 * time.Second,
		GetBlacklistDelay:            30 * time.Second,
		ApplicationHeartbeatInterval: 10 * time.Second,
		ReserveSlotsMaxRetry:         3,
		ReserveSlotsRetryWait:        500 * time.Millisecond,
		RPCMaxParallelism:            8,
		DriverMetaServicePort:        19097,
	}
}

// Load reads path, overlaying its fields onto Default() so an omitted key
// in the file keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the coordinator cannot act on.
func (c Config) Validate() error {
	if c.PartitionType != types.ReducePartition && c.PartitionType != types.MapPartition {
		return fmt.Errorf("partitionType must be %q or %q, got %q", types.ReducePartition, types.MapPartition, c.PartitionType)
	}
	if c.SplitMode != "soft" && c.SplitMode != "hard" {
		return fmt.Errorf("splitMode must be \"soft\" or \"hard\", got %q", c.SplitMode)
	}
	if c.ReserveSlotsMaxRetry < 1 {
		return fmt.Errorf("reserveSlotsMaxRetry must be >= 1")
	}
	if c.RPCMaxParallelism < 1 {
		return fmt.Errorf("rpcMaxParallelism must be >= 1")
	}
	if c.DriverMetaServicePort <= 0 || c.DriverMetaServicePort > 65535 {
		return fmt.Errorf("driverMetaServicePort out of range: %d", c.DriverMetaServicePort)
	}
	return nil
}
