// Package coordinator wires every component into one running Shuffle
// Lifecycle Coordinator: the registry, blacklist, reservation manager and
// the four RPC-handling packages behind the gRPC and HTTP servers, mirroring
// the teacher's central Manager struct minus the Raft/store layer this
// domain has no use for.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/barge/pkg/api"
	"github.com/cuemby/barge/pkg/blacklist"
	"github.com/cuemby/barge/pkg/config"
	"github.com/cuemby/barge/pkg/endpoint"
	"github.com/cuemby/barge/pkg/events"
	"github.com/cuemby/barge/pkg/lifecycle"
	"github.com/cuemby/barge/pkg/log"
	"github.com/cuemby/barge/pkg/partitionchange"
	"github.com/cuemby/barge/pkg/registration"
	"github.com/cuemby/barge/pkg/registry"
	"github.com/cuemby/barge/pkg/reservation"
	"github.com/cuemby/barge/pkg/rpc"
	"github.com/cuemby/barge/pkg/stageend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Coordinator owns every long-lived component and the two listeners
// (gRPC task-facing service, HTTP health/metrics).
type Coordinator struct {
	cfg config.Config

	registry  registry.Registry
	broker    *events.Broker
	blacklist *blacklist.Blacklist
	endpoints *endpoint.Pool
	reserve   *reservation.Manager
	register  *registration.Pipeline
	change    *partitionchange.Handler
	stage     *stageend.Handler
	lifecycle *lifecycle.Manager

	masterConn *grpc.ClientConn
	api        *api.Server
	health     *api.HealthServer
}

// New dials the cluster master at masterAddr and wires every component
// against cfg's tunables. coordinatorHost is advertised to the master in
// RequestSlots so workers know where to report back.
func New(cfg config.Config, masterAddr, coordinatorHost string) (*Coordinator, error) {
	masterConn, err := grpc.NewClient(masterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial master: %w", err)
	}
	master := rpc.NewMasterClient(masterConn)

	reg := registry.New()
	broker := events.NewBroker()
	bl := blacklist.New(1, broker)
	bl.SetProber(blacklist.TCPProber{})
	bl.SetMasterClient(master)
	endpoints := endpoint.NewPool(5 * time.Second)
	reserve := reservation.New(endpoints, master, bl, cfg.RPCMaxParallelism, cfg.ReserveSlotsMaxRetry, cfg.ReserveSlotsRetryWait)
	register := registration.New(reg, master, endpoints, reserve, bl, coordinatorHost, cfg.Replicate, cfg.RPCMaxParallelism)
	change := partitionchange.New(reserve, bl, cfg.Replicate)
	stage := stageend.New(endpoints, master, bl, cfg.RPCMaxParallelism, cfg.Replicate)
	lc := lifecycle.New(reg, stage, master)

	apiServer := api.NewServer(reg, register, change, stage, lc, cfg.StageEndTimeout)
	health := api.NewHealthServer(reg)

	return &Coordinator{
		cfg:        cfg,
		registry:   reg,
		broker:     broker,
		blacklist:  bl,
		endpoints:  endpoints,
		reserve:    reserve,
		register:   register,
		change:     change,
		stage:      stage,
		lifecycle:  lc,
		masterConn: masterConn,
		api:        apiServer,
		health:     health,
	}, nil
}

// Run starts every background loop and blocks serving the gRPC task-facing
// service on grpcAddr and health/metrics on httpAddr until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, grpcAddr, httpAddr string) error {
	c.broker.Start()
	c.blacklist.Start(c.cfg.GetBlacklistDelay, c.cfg.GetBlacklistDelay)
	c.lifecycle.StartExpirationSweep(c.cfg.RemoveShuffleDelay, c.cfg.RemoveShuffleDelay)
	c.lifecycle.StartApplicationHeartbeat(c.cfg.ApplicationHeartbeatInterval)

	go c.runHeartbeatSweep(ctx)

	errCh := make(chan error, 2)
	go func() {
		log.Logger.Info().Str("addr", grpcAddr).Msg("task-facing gRPC service starting")
		errCh <- c.api.Start(grpcAddr)
	}()
	go func() {
		log.Logger.Info().Str("addr", httpAddr).Msg("health/metrics HTTP service starting")
		errCh <- c.health.Start(httpAddr)
	}()

	select {
	case <-ctx.Done():
		c.Stop()
		return nil
	case err := <-errCh:
		c.Stop()
		return err
	}
}

// runHeartbeatSweep periodically drops applications that have stopped
// sending heartbeats, per spec §4.8.
func (c *Coordinator) runHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ApplicationHeartbeatInterval)
	defer ticker.Stop()
	maxAge := 2 * c.cfg.ApplicationHeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.lifecycle.SweepExpiredApplications(ctx, maxAge)
		}
	}
}

// Stop tears down every background loop and listener.
func (c *Coordinator) Stop() {
	c.api.Stop()
	c.lifecycle.Stop()
	c.blacklist.Stop()
	c.broker.Stop()
	_ = c.masterConn.Close()
}
