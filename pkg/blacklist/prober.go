package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/barge/pkg/health"
	"github.com/cuemby/barge/pkg/types"
)

// TCPProber implements Prober by dialing a worker's RPC port.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, worker types.WorkerInfo) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", worker.Host, worker.RPCPort)
	checker := health.NewTCPChecker(addr).WithTimeout(timeout)
	return checker.Check(ctx).Healthy
}
