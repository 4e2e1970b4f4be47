package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeMasterAddr listens on a loopback port and accepts connections so New's
// grpc.NewClient dial succeeds; it never has to actually answer an RPC
// since this test only exercises wiring and the run/stop lifecycle.
func fakeMasterAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return lis.Addr().String()
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default()
	c, err := New(cfg, fakeMasterAddr(t), "localhost")
	require.NoError(t, err)
	require.NotNil(t, c.registry)
	require.NotNil(t, c.blacklist)
	require.NotNil(t, c.reserve)
	require.NotNil(t, c.register)
	require.NotNil(t, c.change)
	require.NotNil(t, c.stage)
	require.NotNil(t, c.lifecycle)
	require.NotNil(t, c.api)
	require.NotNil(t, c.health)

	c.Stop()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ApplicationHeartbeatInterval = 50 * time.Millisecond
	cfg.GetBlacklistDelay = 50 * time.Millisecond
	cfg.RemoveShuffleDelay = 50 * time.Millisecond

	c, err := New(cfg, fakeMasterAddr(t), "localhost")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "127.0.0.1:0", "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
