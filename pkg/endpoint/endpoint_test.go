package endpoint

import (
	"testing"
	"time"

	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestPoolGetReturnsSameHandle(t *testing.T) {
	pool := NewPool(time.Second)
	w := types.WorkerInfo{Host: "127.0.0.1", RPCPort: 9001}

	h1 := pool.Get(w)
	h2 := pool.Get(w)
	assert.Same(t, h1, h2)
}

func TestHandleRecordFailureTracksConsecutive(t *testing.T) {
	pool := NewPool(time.Second)
	w := types.WorkerInfo{Host: "127.0.0.1", RPCPort: 9002}
	h := pool.Get(w)

	h.RecordFailure()
	h.RecordFailure()
	status := h.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.False(t, status.Healthy)

	h.RecordSuccess()
	status = h.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.True(t, status.Healthy)
}

func TestPoolDropClosesHandle(t *testing.T) {
	pool := NewPool(time.Second)
	w := types.WorkerInfo{Host: "127.0.0.1", RPCPort: 9003}
	h := pool.Get(w)
	pool.Drop(w)

	h2 := pool.Get(w)
	assert.NotSame(t, h, h2)
}
