package rpc

import (
	"testing"

	"github.com/cuemby/barge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	req := &RegisterShuffleRequest{
		RequestEnvelope: RequestEnvelope{AppID: "app-1", ShuffleID: 7},
		NumMappers:      4,
		NumReducers:     8,
	}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var got RegisterShuffleRequest
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, *req, got)
}

func TestJSONCodecUnmarshalError(t *testing.T) {
	c := jsonCodec{}
	var got RegisterShuffleRequest
	err := c.Unmarshal([]byte("not json"), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc: unmarshal")
}

func TestJSONCodecRoundTripWorkerResource(t *testing.T) {
	c := jsonCodec{}
	resp := &RequestSlotsResponse{
		Status: StatusSuccess,
		Resource: types.WorkerResource{
			"127.0.0.1:9001": &types.WorkerResourceEntry{
				Worker: types.WorkerInfo{Host: "127.0.0.1", RPCPort: 9001},
			},
		},
	}

	data, err := c.Marshal(resp)
	require.NoError(t, err)

	var got RequestSlotsResponse
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, resp.Status, got.Status)
	assert.Len(t, got.Resource, 1)
}
