package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// MasterClient is the outbound RPC surface spec §6.2 describes: the calls
// the coordinator makes to the cluster master for slot offers, blacklist
// publication and unregister acknowledgement.
type MasterClient interface {
	RequestSlots(ctx context.Context, req *RequestSlotsRequest) (*RequestSlotsResponse, error)
	ReleaseSlots(ctx context.Context, req *ReleaseSlotsRequest) error
	GetBlacklist(ctx context.Context, req *GetBlacklistRequest) (*GetBlacklistResponse, error)
	UnregisterShuffle(ctx context.Context, req *MasterUnregisterShuffleRequest) error
	HeartbeatFromApplication(ctx context.Context, req *HeartbeatFromApplicationRequest) error
	CheckQuota(ctx context.Context, req *CheckQuotaRequest) (*CheckQuotaResponse, error)
}

const masterServiceName = "barge.rpc.MasterService"

// grpcMasterClient calls the master over a plain gRPC connection using the
// JSON codec, mirroring pkg/client/client.go's thin-wrapper-over-ClientConn
// style — minus mTLS, since transport security is out of scope here (see
// pkg/endpoint for the precedent of dialing insecure.NewCredentials()).
type grpcMasterClient struct {
	conn *grpc.ClientConn
}

// NewMasterClient wraps an already-dialed connection to the cluster master.
func NewMasterClient(conn *grpc.ClientConn) MasterClient {
	return &grpcMasterClient{conn: conn}
}

func (c *grpcMasterClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+masterServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *grpcMasterClient) RequestSlots(ctx context.Context, req *RequestSlotsRequest) (*RequestSlotsResponse, error) {
	resp := &RequestSlotsResponse{}
	if err := c.invoke(ctx, "RequestSlots", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcMasterClient) ReleaseSlots(ctx context.Context, req *ReleaseSlotsRequest) error {
	return c.invoke(ctx, "ReleaseSlots", req, &struct{}{})
}

func (c *grpcMasterClient) GetBlacklist(ctx context.Context, req *GetBlacklistRequest) (*GetBlacklistResponse, error) {
	resp := &GetBlacklistResponse{}
	if err := c.invoke(ctx, "GetBlacklist", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcMasterClient) UnregisterShuffle(ctx context.Context, req *MasterUnregisterShuffleRequest) error {
	return c.invoke(ctx, "UnregisterShuffle", req, &struct{}{})
}

func (c *grpcMasterClient) HeartbeatFromApplication(ctx context.Context, req *HeartbeatFromApplicationRequest) error {
	return c.invoke(ctx, "HeartbeatFromApplication", req, &struct{}{})
}

func (c *grpcMasterClient) CheckQuota(ctx context.Context, req *CheckQuotaRequest) (*CheckQuotaResponse, error) {
	resp := &CheckQuotaResponse{}
	if err := c.invoke(ctx, "CheckQuota", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
