package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerClient is the outbound RPC surface spec §6.3 describes: reserve,
// commit and destroy calls issued against a single storage worker.
type WorkerClient interface {
	ReserveSlots(ctx context.Context, req *ReserveSlotsRequest) (*ReserveSlotsResponse, error)
	CommitFiles(ctx context.Context, req *CommitFilesRequest) (*CommitFilesResponse, error)
	Destroy(ctx context.Context, req *DestroyRequest) (*DestroyResponse, error)
}

const workerServiceName = "barge.rpc.WorkerService"

type grpcWorkerClient struct {
	conn *grpc.ClientConn
}

// NewWorkerClient wraps an already-dialed connection to a storage worker,
// typically obtained from pkg/endpoint's lazy Pool.
func NewWorkerClient(conn *grpc.ClientConn) WorkerClient {
	return &grpcWorkerClient{conn: conn}
}

func (c *grpcWorkerClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+workerServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *grpcWorkerClient) ReserveSlots(ctx context.Context, req *ReserveSlotsRequest) (*ReserveSlotsResponse, error) {
	resp := &ReserveSlotsResponse{}
	if err := c.invoke(ctx, "ReserveSlots", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcWorkerClient) CommitFiles(ctx context.Context, req *CommitFilesRequest) (*CommitFilesResponse, error) {
	resp := &CommitFilesResponse{}
	if err := c.invoke(ctx, "CommitFiles", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcWorkerClient) Destroy(ctx context.Context, req *DestroyRequest) (*DestroyResponse, error) {
	resp := &DestroyResponse{}
	if err := c.invoke(ctx, "Destroy", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
