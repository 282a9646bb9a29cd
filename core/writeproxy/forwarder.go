package writeproxy

import (
	"context"

	"github.com/google/uuid"
	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
)

// Forwarder sends statements to the primary on behalf of a session. A
// *dberror.StatementError from Forward is a SQL failure reported by the
// primary; any other error means the outcome is unknown.
type Forwarder interface {
	Forward(ctx context.Context, sqlText string, params []any, session uuid.UUID, expectTx bool) (*query.Result, error)
	Disconnect(ctx context.Context, session uuid.UUID) error
}

// LocalExecutor runs read-only statements against the local replica.
type LocalExecutor interface {
	Query(ctx context.Context, sqlText string, params []any) (*query.Result, error)
}

// RemoteForwarder forwards over the Proxy gRPC service.
type RemoteForwarder struct {
	client *pb.ProxyClient
}

func NewRemoteForwarder(client *pb.ProxyClient) *RemoteForwarder {
	return &RemoteForwarder{client: client}
}

func (f *RemoteForwarder) Forward(ctx context.Context, sqlText string, params []any, session uuid.UUID, expectTx bool) (*query.Result, error) {
	resp, err := f.client.Query(ctx, &pb.QueryRequest{
		Statement: sqlText,
		Params:    params,
		SessionID: pb.SessionIDBytes(session),
		ExpectTx:  expectTx,
	})
	if err != nil {
		return nil, &dberror.ConnectionError{Op: "query", Err: err}
	}
	if resp.Error != nil {
		return nil, &dberror.StatementError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Result == nil {
		return query.Empty(), nil
	}
	return resp.Result, nil
}

func (f *RemoteForwarder) Disconnect(ctx context.Context, session uuid.UUID) error {
	if _, err := f.client.Disconnect(ctx, &pb.DisconnectRequest{SessionID: pb.SessionIDBytes(session)}); err != nil {
		return &dberror.ConnectionError{Op: "disconnect", Err: err}
	}
	return nil
}
