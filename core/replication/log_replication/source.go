package logreplication

import (
	"context"

	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
)

// RemoteSource pulls frames from the primary's WalLog service.
type RemoteSource struct {
	client *pb.WalLogClient
}

func NewRemoteSource(client *pb.WalLogClient) *RemoteSource {
	return &RemoteSource{client: client}
}

func (s *RemoteSource) Pull(ctx context.Context, after wal.Offset, max int) (Batch, error) {
	resp, err := s.client.PullWal(ctx, &pb.PullWalRequest{After: after, MaxFrames: uint32(max)})
	if err != nil {
		return Batch{}, &dberror.ConnectionError{Op: "pull_wal", Err: err}
	}
	return Batch{Frames: resp.Frames, LastOffset: resp.LastOffset, NeedFullResync: resp.NeedFullResync}, nil
}
