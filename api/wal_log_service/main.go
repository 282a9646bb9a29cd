package wallogservice

import (
	"context"
	"errors"

	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxFrames caps a pull when the replica does not ask for a size.
const DefaultMaxFrames = 1024

// Log is the read side of the WAL.
type Log interface {
	ReadFrom(after wal.Offset, max int) ([]wal.Frame, error)
	LastOffset() wal.Offset
}

// WalLogServer implements the WalLog gRPC service on the primary.
type WalLogServer struct {
	Log       Log
	MaxFrames int
	Logger    *zap.Logger
}

// NewWalLogServer creates a new WalLogServer. maxFrames bounds every
// response; requests may ask for fewer.
func NewWalLogServer(log Log, maxFrames int, logger *zap.Logger) *WalLogServer {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &WalLogServer{Log: log, MaxFrames: maxFrames, Logger: logger.Named("wal_log_service")}
}

// PullWal returns committed frames after req.After.
func (s *WalLogServer) PullWal(ctx context.Context, req *pb.PullWalRequest) (*pb.PullWalResponse, error) {
	max := s.MaxFrames
	if req.MaxFrames > 0 && int(req.MaxFrames) < max {
		max = int(req.MaxFrames)
	}

	// Read the head first so LastOffset never trails the returned frames.
	last := s.Log.LastOffset()
	frames, err := s.Log.ReadFrom(req.After, max)
	if errors.Is(err, wal.ErrNeedFullResync) {
		s.Logger.Warn("Replica outside retained WAL window",
			zap.Uint64("after", req.After), zap.Uint64("last", last))
		return &pb.PullWalResponse{NeedFullResync: true, LastOffset: last}, nil
	}
	if err != nil {
		s.Logger.Error("Failed to read WAL", zap.Uint64("after", req.After), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	if n := len(frames); n > 0 && frames[n-1].Offset > last {
		last = frames[n-1].Offset
	}
	return &pb.PullWalResponse{Frames: frames, LastOffset: last}, nil
}
