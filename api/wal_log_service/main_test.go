package wallogservice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newLog(t *testing.T) *wal.LogManager {
	t.Helper()
	lm, err := wal.NewLogManager(t.TempDir(), zap.NewNop(), wal.LogConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm
}

func appendTx(t *testing.T, lm *wal.LogManager, stmts ...string) {
	t.Helper()
	payloads := make([]wal.Payload, len(stmts))
	for i, s := range stmts {
		payloads[i] = wal.Payload{SQL: s}
	}
	_, _, err := lm.AppendTransaction(payloads)
	require.NoError(t, err)
}

func TestPullWal(t *testing.T) {
	lm := newLog(t)
	appendTx(t, lm, "CREATE TABLE t (v)")
	appendTx(t, lm, "INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)")
	srv := NewWalLogServer(lm, 0, zap.NewNop())

	resp, err := srv.PullWal(context.Background(), &pb.PullWalRequest{After: 0})
	require.NoError(t, err)
	require.False(t, resp.NeedFullResync)
	require.Len(t, resp.Frames, 3)
	require.Equal(t, uint64(3), resp.LastOffset)

	resp, err = srv.PullWal(context.Background(), &pb.PullWalRequest{After: 3})
	require.NoError(t, err)
	require.Empty(t, resp.Frames)
	require.Equal(t, uint64(3), resp.LastOffset)
}

func TestPullWalNeverSplitsTransaction(t *testing.T) {
	lm := newLog(t)
	appendTx(t, lm, "a", "b", "c")
	appendTx(t, lm, "d")
	srv := NewWalLogServer(lm, 0, zap.NewNop())

	resp, err := srv.PullWal(context.Background(), &pb.PullWalRequest{After: 0, MaxFrames: 1})
	require.NoError(t, err)
	require.Len(t, resp.Frames, 3)
	require.True(t, resp.Frames[2].Commit)
}

func TestPullWalServerCapsBatch(t *testing.T) {
	lm := newLog(t)
	for i := 0; i < 5; i++ {
		appendTx(t, lm, "x")
	}
	srv := NewWalLogServer(lm, 2, zap.NewNop())

	resp, err := srv.PullWal(context.Background(), &pb.PullWalRequest{After: 0, MaxFrames: 100})
	require.NoError(t, err)
	require.Len(t, resp.Frames, 2)
	require.Equal(t, uint64(5), resp.LastOffset)
}

func TestPullWalAheadOfPrimary(t *testing.T) {
	lm := newLog(t)
	appendTx(t, lm, "x")
	srv := NewWalLogServer(lm, 0, zap.NewNop())

	resp, err := srv.PullWal(context.Background(), &pb.PullWalRequest{After: 10})
	require.NoError(t, err)
	require.True(t, resp.NeedFullResync)
	require.Empty(t, resp.Frames)
	require.Equal(t, uint64(1), resp.LastOffset)
}

type brokenLog struct{}

func (brokenLog) ReadFrom(wal.Offset, int) ([]wal.Frame, error) {
	return nil, errors.New("disk on fire")
}
func (brokenLog) LastOffset() wal.Offset { return 7 }

func TestPullWalReadFailure(t *testing.T) {
	srv := NewWalLogServer(brokenLog{}, 0, zap.NewNop())
	_, err := srv.PullWal(context.Background(), &pb.PullWalRequest{})
	require.Equal(t, codes.Internal, status.Code(err))
}
