package proto

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	require.Equal(t, CodecName, c.Name())
}

// TestCodec_DynamicRowValues checks that row values come back as the types
// the engine produces, whatever width msgpack chose on the wire.
func TestCodec_DynamicRowValues(t *testing.T) {
	in := &QueryResponse{Result: &query.Result{
		Columns: []query.Column{{Name: "id", DeclType: "INTEGER"}, {Name: "name"}, {Name: "blob"}, {Name: "score"}},
		Rows: [][]any{
			{int64(7), "ada", []byte{0xff}, 1.5},
			{int64(-3), nil, []byte{}, float64(0)},
		},
		RowsAffected: 2,
	}}

	data, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	var out QueryResponse
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	require.Nil(t, out.Error)
	require.Equal(t, in.Result.Columns, out.Result.Columns)
	require.Equal(t, int64(7), out.Result.Rows[0][0])
	require.Equal(t, "ada", out.Result.Rows[0][1])
	require.Equal(t, []byte{0xff}, out.Result.Rows[0][2])
	require.Equal(t, 1.5, out.Result.Rows[0][3])
	require.Equal(t, int64(-3), out.Result.Rows[1][0])
	require.Nil(t, out.Result.Rows[1][1])
	require.Equal(t, int64(2), out.Result.RowsAffected)
}

func TestCodec_ErrorResponse(t *testing.T) {
	in := &QueryResponse{Error: &QueryError{Code: dberror.CodeTxBusy, Message: "database is locked"}}
	data, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	var out QueryResponse
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	require.Nil(t, out.Result)
	require.Equal(t, in.Error, out.Error)
}

func TestSessionIDRoundTrip(t *testing.T) {
	id := uuid.New()
	parsed, err := ParseSessionID(SessionIDBytes(id))
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseSessionID([]byte{1, 2, 3})
	require.ErrorIs(t, err, dberror.ErrInvalidSessionID)
}
