package proto

import "google.golang.org/grpc"

// MaxMessageSize bounds every proxy and WAL message in both directions. It
// sits well above the WAL batch byte budget, so a batch extended to its
// commit frame still fits.
const MaxMessageSize = 64 << 20

// ServerOptions returns the codec and message size options a server of
// these services runs with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}
