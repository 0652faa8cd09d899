package link

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ReportMethod is the unary RPC a gRPC endpoint must serve. The request is a
// google.protobuf.Struct mirroring the JSON record, the reply an Empty.
const ReportMethod = "/trackagent.v1.Reporter/Report"

type GRPCDialer struct {
	Options []grpc.DialOption
}

func (d GRPCDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, d.Options...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	cc.Connect()
	return &grpcConn{cc: cc, done: make(chan struct{})}, nil
}

type grpcConn struct {
	cc       *grpc.ClientConn
	done     chan struct{}
	doneOnce sync.Once
}

func (g *grpcConn) Write(ctx context.Context, rec Record) error {
	body, err := rec.Struct()
	if err != nil {
		return err
	}
	return g.cc.Invoke(ctx, ReportMethod, body, &emptypb.Empty{}, grpc.WaitForReady(true))
}

// Done only fires on Close: grpc reconnects the channel by itself and
// failures surface through Write.
func (g *grpcConn) Done() <-chan struct{} { return g.done }

func (g *grpcConn) Close() error {
	g.doneOnce.Do(func() { close(g.done) })
	return g.cc.Close()
}
