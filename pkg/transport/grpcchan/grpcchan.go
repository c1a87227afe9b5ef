// Package grpcchan carries consensus wire messages over gRPC between
// processes. It defines its RPC by hand against grpc.ServiceDesc rather
// than through protoc-generated stubs: the message envelope is
// google.golang.org/protobuf's pre-built wrapperspb.BytesValue, so no
// .proto compilation step is needed, only grpc-go's public
// ClientConn.Invoke/ServiceRegistrar surface — the same surface
// protoc-gen-go-grpc itself generates code against.
package grpcchan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
)

const (
	serviceName = "concordkv.consensus.Wire"
	methodName  = "Send"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// envelope packs the sender id alongside the opaque consensus wire payload;
// BytesValue only carries one field, so we frame it ourselves.
func encodeEnvelope(from consensus.NodeID, payload []byte) []byte {
	idBytes := []byte(from)
	out := make([]byte, 2+len(idBytes)+len(payload))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(idBytes)))
	copy(out[2:], idBytes)
	copy(out[2+len(idBytes):], payload)
	return out
}

func decodeEnvelope(b []byte) (consensus.NodeID, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("grpcchan: truncated envelope")
	}
	n := int(binary.LittleEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, fmt.Errorf("grpcchan: truncated envelope id")
	}
	return consensus.NodeID(b[2 : 2+n]), b[2+n:], nil
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &wrapperspb.BytesValue{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*server).handle(ctx, req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	return interceptor(ctx, req, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodName, Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "concordkv/consensus/wire.proto",
}

// Receiver is the narrow slice of *consensus.Node the server needs.
type Receiver interface {
	RecvMessage(from consensus.NodeID, payload []byte) error
}

type server struct {
	recv Receiver
}

func (s *server) handle(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	from, payload, err := decodeEnvelope(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.recv.RecvMessage(from, payload); err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{}, nil
}

// Server listens for consensus wire messages on one TCP address and hands
// them to the local Node.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	logger     *zap.Logger
}

// Listen starts a Server bound to addr, delivering decoded messages to recv.
func Listen(addr string, recv Receiver, logger *zap.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcchan: listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, &server{recv: recv})

	s := &Server{grpcServer: gs, listener: lis, logger: logger}
	go func() {
		if err := gs.Serve(lis); err != nil {
			logger.Debug("grpcchan server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Transport is a consensus.Transport backed by gRPC client connections,
// dialed lazily and cached per peer.
type Transport struct {
	mu      sync.RWMutex
	from    consensus.NodeID
	addrs   map[consensus.NodeID]string
	conns   map[consensus.NodeID]*grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// NewTransport constructs a Transport for node `from` with a static address
// book. Connections dial on first Send.
func NewTransport(from consensus.NodeID, addrs map[consensus.NodeID]string, logger *zap.Logger) *Transport {
	return &Transport{
		from:    from,
		addrs:   addrs,
		conns:   make(map[consensus.NodeID]*grpc.ClientConn),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (t *Transport) conn(to consensus.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if c, ok := t.conns[to]; ok {
		t.mu.RUnlock()
		return c, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	addr, ok := t.addrs[to]
	if !ok {
		return nil, fmt.Errorf("grpcchan: unknown peer %s", to)
	}
	c, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpcchan: dial %s: %w", addr, err)
	}
	t.conns[to] = c
	return c, nil
}

// Send implements consensus.Transport.
func (t *Transport) Send(to consensus.NodeID, payload []byte) error {
	conn, err := t.conn(to)
	if err != nil {
		t.logger.Debug("no connection to peer", zap.String("to", string(to)), zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	req := &wrapperspb.BytesValue{Value: encodeEnvelope(t.from, payload)}
	resp := &wrapperspb.BytesValue{}
	if err := conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		t.logger.Debug("send rpc failed", zap.String("to", string(to)), zap.Error(err))
		return nil
	}
	return nil
}

// Close tears down every cached client connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		_ = c.Close()
	}
}
