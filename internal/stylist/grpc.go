package stylist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names of the remote stylist. Requests and replies
// are wrapped strings; the request carries the JSON encoded Request.
const (
	ServiceName   = "stylist.v1.Stylist"
	respondMethod = "/" + ServiceName + "/Respond"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   4 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient asks a remote stylist service.
type GrpcClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcClient connects to the stylist at cfg.Address and waits until the
// connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to stylist at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad stylist endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("stylist at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to stylist service", "address", cfg.Address)
	return &GrpcClient{conn: conn, timeout: cfg.RequestTimeout, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Respond implements Responder.
func (c *GrpcClient) Respond(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode stylist request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, respondMethod, wrapperspb.String(string(payload)), out); err != nil {
		return "", fmt.Errorf("stylist respond: %w", err)
	}
	return out.GetValue(), nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// RegisterServer exposes r as the stylist service on s.
func RegisterServer(s *grpc.Server, r Responder) {
	s.RegisterService(&serviceDesc, r)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Responder)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Respond", Handler: respondHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stylist.proto",
}

func respondHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &wrapperspb.StringValue{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		var r Request
		if err := json.Unmarshal([]byte(req.(*wrapperspb.StringValue).GetValue()), &r); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		reply, err := srv.(Responder).Respond(ctx, r)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "respond: %v", err)
		}
		return wrapperspb.String(reply), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: respondMethod}
	return interceptor(ctx, in, info, handle)
}
