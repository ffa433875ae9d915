// Package grpcclient probes a listener's gRPC health service.
package grpcclient

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/resilience"
	"github.com/calm-listener/platform/internal/trace"
)

// Client wraps a health client connection.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	retry  resilience.RetryConfig
}

// New creates a client for addr. The connection is established lazily.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "dial %s", addr)
	}
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		retry:  resilience.DefaultRetryConfig(),
	}, nil
}

// WithRetry replaces the retry policy for Check.
func (c *Client) WithRetry(cfg resilience.RetryConfig) *Client {
	c.retry = cfg
	return c
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check reports whether service is SERVING. Transport failures are
// retried; an unknown service is not.
func (c *Client) Check(ctx context.Context, service string) (bool, error) {
	var serving bool
	err := resilience.Retry(ctx, c.retry, func() error {
		cctx, cancel := context.WithTimeout(trace.OutgoingContext(ctx), HealthCheckTimeout)
		defer cancel()
		resp, err := c.health.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return classify(err, service)
		}
		serving = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
		return nil
	})
	return serving, err
}

// WaitServing polls until service is SERVING or ctx ends.
func (c *Client) WaitServing(ctx context.Context, service string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := c.Check(ctx, service)
		if ctx.Err() != nil {
			return apperrors.Wrapf(ctx.Err(), apperrors.Timeout, "%q not serving", service)
		}
		if err != nil && !apperrors.IsRetryable(err) {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrapf(ctx.Err(), apperrors.Timeout, "%q not serving", service)
		case <-ticker.C:
		}
	}
}

func classify(err error, service string) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound:
		return apperrors.Newf(apperrors.InvalidArgument, "unknown health service %q", service)
	case codes.Canceled:
		return apperrors.Wrap(err, apperrors.Cancelled, "health check")
	}
	return apperrors.Wrap(err, apperrors.Unavailable, "health check").WithGRPCCode(st.Code())
}
