package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

// retryServiceConfig retries UNAVAILABLE on every method of the target.
const retryServiceConfig = `{
  "methodConfig": [{
    "name": [{}],
    "retryPolicy": {
      "maxAttempts": 3,
      "initialBackoff": "0.1s",
      "maxBackoff": "1s",
      "backoffMultiplier": 2,
      "retryableStatusCodes": ["UNAVAILABLE"]
    }
  }]
}`

// Dial creates a client connection with metadata forwarding, a per-call
// deadline and transparent retries for UNAVAILABLE.
func Dial(addr string, cfg Config, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	cfg = cfg.withDefaults()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultServiceConfig(retryServiceConfig),
		grpc.WithChainUnaryInterceptor(forwardMetadata, callTimeout(cfg.CallTimeout)),
	}
	conn, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", addr, err)
	}
	return conn, nil
}

// caller invokes Struct-in/Struct-out RPCs behind a circuit breaker.
type caller struct {
	dependency string
	conn       grpc.ClientConnInterface
	cb         *gobreaker.CircuitBreaker
}

func newCaller(dependency string, conn grpc.ClientConnInterface, cfg Config, log zerolog.Logger) *caller {
	cfg = cfg.withDefaults()
	return &caller{
		dependency: dependency,
		conn:       conn,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        dependency,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("dependency", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !unhealthy(err)
			},
		}),
	}
}

// invoke calls method with req. Answers from a healthy peer (NotFound,
// InvalidArgument) do not count against the breaker.
func (c *caller) invoke(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode request")
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		resp := &structpb.Struct{}
		if err := c.conn.Invoke(ctx, method, in, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, c.translate(err)
	}
	return out.(*structpb.Struct), nil
}

func (c *caller) translate(err error) error {
	switch {
	case err == gobreaker.ErrOpenState, err == gobreaker.ErrTooManyRequests:
		return errors.Degraded(c.dependency, err)
	}
	switch status.Code(err) {
	case codes.NotFound:
		return errors.Wrap(err, errors.ErrCodeNotFound, c.dependency+": not found")
	case codes.InvalidArgument:
		return errors.Wrap(err, errors.ErrCodeInvalidInput, c.dependency+": invalid argument")
	default:
		return errors.Degraded(c.dependency, err)
	}
}

func unhealthy(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.PermissionDenied:
		return false
	}
	return true
}
