package client

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// PolicyGRPCClient implements service.PolicyClient against the travel policy
// gRPC service. Limits travel in major currency units.
type PolicyGRPCClient struct {
	conn   *grpc.ClientConn
	caller *caller
}

// NewPolicyGRPCClient dials the policy service and returns a client.
func NewPolicyGRPCClient(addr string, cfg Config, log zerolog.Logger, opts ...grpc.DialOption) (*PolicyGRPCClient, error) {
	conn, err := Dial(addr, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &PolicyGRPCClient{
		conn:   conn,
		caller: newCaller("policy", conn, cfg, log),
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *PolicyGRPCClient) Close() error {
	return c.conn.Close()
}

// GetCostLimit returns nil when no policy covers the employee.
func (c *PolicyGRPCClient) GetCostLimit(ctx context.Context, employeeID string, workflowType repository.WorkflowType) (*repository.Money, error) {
	resp, err := c.caller.invoke(ctx, getCostLimitMethod, map[string]interface{}{
		"employeeId":   employeeID,
		"workflowType": string(workflowType),
	})
	if err != nil {
		return nil, err
	}
	limit := numberField(resp, "limit")
	if limit == nil {
		return nil, nil
	}
	return repository.MoneyPtr(repository.Money(math.Round(*limit * 100))), nil
}
