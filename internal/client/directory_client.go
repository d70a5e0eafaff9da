package client

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// DirectoryGRPCClient implements service.DirectoryClient against the
// employee directory gRPC service.
//
// An empty approverId in a ResolveRole answer means the role is served by a
// pool; the workflow is then left unassigned and any holder of the role may
// act on it.
type DirectoryGRPCClient struct {
	conn   *grpc.ClientConn
	caller *caller
}

// NewDirectoryGRPCClient dials the directory service and returns a client.
func NewDirectoryGRPCClient(addr string, cfg Config, log zerolog.Logger, opts ...grpc.DialOption) (*DirectoryGRPCClient, error) {
	conn, err := Dial(addr, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &DirectoryGRPCClient{
		conn:   conn,
		caller: newCaller("directory", conn, cfg, log),
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *DirectoryGRPCClient) Close() error {
	return c.conn.Close()
}

// ResolveRole returns the approver id holding role for employeeID.
func (c *DirectoryGRPCClient) ResolveRole(ctx context.Context, role, employeeID string) (string, error) {
	resp, err := c.caller.invoke(ctx, resolveRoleMethod, map[string]interface{}{
		"role":       role,
		"employeeId": employeeID,
	})
	if err != nil {
		return "", err
	}
	return stringField(resp, "approverId"), nil
}

// ManagerChain returns the employee's managers, nearest first.
func (c *DirectoryGRPCClient) ManagerChain(ctx context.Context, employeeID string) ([]string, error) {
	resp, err := c.caller.invoke(ctx, managerChainMethod, map[string]interface{}{
		"employeeId": employeeID,
	})
	if err != nil {
		return nil, err
	}
	return stringList(resp, "managerIds"), nil
}
