package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// TravelRequestGRPCClient implements service.TravelRequestSync against the
// travel-request service, the system of record for request status.
type TravelRequestGRPCClient struct {
	conn   *grpc.ClientConn
	caller *caller
}

// NewTravelRequestGRPCClient dials the travel-request service and returns a client.
func NewTravelRequestGRPCClient(addr string, cfg Config, log zerolog.Logger, opts ...grpc.DialOption) (*TravelRequestGRPCClient, error) {
	conn, err := Dial(addr, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &TravelRequestGRPCClient{
		conn:   conn,
		caller: newCaller("travel_requests", conn, cfg, log),
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *TravelRequestGRPCClient) Close() error {
	return c.conn.Close()
}

// SyncOutcome pushes a terminal workflow outcome.
func (c *TravelRequestGRPCClient) SyncOutcome(ctx context.Context, outcome service.Outcome) error {
	req := map[string]interface{}{
		"travelRequestId": outcome.TravelRequestID,
		"workflowId":      outcome.WorkflowID,
		"status":          string(outcome.Status),
		"completedAt":     outcome.CompletedAt.UTC().Format(time.RFC3339),
	}
	if outcome.EstimatedCost != nil {
		req["estimatedCost"] = majorUnits(*outcome.EstimatedCost)
	}
	if outcome.ActualCost != nil {
		req["actualCost"] = majorUnits(*outcome.ActualCost)
	}
	_, err := c.caller.invoke(ctx, syncOutcomeMethod, req)
	return err
}

func majorUnits(m repository.Money) float64 {
	return float64(m) / 100
}
