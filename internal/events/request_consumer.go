package events

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// Initiator starts workflows. *service.WorkflowService satisfies it.
type Initiator interface {
	InitiateWorkflow(ctx context.Context, req service.InitiateRequest) (*repository.WorkflowInstance, error)
}

// RequestCreated is the travel.request.created payload. EstimatedBudget is in
// major currency units.
type RequestCreated struct {
	TravelRequestID string   `json:"travelRequestId"`
	EmployeeID      string   `json:"employeeId"`
	ProjectID       string   `json:"projectId"`
	EstimatedBudget *float64 `json:"estimatedBudget"`
	WorkflowType    string   `json:"workflowType,omitempty"`
}

// InitiateRequest converts the payload. A missing workflow type means
// PRE_TRAVEL.
func (e RequestCreated) InitiateRequest() service.InitiateRequest {
	req := service.InitiateRequest{
		TravelRequestID: strings.TrimSpace(e.TravelRequestID),
		WorkflowType:    repository.WorkflowTypePreTravel,
	}
	if e.WorkflowType != "" {
		req.WorkflowType = repository.WorkflowType(strings.ToUpper(e.WorkflowType))
	}
	if e.EmployeeID != "" {
		id := e.EmployeeID
		req.EmployeeID = &id
	}
	if e.EstimatedBudget != nil {
		cents := repository.Money(math.Round(*e.EstimatedBudget * 100))
		req.EstimatedCost = &cents
	}
	return req
}

// message is the subset of jetstream.Msg the handler uses.
type message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	Term() error
}

// ConsumerConfig names the durable consumer.
type ConsumerConfig struct {
	Stream     string
	Subject    string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
}

// RequestCreatedConsumer starts a workflow for each created travel request.
//
// Redelivery policy: a request that already has an active workflow is acked
// and dropped; payloads that can never succeed are terminated; everything
// else is nak'ed for redelivery up to MaxDeliver.
type RequestCreatedConsumer struct {
	initiator Initiator
	log       zerolog.Logger
	consume   jetstream.ConsumeContext
}

// NewRequestCreatedConsumer creates a new RequestCreatedConsumer.
func NewRequestCreatedConsumer(initiator Initiator, log zerolog.Logger) *RequestCreatedConsumer {
	return &RequestCreatedConsumer{initiator: initiator, log: log}
}

// Start creates or updates the durable consumer and begins consuming.
func (c *RequestCreatedConsumer) Start(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig) error {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDegraded, "failed to create request consumer")
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.Handle(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDegraded, "failed to start request consumer")
	}
	c.consume = cc

	c.log.Info().
		Str("stream", cfg.Stream).
		Str("subject", cfg.Subject).
		Str("durable", cfg.Durable).
		Msg("Travel request consumer started")
	return nil
}

// Stop stops message delivery. In-flight handlers finish.
func (c *RequestCreatedConsumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}

// Handle processes one delivery and settles it.
func (c *RequestCreatedConsumer) Handle(ctx context.Context, msg message) {
	var event RequestCreated
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping malformed travel request event")
		c.settle(msg.Term())
		return
	}

	req := event.InitiateRequest()
	wf, err := c.initiator.InitiateWorkflow(ctx, req)
	switch {
	case err == nil:
		c.log.Info().
			Str("travel_request_id", req.TravelRequestID).
			Str("workflow_id", wf.ID).
			Msg("Workflow initiated from travel request event")
		c.settle(msg.Ack())

	case errors.IsCode(err, errors.ErrCodeConflict):
		c.log.Debug().Str("travel_request_id", req.TravelRequestID).Msg("Workflow already active, event acknowledged")
		c.settle(msg.Ack())

	case errors.IsCode(err, errors.ErrCodeInvalidInput), errors.IsCode(err, errors.ErrCodeConfiguration):
		c.log.Error().Err(err).Str("travel_request_id", req.TravelRequestID).Msg("Travel request event cannot be initiated")
		c.settle(msg.Term())

	default:
		c.log.Warn().Err(err).Str("travel_request_id", req.TravelRequestID).Msg("Workflow initiation failed, will retry")
		c.settle(msg.Nak())
	}
}

func (c *RequestCreatedConsumer) settle(err error) {
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to settle travel request event")
	}
}
