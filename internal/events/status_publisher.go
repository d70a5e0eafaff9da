package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// Publisher is the slice of jetstream.JetStream the publishers need.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StatusPublisher emits travel.workflow.status_changed events. Each event
// carries the message id "<workflowId>:<version>", so JetStream drops
// redeliveries of the same transition inside the stream's duplicate window.
//
// Publishing never fails the caller: the transition has already committed.
type StatusPublisher struct {
	js      Publisher
	subject string
	timeout time.Duration
	log     zerolog.Logger
}

// NewStatusPublisher creates a new StatusPublisher.
func NewStatusPublisher(js Publisher, subject string, log zerolog.Logger) *StatusPublisher {
	return &StatusPublisher{js: js, subject: subject, timeout: 2 * time.Second, log: log}
}

// MessageID is the broker-side dedupe key for a status change.
func MessageID(change service.StatusChange) string {
	return fmt.Sprintf("%s:%d", change.WorkflowID, change.Version)
}

// PublishStatusChanged implements service.StatusPublisher.
func (p *StatusPublisher) PublishStatusChanged(ctx context.Context, change service.StatusChange) {
	data, err := json.Marshal(change)
	if err != nil {
		p.log.Warn().Err(err).Str("workflow_id", change.WorkflowID).Msg("status event: failed to marshal")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msgID := MessageID(change)
	ack, err := p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", p.subject).
			Str("workflow_id", change.WorkflowID).
			Int64("version", change.Version).
			Msg("status event: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", p.subject).
		Str("msg_id", msgID).
		Bool("duplicate", ack != nil && ack.Duplicate).
		Msg("status event: published")
}
