package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// JetStreamPublisher is the slice of jetstream.JetStream used here.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes travel approval notifications to NATS
// JetStream for consumption by the notifications service.
//
// Subject convention: notifications.travel.<event_type>
// Event types: approval_required, escalated, approved, rejected, returned,
//              cancelled, overpriced
//
// All publish operations are non-fatal: errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	js     JetStreamPublisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string   `json:"event_type"`
	RecipientRole string   `json:"recipient_role"`
	Recipients    []string `json:"recipients,omitempty"`
	ResourceType  string   `json:"resource_type"`
	ResourceID    string   `json:"resource_id"`
	WorkflowID    string   `json:"workflow_id"`
	IsActionable  bool     `json:"is_actionable,omitempty"`
	Severity      string   `json:"severity"`
	Category      string   `json:"category"`
	Message       string   `json:"message"`
}

// NewNotificationPublisher creates a publisher. A nil js disables publishing.
func NewNotificationPublisher(js JetStreamPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: prefix, log: log}
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(ctx context.Context, n service.Notification) {
	if p.js == nil {
		return
	}

	event := &NotificationEvent{
		EventType:     n.Event,
		RecipientRole: n.RecipientRole,
		ResourceType:  "travel_request",
		ResourceID:    n.TravelRequestID,
		WorkflowID:    n.WorkflowID,
		IsActionable:  n.Event == service.NotifyApprovalRequired || n.Event == service.NotifyEscalated,
		Severity:      severity(n.Event),
		Category:      "travel_approval",
		Message:       n.Message,
	}
	if n.RecipientID != nil {
		event.Recipients = []string{*n.RecipientID}
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.Event).Msg("notification: failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	subject := p.prefix + "." + n.Event
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", n.WorkflowID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", n.WorkflowID).
		Str("recipient_role", n.RecipientRole).
		Msg("notification: event published")
}

func severity(event string) string {
	switch event {
	case service.NotifyEscalated, service.NotifyOverpriced:
		return "warning"
	default:
		return "info"
	}
}
