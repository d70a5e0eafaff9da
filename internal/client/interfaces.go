package client

import "github.com/pesio-ai/be-travel-approvals/internal/service"

var (
	_ service.DirectoryClient   = (*DirectoryGRPCClient)(nil)
	_ service.PolicyClient      = (*PolicyGRPCClient)(nil)
	_ service.TravelRequestSync = (*TravelRequestGRPCClient)(nil)
	_ service.Notifier          = (*NotificationPublisher)(nil)
)
