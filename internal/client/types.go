package client

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Config is shared by every collaborator client.
type Config struct {
	// CallTimeout bounds each call, retries included.
	CallTimeout time.Duration
	// BreakerTimeout is how long an open breaker rejects calls before
	// letting a probe through.
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker.
	BreakerFailures uint32
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	return c
}

// Collaborator RPCs. Payloads are google.protobuf.Struct in both directions.
const (
	resolveRoleMethod  = "/travel.directory.v1.DirectoryService/ResolveRole"
	managerChainMethod = "/travel.directory.v1.DirectoryService/ManagerChain"
	getCostLimitMethod = "/travel.policy.v1.PolicyService/GetCostLimit"
	syncOutcomeMethod  = "/travel.requests.v1.TravelRequestService/SyncWorkflowOutcome"
)

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

// numberField returns nil when the field is absent or null.
func numberField(s *structpb.Struct, name string) *float64 {
	if s == nil {
		return nil
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil
	}
	return &n.NumberValue
}

func stringList(s *structpb.Struct, name string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, v := range s.GetFields()[name].GetListValue().GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}
