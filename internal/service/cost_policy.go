package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// PolicyUnavailable is the overpriced reason recorded when no limit could be
// resolved.
const PolicyUnavailable = "policy unavailable"

// CostBasis names which cost is being checked in the overpriced reason.
type CostBasis string

const (
	CostEstimated CostBasis = "estimated"
	CostActual    CostBasis = "actual"
)

// Evaluate compares an estimated cost against limit. A missing limit is not
// an error: the result is not overpriced and the reason says the policy was
// unavailable. A missing cost is never overpriced.
func Evaluate(cost, limit *repository.Money) (bool, *string) {
	return EvaluateBasis(CostEstimated, cost, limit)
}

// EvaluateBasis is Evaluate with the cost basis named in the reason.
func EvaluateBasis(basis CostBasis, cost, limit *repository.Money) (bool, *string) {
	if limit == nil {
		reason := PolicyUnavailable
		return false, &reason
	}
	if cost == nil || *cost <= *limit {
		return false, nil
	}
	reason := fmt.Sprintf("%s cost %s exceeds policy limit %s by %s", basis, *cost, *limit, *cost-*limit)
	return true, &reason
}

// CostPolicyEvaluator resolves an employee's limit through the policy service
// and evaluates a cost against it. Lookup failures degrade to "policy
// unavailable".
type CostPolicyEvaluator struct {
	policy PolicyClient
	log    *logger.Logger
}

// NewCostPolicyEvaluator creates an evaluator. policy may be nil.
func NewCostPolicyEvaluator(policy PolicyClient, log *logger.Logger) *CostPolicyEvaluator {
	return &CostPolicyEvaluator{policy: policy, log: log}
}

// EvaluateForEmployee looks up the limit and evaluates cost.
func (e *CostPolicyEvaluator) EvaluateForEmployee(
	ctx context.Context,
	employeeID *string,
	workflowType repository.WorkflowType,
	basis CostBasis,
	cost *repository.Money,
) (bool, *string) {
	if e.policy == nil || employeeID == nil || *employeeID == "" {
		return EvaluateBasis(basis, cost, nil)
	}

	limit, err := e.policy.GetCostLimit(ctx, *employeeID, workflowType)
	if err != nil {
		e.log.Warn().
			Err(errors.Degraded("policy", err)).
			Str("employee_id", *employeeID).
			Str("workflow_type", string(workflowType)).
			Msg("Cost limit lookup failed; continuing without policy")
		return EvaluateBasis(basis, cost, nil)
	}
	return EvaluateBasis(basis, cost, limit)
}
