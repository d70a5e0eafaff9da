package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

const namespace = "travel_approvals"

// Collector exposes Aggregator snapshots to Prometheus. Each scrape takes a
// fresh snapshot; a failed snapshot reports scrape_success 0 and nothing else.
type Collector struct {
	agg     *Aggregator
	timeout time.Duration
	log     zerolog.Logger

	workflows     *prometheus.Desc
	byRole        *prometheus.Desc
	overdue       *prometheus.Desc
	overpriced    *prometheus.Desc
	actions       *prometheus.Desc
	averageAmount *prometheus.Desc
	scrapeSuccess *prometheus.Desc
}

// NewCollector creates a collector. timeout bounds each scrape's queries.
func NewCollector(agg *Aggregator, timeout time.Duration, log zerolog.Logger) *Collector {
	return &Collector{
		agg:     agg,
		timeout: timeout,
		log:     log,
		workflows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workflows"),
			"Workflow instances by status.",
			[]string{"status"}, nil),
		byRole: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workflows_by_role"),
			"Workflow instances by current approver role and status.",
			[]string{"approver_role", "status"}, nil),
		overdue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workflows_overdue"),
			"Pending workflow instances past their due date.",
			nil, nil),
		overpriced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workflows_overpriced"),
			"Workflow instances flagged as over the cost policy limit.",
			nil, nil),
		actions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "approver_actions_total"),
			"Ledger actions recorded per approver.",
			[]string{"approver_role", "approver", "action"}, nil),
		averageAmount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "approver_average_approved_amount_cents"),
			"Average approved amount per approver in minor currency units.",
			[]string{"approver_role", "approver"}, nil),
		scrapeSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "metrics_scrape_success"),
			"Whether the last workflow metrics snapshot succeeded.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workflows
	ch <- c.byRole
	ch <- c.overdue
	ch <- c.overpriced
	ch <- c.actions
	ch <- c.averageAmount
	ch <- c.scrapeSuccess
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snap, err := c.agg.Snapshot(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Workflow metrics snapshot failed")
		ch <- prometheus.MustNewConstMetric(c.scrapeSuccess, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeSuccess, prometheus.GaugeValue, 1)

	for _, status := range allStatuses {
		ch <- prometheus.MustNewConstMetric(c.workflows, prometheus.GaugeValue, float64(snap.ByStatus[status]), string(status))
	}
	for _, rs := range snap.ByRoleStatus {
		ch <- prometheus.MustNewConstMetric(c.byRole, prometheus.GaugeValue, float64(rs.Count), rs.ApproverRole, string(rs.Status))
	}
	ch <- prometheus.MustNewConstMetric(c.overdue, prometheus.GaugeValue, float64(snap.Overdue))
	ch <- prometheus.MustNewConstMetric(c.overpriced, prometheus.GaugeValue, float64(snap.Overpriced))

	for _, a := range snap.Approvers {
		approver := a.ApproverID
		if approver == "" {
			approver = a.ApproverName
		}
		for action, n := range map[repository.ApprovalAction]int64{
			repository.ActionApprove:  a.Approved,
			repository.ActionReject:   a.Rejected,
			repository.ActionReturn:   a.Returned,
			repository.ActionEscalate: a.Escalated,
		} {
			ch <- prometheus.MustNewConstMetric(c.actions, prometheus.CounterValue, float64(n), a.ApproverRole, approver, string(action))
		}
		ch <- prometheus.MustNewConstMetric(c.averageAmount, prometheus.GaugeValue, a.AverageApprovedAmt, a.ApproverRole, approver)
	}
}

var allStatuses = []repository.WorkflowStatus{
	repository.StatusPending,
	repository.StatusApproved,
	repository.StatusRejected,
	repository.StatusReturned,
	repository.StatusEscalated,
	repository.StatusCompleted,
	repository.StatusCancelled,
}
