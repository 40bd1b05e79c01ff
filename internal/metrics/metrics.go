package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_heartbeats_total",
			Help: "Heartbeats accepted from remote agents by reported quality",
		},
		[]string{"quality"},
	)

	tradeReportTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_trade_reports_total",
			Help: "Trade-update reports by outcome",
		},
		[]string{"result"},
	)

	pollTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_polls_total",
			Help: "Instruction polls by outcome",
		},
		[]string{"result"},
	)

	instructionEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_instructions_enqueued_total",
			Help: "Instructions enqueued by action",
		},
		[]string{"action"},
	)

	trailingDecisionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_trailing_decisions_total",
			Help: "Per-trade trailing decisions by outcome",
		},
		[]string{"outcome"},
	)

	agentFaultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_agent_faults_total",
			Help: "Faults reported by agents",
		},
		[]string{"fault_type", "critical"},
	)

	trailingPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbridge_trailing_pass_duration_seconds",
			Help:    "Duration of one trailing evaluation pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

func RecordHeartbeat(quality string) {
	heartbeatTotal.WithLabelValues(quality).Inc()
}

func RecordTradeReport(result string) {
	tradeReportTotal.WithLabelValues(result).Inc()
}

func RecordPoll(result string) {
	pollTotal.WithLabelValues(result).Inc()
}

func RecordInstructionEnqueued(action string) {
	instructionEnqueuedTotal.WithLabelValues(action).Inc()
}

func RecordTrailingDecision(outcome string) {
	trailingDecisionTotal.WithLabelValues(outcome).Inc()
}

// RecordAgentFault counts a fault. Agents choose the fault type, so only
// the critical set keeps its own label value.
func RecordAgentFault(faultType string, critical bool) {
	agentFaultTotal.WithLabelValues(faultLabels(faultType, critical)).Inc()
}

func faultLabels(faultType string, critical bool) (string, string) {
	if !critical {
		return "other", "false"
	}
	return faultType, "true"
}

func ObserveTrailingPass(d time.Duration) {
	trailingPassDuration.Observe(d.Seconds())
}
