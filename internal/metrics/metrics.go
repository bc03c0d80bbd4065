// Package metrics exposes the process's Prometheus collectors: tool
// dispatch outcomes and agent-turn finish reasons, scraped by the server's
// /metrics endpoint (internal/server).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ToolDispatches counts internal/tool.Registry.Dispatch calls by tool id
	// and outcome ("success", "error", "blocked" for a denied destructive
	// command).
	ToolDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_tool_dispatches_total",
		Help: "Tool dispatch calls by tool id and outcome.",
	}, []string{"tool", "outcome"})

	// TurnsCompleted counts agent turns (internal/session.Processor.runLoop)
	// by the provider finish reason that ended them.
	TurnsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_turns_completed_total",
		Help: "Agent turns completed by finish reason.",
	}, []string{"finish_reason"})

	// ChangeLogSweeps counts internal/store.Store.SweepChangeLog runs by
	// outcome, driven by the server's cron-scheduled sweep job.
	ChangeLogSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_change_log_sweeps_total",
		Help: "Change-log sweep runs by outcome.",
	}, []string{"outcome"})

	// MCPTransportErrors counts internal/mcp.Transport failures by
	// transport kind ("http", "stdio") and reason ("dial", "status",
	// "closed", "decode"), so a flaky MCP tool provider shows up in
	// scrape data instead of only in logs.
	MCPTransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_mcp_transport_errors_total",
		Help: "MCP transport errors by transport kind and reason.",
	}, []string{"transport", "reason"})
)

func init() {
	prometheus.MustRegister(ToolDispatches, TurnsCompleted, ChangeLogSweeps, MCPTransportErrors)
}
