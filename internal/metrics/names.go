package metrics

// Metric names emitted by the monitor.
const (
	Cycles              = "agentwatch_cycles_total"
	CycleDuration       = "agentwatch_cycle_duration_seconds"
	CheckDuration       = "agentwatch_agent_check_duration_seconds"
	CaptureDuration     = "agentwatch_capture_duration_seconds"
	Agents              = "agentwatch_agents"
	AgentErrors         = "agentwatch_agent_errors_total"
	Deferred            = "agentwatch_agents_deferred_total"
	Transitions         = "agentwatch_state_transitions_total"
	NotificationsQueued = "agentwatch_notifications_queued_total"
	NotificationsSent   = "agentwatch_notification_batches_total"
	NotificationsFailed = "agentwatch_notification_failures_total"
	Submissions         = "agentwatch_auto_submissions_total"
	Recoveries          = "agentwatch_recoveries_total"
	RateLimitPauses     = "agentwatch_rate_limit_pauses_total"
	CacheHitRatio       = "agentwatch_cache_hit_ratio"
	CacheEntries        = "agentwatch_cache_entries"
	PoolInUse           = "agentwatch_pool_in_use"
	PoolOpen            = "agentwatch_pool_open"
	PoolWaits           = "agentwatch_pool_waits"
)

var defaultHelp = map[string]string{
	Cycles:              "Monitoring cycles completed.",
	CycleDuration:       "Wall time of one monitoring cycle.",
	CheckDuration:       "Wall time of one agent check.",
	CaptureDuration:     "Wall time of one pane capture.",
	Agents:              "Agents by health state in the last cycle.",
	AgentErrors:         "Per-agent check failures.",
	Deferred:            "Agents skipped because the cycle ran out of time.",
	Transitions:         "Agent state transitions.",
	NotificationsQueued: "Notifications accepted into the queue.",
	NotificationsSent:   "Notification batches delivered.",
	NotificationsFailed: "Notification batches that failed to deliver.",
	Submissions:         "Enter keys sent to flush queued input.",
	Recoveries:          "Manager recovery attempts by result.",
	RateLimitPauses:     "Fleet-wide pauses for usage limits.",
	CacheHitRatio:       "Share of cache lookups served from cache.",
	CacheEntries:        "Entries held by the cache.",
	PoolInUse:           "Multiplexer handles checked out.",
	PoolOpen:            "Multiplexer handles open.",
	PoolWaits:           "Checkouts that had to wait for a handle.",
}
