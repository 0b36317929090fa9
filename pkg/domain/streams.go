package domain

// Well-known stream and group names shared by the coordinator and the
// execution engine.

const (
	StreamOpportunities    = "stream:opportunities"
	StreamExecutionReqs    = "stream:execution-requests"
	StreamFastLane         = "stream:fast-lane"
	StreamHealth           = "stream:health"
	StreamWhaleAlerts      = "stream:whale-alerts"
	StreamSwapEvents       = "stream:swap-events"
	StreamVolumeAggregates = "stream:volume-aggregates"
	StreamPriceUpdates     = "stream:price-updates"
	StreamDeadLetter       = "stream:dead-letter-queue"
	StreamForwardingDLQ    = "stream:forwarding-dlq"
)

const (
	CoordinatorGroup     = "coordinator-group"
	ExecutionEngineGroup = "execution-engine-group"
)

// LeaderLockKey holds the instance ID of the current leader.
const LeaderLockKey = "coordinator:leader:lock"
