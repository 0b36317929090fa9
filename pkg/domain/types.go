package domain

import (
	"time"
)

// Opportunity types

type OpportunityType string

const (
	OpportunitySimple        OpportunityType = "simple"
	OpportunityCrossDex      OpportunityType = "cross-dex"
	OpportunityTriangular    OpportunityType = "triangular"
	OpportunityQuadrilateral OpportunityType = "quadrilateral"
	OpportunityMultiLeg      OpportunityType = "multi-leg"
	OpportunityCrossChain    OpportunityType = "cross-chain"
	OpportunityPredictive    OpportunityType = "predictive"
	OpportunityIntraDex      OpportunityType = "intra-dex"
	OpportunityFlashLoan     OpportunityType = "flash-loan"
)

// ValidOpportunityType reports whether t is one of the known variants.
func ValidOpportunityType(t OpportunityType) bool {
	switch t {
	case OpportunitySimple, OpportunityCrossDex, OpportunityTriangular,
		OpportunityQuadrilateral, OpportunityMultiLeg, OpportunityCrossChain,
		OpportunityPredictive, OpportunityIntraDex, OpportunityFlashLoan:
		return true
	}
	return false
}

// SupportedChains is the set a cross-chain opportunity may reference.
var SupportedChains = map[string]bool{
	"ethereum":  true,
	"arbitrum":  true,
	"optimism":  true,
	"base":      true,
	"polygon":   true,
	"bsc":       true,
	"avalanche": true,
}

// Opportunity is a validated trade candidate flowing from detectors to the
// execution engine. AmountIn is a non-negative integer string (wei-scale).
type Opportunity struct {
	ID               string          `json:"id"`
	Type             OpportunityType `json:"type"`
	TokenIn          string          `json:"tokenIn"`
	TokenOut         string          `json:"tokenOut"`
	AmountIn         string          `json:"amountIn"`
	ExpectedProfit   string          `json:"expectedProfit,omitempty"`
	ProfitPercentage *float64        `json:"profitPercentage,omitempty"`
	Confidence       float64         `json:"confidence"`
	Timestamp        int64           `json:"timestamp"`
	ExpiresAt        int64           `json:"expiresAt,omitempty"`
	BuyChain         string          `json:"buyChain,omitempty"`
	SellChain        string          `json:"sellChain,omitempty"`
	Status           string          `json:"status,omitempty"`
}

// Service health

type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusStarting  ServiceStatus = "starting"
	StatusStopping  ServiceStatus = "stopping"
)

// ServiceHealth is one service's view of itself, reported over stream:health.
// LastHeartbeat is unix milliseconds and monotonically non-decreasing per service.
type ServiceHealth struct {
	Name          string        `json:"name"`
	Status        ServiceStatus `json:"status"`
	Uptime        int64         `json:"uptime"`
	MemoryUsage   float64       `json:"memoryUsage"`
	CPUUsage      float64       `json:"cpuUsage"`
	LastHeartbeat int64         `json:"lastHeartbeat"`
	Latency       *float64      `json:"latency,omitempty"`
}

// DegradationLevel is the coarse health classification driving feature gating.
// Levels are ordered from best to worst.
type DegradationLevel int

const (
	FullOperation DegradationLevel = iota
	ReducedChains
	DetectionOnly
	ReadOnly
	CompleteOutage
)

func (l DegradationLevel) String() string {
	switch l {
	case FullOperation:
		return "FULL_OPERATION"
	case ReducedChains:
		return "REDUCED_CHAINS"
	case DetectionOnly:
		return "DETECTION_ONLY"
	case ReadOnly:
		return "READ_ONLY"
	case CompleteOutage:
		return "COMPLETE_OUTAGE"
	default:
		return "UNKNOWN"
	}
}

// Alerts

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
	SeverityInfo     AlertSeverity = "info"
)

type Alert struct {
	Type      string         `json:"type"`
	Severity  AlertSeverity  `json:"severity"`
	Service   string         `json:"service,omitempty"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// CooldownKey identifies an alert for dedup purposes. Alerts with no service
// attribute share the "system" bucket.
func (a Alert) CooldownKey() string {
	service := a.Service
	if service == "" {
		service = "system"
	}
	return a.Type + "_" + service
}

// Stream payloads other than Opportunity. Detectors publish one payload kind
// per stream; all field values arrive as strings on the wire.

type HealthReport = ServiceHealth

type SwapEvent struct {
	Pair      string  `json:"pair"`
	Chain     string  `json:"chain"`
	Dex       string  `json:"dex"`
	AmountUSD float64 `json:"amountUsd"`
	Timestamp int64   `json:"timestamp"`
}

type WhaleAlert struct {
	Token     string  `json:"token"`
	Chain     string  `json:"chain"`
	AmountUSD float64 `json:"amountUsd"`
	TxHash    string  `json:"txHash"`
	Timestamp int64   `json:"timestamp"`
}

type VolumeAggregate struct {
	Pair      string  `json:"pair"`
	Chain     string  `json:"chain"`
	WindowSec int     `json:"windowSec"`
	VolumeUSD float64 `json:"volumeUsd"`
	Timestamp int64   `json:"timestamp"`
}

type PriceUpdate struct {
	Token     string  `json:"token"`
	Chain     string  `json:"chain"`
	Dex       string  `json:"dex"`
	PriceUSD  float64 `json:"priceUsd"`
	Timestamp int64   `json:"timestamp"`
}

// StreamInitType marks the synthetic first entry written when a stream is
// created; consumers ACK it silently.
const StreamInitType = "stream-init"

// ValidationOutcome is the tagged result of structural validation.

type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeReject
	OutcomeSystem
	OutcomeEmpty
)

type ValidationOutcome struct {
	Kind        OutcomeKind
	Opportunity *Opportunity
	Code        string
	Details     string
}

func Ok(opp *Opportunity) ValidationOutcome {
	return ValidationOutcome{Kind: OutcomeOk, Opportunity: opp}
}

func Reject(code, details string) ValidationOutcome {
	return ValidationOutcome{Kind: OutcomeReject, Code: code, Details: details}
}

func System() ValidationOutcome { return ValidationOutcome{Kind: OutcomeSystem} }

func Empty() ValidationOutcome { return ValidationOutcome{Kind: OutcomeEmpty} }

// UnixMilli converts a time to the wire's millisecond timestamps.
func UnixMilli(t time.Time) int64 { return t.UnixMilli() }
