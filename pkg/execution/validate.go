package execution

import (
	"encoding/json"

	"github.com/arbflow/arbflow/pkg/domain"
)

// Rejection codes for structurally invalid execution requests.
const (
	CodeMalformedJSON     = "MALFORMED_JSON"
	CodeMissingID         = "MISSING_ID"
	CodeInvalidType       = "INVALID_TYPE"
	CodeSameToken         = "SAME_TOKEN"
	CodeInvalidAmount     = "INVALID_AMOUNT"
	CodeInvalidConfidence = "INVALID_CONFIDENCE"
	CodeInvalidChains     = "INVALID_CHAINS"
)

// validate performs structural validation of one execution-request entry.
// Structural failures are Reject outcomes (the caller dead-letters them);
// stream-init markers and empty entries are System/Empty (silently ACKed).
// Business rules (confidence, profit, duplicates) are not checked here.
func validate(fields map[string]string) domain.ValidationOutcome {
	if len(fields) == 0 {
		return domain.Empty()
	}
	if fields["type"] == domain.StreamInitType {
		return domain.System()
	}
	raw, ok := fields["data"]
	if !ok || raw == "" {
		return domain.Empty()
	}

	var opp domain.Opportunity
	if err := json.Unmarshal([]byte(raw), &opp); err != nil {
		return domain.Reject(CodeMalformedJSON, err.Error())
	}
	if opp.Type == domain.StreamInitType {
		return domain.System()
	}
	if opp.ID == "" {
		return domain.Reject(CodeMissingID, "opportunity id is empty")
	}
	if !domain.ValidOpportunityType(opp.Type) {
		return domain.Reject(CodeInvalidType, string(opp.Type))
	}
	if opp.TokenIn == opp.TokenOut {
		return domain.Reject(CodeSameToken, opp.TokenIn)
	}
	if !positiveIntegerString(opp.AmountIn) {
		return domain.Reject(CodeInvalidAmount, opp.AmountIn)
	}
	if opp.Confidence < 0 || opp.Confidence > 1 {
		return domain.Reject(CodeInvalidConfidence, "")
	}
	if opp.Type == domain.OpportunityCrossChain {
		if opp.BuyChain == opp.SellChain ||
			!domain.SupportedChains[opp.BuyChain] || !domain.SupportedChains[opp.SellChain] {
			return domain.Reject(CodeInvalidChains, opp.BuyChain+"/"+opp.SellChain)
		}
	}
	return domain.Ok(&opp)
}

// positiveIntegerString accepts decimal digit strings greater than zero.
// Amounts are wei-scale and routinely exceed int64, so no numeric parse.
func positiveIntegerString(s string) bool {
	if s == "" {
		return false
	}
	nonZero := false
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			nonZero = true
		}
	}
	return nonZero
}
