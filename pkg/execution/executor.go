package execution

import (
	"context"
	"log/slog"

	"github.com/arbflow/arbflow/pkg/domain"
)

// DryRunExecutor accepts every opportunity without touching a chain. It is
// the default executor until a trading strategy is plugged in, and keeps the
// queue/ACK machinery fully exercisable in staging.
type DryRunExecutor struct {
	Logger *slog.Logger
}

func (d *DryRunExecutor) Execute(ctx context.Context, opp *domain.Opportunity) error {
	d.Logger.Info("dry-run execution",
		"id", opp.ID,
		"type", string(opp.Type),
		"tokenIn", opp.TokenIn,
		"tokenOut", opp.TokenOut,
		"amountIn", opp.AmountIn,
		"confidence", opp.Confidence)
	return nil
}
