package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	ActivationStarted       ActivationResult = "started"
	ActivationStartedHeld   ActivationResult = "started_with_holdings"
	ActivationStopped       ActivationResult = "stopped"
	ActivationAlreadyActive ActivationResult = "already_active"
	ActivationAlreadyIdle   ActivationResult = "already_idle"
	ActivationNoData        ActivationResult = "no_market_data"
)

// ActivationResult reports what an activate/deactivate request changed.
type ActivationResult string

// Activate turns a subscription on. heldUnits lets the user declare an
// existing position ("I already hold N units") so the first sell signal
// liquidates it instead of being ignored; zero starts flat.
func (c *Coordinator) Activate(ctx context.Context, sub types.Subscription, heldUnits float64) (ActivationResult, error) {
	if sub.Active {
		return ActivationAlreadyActive, nil
	}

	// A market with no bar history can never produce a decision, so the
	// request fails up front with a reason the caller can render.
	latest, err := c.bars.Latest(ctx, sub.Market)
	if err != nil {
		return "", fmt.Errorf("checking market data for %s: %w", sub.Market, err)
	}
	if latest.IsZero() {
		return ActivationNoData, nil
	}

	state := types.Flat()
	result := ActivationStarted
	if heldUnits > 0 {
		state = types.PositionState{Holding: true, UnitsPendingSale: heldUnits}
		result = ActivationStartedHeld
	}
	if err := c.subs.UpdatePosition(ctx, sub.ID, state); err != nil {
		return "", fmt.Errorf("setting initial position for subscription %d: %w", sub.ID, err)
	}
	if err := c.subs.SetActive(ctx, sub.ID, true); err != nil {
		return "", fmt.Errorf("activating subscription %d: %w", sub.ID, err)
	}

	slog.Info("Subscription activated", "subscription", sub.ID, "heldUnits", heldUnits)
	return result, nil
}

// Deactivate turns a subscription off and clears its position. Any held
// units stay in the user's account untouched; stopping never sells.
func (c *Coordinator) Deactivate(ctx context.Context, sub types.Subscription) (ActivationResult, error) {
	if !sub.Active {
		return ActivationAlreadyIdle, nil
	}

	if err := c.subs.SetActive(ctx, sub.ID, false); err != nil {
		return "", fmt.Errorf("deactivating subscription %d: %w", sub.ID, err)
	}
	if err := c.subs.UpdatePosition(ctx, sub.ID, types.Flat()); err != nil {
		return "", fmt.Errorf("clearing position for subscription %d: %w", sub.ID, err)
	}
	if err := c.subs.RecomputeAllocation(ctx, sub.UserID); err != nil {
		slog.Warn("Allocation recompute failed", "user", sub.UserID, "error", err)
	}

	slog.Info("Subscription deactivated", "subscription", sub.ID)
	return ActivationStopped, nil
}
