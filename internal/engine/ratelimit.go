// Package engine orchestrates rule evaluation: rule selection, rate
// limiting, target fan-out, action dispatch and execution logging.
package engine

import (
	"fmt"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Rate limiter.
 *
 * CanExecuteNow is the pure decision; the orchestrator wraps it in a store
 * transaction that reserves the slot (reads last_run_at and the day count,
 * decides, and stamps last_run_at in the same transaction) so two
 * concurrent ticks cannot double-fire a rate-limited rule.
 *
 * A skipped rule still gets an ExecutionRecord with was_triggered=false and
 * the skip reason as comment, but skips never touch the rule's counters.
 */

// CanExecuteNow decides whether a rule may run at now. triggeredToday is
// the count of was_triggered=true executions since local midnight. Returns
// the skip reason when the answer is no.
func CanExecuteNow(rule *types.Rule, triggeredToday int, now time.Time) (bool, string) {
	if !rule.IsActive {
		return false, "rule is inactive"
	}
	if !rule.IsApproved {
		return false, "rule is not approved"
	}
	if rule.EffectiveFrom != nil && now.Before(*rule.EffectiveFrom) {
		return false, fmt.Sprintf("rule not effective until %s", rule.EffectiveFrom.Format(time.RFC3339))
	}
	if rule.EffectiveUntil != nil && now.After(*rule.EffectiveUntil) {
		return false, fmt.Sprintf("rule validity ended at %s", rule.EffectiveUntil.Format(time.RFC3339))
	}
	if rule.MinIntervalSeconds > 0 && rule.LastRunAt != nil {
		elapsed := now.Sub(*rule.LastRunAt)
		min := time.Duration(rule.MinIntervalSeconds) * time.Second
		if elapsed < min {
			return false, fmt.Sprintf("minimum interval not elapsed: %.0fs since last run, interval is %ds",
				elapsed.Seconds(), rule.MinIntervalSeconds)
		}
	}
	if rule.MaxTriggersPerDay > 0 && triggeredToday >= rule.MaxTriggersPerDay {
		return false, fmt.Sprintf("daily trigger cap reached: %d of %d since midnight",
			triggeredToday, rule.MaxTriggersPerDay)
	}
	return true, ""
}

// StartOfDay returns local midnight for the day containing t. Day caps
// count triggers since local midnight, not a rolling 24h window.
func StartOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
