package engine

import (
	"context"
	"fmt"
	"time"

	"governance-reconciler/internal/models"
	"governance-reconciler/internal/rules"
)

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeSkipped
	outcomeError
)

// reconcileSource brings the (rule, source) pair to its desired state:
// exactly one ledger link pointing at exactly one live target. Each call
// is its own small unit of work; nothing spans the whole pass.
func (e *Engine) reconcileSource(ctx context.Context, rule rules.Rule, src models.SourceRecord, now time.Time) (outcome, error) {
	key := models.LinkKey{
		TenantID:       src.TenantID,
		AutomationType: rule.ID,
		SourceType:     rule.SourceKind,
		SourceID:       src.ID,
		TargetType:     rule.TargetKind,
	}

	link, found, err := e.store.FindLink(ctx, key)
	if err != nil {
		return outcomeError, err
	}

	payload := rule.Materialize(src)

	if found && link.TargetID != nil {
		target, alive, err := e.store.GetTarget(ctx, rule.TargetKind, src.TenantID, *link.TargetID)
		if err != nil {
			return outcomeError, err
		}
		if alive {
			result := outcomeUpdated
			if models.TargetClosed(rule.TargetKind, target.Status) {
				// A human closed this; do not fight that decision.
				result = outcomeSkipped
			} else if err := e.store.RefreshTarget(ctx, rule.TargetKind, src.TenantID, target.ID, payload); err != nil {
				return outcomeError, err
			}
			link.Status = models.LinkActive
			link.LastEvaluatedAt = now
			if _, err := e.store.UpsertLink(ctx, link); err != nil {
				return outcomeError, err
			}
			return result, nil
		}
		// Target deleted out-of-band; rematerialize below onto the same link.
	}

	targetID, err := e.store.CreateTarget(ctx, rule.TargetKind, src.TenantID, payload)
	if err != nil {
		return outcomeError, err
	}

	next := models.AutomationLink{
		TenantID:        key.TenantID,
		AutomationType:  key.AutomationType,
		SourceType:      key.SourceType,
		SourceID:        key.SourceID,
		TargetType:      key.TargetType,
		TargetID:        &targetID,
		Status:          models.LinkActive,
		LastEvaluatedAt: now,
		Notes:           payload.OriginNote,
	}
	if found {
		next.ID = link.ID
	}
	if _, err := e.store.UpsertLink(ctx, next); err != nil {
		return outcomeError, fmt.Errorf("link target %s: %w", targetID, err)
	}
	return outcomeCreated, nil
}
