package rules

import (
	"fmt"
	"time"

	"governance-reconciler/internal/models"
)

// Rule is one automation behavior: scan records of SourceKind, and for each
// record where Matches holds, keep exactly one TargetKind record alive.
// Rules are pure configuration. Predicates take the run's "now" and never
// read the wall clock, so evaluation is deterministic.
type Rule struct {
	ID          string
	Name        string
	SourceKind  models.SourceKind
	TargetKind  models.TargetKind
	Matches     func(src models.SourceRecord, now time.Time) bool
	Materialize func(src models.SourceRecord) models.TargetPayload
}

// licenseExpiryNotice is the window before license expiry that opens a
// compliance ticket.
const licenseExpiryNotice = 30 * 24 * time.Hour

// defaultRenewalNoticeDays applies when a contract has no notice window set.
const defaultRenewalNoticeDays = 30

// Catalog returns the static rule set. Adding a rule here is all that is
// needed; the coordinator iterates whatever this returns.
func Catalog() []Rule {
	return []Rule{
		{
			ID:         "contract-renewal",
			Name:       "Expiring vendor contract",
			SourceKind: models.SourceContract,
			TargetKind: models.TargetRisk,
			Matches: func(src models.SourceRecord, now time.Time) bool {
				if src.EndDate == nil {
					return false
				}
				notice := src.RenewalNoticeDays
				if notice <= 0 {
					notice = defaultRenewalNoticeDays
				}
				return src.EndDate.Sub(now) <= time.Duration(notice)*24*time.Hour
			},
			Materialize: func(src models.SourceRecord) models.TargetPayload {
				return models.TargetPayload{
					Title:       fmt.Sprintf("Contract renewal due: %s", src.Title),
					Description: fmt.Sprintf("Vendor contract %q ends %s and is inside its renewal notice window. Assess renewal or replacement.", src.Title, src.EndDate.Format("2006-01-02")),
					Severity:    "medium",
					OriginNote:  originNote("contract-renewal", src),
				}
			},
		},
		{
			ID:         "license-compliance",
			Name:       "License over-allocated or expiring",
			SourceKind: models.SourceLicense,
			TargetKind: models.TargetTicket,
			Matches: func(src models.SourceRecord, now time.Time) bool {
				if src.UsedSeats > src.TotalSeats && src.TotalSeats > 0 {
					return true
				}
				return src.ExpiryDate != nil && src.ExpiryDate.Sub(now) <= licenseExpiryNotice
			},
			Materialize: func(src models.SourceRecord) models.TargetPayload {
				desc := fmt.Sprintf("License %q needs attention: %d of %d seats in use", src.Title, src.UsedSeats, src.TotalSeats)
				if src.ExpiryDate != nil {
					desc += fmt.Sprintf(", expires %s", src.ExpiryDate.Format("2006-01-02"))
				}
				return models.TargetPayload{
					Title:       fmt.Sprintf("License compliance: %s", src.Title),
					Description: desc + ".",
					Severity:    "medium",
					OriginNote:  originNote("license-compliance", src),
				}
			},
		},
		{
			ID:         "policy-review-overdue",
			Name:       "Overdue policy review",
			SourceKind: models.SourcePolicy,
			TargetKind: models.TargetFinding,
			Matches: func(src models.SourceRecord, now time.Time) bool {
				return src.NextReviewDue != nil && src.NextReviewDue.Before(now)
			},
			Materialize: func(src models.SourceRecord) models.TargetPayload {
				return models.TargetPayload{
					Title:       fmt.Sprintf("Policy review overdue: %s", src.Title),
					Description: fmt.Sprintf("Policy %q was due for review on %s and has not been reviewed.", src.Title, src.NextReviewDue.Format("2006-01-02")),
					Severity:    "low",
					OriginNote:  originNote("policy-review-overdue", src),
				}
			},
		},
		{
			ID:         "critical-vulnerability",
			Name:       "Critical unpatched vulnerability",
			SourceKind: models.SourceVulnerability,
			TargetKind: models.TargetChangeRequest,
			Matches: func(src models.SourceRecord, _ time.Time) bool {
				if src.Severity != "critical" {
					return false
				}
				return src.Status != "patched" && src.Status != "mitigated"
			},
			Materialize: func(src models.SourceRecord) models.TargetPayload {
				return models.TargetPayload{
					Title:       fmt.Sprintf("Remediate critical vulnerability: %s", src.Title),
					Description: fmt.Sprintf("Vulnerability %q is critical and not yet patched or mitigated. Schedule remediation.", src.Title),
					Severity:    "critical",
					OriginNote:  originNote("critical-vulnerability", src),
				}
			},
		},
	}
}

func originNote(ruleID string, src models.SourceRecord) string {
	return fmt.Sprintf("created by automation rule %s from %s %s", ruleID, src.Kind, src.ID)
}
