package models

import (
	"time"
)

// SourceKind identifies which governance module owns a scanned record.
type SourceKind string

const (
	SourceContract      SourceKind = "contract"
	SourceLicense       SourceKind = "license"
	SourcePolicy        SourceKind = "policy"
	SourceVulnerability SourceKind = "vulnerability"
)

// TargetKind identifies which governance module owns a materialized record.
type TargetKind string

const (
	TargetRisk          TargetKind = "risk"
	TargetTicket        TargetKind = "ticket"
	TargetFinding       TargetKind = "finding"
	TargetChangeRequest TargetKind = "change_request"
)

// Link status values persisted in Postgres.
const (
	LinkActive = "active"
	LinkStale  = "stale"
)

// Run lifecycle states persisted in Postgres.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run trigger origins.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// LinkKey is the identity tuple of an automation link. For a given rule and
// source record there is at most one link per target kind, ever.
type LinkKey struct {
	TenantID       string     `json:"tenant_id"`
	AutomationType string     `json:"automation_type"`
	SourceType     SourceKind `json:"source_type"`
	SourceID       string     `json:"source_id"`
	TargetType     TargetKind `json:"target_type"`
}

// AutomationLink is one durable edge recording that automation has acted on
// a source record. Never deleted by the engine; marked stale instead.
type AutomationLink struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	AutomationType  string     `json:"automation_type"`
	SourceType      SourceKind `json:"source_type"`
	SourceID        string     `json:"source_id"`
	TargetType      TargetKind `json:"target_type"`
	TargetID        *string    `json:"target_id,omitempty"`
	Status          string     `json:"status"`
	LastEvaluatedAt time.Time  `json:"last_evaluated_at"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key returns the identity tuple of the link.
func (l AutomationLink) Key() LinkKey {
	return LinkKey{
		TenantID:       l.TenantID,
		AutomationType: l.AutomationType,
		SourceType:     l.SourceType,
		SourceID:       l.SourceID,
		TargetType:     l.TargetType,
	}
}

// RunCounts aggregates outcomes over one reconciliation pass.
type RunCounts struct {
	Processed int `json:"processed_count"`
	Created   int `json:"created_count"`
	Updated   int `json:"updated_count"`
	Skipped   int `json:"skipped_count"`
	Errors    int `json:"error_count"`
}

// AutomationRun is one execution of the full rule catalog for a tenant.
// Immutable once it reaches a terminal status.
type AutomationRun struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Trigger     string     `json:"trigger"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RunCounts
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkSummary is the ledger rollup exposed by the status facade.
type LinkSummary struct {
	Total  int                `json:"total"`
	ByType map[TargetKind]int `json:"by_type"`
}

// EngineStatus is the read-only view returned by GET /automation/status.
type EngineStatus struct {
	Running     bool           `json:"running"`
	LastRun     *AutomationRun `json:"last_run,omitempty"`
	LinkSummary LinkSummary    `json:"link_summary"`
}

// SourceRecord is a flattened, read-only projection of a record owned by
// another module. Only the fields a Kind's predicates read are populated.
type SourceRecord struct {
	Kind     SourceKind `json:"kind"`
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`

	// contract
	EndDate           *time.Time `json:"end_date,omitempty"`
	RenewalNoticeDays int        `json:"renewal_notice_days,omitempty"`

	// license
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	TotalSeats int        `json:"total_seats,omitempty"`
	UsedSeats  int        `json:"used_seats,omitempty"`

	// policy
	NextReviewDue *time.Time `json:"next_review_due,omitempty"`

	// vulnerability
	Severity string `json:"severity,omitempty"`
}

// TargetPayload carries the fields a rule writes when creating or
// refreshing a target record.
type TargetPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	OriginNote  string `json:"origin_note"`
}

// TargetRecord is the slice of a downstream record the engine reads back
// when deciding whether to refresh or skip.
type TargetRecord struct {
	Kind     TargetKind `json:"kind"`
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`
}

// closedTargetStates lists, per target kind, the terminal states a human
// put the record into. The engine never reopens work in these states.
var closedTargetStates = map[TargetKind]map[string]bool{
	TargetRisk:          {"closed": true, "accepted": true},
	TargetTicket:        {"resolved": true, "closed": true},
	TargetFinding:       {"resolved": true, "closed": true},
	TargetChangeRequest: {"completed": true, "cancelled": true},
}

// TargetClosed reports whether a target record is in a terminal state for
// its kind.
func TargetClosed(kind TargetKind, status string) bool {
	return closedTargetStates[kind][status]
}
