package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"governance-reconciler/internal/models"
)

// ErrRunActive signals that a reconciliation run is already recorded as
// running for the tenant. The partial unique index on automation_runs
// enforces this; callers treat it as "already in progress", not a fault.
var ErrRunActive = errors.New("a run is already active for this tenant")

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- Link Ledger ----

const linkColumns = `id, tenant_id, automation_type, source_type, source_id, target_type, target_id, status, last_evaluated_at, notes, created_at, updated_at`

// FindLink returns the link for the identity tuple, if one exists.
func (s *Store) FindLink(ctx context.Context, key models.LinkKey) (models.AutomationLink, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+linkColumns+`
		FROM automation_links
		WHERE tenant_id = $1 AND automation_type = $2 AND source_type = $3 AND source_id = $4 AND target_type = $5
	`, key.TenantID, key.AutomationType, key.SourceType, key.SourceID, key.TargetType)

	link, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationLink{}, false, nil
	}
	if err != nil {
		return models.AutomationLink{}, false, fmt.Errorf("find link: %w", err)
	}
	return link, true, nil
}

// UpsertLink inserts the link or, when the identity tuple already exists,
// updates target_id, status, last_evaluated_at, and notes in place. Racing
// writers for the same tuple converge on one row; last writer wins on
// last_evaluated_at. The caller passes the existing target_id unchanged
// unless it deliberately rematerialized the target.
func (s *Store) UpsertLink(ctx context.Context, link models.AutomationLink) (models.AutomationLink, error) {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO automation_links (id, tenant_id, automation_type, source_type, source_id, target_type, target_id, status, last_evaluated_at, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (tenant_id, automation_type, source_type, source_id, target_type) DO UPDATE
		SET target_id = EXCLUDED.target_id,
		    status = EXCLUDED.status,
		    last_evaluated_at = EXCLUDED.last_evaluated_at,
		    notes = EXCLUDED.notes,
		    updated_at = NOW()
		RETURNING `+linkColumns+`
	`, link.ID, link.TenantID, link.AutomationType, link.SourceType, link.SourceID, link.TargetType,
		link.TargetID, link.Status, link.LastEvaluatedAt, link.Notes)

	saved, err := scanLink(row)
	if err != nil {
		return models.AutomationLink{}, fmt.Errorf("upsert link: %w", err)
	}
	return saved, nil
}

// MarkLinksStale flags every active link of one rule whose source is no
// longer matching. The historical edge stays for audit; only status moves.
// It returns how many links were flagged.
func (s *Store) MarkLinksStale(ctx context.Context, tenantID, automationType string, sourceType models.SourceKind, targetType models.TargetKind, activeSourceIDs []string) (int, error) {
	if activeSourceIDs == nil {
		activeSourceIDs = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_links
		SET status = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND automation_type = $3 AND source_type = $4 AND target_type = $5
		  AND status = $6 AND NOT (source_id = ANY($7))
	`, models.LinkStale, tenantID, automationType, sourceType, targetType, models.LinkActive, activeSourceIDs)
	if err != nil {
		return 0, fmt.Errorf("mark links stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LinkSummary counts the tenant's links in total and per target kind.
func (s *Store) LinkSummary(ctx context.Context, tenantID string) (models.LinkSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_type, COUNT(*) FROM automation_links WHERE tenant_id = $1 GROUP BY target_type
	`, tenantID)
	if err != nil {
		return models.LinkSummary{}, fmt.Errorf("link summary: %w", err)
	}
	defer rows.Close()

	summary := models.LinkSummary{ByType: map[models.TargetKind]int{}}
	for rows.Next() {
		var kind models.TargetKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return models.LinkSummary{}, fmt.Errorf("scan link summary: %w", err)
		}
		summary.ByType[kind] = n
		summary.Total += n
	}
	if err := rows.Err(); err != nil {
		return models.LinkSummary{}, fmt.Errorf("link summary rows: %w", err)
	}
	return summary, nil
}

func scanLink(row pgx.Row) (models.AutomationLink, error) {
	var link models.AutomationLink
	var targetID pgtype.Text
	if err := row.Scan(&link.ID, &link.TenantID, &link.AutomationType, &link.SourceType, &link.SourceID,
		&link.TargetType, &targetID, &link.Status, &link.LastEvaluatedAt, &link.Notes,
		&link.CreatedAt, &link.UpdatedAt); err != nil {
		return models.AutomationLink{}, err
	}
	link.TargetID = textPtr(targetID)
	return link, nil
}

// ---- Automation runs ----

// CreateRun inserts a run row in the running state. The partial unique
// index (one running row per tenant) makes this the store-level
// single-flight guard: a second concurrent insert fails with ErrRunActive.
func (s *Store) CreateRun(ctx context.Context, tenantID, trigger string, startedAt time.Time) (models.AutomationRun, error) {
	run := models.AutomationRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_runs (id, tenant_id, trigger, status, started_at, processed_count, created_count, updated_count, skipped_count, error_count, details, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0, 0, '', $5)
	`, run.ID, run.TenantID, run.Trigger, run.Status, run.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.AutomationRun{}, ErrRunActive
		}
		return models.AutomationRun{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun records the single terminal transition of a run. completed_at
// is only ever written here, and only while the row is still running.
func (s *Store) FinishRun(ctx context.Context, id, status string, counts models.RunCounts, details string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status = $2, completed_at = $3,
		    processed_count = $4, created_count = $5, updated_count = $6, skipped_count = $7, error_count = $8,
		    details = $9
		WHERE id = $1 AND status = $10
	`, id, status, completedAt,
		counts.Processed, counts.Created, counts.Updated, counts.Skipped, counts.Errors,
		details, models.RunRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s is not running", id)
	}
	return nil
}

// LatestRun returns the tenant's most recent run, if any.
func (s *Store) LatestRun(ctx context.Context, tenantID string) (*models.AutomationRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, trigger, status, started_at, completed_at, processed_count, created_count, updated_count, skipped_count, error_count, details, created_at
		FROM automation_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, tenantID)

	var run models.AutomationRun
	var completed pgtype.Timestamptz
	err := row.Scan(&run.ID, &run.TenantID, &run.Trigger, &run.Status, &run.StartedAt, &completed,
		&run.Processed, &run.Created, &run.Updated, &run.Skipped, &run.Errors,
		&run.Details, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// FailStaleRuns transitions running rows older than maxAge to failed. A
// crashed process leaves its row running forever otherwise, which would
// block every future run for the tenant.
func (s *Store) FailStaleRuns(ctx context.Context, tenantID string, maxAge time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status = $1, completed_at = $2, details = details || $3
		WHERE tenant_id = $4 AND status = $5 AND started_at < $6
	`, models.RunFailed, now, "\nrun abandoned: exceeded maximum duration", tenantID, models.RunRunning, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- Source records (read-only; owned by other modules) ----

// ListSources reads every record of the kind for the tenant. The engine
// applies rule predicates afterwards; no filtering happens here beyond
// tenant scoping.
func (s *Store) ListSources(ctx context.Context, kind models.SourceKind, tenantID string) ([]models.SourceRecord, error) {
	var (
		query string
		scan  func(rows pgx.Rows) (models.SourceRecord, error)
	)

	switch kind {
	case models.SourceContract:
		query = `SELECT id, title, status, end_date, renewal_notice_days FROM vendor_contracts WHERE tenant_id = $1`
		scan = func(rows pgx.Rows) (models.SourceRecord, error) {
			src := models.SourceRecord{Kind: kind, TenantID: tenantID}
			var end pgtype.Timestamptz
			if err := rows.Scan(&src.ID, &src.Title, &src.Status, &end, &src.RenewalNoticeDays); err != nil {
				return src, err
			}
			src.EndDate = timePtr(end)
			return src, nil
		}
	case models.SourceLicense:
		query = `SELECT id, title, status, expiry_date, total_seats, used_seats FROM software_licenses WHERE tenant_id = $1`
		scan = func(rows pgx.Rows) (models.SourceRecord, error) {
			src := models.SourceRecord{Kind: kind, TenantID: tenantID}
			var expiry pgtype.Timestamptz
			if err := rows.Scan(&src.ID, &src.Title, &src.Status, &expiry, &src.TotalSeats, &src.UsedSeats); err != nil {
				return src, err
			}
			src.ExpiryDate = timePtr(expiry)
			return src, nil
		}
	case models.SourcePolicy:
		query = `SELECT id, title, status, next_review_due FROM policies WHERE tenant_id = $1`
		scan = func(rows pgx.Rows) (models.SourceRecord, error) {
			src := models.SourceRecord{Kind: kind, TenantID: tenantID}
			var due pgtype.Timestamptz
			if err := rows.Scan(&src.ID, &src.Title, &src.Status, &due); err != nil {
				return src, err
			}
			src.NextReviewDue = timePtr(due)
			return src, nil
		}
	case models.SourceVulnerability:
		query = `SELECT id, title, status, severity FROM vulnerabilities WHERE tenant_id = $1`
		scan = func(rows pgx.Rows) (models.SourceRecord, error) {
			src := models.SourceRecord{Kind: kind, TenantID: tenantID}
			if err := rows.Scan(&src.ID, &src.Title, &src.Status, &src.Severity); err != nil {
				return src, err
			}
			return src, nil
		}
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list %s sources: %w", kind, err)
	}
	defer rows.Close()

	var out []models.SourceRecord
	for rows.Next() {
		src, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s source: %w", kind, err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s sources: %w", kind, err)
	}
	return out, nil
}

// ---- Target records (created/refreshed by materialization) ----

// targetTables maps each target kind to its backing table. All four share
// the same column shape, so one set of statements serves every kind.
var targetTables = map[models.TargetKind]string{
	models.TargetRisk:          "risk_items",
	models.TargetTicket:        "service_tickets",
	models.TargetFinding:       "compliance_findings",
	models.TargetChangeRequest: "change_requests",
}

func targetTable(kind models.TargetKind) (string, error) {
	table, ok := targetTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown target kind %q", kind)
	}
	return table, nil
}

// CreateTarget inserts a new downstream record in its module's open state
// and returns its id.
func (s *Store) CreateTarget(ctx context.Context, kind models.TargetKind, tenantID string, p models.TargetPayload) (string, error) {
	table, err := targetTable(kind)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+table+` (id, tenant_id, title, description, severity, status, origin_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, NOW(), NOW())
	`, id, tenantID, p.Title, p.Description, p.Severity, p.OriginNote)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", kind, err)
	}
	return id, nil
}

// GetTarget fetches a downstream record; found is false when it was
// deleted out-of-band.
func (s *Store) GetTarget(ctx context.Context, kind models.TargetKind, tenantID, id string) (models.TargetRecord, bool, error) {
	table, err := targetTable(kind)
	if err != nil {
		return models.TargetRecord{}, false, err
	}
	rec := models.TargetRecord{Kind: kind}
	err = s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, status FROM `+table+` WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&rec.ID, &rec.TenantID, &rec.Title, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TargetRecord{}, false, nil
	}
	if err != nil {
		return models.TargetRecord{}, false, fmt.Errorf("get %s: %w", kind, err)
	}
	return rec, true, nil
}

// RefreshTarget rewrites the mutable fields of a live downstream record.
// Status is untouched; only a human moves a target out of its open states.
func (s *Store) RefreshTarget(ctx context.Context, kind models.TargetKind, tenantID, id string, p models.TargetPayload) error {
	table, err := targetTable(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE `+table+`
		SET title = $3, description = $4, severity = $5, origin_note = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, p.Title, p.Description, p.Severity, p.OriginNote)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", kind, err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
